package notify

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"time"

	"github.com/sideshow/apns2"
	"github.com/sideshow/apns2/payload"
	"github.com/sideshow/apns2/token"
	"go.uber.org/multierr"
	"golang.org/x/net/http2"
)

// APNsConfig holds token-based Apple Push credentials.
type APNsConfig struct {
	KeyFile    string
	KeyID      string
	TeamID     string
	Topic      string
	Production bool
}

// APNsGateway pushes to iOS devices through Apple Push Notification service.
// Messages for other platforms are skipped.
type APNsGateway struct {
	client *apns2.Client
	topic  string
}

// NewAPNsGateway loads the .p8 signing key and builds an HTTP/2 client.
func NewAPNsGateway(cfg APNsConfig) (*APNsGateway, error) {
	authKey, err := token.AuthKeyFromFile(cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("loading APNs key: %w", err)
	}
	client := &apns2.Client{
		Token: &token.Token{AuthKey: authKey, KeyID: cfg.KeyID, TeamID: cfg.TeamID},
		HTTPClient: &http.Client{
			Transport: &http2.Transport{
				DialTLS:         apns2.DialTLS,
				TLSClientConfig: &tls.Config{},
			},
			Timeout: apns2.HTTPClientTimeout,
		},
		Host: apns2.HostDevelopment,
	}
	if cfg.Production {
		client.Host = apns2.HostProduction
	}
	return NewAPNsGatewayWithClient(client, cfg.Topic), nil
}

// NewAPNsGatewayWithClient wraps a preconfigured client.
func NewAPNsGatewayWithClient(client *apns2.Client, topic string) *APNsGateway {
	return &APNsGateway{client: client, topic: topic}
}

// Send pushes each iOS message. Every failure is collected.
func (g *APNsGateway) Send(ctx context.Context, msgs []Message) error {
	var errs error
	for _, m := range msgs {
		if m.Platform != "" && m.Platform != "ios" {
			continue
		}
		pl := payload.NewPayload().AlertTitle(m.Title).AlertBody(m.Body).Sound("default")
		for k, v := range m.Data {
			pl.Custom(k, v)
		}
		resp, err := g.client.PushWithContext(ctx, &apns2.Notification{
			DeviceToken: m.To,
			Topic:       g.topic,
			Expiration:  time.Now().Add(24 * time.Hour),
			Payload:     pl,
		})
		if err != nil {
			errs = multierr.Append(errs, classifyTransport(err))
			continue
		}
		if !resp.Sent() {
			errs = multierr.Append(errs, fmt.Errorf("%w: apns push failed (%d): %s",
				gatewayClass(resp.StatusCode), resp.StatusCode, resp.Reason))
		}
	}
	return errs
}
