package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"brokerlink/internal/domain"
)

// Message is one push addressed to one device.
type Message struct {
	To       string
	Platform string
	Title    string
	Body     string
	Data     map[string]any
}

// Gateway delivers a batch of messages. A returned error fails the whole
// batch.
type Gateway interface {
	Send(ctx context.Context, msgs []Message) error
}

// ExpoGateway posts batches to the Expo push HTTP API.
type ExpoGateway struct {
	url    string
	client *http.Client
}

// NewExpoGateway creates an ExpoGateway. A nil client uses
// http.DefaultClient.
func NewExpoGateway(url string, client *http.Client) *ExpoGateway {
	if client == nil {
		client = http.DefaultClient
	}
	return &ExpoGateway{url: url, client: client}
}

type expoMessage struct {
	To    string         `json:"to"`
	Sound string         `json:"sound"`
	Title string         `json:"title"`
	Body  string         `json:"body"`
	Data  map[string]any `json:"data"`
}

// Send posts every message in a single request.
func (g *ExpoGateway) Send(ctx context.Context, msgs []Message) error {
	batch := make([]expoMessage, len(msgs))
	for i, m := range msgs {
		data := m.Data
		if data == nil {
			data = map[string]any{}
		}
		batch[i] = expoMessage{To: m.To, Sound: "default", Title: m.Title, Body: m.Body, Data: data}
	}
	body, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("encoding push batch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return classifyTransport(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		text, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%w: expo push failed (%d): %s", gatewayClass(resp.StatusCode), resp.StatusCode,
			strings.TrimSpace(string(text)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func classifyTransport(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: push gateway: %v", domain.ErrTransient, err)
}
