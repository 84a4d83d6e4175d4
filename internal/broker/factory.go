package broker

import (
	"fmt"
	"net/http"
	"sync"

	"brokerlink/internal/domain"
	"brokerlink/internal/util"
)

// Options configures venue endpoints. Empty URLs select the public defaults.
type Options struct {
	AlpacaBaseURL  string
	AlpacaDataURL  string
	AlpacaFeed     string
	KiteBaseURL    string
	KiteRatePerMin int
	HTTPClient     *http.Client
}

// Factory builds adapters keyed on broker kind.
type Factory struct {
	opts    Options
	sandbox *SandboxBook

	mu       sync.Mutex
	limiters map[string]*util.RateLimiter // per Kite API key
}

// NewFactory creates a Factory. sandbox may be nil when sandbox mode is off.
func NewFactory(opts Options, sandbox *SandboxBook) *Factory {
	return &Factory{opts: opts, sandbox: sandbox, limiters: make(map[string]*util.RateLimiter)}
}

// Sandbox returns the simulator for (kind, accountKey).
func (f *Factory) Sandbox(kind domain.BrokerKind, accountKey string) *SimulatorBroker {
	f.mu.Lock()
	if f.sandbox == nil {
		f.sandbox = NewSandboxBook(nil)
	}
	sb := f.sandbox
	f.mu.Unlock()
	return sb.Broker(kind, accountKey)
}

// Alpaca builds an Alpaca adapter.
func (f *Factory) Alpaca(creds AlpacaCredentials) *AlpacaBroker {
	return NewAlpacaBroker(creds, f.opts.AlpacaBaseURL, f.opts.AlpacaDataURL, f.opts.AlpacaFeed)
}

// Kite builds a Kite adapter sharing one rate limiter per API key.
func (f *Factory) Kite(creds KiteCredentials) *KiteBroker {
	var limiter *util.RateLimiter
	if f.opts.KiteRatePerMin > 0 {
		f.mu.Lock()
		limiter = f.limiters[creds.APIKey]
		if limiter == nil {
			limiter = util.NewRateLimiter(f.opts.KiteRatePerMin)
			f.limiters[creds.APIKey] = limiter
		}
		f.mu.Unlock()
	}
	return NewKiteBroker(creds, f.opts.KiteBaseURL, f.opts.HTTPClient, limiter)
}

// New decodes credentials for kind with decode and builds the adapter.
func (f *Factory) New(kind domain.BrokerKind, decode func(out any) error) (Broker, error) {
	switch kind {
	case domain.BrokerAlpaca:
		var creds AlpacaCredentials
		if err := decode(&creds); err != nil {
			return nil, fmt.Errorf("decoding alpaca credentials: %w", err)
		}
		return f.Alpaca(creds), nil
	case domain.BrokerZerodha:
		var creds KiteCredentials
		if err := decode(&creds); err != nil {
			return nil, fmt.Errorf("decoding zerodha credentials: %w", err)
		}
		return f.Kite(creds), nil
	}
	return nil, fmt.Errorf("%w: unsupported broker %q", domain.ErrValidation, kind)
}
