// Package connection manages users' broker connections: validating and
// sealing credentials, tracking connection health and resolving the adapter
// to use for a (user, broker) pair.
package connection

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"brokerlink/internal/broker"
	"brokerlink/internal/domain"
	"brokerlink/internal/store"
	"brokerlink/internal/vault"
)

// AlpacaInput are the credentials a user submits to connect Alpaca.
type AlpacaInput struct {
	KeyID     string `json:"keyId" validate:"required"`
	SecretKey string `json:"secretKey" validate:"required"`
	Env       string `json:"env" validate:"omitempty,oneof=paper live"`
}

// KiteInput are the credentials a user submits to connect Zerodha Kite.
type KiteInput struct {
	APIKey      string `json:"apiKey" validate:"required"`
	AccessToken string `json:"accessToken" validate:"required"`
}

// Service implements the connection workflows.
type Service struct {
	store   store.ConnectionStore
	vault   *vault.Vault
	factory *broker.Factory
	sandbox bool
	log     zerolog.Logger
	now     func() time.Time

	callTimeout time.Duration
}

// NewService creates a Service. In sandbox mode credentials are stored but
// never sent to a venue, and every adapter is a simulator keyed by user.
func NewService(st store.ConnectionStore, v *vault.Vault, f *broker.Factory, sandbox bool, logger zerolog.Logger) *Service {
	return &Service{
		store:       st,
		vault:       v,
		factory:     f,
		sandbox:     sandbox,
		log:         logger.With().Str("component", "connection").Logger(),
		now:         time.Now,
		callTimeout: 15 * time.Second,
	}
}

// SetCallTimeout bounds venue validation calls.
func (s *Service) SetCallTimeout(d time.Duration) {
	if d > 0 {
		s.callTimeout = d
	}
}

// Sandbox reports whether adapters are simulated.
func (s *Service) Sandbox() bool { return s.sandbox }

// ConnectAlpaca validates and stores Alpaca credentials.
func (s *Service) ConnectAlpaca(ctx context.Context, userID string, in AlpacaInput) (*domain.BrokerConnection, error) {
	if err := domain.Validate(in); err != nil {
		return nil, err
	}
	if in.Env == "" {
		in.Env = "paper"
	}
	creds := broker.AlpacaCredentials{KeyID: in.KeyID, SecretKey: in.SecretKey, Env: in.Env}
	return s.connect(ctx, userID, domain.BrokerAlpaca, creds, func() broker.Broker { return s.factory.Alpaca(creds) })
}

// ConnectKite validates and stores Zerodha Kite credentials.
func (s *Service) ConnectKite(ctx context.Context, userID string, in KiteInput) (*domain.BrokerConnection, error) {
	if err := domain.Validate(in); err != nil {
		return nil, err
	}
	creds := broker.KiteCredentials{APIKey: in.APIKey, AccessToken: in.AccessToken}
	return s.connect(ctx, userID, domain.BrokerZerodha, creds, func() broker.Broker { return s.factory.Kite(creds) })
}

func (s *Service) connect(ctx context.Context, userID string, kind domain.BrokerKind, creds any, build func() broker.Broker) (*domain.BrokerConnection, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user id required", domain.ErrValidation)
	}
	if !s.sandbox {
		if err := s.validate(ctx, build()); err != nil {
			s.markError(ctx, userID, kind, err)
			return nil, err
		}
	}

	sealed, err := s.vault.Seal(creds)
	if err != nil {
		return nil, fmt.Errorf("sealing credentials: %w", err)
	}
	now := s.now().UTC()
	conn := &domain.BrokerConnection{
		UserID:      userID,
		Broker:      kind,
		Status:      domain.ConnectionConnected,
		Credentials: sealed,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.UpsertConnection(ctx, conn); err != nil {
		return nil, err
	}
	s.log.Info().Str("user", userID).Str("broker", string(kind)).Bool("sandbox", s.sandbox).Msg("broker connected")
	return redact(conn), nil
}

// Validate re-checks a stored connection against its venue and records the
// outcome as the connection status.
func (s *Service) Validate(ctx context.Context, userID string, kind domain.BrokerKind) (*domain.BrokerConnection, error) {
	conn, err := s.store.GetConnection(ctx, userID, kind)
	if err != nil {
		return nil, err
	}
	adapter, err := s.Adapter(ctx, userID, kind)
	if err != nil {
		return nil, err
	}

	status := domain.ConnectionConnected
	verr := s.validate(ctx, adapter)
	if verr != nil {
		status = domain.ConnectionError
	}
	now := s.now().UTC()
	if err := s.store.SetConnectionStatus(ctx, userID, kind, status, now); err != nil {
		return nil, err
	}
	conn.Status = status
	conn.UpdatedAt = now
	if verr != nil {
		s.log.Warn().Err(verr).Str("user", userID).Str("broker", string(kind)).Msg("connection validation failed")
		return redact(conn), verr
	}
	return redact(conn), nil
}

// List returns the user's connections without credentials.
func (s *Service) List(ctx context.Context, userID string) ([]domain.BrokerConnection, error) {
	conns, err := s.store.ListConnections(ctx, userID)
	if err != nil {
		return nil, err
	}
	for i := range conns {
		conns[i].Credentials = ""
	}
	return conns, nil
}

// Connected lists healthy connections, scoped to userID when not empty.
func (s *Service) Connected(ctx context.Context, userID string) ([]domain.BrokerConnection, error) {
	conns, err := s.List(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := conns[:0]
	for _, c := range conns {
		if c.Status == domain.ConnectionConnected {
			out = append(out, c)
		}
	}
	return out, nil
}

// Adapter returns the adapter for (user, broker). In sandbox mode this is
// the user's simulator; otherwise the stored envelope is opened and a live
// adapter built. A missing connection is domain.ErrNotFound.
func (s *Service) Adapter(ctx context.Context, userID string, kind domain.BrokerKind) (broker.Broker, error) {
	if _, ok := domain.ParseBrokerKind(string(kind)); !ok {
		return nil, fmt.Errorf("%w: unsupported broker %q", domain.ErrValidation, kind)
	}
	if s.sandbox {
		return s.factory.Sandbox(kind, userID), nil
	}
	conn, err := s.store.GetConnection(ctx, userID, kind)
	if err != nil {
		return nil, err
	}
	return s.factory.New(kind, func(out any) error {
		if err := s.vault.Open(conn.Credentials, out); err != nil {
			return fmt.Errorf("%w: stored credentials unreadable: %v", domain.ErrAuth, err)
		}
		return nil
	})
}

func (s *Service) validate(ctx context.Context, b broker.Broker) error {
	cctx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()
	return b.ValidateConnection(cctx)
}

// markError flags an existing connection as unhealthy. Connections are never
// deleted here; a missing row stays missing.
func (s *Service) markError(ctx context.Context, userID string, kind domain.BrokerKind, cause error) {
	err := s.store.SetConnectionStatus(ctx, userID, kind, domain.ConnectionError, s.now().UTC())
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		s.log.Error().Err(err).Str("user", userID).Str("broker", string(kind)).Msg("recording connection error")
		return
	}
	s.log.Warn().Err(cause).Str("user", userID).Str("broker", string(kind)).Msg("broker connect rejected")
}

func redact(c *domain.BrokerConnection) *domain.BrokerConnection {
	out := *c
	out.Credentials = ""
	return &out
}
