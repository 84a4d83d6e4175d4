// Package market serves quotes and candles for stored instruments, routing
// each instrument to the venue of its market and persisting fetched candles.
package market

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"brokerlink/internal/broker"
	"brokerlink/internal/domain"
	"brokerlink/internal/store"
)

// MetaInstrumentToken is the instrument metadata key holding Kite's numeric
// token, required for IN candle history.
const MetaInstrumentToken = "instrumentToken"

// MaxQuoteBatch caps the instruments served by one quote batch.
const MaxQuoteBatch = 50

// Adapters resolves a user's adapter for a broker.
type Adapters interface {
	Adapter(ctx context.Context, userID string, kind domain.BrokerKind) (broker.Broker, error)
}

// Store is the persistence the market service needs.
type Store interface {
	store.InstrumentStore
	store.CandleStore
}

// Route says where and under which venue ids an instrument is served.
type Route struct {
	Broker   domain.BrokerKind
	QuoteID  string
	CandleID string // empty when the venue cannot serve history
}

// RouteFor maps an instrument to its venue: US listings go to Alpaca by
// ticker, IN listings to Kite by "EXCHANGE:SYMBOL" for quotes and by
// instrument token for candles.
func RouteFor(inst *domain.Instrument) Route {
	if inst.Market == domain.MarketIN {
		return Route{
			Broker:   domain.BrokerZerodha,
			QuoteID:  inst.ID,
			CandleID: inst.Metadata[MetaInstrumentToken],
		}
	}
	return Route{Broker: domain.BrokerAlpaca, QuoteID: inst.ID, CandleID: inst.ID}
}

// Service implements quote and candle retrieval.
type Service struct {
	adapters    Adapters
	store       Store
	archive     *store.CandleArchive
	log         zerolog.Logger
	callTimeout time.Duration
}

// NewService creates a Service. archive may be nil to skip Parquet mirroring.
func NewService(adapters Adapters, st Store, archive *store.CandleArchive, logger zerolog.Logger) *Service {
	return &Service{
		adapters:    adapters,
		store:       st,
		archive:     archive,
		log:         logger.With().Str("component", "market").Logger(),
		callTimeout: 15 * time.Second,
	}
}

// SetCallTimeout bounds each venue call.
func (s *Service) SetCallTimeout(d time.Duration) {
	if d > 0 {
		s.callTimeout = d
	}
}

// GetQuote returns the latest price of an instrument through the user's
// connection to the instrument's venue.
func (s *Service) GetQuote(ctx context.Context, userID, instrumentID string) (*domain.Quote, error) {
	inst, err := s.store.GetInstrument(ctx, instrumentID)
	if err != nil {
		return nil, err
	}
	return s.quote(ctx, userID, inst)
}

func (s *Service) quote(ctx context.Context, userID string, inst *domain.Instrument) (*domain.Quote, error) {
	route := RouteFor(inst)
	adapter, err := s.adapters.Adapter(ctx, userID, route.Broker)
	if err != nil {
		return nil, err
	}
	cctx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()
	q, err := adapter.GetQuote(cctx, route.QuoteID)
	if err != nil {
		return nil, err
	}
	q.InstrumentID = inst.ID
	return q, nil
}

// QuoteBatch fetches quotes for up to MaxQuoteBatch instruments. Instruments
// that are unknown or whose quote fails are skipped.
func (s *Service) QuoteBatch(ctx context.Context, userID string, instrumentIDs []string) []domain.Quote {
	if len(instrumentIDs) > MaxQuoteBatch {
		instrumentIDs = instrumentIDs[:MaxQuoteBatch]
	}
	out := make([]domain.Quote, 0, len(instrumentIDs))
	for _, id := range instrumentIDs {
		inst, err := s.store.GetInstrument(ctx, id)
		if err != nil {
			s.log.Debug().Err(err).Str("instrument", id).Msg("quote skipped")
			continue
		}
		q, err := s.quote(ctx, userID, inst)
		if err != nil {
			s.log.Debug().Err(err).Str("instrument", id).Msg("quote failed")
			continue
		}
		out = append(out, *q)
	}
	return out
}

// GetCandles fetches bars from the instrument's venue, stores them ignoring
// duplicates and returns the stored bars in [from, to] ascending.
func (s *Service) GetCandles(ctx context.Context, userID, instrumentID string, tf domain.Timeframe, from, to time.Time) ([]domain.Candle, error) {
	if !tf.Valid() {
		return nil, fmt.Errorf("%w: unsupported timeframe %q", domain.ErrValidation, tf)
	}
	if from.IsZero() || to.IsZero() || to.Before(from) {
		return nil, fmt.Errorf("%w: invalid candle range", domain.ErrValidation)
	}

	inst, err := s.store.GetInstrument(ctx, instrumentID)
	if err != nil {
		return nil, err
	}
	route := RouteFor(inst)
	if route.CandleID == "" {
		return nil, fmt.Errorf("%w: %s has no %s metadata for candles", domain.ErrNotFound, inst.ID, MetaInstrumentToken)
	}
	adapter, err := s.adapters.Adapter(ctx, userID, route.Broker)
	if err != nil {
		return nil, err
	}

	cctx, cancel := context.WithTimeout(ctx, s.callTimeout)
	fetched, err := adapter.GetCandles(cctx, broker.CandleRequest{
		InstrumentID: route.CandleID,
		Timeframe:    tf,
		From:         from,
		To:           to,
	})
	cancel()
	if err != nil {
		return nil, err
	}

	if _, err := s.Ingest(ctx, inst.ID, tf, fetched); err != nil {
		return nil, err
	}
	return s.store.ReadCandles(ctx, inst.ID, tf, from, to)
}

// Ingest stores venue bars under the local instrument id and mirrors them
// into the archive. It returns the number of new rows.
func (s *Service) Ingest(ctx context.Context, instrumentID string, tf domain.Timeframe, candles []domain.Candle) (int, error) {
	for i := range candles {
		candles[i].InstrumentID = instrumentID
		candles[i].Timeframe = tf
	}
	n, err := s.store.InsertCandles(ctx, candles)
	if err != nil {
		return 0, fmt.Errorf("storing candles: %w", err)
	}
	if s.archive != nil && len(candles) > 0 {
		if err := s.archive.Write(ctx, candles); err != nil {
			s.log.Warn().Err(err).Str("instrument", instrumentID).Msg("candle archive write failed")
		}
	}
	s.log.Debug().Str("instrument", instrumentID).Str("timeframe", string(tf)).
		Int("fetched", len(candles)).Int("inserted", n).Msg("candles ingested")
	return n, nil
}
