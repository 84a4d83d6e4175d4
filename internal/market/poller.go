package market

import (
	"context"
	"time"

	"brokerlink/internal/domain"
)

// DefaultPollInterval is how often a subscriber receives a quote batch.
const DefaultPollInterval = 2 * time.Second

// QuoteSource produces quote batches.
type QuoteSource interface {
	QuoteBatch(ctx context.Context, userID string, instrumentIDs []string) []domain.Quote
}

// TickerFunc starts a ticker and returns its channel and stop function.
type TickerFunc func(d time.Duration) (<-chan time.Time, func())

func realTicker(d time.Duration) (<-chan time.Time, func()) {
	t := time.NewTicker(d)
	return t.C, t.Stop
}

// Poller repeatedly fetches quotes for one subscriber.
type Poller struct {
	source   QuoteSource
	interval time.Duration
	ticker   TickerFunc
}

// NewPoller creates a Poller. A nil ticker uses time.NewTicker.
func NewPoller(source QuoteSource, interval time.Duration, ticker TickerFunc) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if ticker == nil {
		ticker = realTicker
	}
	return &Poller{source: source, interval: interval, ticker: ticker}
}

// Run polls immediately and then on every tick until ctx is done or emit
// fails. Empty batches are not emitted. At most MaxQuoteBatch instruments
// are polled.
func (p *Poller) Run(ctx context.Context, userID string, instrumentIDs []string, emit func([]domain.Quote) error) error {
	if len(instrumentIDs) > MaxQuoteBatch {
		instrumentIDs = instrumentIDs[:MaxQuoteBatch]
	}
	if len(instrumentIDs) == 0 {
		<-ctx.Done()
		return nil
	}

	tick := func() error {
		quotes := p.source.QuoteBatch(ctx, userID, instrumentIDs)
		if len(quotes) == 0 || ctx.Err() != nil {
			return nil
		}
		return emit(quotes)
	}

	if err := tick(); err != nil {
		return err
	}
	c, stop := p.ticker(p.interval)
	defer stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c:
			if err := tick(); err != nil {
				return err
			}
		}
	}
}
