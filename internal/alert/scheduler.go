package alert

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"brokerlink/internal/domain"
)

// MinInterval is the fastest allowed evaluation cadence.
const MinInterval = 10 * time.Second

// ErrBusy is returned by Tick while another batch is in flight.
var ErrBusy = fmt.Errorf("%w: alert evaluation already running", domain.ErrConflict)

// TickerFunc starts a ticker and returns its channel and stop function.
type TickerFunc func(d time.Duration) (<-chan time.Time, func())

// SchedulerOption customizes a Scheduler.
type SchedulerOption func(*Scheduler)

// WithTicker drives evaluation ticks from ticker instead of the cron clock.
// Tests use it to step the scheduler by hand.
func WithTicker(ticker TickerFunc) SchedulerOption {
	return func(s *Scheduler) { s.ticker = ticker }
}

// Scheduler runs evaluation batches on a fixed interval and on demand. At
// most one batch runs at a time per process.
type Scheduler struct {
	eval     *Evaluator
	interval time.Duration
	cron     *cron.Cron
	ticker   TickerFunc
	running  atomic.Bool
	ctx      context.Context
	cancel   context.CancelFunc
	halt     chan struct{}
	haltOnce sync.Once
	loops    sync.WaitGroup
	log      zerolog.Logger
}

// NewScheduler creates a Scheduler. Intervals below MinInterval are raised.
func NewScheduler(eval *Evaluator, interval time.Duration, logger zerolog.Logger, opts ...SchedulerOption) *Scheduler {
	if interval < MinInterval {
		interval = MinInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		eval:     eval,
		interval: interval,
		cron:     cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		ctx:      ctx,
		cancel:   cancel,
		halt:     make(chan struct{}),
		log:      logger.With().Str("component", "scheduler").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Interval returns the effective evaluation interval.
func (s *Scheduler) Interval() time.Duration { return s.interval }

// AddJob registers fn on a cron schedule such as "@every 5m". Jobs share the
// scheduler's lifetime and never overlap themselves.
func (s *Scheduler) AddJob(schedule, name string, fn func(ctx context.Context) error) error {
	_, err := s.cron.AddFunc(schedule, func() {
		if s.ctx.Err() != nil {
			return
		}
		s.log.Debug().Str("job", name).Msg("running job")
		if err := fn(s.ctx); err != nil {
			s.log.Error().Err(err).Str("job", name).Msg("job failed")
		}
	})
	if err != nil {
		return fmt.Errorf("scheduling %s: %w", name, err)
	}
	s.log.Info().Str("schedule", schedule).Str("job", name).Msg("job registered")
	return nil
}

// Start registers the evaluation tick and starts the cron loop.
func (s *Scheduler) Start() error {
	if s.ticker != nil {
		ticks, stop := s.ticker(s.interval)
		s.loops.Add(1)
		go s.tickLoop(ticks, stop)
	} else {
		err := s.AddJob("@every "+s.interval.String(), "alert-evaluation", s.evaluate)
		if err != nil {
			return err
		}
	}
	s.cron.Start()
	s.log.Info().Dur("interval", s.interval).Msg("scheduler started")
	return nil
}

func (s *Scheduler) evaluate(ctx context.Context) error {
	_, err := s.Tick(ctx, "")
	if errors.Is(err, ErrBusy) {
		s.log.Debug().Msg("previous alert batch still running, tick skipped")
		return nil
	}
	return err
}

func (s *Scheduler) tickLoop(ticks <-chan time.Time, stop func()) {
	defer s.loops.Done()
	defer stop()
	for {
		select {
		case <-s.halt:
			return
		case <-ticks:
			if err := s.evaluate(s.ctx); err != nil {
				s.log.Error().Err(err).Str("job", "alert-evaluation").Msg("job failed")
			}
		}
	}
}

// Stop prevents new ticks and waits for running jobs until ctx expires.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.haltOnce.Do(func() { close(s.halt) })
	cronDone := s.cron.Stop()
	done := make(chan struct{})
	go func() {
		<-cronDone.Done()
		s.loops.Wait()
		close(done)
	}()
	defer s.cancel()
	select {
	case <-done:
		s.log.Info().Msg("scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Tick runs one evaluation batch unless one is already running.
func (s *Scheduler) Tick(ctx context.Context, userID string) (*BatchResult, error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, ErrBusy
	}
	defer s.running.Store(false)
	return s.eval.Run(ctx, userID)
}
