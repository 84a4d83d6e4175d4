// Package notify dispatches push notifications through a worker pool with
// bounded retries, and manages device registrations and the alert inbox.
package notify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"brokerlink/internal/domain"
	"brokerlink/internal/store"
	"brokerlink/internal/util"
)

// ErrClosed is returned by Enqueue after Close.
var ErrClosed = errors.New("notification queue closed")

// gatewayClass maps a gateway HTTP status to an error class. Rate limits and
// server errors are worth retrying.
func gatewayClass(status int) error {
	if status == http.StatusTooManyRequests || status >= 500 {
		return domain.ErrTransient
	}
	return domain.ErrExternal
}

// QueueStore is the persistence the queue needs.
type QueueStore interface {
	store.DeviceStore
	store.FailedJobStore
}

// QueueOptions tunes a Queue. Zero values take defaults.
type QueueOptions struct {
	Workers        int
	Attempts       int
	Backoff        time.Duration
	KeepCompleted  int
	KeepFailed     int
	DeviceCap      int
	RequestTimeout time.Duration
	Buffer         int
	Now            func() time.Time
}

func (o *QueueOptions) applyDefaults() {
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.Attempts <= 0 {
		o.Attempts = 3
	}
	if o.Backoff <= 0 {
		o.Backoff = time.Second
	}
	if o.KeepCompleted <= 0 {
		o.KeepCompleted = 100
	}
	if o.KeepFailed <= 0 {
		o.KeepFailed = 500
	}
	if o.DeviceCap <= 0 {
		o.DeviceCap = 30
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 10 * time.Second
	}
	if o.Buffer <= 0 {
		o.Buffer = 1024
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Job is a queued notification and its delivery state.
type Job struct {
	ID           string              `json:"id"`
	Notification domain.Notification `json:"notification"`
	Attempts     int                 `json:"attempts"`
	LastError    string              `json:"lastError,omitempty"`
	Devices      int                 `json:"devices"`
	EnqueuedAt   time.Time           `json:"enqueuedAt"`
	FinishedAt   time.Time           `json:"finishedAt,omitempty"`
}

// Stats summarizes queue activity since start.
type Stats struct {
	Queued    int `json:"queued"`
	Retrying  int `json:"retrying"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// Queue is an at-least-once notification queue served by a fixed worker
// pool. Failed deliveries are retried with exponential backoff up to the
// attempt cap and then retained as failed jobs.
type Queue struct {
	store   QueueStore
	gateway Gateway
	opts    QueueOptions
	log     zerolog.Logger

	jobs  chan *Job
	quit  chan struct{}
	wg    sync.WaitGroup
	sends sync.WaitGroup // hand-offs to jobs registered before close

	mu        sync.Mutex
	started   bool
	closed    bool
	timers    map[*time.Timer]*Job
	completed []Job
	failed    []Job
	nDone     int
	nFailed   int
}

// NewQueue creates a Queue. Call Start to launch the workers.
func NewQueue(st QueueStore, gw Gateway, logger zerolog.Logger, opts QueueOptions) *Queue {
	opts.applyDefaults()
	return &Queue{
		store:   st,
		gateway: gw,
		opts:    opts,
		log:     logger.With().Str("component", "notify").Logger(),
		jobs:    make(chan *Job, opts.Buffer),
		quit:    make(chan struct{}),
		timers:  make(map[*time.Timer]*Job),
	}
}

// Start launches the worker pool.
func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started || q.closed {
		return
	}
	q.started = true
	for w := 0; w < q.opts.Workers; w++ {
		q.wg.Add(1)
		go q.worker()
	}
	q.log.Info().Int("workers", q.opts.Workers).Msg("notification queue started")
}

// Enqueue adds a notification job.
func (q *Queue) Enqueue(ctx context.Context, n domain.Notification) error {
	if n.UserID == "" {
		return fmt.Errorf("%w: notification without user", domain.ErrValidation)
	}
	job := &Job{ID: uuid.NewString(), Notification: n, EnqueuedAt: q.opts.Now().UTC()}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.sends.Add(1)
	q.mu.Unlock()
	defer q.sends.Done()

	select {
	case q.jobs <- job:
		return nil
	case <-q.quit:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) worker() {
	defer q.wg.Done()
	for {
		select {
		case job := <-q.jobs:
			q.run(job)
		case <-q.quit:
			// Finish what is already queued, then exit.
			for {
				select {
				case job := <-q.jobs:
					q.run(job)
				default:
					return
				}
			}
		}
	}
}

func (q *Queue) run(job *Job) {
	job.Attempts++
	err := q.deliver(job)
	if err == nil {
		q.complete(job)
		return
	}

	job.LastError = err.Error()
	l := q.log.With().Str("job", job.ID).Str("user", job.Notification.UserID).Int("attempt", job.Attempts).Logger()
	if domain.Permanent(err) || job.Attempts >= q.opts.Attempts {
		l.Error().Err(err).Msg("notification failed")
		q.fail(job)
		return
	}
	delay := util.Backoff(q.opts.Backoff, job.Attempts)
	l.Warn().Err(err).Dur("retry_in", delay).Msg("notification attempt failed")
	q.retryLater(job, delay)
}

func (q *Queue) deliver(job *Job) error {
	ctx, cancel := context.WithTimeout(context.Background(), q.opts.RequestTimeout)
	defer cancel()

	n := job.Notification
	devices, err := q.store.ListDevices(ctx, n.UserID, q.opts.DeviceCap)
	if err != nil {
		return fmt.Errorf("loading devices: %w", err)
	}
	job.Devices = len(devices)
	if len(devices) == 0 {
		return nil
	}
	msgs := make([]Message, len(devices))
	for i, d := range devices {
		msgs[i] = Message{To: d.Token, Platform: d.Platform, Title: n.Title, Body: n.Body, Data: n.Data}
	}
	return q.gateway.Send(ctx, msgs)
}

func (q *Queue) retryLater(job *Job, delay time.Duration) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		q.abandon(job)
		return
	}
	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		// Close owns the job once it has removed the timer.
		q.mu.Lock()
		_, pending := q.timers[t]
		delete(q.timers, t)
		if pending {
			q.sends.Add(1)
		}
		q.mu.Unlock()
		if !pending {
			return
		}
		defer q.sends.Done()
		select {
		case q.jobs <- job:
		case <-q.quit:
			q.abandon(job)
		}
	})
	q.timers[t] = job
	q.mu.Unlock()
}

func (q *Queue) complete(job *Job) {
	job.FinishedAt = q.opts.Now().UTC()
	q.mu.Lock()
	q.nDone++
	q.completed = appendBounded(q.completed, *job, q.opts.KeepCompleted)
	q.mu.Unlock()
	q.log.Debug().Str("job", job.ID).Int("devices", job.Devices).Int("attempts", job.Attempts).Msg("notification delivered")
}

func (q *Queue) fail(job *Job) {
	job.FinishedAt = q.opts.Now().UTC()
	q.mu.Lock()
	q.nFailed++
	q.failed = appendBounded(q.failed, *job, q.opts.KeepFailed)
	q.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), q.opts.RequestTimeout)
	defer cancel()
	err := q.store.SaveFailedJob(ctx, &domain.FailedJob{
		ID:           job.ID,
		Notification: job.Notification,
		Attempts:     job.Attempts,
		Error:        job.LastError,
		FailedAt:     job.FinishedAt,
	})
	if err == nil {
		err = q.store.TrimFailedJobs(ctx, q.opts.KeepFailed)
	}
	if err != nil {
		q.log.Error().Err(err).Str("job", job.ID).Msg("persisting failed job")
	}
}

func (q *Queue) abandon(job *Job) {
	job.LastError = "abandoned at shutdown: " + job.LastError
	q.fail(job)
}

func appendBounded(list []Job, job Job, keep int) []Job {
	list = append(list, job)
	if over := len(list) - keep; over > 0 {
		list = append(list[:0:0], list[over:]...)
	}
	return list
}

// Stats reports queue counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{Queued: len(q.jobs), Retrying: len(q.timers), Completed: q.nDone, Failed: q.nFailed}
}

// Completed returns the retained completed jobs, oldest first.
func (q *Queue) Completed() []Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Job(nil), q.completed...)
}

// Failed returns the retained failed jobs of this process, oldest first.
func (q *Queue) Failed() []Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Job(nil), q.failed...)
}

// FailedJobs returns persisted failed jobs across restarts, newest first.
func (q *Queue) FailedJobs(ctx context.Context, limit int) ([]domain.FailedJob, error) {
	if limit <= 0 || limit > q.opts.KeepFailed {
		limit = q.opts.KeepFailed
	}
	return q.store.ListFailedJobs(ctx, limit)
}

// Close stops accepting jobs, abandons pending retries and waits for the
// workers to finish queued and in-flight jobs until ctx expires. Jobs the
// workers did not pick up are recorded as failed.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.quit)
	abandoned := make([]*Job, 0, len(q.timers))
	for t, job := range q.timers {
		t.Stop()
		abandoned = append(abandoned, job)
		delete(q.timers, t)
	}
	q.mu.Unlock()

	for _, job := range abandoned {
		q.abandon(job)
	}

	done := make(chan struct{})
	go func() {
		q.sends.Wait()
		q.wg.Wait()
		for {
			select {
			case job := <-q.jobs:
				q.abandon(job)
			default:
				close(done)
				return
			}
		}
	}()
	select {
	case <-done:
		q.log.Info().Msg("notification queue stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
