package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var (
	// ErrQueueFull means a job was dropped because the dispatch queue is full.
	ErrQueueFull = errors.New("dispatch queue full")

	// ErrDispatcherClosed means the dispatcher no longer accepts jobs.
	ErrDispatcherClosed = errors.New("dispatcher closed")

	// ErrNoSubmitter means no submitter is registered for a job's backend.
	ErrNoSubmitter = errors.New("no submitter for backend")
)

// DispatcherConfig tunes a Dispatcher.
type DispatcherConfig struct {
	// QueueSize bounds pending jobs. Zero uses 16.
	QueueSize int

	// Rate limits submissions per second. Zero or negative disables limiting.
	Rate float64

	// Burst is the limiter burst. Zero uses 1.
	Burst int

	// DefaultBackend is used for jobs that name none.
	DefaultBackend Backend

	// OnResult, if set, is called from the worker after every submission
	// attempt. err is a *SubmissionError on failure.
	OnResult func(job Job, rec *Receipt, err error)
}

// Dispatcher submits jobs on a background worker so callers never wait on
// the scheduler. Failures are logged and reported through OnResult; they
// are never returned to the caller of Enqueue beyond the enqueue itself.
type Dispatcher struct {
	submitters map[Backend]Submitter
	fallback   Backend
	limiter    *rate.Limiter
	onResult   func(Job, *Receipt, error)
	logger     *zap.Logger

	queue  chan Job
	done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	closed bool
}

// NewDispatcher starts a dispatcher over the given submitters.
func NewDispatcher(cfg DispatcherConfig, logger *zap.Logger, submitters ...Submitter) (*Dispatcher, error) {
	if len(submitters) == 0 {
		return nil, fmt.Errorf("at least one submitter is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	byBackend := make(map[Backend]Submitter, len(submitters))
	for _, s := range submitters {
		byBackend[s.Backend()] = s
	}
	fallback := cfg.DefaultBackend
	if fallback == "" {
		fallback = submitters[0].Backend()
	}
	if _, ok := byBackend[fallback]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoSubmitter, fallback)
	}

	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 16
	}
	limit := rate.Inf
	if cfg.Rate > 0 {
		limit = rate.Limit(cfg.Rate)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		submitters: byBackend,
		fallback:   fallback,
		limiter:    rate.NewLimiter(limit, burst),
		onResult:   cfg.OnResult,
		logger:     logger.With(zap.String("component", "dispatcher")),
		queue:      make(chan Job, queueSize),
		done:       make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
	}
	go d.work()
	return d, nil
}

// Enqueue hands job to the worker without blocking. A full or closed queue
// drops the job and returns a *SubmissionError.
func (d *Dispatcher) Enqueue(job Job) error {
	if job.Backend == "" {
		job.Backend = d.fallback
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return d.fail(job, nil, &SubmissionError{Job: job, Backend: job.Backend, Err: ErrDispatcherClosed})
	}
	select {
	case d.queue <- job:
		return nil
	default:
		return d.fail(job, nil, &SubmissionError{Job: job, Backend: job.Backend, Err: ErrQueueFull})
	}
}

// Close stops accepting jobs and waits for queued ones to be submitted. If
// ctx ends first, pending submissions are abandoned and ctx.Err is returned.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	select {
	case <-d.done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-d.done
		return ctx.Err()
	}
}

func (d *Dispatcher) work() {
	defer close(d.done)
	for job := range d.queue {
		d.submit(job)
	}
}

func (d *Dispatcher) submit(job Job) {
	if err := d.limiter.Wait(d.ctx); err != nil {
		_ = d.fail(job, nil, &SubmissionError{Job: job, Backend: job.Backend, Err: err})
		return
	}
	sub, ok := d.submitters[job.Backend]
	if !ok {
		_ = d.fail(job, nil, &SubmissionError{Job: job, Backend: job.Backend, Err: ErrNoSubmitter})
		return
	}

	rec, err := sub.Submit(d.ctx, job)
	if err != nil {
		var subErr *SubmissionError
		if !errors.As(err, &subErr) {
			err = &SubmissionError{Job: job, Backend: job.Backend, Err: err}
		}
		_ = d.fail(job, rec, err)
		return
	}

	d.logger.Info("Submitted job",
		zap.String("kind", string(job.Kind)),
		zap.String("backend", string(rec.Backend)),
		zap.String("instance", job.Instance),
		zap.Int("iteration", job.Iteration),
		zap.String("receipt", rec.ID),
		zap.String("external_id", rec.ExternalID))
	if d.onResult != nil {
		d.onResult(job, rec, nil)
	}
}

func (d *Dispatcher) fail(job Job, rec *Receipt, err error) error {
	d.logger.Warn("Job submission failed",
		zap.String("kind", string(job.Kind)),
		zap.String("instance", job.Instance),
		zap.Int("iteration", job.Iteration),
		zap.Error(err))
	if d.onResult != nil {
		d.onResult(job, rec, err)
	}
	return err
}
