/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package scheduler is the public entry point of the module. A Scheduler
// accepts work item submissions for registered backends, holds them in
// per-backend three-tier priority queues, admits them through the rate
// limiter (waiting out rejections up to an admission timeout), and hands
// admitted items to the batch dispatcher which executes them with retries
// and circuit protection. Callers receive a Handle that settles with the
// item's result or a typed error.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/xid"

	"github.com/acronis/go-dispatchkit/dispatch"
	"github.com/acronis/go-dispatchkit/internal/clock"
	"github.com/acronis/go-dispatchkit/log"
	"github.com/acronis/go-dispatchkit/ratelimit"
	"github.com/acronis/go-dispatchkit/resilience"
)

// admissionPollInterval bounds how quickly admission is retried when a
// rejection carries no usable retry-after hint.
const admissionPollInterval = 50 * time.Millisecond

// Clock abstracts the time source for rate limiting and circuit breaking.
type Clock interface {
	Now() time.Time
}

// BackendStatus is an observability snapshot of one backend.
type BackendStatus struct {
	// Available is the remaining cost capacity of the current minute window,
	// -1 when the configured algorithm tracks capacity externally.
	Available int64

	// RequestsRemaining is the number of requests still admissible in the
	// current minute window.
	RequestsRemaining int

	// DailyRemaining is the remaining daily cost capacity, -1 when no daily
	// cap is configured.
	DailyRemaining int64

	// CircuitState is the current circuit breaker state of the backend.
	CircuitState resilience.State

	// QueueDepth is the number of items queued and not yet picked up for
	// dispatch.
	QueueDepth int
}

// Scheduler coordinates admission, queueing, and batch dispatch of work items
// across rate-limited backends. All methods are safe for concurrent use.
type Scheduler[P, R any] struct {
	limiter    *ratelimit.Limiter
	dispatcher *dispatch.Dispatcher[P, R]
	logger     log.FieldLogger
	metrics    MetricsCollector

	maxQueueDepth    int
	admissionTimeout time.Duration

	baseCtx context.Context
	cancel  context.CancelFunc
	stop    chan struct{}
	closed  sync.Once
	wg      sync.WaitGroup

	mu       sync.RWMutex
	backends map[string]*backendScheduler[P, R]
}

type backendScheduler[P, R any] struct {
	id    string
	queue priorityQueue[*workItem[P, R]]
	wake  chan struct{}
}

type workItem[P, R any] struct {
	id                string
	ctx               context.Context
	payload           P
	estimatedCost     int64
	submittedAt       time.Time
	admissionDeadline time.Time // zero when admission waiting is unbounded
	handle            *Handle[R]
}

// Opts holds optional parameters for the Scheduler.
type Opts struct {
	// RateLimit configures the admission algorithm and, when its Backends map
	// is filled, pre-registers those backends. If nil, rate limit defaults
	// are used.
	RateLimit *ratelimit.Config

	// Resilience configures retries and circuit breakers. If nil, resilience
	// defaults are used.
	Resilience *resilience.Config

	// Dispatch configures batching and the concurrency cap. If nil, dispatch
	// defaults are used.
	Dispatch *dispatch.Config

	// Clock substitutes the time source for rate limiting and circuit
	// breaking. Defaults to the system clock.
	Clock Clock

	// Logger is used for logging. If nil, logging is disabled.
	Logger log.FieldLogger

	// Metrics is a metrics collector. If nil, metrics collection is disabled.
	Metrics MetricsCollector
}

// New creates a new Scheduler with the given call function and configuration
// and default options.
func New[P, R any](call dispatch.CallFunc[P, R], cfg *Config) (*Scheduler[P, R], error) {
	return NewWithOpts[P, R](call, cfg, Opts{})
}

// NewWithOpts is a more configurable version of New.
func NewWithOpts[P, R any](call dispatch.CallFunc[P, R], cfg *Config, opts Opts) (*Scheduler[P, R], error) {
	if cfg == nil {
		cfg = NewDefaultConfig()
	}
	if opts.RateLimit == nil {
		opts.RateLimit = ratelimit.NewDefaultConfig()
	}
	if opts.Clock == nil {
		opts.Clock = clock.System{}
	}
	if opts.Logger == nil {
		opts.Logger = log.NewDisabledLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = disabledMetrics{}
	}

	limiter := ratelimit.NewLimiterWithOpts(ratelimit.Opts{
		Algorithm: opts.RateLimit.Algorithm,
		Clock:     opts.Clock,
		Logger:    opts.Logger,
	})
	dispatcher := dispatch.NewDispatcherWithOpts[P, R](call, opts.Dispatch, dispatch.Opts{
		Resilience: opts.Resilience,
		Clock:      opts.Clock,
		Logger:     opts.Logger,
	})

	baseCtx, cancel := context.WithCancel(context.Background())
	s := &Scheduler[P, R]{
		limiter:          limiter,
		dispatcher:       dispatcher,
		logger:           opts.Logger,
		metrics:          opts.Metrics,
		maxQueueDepth:    cfg.Queue.MaxDepth,
		admissionTimeout: time.Duration(cfg.Queue.AdmissionTimeout),
		baseCtx:          baseCtx,
		cancel:           cancel,
		stop:             make(chan struct{}),
		backends:         make(map[string]*backendScheduler[P, R]),
	}

	for id, pc := range opts.RateLimit.Backends {
		if err := s.RegisterBackend(id, pc.Policy()); err != nil {
			cancel()
			return nil, fmt.Errorf("register backend %q: %w", id, err)
		}
	}
	return s, nil
}

// RegisterBackend registers a backend with the given admission policy and
// starts draining its queue. Registration is idempotent: a subsequent call
// with an identical policy is a no-op, a call with a different policy returns
// ratelimit.ErrPolicyMismatch.
func (s *Scheduler[P, R]) RegisterBackend(id string, policy ratelimit.Policy) error {
	if err := s.limiter.RegisterBackend(id, policy); err != nil {
		return err
	}
	s.dispatcher.RegisterBackend(id)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.backends[id]; ok {
		return nil
	}
	bs := &backendScheduler[P, R]{id: id, wake: make(chan struct{}, 1)}
	s.backends[id] = bs
	s.wg.Add(1)
	go s.runBackend(bs)
	return nil
}

// Submit enqueues one work item for the backend and returns a handle that
// settles with the item's result or a terminal error. Submit itself returns
// an error only when the item was not enqueued at all: the backend is
// unknown, the queue is full (BackpressureError), the cost is not positive,
// or the scheduler is closed.
//
// The passed context covers the item's whole lifetime: cancelling it stops
// the item's admission wait and its retries without affecting other items.
func (s *Scheduler[P, R]) Submit(
	ctx context.Context, backend string, payload P, priority Priority, estimatedCost int64,
) (*Handle[R], error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if estimatedCost <= 0 {
		return nil, fmt.Errorf("estimated cost must be positive, got %d", estimatedCost)
	}
	select {
	case <-s.stop:
		return nil, ErrClosed
	default:
	}

	s.mu.RLock()
	bs := s.backends[backend]
	s.mu.RUnlock()
	if bs == nil {
		return nil, fmt.Errorf("backend %q: %w", backend, ratelimit.ErrUnknownBackend)
	}

	it := &workItem[P, R]{
		id:            xid.New().String(),
		ctx:           ctx,
		payload:       payload,
		estimatedCost: estimatedCost,
		submittedAt:   time.Now(),
	}
	if s.admissionTimeout > 0 {
		it.admissionDeadline = it.submittedAt.Add(s.admissionTimeout)
	}
	it.handle = newHandle[R](it.id)

	depth, ok := bs.queue.push(it, priority, s.maxQueueDepth)
	if !ok {
		s.metrics.IncBackpressureRejections(backend)
		return nil, &BackpressureError{Backend: backend, QueueDepth: depth, MaxQueueDepth: s.maxQueueDepth}
	}
	s.metrics.IncSubmittedItems(backend, priority)
	s.metrics.SetQueueDepth(backend, depth)
	s.logger.Debug("work item submitted",
		log.String("backend", backend),
		log.String("item_id", it.id),
		log.String("priority", priority.String()),
		log.Int64("estimated_cost", estimatedCost),
		log.Int("queue_depth", depth),
	)

	select {
	case bs.wake <- struct{}{}:
	default:
	}
	return it.handle, nil
}

// SubscribeProgress registers a callback invoked as items of each batch
// settle. The returned function removes the subscription.
func (s *Scheduler[P, R]) SubscribeProgress(fn dispatch.ProgressFunc) (unsubscribe func()) {
	return s.dispatcher.SubscribeProgress(fn)
}

// BackendStatus returns an observability snapshot of the backend. It returns
// ratelimit.ErrUnknownBackend when the backend was never registered.
func (s *Scheduler[P, R]) BackendStatus(backend string) (BackendStatus, error) {
	s.mu.RLock()
	bs := s.backends[backend]
	s.mu.RUnlock()
	if bs == nil {
		return BackendStatus{}, fmt.Errorf("backend %q: %w", backend, ratelimit.ErrUnknownBackend)
	}
	st, err := s.limiter.Status(backend)
	if err != nil {
		return BackendStatus{}, err
	}
	return BackendStatus{
		Available:         st.Available,
		RequestsRemaining: st.RequestsRemaining,
		DailyRemaining:    st.DailyRemaining,
		CircuitState:      s.dispatcher.BreakerState(backend),
		QueueDepth:        bs.queue.len(),
	}, nil
}

// Close stops the scheduler. Queued items that have not been picked up for
// dispatch settle with ErrClosed; items already dispatched run to completion
// of their current attempt and settle normally. Close blocks until all
// backend drain loops have stopped. Subsequent calls are no-ops.
func (s *Scheduler[P, R]) Close() error {
	s.closed.Do(func() {
		close(s.stop)
		s.cancel()
	})
	s.wg.Wait()
	return nil
}

func (s *Scheduler[P, R]) runBackend(bs *backendScheduler[P, R]) {
	defer s.wg.Done()
	for {
		select {
		case <-s.stop:
			s.failRemaining(bs)
			return
		case <-bs.wake:
		}
		s.drainQueue(bs)
	}
}

func (s *Scheduler[P, R]) failRemaining(bs *backendScheduler[P, R]) {
	for _, it := range bs.queue.drain() {
		var zero R
		s.settleItem(bs.id, it, zero, ErrClosed)
	}
	s.metrics.SetQueueDepth(bs.id, 0)
}

// drainQueue takes items off the backend's queue in batches sized by the
// dispatcher's adaptive state, admits each one through the rate limiter, and
// dispatches the admitted ones together.
func (s *Scheduler[P, R]) drainQueue(bs *backendScheduler[P, R]) {
	for {
		select {
		case <-s.stop:
			return
		default:
		}

		items := bs.queue.popN(s.dispatcher.NextBatchSize(bs.id))
		if len(items) == 0 {
			return
		}
		s.metrics.SetQueueDepth(bs.id, bs.queue.len())

		batch := make([]dispatch.Item[P, R], 0, len(items))
		for _, it := range items {
			it := it
			if err := s.waitAdmission(bs.id, it); err != nil {
				var zero R
				s.settleItem(bs.id, it, zero, err)
				continue
			}
			batch = append(batch, dispatch.Item[P, R]{
				ID:      it.id,
				Payload: it.payload,
				Ctx:     it.ctx,
				OnSettled: func(out dispatch.Outcome[R]) {
					s.settleItem(bs.id, it, out.Result, out.Err)
				},
			})
		}
		if len(batch) != 0 {
			s.dispatcher.ProcessBatch(s.baseCtx, bs.id, batch)
		}
	}
}

// waitAdmission admits the item through the rate limiter, sleeping out
// rejections for their advertised retry-after, bounded by the item's
// admission deadline, its context, and scheduler shutdown.
func (s *Scheduler[P, R]) waitAdmission(backend string, it *workItem[P, R]) error {
	var lastReason ratelimit.RejectReason
	for {
		res, err := s.limiter.TryAdmit(it.ctx, backend, it.estimatedCost)
		if err != nil {
			return err
		}
		if res.Allowed {
			return nil
		}
		lastReason = res.Reason
		s.metrics.IncAdmissionRejections(backend, res.Reason)

		wait := res.RetryAfter
		if wait <= 0 {
			wait = admissionPollInterval
		}
		if !it.admissionDeadline.IsZero() && time.Now().Add(wait).After(it.admissionDeadline) {
			return &AdmissionTimeoutError{Backend: backend, Timeout: s.admissionTimeout, LastReason: lastReason}
		}
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-it.ctx.Done():
			timer.Stop()
			return it.ctx.Err()
		case <-s.stop:
			timer.Stop()
			return ErrClosed
		}
	}
}

func (s *Scheduler[P, R]) settleItem(backend string, it *workItem[P, R], result R, err error) {
	status := ItemStatusSuccess
	if err != nil {
		status = ItemStatusError
	}
	s.metrics.ObserveItemDuration(backend, status, time.Since(it.submittedAt))
	it.handle.settle(result, err)
}
