/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package dispatch

import (
	"context"
	"sync"
	"time"

	"go.uber.org/atomic"
	"golang.org/x/time/rate"

	"github.com/acronis/go-dispatchkit/log"
	"github.com/acronis/go-dispatchkit/resilience"
)

// BatchStatus describes the adaptive state of one backend's batching.
type BatchStatus struct {
	// CurrentBatchSize is the size the next batch for the backend should have.
	CurrentBatchSize int

	// LastBatchDuration is the wall-clock time of the most recently completed
	// batch, zero if no batch has completed yet.
	LastBatchDuration time.Duration
}

// Dispatcher executes batches of items. It is safe for concurrent use;
// batches for different backends (or even the same backend) may be processed
// in parallel, all sharing the single global concurrency gate.
type Dispatcher[P, R any] struct {
	call   CallFunc[P, R]
	logger log.FieldLogger
	clock  resilience.Clock

	// gate holds one permit per allowed in-flight item. Acquire by send,
	// release by receive. Release is deferred right after a successful
	// acquire so a permit can never leak, whatever the item does.
	gate chan struct{}

	resilienceCfg *resilience.Config

	initialBatchSize  int
	minBatchSize      int
	maxBatchSize      int
	adaptiveThreshold float64
	perItemDelay      time.Duration
	cooldownDelay     time.Duration

	mu       sync.RWMutex
	backends map[string]*backendDispatchState[R]

	progress *progressBroadcaster
}

type backendDispatchState[R any] struct {
	executor *resilience.Executor[R]
	pacer    *rate.Limiter // nil when no cooldown is configured

	mu                sync.Mutex
	batchSize         int
	lastBatchDuration time.Duration
}

// Opts holds optional parameters for the Dispatcher.
type Opts struct {
	// Resilience configures the per-item retry policy and the per-backend
	// circuit breakers. If nil, resilience defaults are used.
	Resilience *resilience.Config

	// Clock substitutes the time source for circuit breakers. Defaults to
	// the system clock.
	Clock resilience.Clock

	// Logger is used for batch-level and adaptation logging.
	// If nil, logging is disabled.
	Logger log.FieldLogger
}

// NewDispatcher creates a new Dispatcher with the given call function and
// configuration and default options.
func NewDispatcher[P, R any](call CallFunc[P, R], cfg *Config) *Dispatcher[P, R] {
	return NewDispatcherWithOpts[P, R](call, cfg, Opts{})
}

// NewDispatcherWithOpts is a more configurable version of NewDispatcher.
func NewDispatcherWithOpts[P, R any](call CallFunc[P, R], cfg *Config, opts Opts) *Dispatcher[P, R] {
	if cfg == nil {
		cfg = NewDefaultConfig()
	}
	if opts.Resilience == nil {
		opts.Resilience = resilience.NewDefaultConfig()
	}
	if opts.Logger == nil {
		opts.Logger = log.NewDisabledLogger()
	}
	return &Dispatcher[P, R]{
		call:              call,
		logger:            opts.Logger,
		clock:             opts.Clock,
		gate:              make(chan struct{}, cfg.MaxConcurrent),
		resilienceCfg:     opts.Resilience,
		initialBatchSize:  cfg.InitialBatchSize,
		minBatchSize:      cfg.MinBatchSize,
		maxBatchSize:      cfg.MaxBatchSize,
		adaptiveThreshold: cfg.AdaptiveThreshold,
		perItemDelay:      time.Duration(cfg.PerItemDelay),
		cooldownDelay:     time.Duration(cfg.CooldownDelay),
		backends:          make(map[string]*backendDispatchState[R]),
		progress:          newProgressBroadcaster(),
	}
}

// RegisterBackend prepares dispatch state (circuit breaker, cooldown pacer,
// adaptive batch size) for the given backend. Registering the same backend
// again is a no-op. Backends are also registered lazily on first batch, so
// calling RegisterBackend is only needed when breaker state must be
// observable before any batch runs.
func (d *Dispatcher[P, R]) RegisterBackend(backend string) {
	d.backendState(backend)
}

// NextBatchSize reports how many items the next batch for the backend should
// contain.
func (d *Dispatcher[P, R]) NextBatchSize(backend string) int {
	bs := d.backendState(backend)
	bs.mu.Lock()
	defer bs.mu.Unlock()
	return bs.batchSize
}

// BatchStatus reports the adaptive state of the backend's batching.
func (d *Dispatcher[P, R]) BatchStatus(backend string) BatchStatus {
	bs := d.backendState(backend)
	bs.mu.Lock()
	defer bs.mu.Unlock()
	return BatchStatus{CurrentBatchSize: bs.batchSize, LastBatchDuration: bs.lastBatchDuration}
}

// BreakerState reports the current circuit breaker state of the backend.
func (d *Dispatcher[P, R]) BreakerState(backend string) resilience.State {
	return d.backendState(backend).executor.Breaker().State()
}

// SubscribeProgress registers a callback invoked after each item of any batch
// settles, reporting how many items of that batch have completed so far. The
// returned function removes the subscription; calling it more than once is
// safe. Callbacks are invoked synchronously from batch worker goroutines and
// must be fast and non-blocking.
func (d *Dispatcher[P, R]) SubscribeProgress(fn ProgressFunc) (unsubscribe func()) {
	return d.progress.subscribe(fn)
}

// ProcessBatch executes all items concurrently and returns their outcomes in
// item order. It blocks until every item has settled. The returned slice
// always has len(items) elements; failed items carry their error in
// Outcome.Err while successful siblings carry results, so a single bad item
// never poisons the batch.
//
// ProcessBatch honors the configured inter-batch cooldown for the backend
// before starting, and feeds the batch wall-clock time back into the
// backend's adaptive batch size afterwards.
func (d *Dispatcher[P, R]) ProcessBatch(ctx context.Context, backend string, items []Item[P, R]) []Outcome[R] {
	outcomes := make([]Outcome[R], len(items))
	if len(items) == 0 {
		return outcomes
	}

	bs := d.backendState(backend)
	if bs.pacer != nil {
		if err := bs.pacer.Wait(ctx); err != nil {
			for i := range items {
				outcomes[i] = Outcome[R]{Err: err}
				d.settle(&items[i], outcomes[i])
			}
			return outcomes
		}
	}

	start := time.Now()
	total := len(items)
	processed := atomic.NewInt64(0)

	var wg sync.WaitGroup
	for i := range items {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i] = d.processItem(ctx, bs, backend, &items[i])
			done := processed.Inc()
			d.progress.notify(Progress{Backend: backend, Processed: int(done), Total: total})
			d.settle(&items[i], outcomes[i])
		}(i)
	}
	wg.Wait()

	elapsed := time.Since(start)
	d.adapt(bs, backend, total, elapsed)
	return outcomes
}

func (d *Dispatcher[P, R]) settle(it *Item[P, R], out Outcome[R]) {
	if it.OnSettled != nil {
		it.OnSettled(out)
	}
}

func (d *Dispatcher[P, R]) processItem(
	ctx context.Context, bs *backendDispatchState[R], backend string, it *Item[P, R],
) Outcome[R] {
	itemCtx := ctx
	if it.Ctx != nil {
		itemCtx = it.Ctx
	}

	select {
	case d.gate <- struct{}{}:
	case <-itemCtx.Done():
		return Outcome[R]{Err: itemCtx.Err()}
	}
	defer func() { <-d.gate }()

	res, err := bs.executor.Execute(itemCtx, func(c context.Context) (R, error) {
		return d.call(c, backend, it.Payload)
	})
	if err != nil {
		d.logger.Warn("batch item failed",
			log.String("backend", backend), log.String("item_id", it.ID), log.Error(err))
		return Outcome[R]{Err: err}
	}
	return Outcome[R]{Result: res}
}

// adapt applies the batch-size feedback loop. A batch that completed in less
// than adaptiveThreshold of its per-item time budget doubles the next batch,
// one that overran the budget halves it; both stay inside [min, max].
func (d *Dispatcher[P, R]) adapt(bs *backendDispatchState[R], backend string, size int, elapsed time.Duration) {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	bs.lastBatchDuration = elapsed
	if d.perItemDelay <= 0 {
		return
	}

	budget := time.Duration(size) * d.perItemDelay
	fastBound := time.Duration(d.adaptiveThreshold * float64(budget))

	next := bs.batchSize
	switch {
	case elapsed < fastBound:
		next = bs.batchSize * 2
		if next > d.maxBatchSize {
			next = d.maxBatchSize
		}
	case elapsed > budget:
		next = bs.batchSize / 2
		if next < d.minBatchSize {
			next = d.minBatchSize
		}
	}
	if next != bs.batchSize {
		d.logger.Info("adapting batch size",
			log.String("backend", backend),
			log.Int("old_size", bs.batchSize),
			log.Int("new_size", next),
			log.Duration("batch_duration", elapsed),
			log.Duration("batch_budget", budget),
		)
		bs.batchSize = next
	}
}

func (d *Dispatcher[P, R]) backendState(backend string) *backendDispatchState[R] {
	d.mu.RLock()
	bs := d.backends[backend]
	d.mu.RUnlock()
	if bs != nil {
		return bs
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if bs = d.backends[backend]; bs != nil {
		return bs
	}
	bs = d.newBackendState(backend)
	d.backends[backend] = bs
	return bs
}

func (d *Dispatcher[P, R]) newBackendState(backend string) *backendDispatchState[R] {
	rc := d.resilienceCfg
	breaker := resilience.NewCircuitBreakerWithOpts(
		rc.CircuitBreaker.FailureThreshold,
		time.Duration(rc.CircuitBreaker.ResetTimeout),
		time.Duration(rc.CircuitBreaker.HalfOpenTimeout),
		resilience.CircuitBreakerOpts{Name: backend, Clock: d.clock, Logger: d.logger},
	)
	executor := resilience.NewExecutorWithOpts[R](breaker, resilience.ExecutorOpts{
		MaxAttempts:  rc.Retry.MaxAttempts,
		BaseDelay:    time.Duration(rc.Retry.BaseDelay),
		GrowthFactor: rc.Retry.GrowthFactor,
		MaxDelay:     time.Duration(rc.Retry.MaxDelay),
		Logger:       d.logger,
	})
	var pacer *rate.Limiter
	if d.cooldownDelay > 0 {
		pacer = rate.NewLimiter(rate.Every(d.cooldownDelay), 1)
	}
	return &backendDispatchState[R]{
		executor:  executor,
		pacer:     pacer,
		batchSize: d.initialBatchSize,
	}
}
