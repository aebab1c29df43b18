/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package resilience

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/acronis/go-dispatchkit/log"
)

// Default parameter values for Executor.
const (
	DefaultMaxAttempts  = 3
	DefaultBaseDelay    = time.Second
	DefaultGrowthFactor = 2.0
	DefaultMaxDelay     = 30 * time.Second
)

// retryJitterFactor randomizes each retry delay by up to 10% to avoid
// synchronized retry storms against a recovering backend.
const retryJitterFactor = 0.1

// Func is one asynchronous unit of work producing a value of type T.
type Func[T any] func(ctx context.Context) (T, error)

// Executor runs units of work with bounded exponential-backoff retry and
// shared circuit protection against a single collaborator.
//
// Every individual attempt failure feeds the shared breaker, independent of
// whether a later retry succeeds, so the breaker observes the collaborator's
// real failure rate rather than only terminal outcomes.
type Executor[T any] struct {
	breaker *CircuitBreaker
	logger  log.FieldLogger

	maxAttempts  int
	baseDelay    time.Duration
	growthFactor float64
	maxDelay     time.Duration
}

// ExecutorOpts represents options for the Executor.
type ExecutorOpts struct {
	// MaxAttempts is the total number of attempts, the first call included.
	// By default, DefaultMaxAttempts is used.
	MaxAttempts int

	// BaseDelay is the delay before the first retry.
	// By default, DefaultBaseDelay is used.
	BaseDelay time.Duration

	// GrowthFactor multiplies the delay after each retry.
	// By default, DefaultGrowthFactor is used.
	GrowthFactor float64

	// MaxDelay caps the delay between retries.
	// By default, DefaultMaxDelay is used.
	MaxDelay time.Duration

	// Logger is used for logging retries. Disabled if nil.
	Logger log.FieldLogger
}

// NewExecutor creates a new Executor protecting calls with the given breaker.
func NewExecutor[T any](breaker *CircuitBreaker) *Executor[T] {
	return NewExecutorWithOpts[T](breaker, ExecutorOpts{})
}

// NewExecutorWithOpts creates a new Executor with the specified options.
func NewExecutorWithOpts[T any](breaker *CircuitBreaker, opts ExecutorOpts) *Executor[T] {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = DefaultBaseDelay
	}
	if opts.GrowthFactor <= 0 {
		opts.GrowthFactor = DefaultGrowthFactor
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = DefaultMaxDelay
	}
	if opts.Logger == nil {
		opts.Logger = log.NewDisabledLogger()
	}
	return &Executor[T]{
		breaker:      breaker,
		logger:       opts.Logger,
		maxAttempts:  opts.MaxAttempts,
		baseDelay:    opts.BaseDelay,
		growthFactor: opts.GrowthFactor,
		maxDelay:     opts.MaxDelay,
	}
}

// Breaker returns the shared circuit breaker.
func (e *Executor[T]) Breaker() *CircuitBreaker {
	return e.breaker
}

// Execute runs fn with retry and circuit protection.
//
// It returns the collaborator's result on the first successful attempt,
// OpenError when the breaker blocks an attempt, ctx.Err() when the context is
// done, and ExhaustedError wrapping the last underlying error once all
// attempts have failed. The breaker is consulted before every attempt, so an
// Execute whose own failures trip the breaker stops retrying early.
func (e *Executor[T]) Execute(ctx context.Context, fn Func[T]) (T, error) {
	var zero T

	bo := e.newBackOff()
	var lastErr error
	for attempt := 1; ; attempt++ {
		if err := e.breaker.Allow(); err != nil {
			return zero, err
		}
		if ctx.Err() != nil {
			e.breaker.AbandonProbe()
			return zero, ctx.Err()
		}

		res, err := fn(ctx)
		if err == nil {
			e.breaker.OnSuccess()
			return res, nil
		}
		e.breaker.OnFailure()
		lastErr = err

		if attempt >= e.maxAttempts {
			return zero, &ExhaustedError{Attempts: attempt, Inner: lastErr}
		}

		delay := bo.NextBackOff()
		e.logger.Warn("attempt failed, retrying",
			log.Int("attempt", attempt),
			log.Duration("delay", delay),
			log.Error(err),
		)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		}
	}
}

func (e *Executor[T]) newBackOff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.baseDelay
	bo.RandomizationFactor = retryJitterFactor
	bo.Multiplier = e.growthFactor
	bo.MaxInterval = e.maxDelay
	bo.MaxElapsedTime = 0 // Attempt counting is done by the executor.
	bo.Reset()
	return bo
}
