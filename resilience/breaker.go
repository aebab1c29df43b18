/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package resilience provides an execution wrapper for unreliable downstream
// calls: a three-state circuit breaker shared per backend and an executor that
// retries one unit of work with exponential backoff through that breaker.
package resilience

import (
	"sync"
	"time"

	"github.com/acronis/go-dispatchkit/internal/clock"
	"github.com/acronis/go-dispatchkit/log"
)

// State represents a circuit breaker state.
type State int

// Circuit breaker states.
const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	}
	return "closed"
}

// Clock abstracts the time source used for breaker timeouts.
type Clock interface {
	Now() time.Time
}

// CircuitBreaker stops invoking a persistently failing collaborator for a
// cooldown period.
//
// Closed is the normal state. After FailureThreshold consecutive failures the
// breaker opens and every call fails fast with OpenError for ResetTimeout.
// Then the breaker goes half-open and lets exactly one probe call through:
// success closes the breaker, failure re-opens it for HalfOpenTimeout.
//
// Failures are counted across retries and across callers sharing the breaker,
// so a backend failing slowly under retry still trips it.
type CircuitBreaker struct {
	failureThreshold int
	resetTimeout     time.Duration
	halfOpenTimeout  time.Duration
	clock            Clock
	logger           log.FieldLogger
	name             string

	mu                  sync.Mutex
	state               State
	consecutiveFailures int
	nextAttemptAt       time.Time
	probeInFlight       bool
}

// CircuitBreakerOpts represents options for the CircuitBreaker.
type CircuitBreakerOpts struct {
	// Name is used in logs to identify the protected collaborator.
	Name string

	// Clock overrides the time source. Mainly useful in tests.
	Clock Clock

	// Logger is used for logging state transitions. Disabled if nil.
	Logger log.FieldLogger
}

// NewCircuitBreaker creates a new CircuitBreaker.
func NewCircuitBreaker(failureThreshold int, resetTimeout, halfOpenTimeout time.Duration) *CircuitBreaker {
	return NewCircuitBreakerWithOpts(failureThreshold, resetTimeout, halfOpenTimeout, CircuitBreakerOpts{})
}

// NewCircuitBreakerWithOpts creates a new CircuitBreaker with the specified options.
func NewCircuitBreakerWithOpts(
	failureThreshold int, resetTimeout, halfOpenTimeout time.Duration, opts CircuitBreakerOpts,
) *CircuitBreaker {
	if opts.Clock == nil {
		opts.Clock = clock.System{}
	}
	if opts.Logger == nil {
		opts.Logger = log.NewDisabledLogger()
	}
	return &CircuitBreaker{
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
		halfOpenTimeout:  halfOpenTimeout,
		clock:            opts.Clock,
		logger:           opts.Logger,
		name:             opts.Name,
	}
}

// Allow reports whether a call may be attempted now.
// It returns nil when the call may proceed and OpenError when the breaker is
// open or a half-open probe is already in flight. A caller that got nil must
// report the call's outcome with OnSuccess or OnFailure (or AbandonProbe if
// the call was cancelled before reaching the collaborator).
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.clock.Now()
	switch cb.state {
	case StateClosed:
		return nil
	case StateOpen:
		if now.Before(cb.nextAttemptAt) {
			return &OpenError{RetryAfter: cb.nextAttemptAt.Sub(now)}
		}
		cb.setState(StateHalfOpen)
		cb.probeInFlight = true
		return nil
	default: // StateHalfOpen
		if cb.probeInFlight {
			return &OpenError{}
		}
		cb.probeInFlight = true
		return nil
	}
}

// OnSuccess records a successful call.
func (cb *CircuitBreaker) OnSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures = 0
	cb.probeInFlight = false
	if cb.state != StateClosed {
		cb.setState(StateClosed)
	}
}

// OnFailure records a failed call and opens the breaker when the failure
// threshold is reached or a half-open probe fails.
func (cb *CircuitBreaker) OnFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures++
	switch cb.state {
	case StateHalfOpen:
		cb.probeInFlight = false
		cb.nextAttemptAt = cb.clock.Now().Add(cb.halfOpenTimeout)
		cb.setState(StateOpen)
	case StateClosed:
		if cb.consecutiveFailures >= cb.failureThreshold {
			cb.nextAttemptAt = cb.clock.Now().Add(cb.resetTimeout)
			cb.setState(StateOpen)
		}
	}
}

// AbandonProbe releases a half-open probe slot without recording an outcome.
// Intended for calls cancelled before the collaborator was actually invoked.
func (cb *CircuitBreaker) AbandonProbe() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.probeInFlight = false
}

// State returns the current breaker state.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// setState must be called with cb.mu held.
func (cb *CircuitBreaker) setState(next State) {
	prev := cb.state
	cb.state = next
	cb.logger.Warn("circuit breaker state changed",
		log.String("name", cb.name),
		log.String("from", prev.String()),
		log.String("to", next.String()),
		log.Int("consecutive_failures", cb.consecutiveFailures),
	)
}
