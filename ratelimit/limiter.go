/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/acronis/go-dispatchkit/internal/clock"
	"github.com/acronis/go-dispatchkit/log"
)

// capacityLimiter is an alternative per-minute cost capacity accounting
// algorithm. Implementations consume cost on success.
type capacityLimiter interface {
	allow(ctx context.Context, now time.Time, cost int64) (ok bool, retryAfter time.Duration, err error)
}

// backendState is the admission state of one registered backend.
// Each backend has its own lock so that a slow or contended backend never
// blocks admission checks for the others.
type backendState struct {
	mu       sync.Mutex
	bucket   *tokenBucket
	capacity capacityLimiter // nil for AlgFixedWindow
}

// Limiter decides, per backend, whether a unit of work of a given estimated
// cost may proceed now. Backends must be registered before use.
type Limiter struct {
	alg    Algorithm
	clock  Clock
	logger log.FieldLogger

	mu       sync.RWMutex
	backends map[string]*backendState
}

// Opts represents options for the Limiter.
type Opts struct {
	// Algorithm selects the per-minute cost capacity accounting algorithm.
	// AlgFixedWindow is the default. The per-minute request count and the
	// daily cap are always accounted with fixed windows.
	Algorithm Algorithm

	// Clock overrides the time source. Mainly useful in tests.
	Clock Clock

	// Logger is used for logging. Disabled if nil.
	Logger log.FieldLogger
}

// NewLimiter creates a new Limiter with the canonical fixed-window accounting.
func NewLimiter() *Limiter {
	return NewLimiterWithOpts(Opts{})
}

// NewLimiterWithOpts creates a new Limiter with the specified options.
func NewLimiterWithOpts(opts Opts) *Limiter {
	if opts.Algorithm == "" {
		opts.Algorithm = AlgFixedWindow
	}
	if opts.Clock == nil {
		opts.Clock = clock.System{}
	}
	if opts.Logger == nil {
		opts.Logger = log.NewDisabledLogger()
	}
	return &Limiter{
		alg:      opts.Algorithm,
		clock:    opts.Clock,
		logger:   opts.Logger,
		backends: make(map[string]*backendState),
	}
}

// RegisterBackend registers a backend with the given admission policy.
// Registration is idempotent: a subsequent call with an identical policy is a
// no-op and does not reset accrued bucket state. Re-registering with a
// different policy returns ErrPolicyMismatch.
func (l *Limiter) RegisterBackend(id string, policy Policy) error {
	if id == "" {
		return fmt.Errorf("backend id cannot be empty")
	}
	if err := validatePolicy(policy); err != nil {
		return fmt.Errorf("backend %q: %w", id, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if bs, ok := l.backends[id]; ok {
		if bs.bucket.policy != policy {
			return fmt.Errorf("backend %q: %w", id, ErrPolicyMismatch)
		}
		return nil
	}

	bs := &backendState{bucket: newTokenBucket(policy, l.clock.Now())}
	if l.alg != AlgFixedWindow {
		capacity, err := l.makeCapacityLimiter(policy)
		if err != nil {
			return fmt.Errorf("backend %q: %w", id, err)
		}
		bs.capacity = capacity
	}
	l.backends[id] = bs

	l.logger.Info("backend registered",
		log.String("backend", id),
		log.Int("requests_per_minute", policy.RequestsPerMinute),
		log.Int64("capacity_per_minute", policy.CapacityPerMinute),
		log.Int64("daily_capacity", policy.DailyCapacity),
	)
	return nil
}

// TryAdmit checks whether a unit of work with the given estimated cost may
// proceed now against the named backend. On success the cost is consumed from
// the backend's counters as one atomic step. A rejected admission is reported
// in the Result, not as an error; the error return is reserved for unknown
// backends and internal accounting failures.
func (l *Limiter) TryAdmit(ctx context.Context, id string, estimatedCost int64) (Result, error) {
	if estimatedCost <= 0 {
		return Result{}, fmt.Errorf("estimated cost must be positive, got %d", estimatedCost)
	}
	bs, err := l.backendState(id)
	if err != nil {
		return Result{}, err
	}

	bs.mu.Lock()
	defer bs.mu.Unlock()

	now := l.clock.Now()
	if bs.capacity == nil {
		return bs.bucket.admit(now, estimatedCost, nil), nil
	}

	var capErr error
	res := bs.bucket.admit(now, estimatedCost, func(cost int64) (bool, time.Duration) {
		ok, retryAfter, err := bs.capacity.allow(ctx, now, cost)
		if err != nil {
			capErr = err
			return false, 0
		}
		return ok, retryAfter
	})
	if capErr != nil {
		return Result{}, fmt.Errorf("capacity check for backend %q: %w", id, capErr)
	}
	return res, nil
}

// Status returns an observability snapshot for the named backend.
func (l *Limiter) Status(id string) (Status, error) {
	bs, err := l.backendState(id)
	if err != nil {
		return Status{}, err
	}

	bs.mu.Lock()
	defer bs.mu.Unlock()

	bs.bucket.refill(l.clock.Now())

	st := Status{
		Available:         bs.bucket.available,
		RequestsRemaining: bs.bucket.policy.RequestsPerMinute - bs.bucket.requestCount,
		DailyRemaining:    bs.bucket.dailyRemaining,
	}
	if bs.capacity != nil {
		st.Available = -1 // The alternative algorithms do not expose a queryable balance.
	}
	if bs.bucket.policy.DailyCapacity == 0 {
		st.DailyRemaining = -1
	}
	return st, nil
}

func (l *Limiter) backendState(id string) (*backendState, error) {
	l.mu.RLock()
	bs, ok := l.backends[id]
	l.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, id)
	}
	return bs, nil
}

func (l *Limiter) makeCapacityLimiter(policy Policy) (capacityLimiter, error) {
	switch l.alg {
	case AlgSlidingWindow:
		return newSlidingWindowCapacity(policy.CapacityPerMinute)
	case AlgLeakyBucket:
		return newLeakyBucketCapacity(policy.CapacityPerMinute)
	}
	return nil, fmt.Errorf("unknown rate limit algorithm %q", l.alg)
}

func validatePolicy(policy Policy) error {
	if policy.RequestsPerMinute <= 0 {
		return fmt.Errorf("requestsPerMinute must be positive, got %d", policy.RequestsPerMinute)
	}
	if policy.CapacityPerMinute <= 0 {
		return fmt.Errorf("capacityPerMinute must be positive, got %d", policy.CapacityPerMinute)
	}
	if policy.DailyCapacity < 0 {
		return fmt.Errorf("dailyCapacity must not be negative, got %d", policy.DailyCapacity)
	}
	return nil
}
