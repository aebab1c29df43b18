/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package ratelimit provides per-backend admission control for calls to
// capacity-constrained downstream services.
//
// Every backend is registered with an immutable Policy (requests per minute,
// cost capacity per minute, optional daily cost capacity). Admission checks
// are cost-based: a unit of work declares its estimated cost and is either
// admitted, consuming capacity atomically, or rejected with a reason and a
// retry-after hint. Rejections are ordinary values, never errors, so callers
// can schedule a re-check instead of busy-polling.
//
// The canonical capacity algorithm is a fixed-window token bucket with lazy
// reset, driven by an injectable clock. Sliding-window and leaky-bucket (GCRA)
// capacity algorithms are available as alternatives behind the same API.
package ratelimit

import (
	"errors"
	"time"
)

// Algorithm represents a type for specifying the capacity accounting algorithm.
type Algorithm string

// Supported capacity accounting algorithms.
const (
	AlgFixedWindow   Algorithm = "fixed_window"
	AlgSlidingWindow Algorithm = "sliding_window"
	AlgLeakyBucket   Algorithm = "leaky_bucket"
)

// ErrUnknownBackend is returned when an admission check or status request
// names a backend that was never registered.
var ErrUnknownBackend = errors.New("unknown backend")

// ErrPolicyMismatch is returned when a backend is re-registered with a policy
// that differs from the one it was registered with. Policies are immutable
// once registered; re-registering with an identical policy is a no-op.
var ErrPolicyMismatch = errors.New("backend already registered with a different policy")

// Policy describes the admission limits of one backend.
type Policy struct {
	// RequestsPerMinute limits how many units of work may be admitted per minute,
	// regardless of their cost.
	RequestsPerMinute int

	// CapacityPerMinute limits the total cost that may be admitted per minute.
	CapacityPerMinute int64

	// DailyCapacity limits the total cost that may be admitted per day.
	// Zero means no daily cap.
	DailyCapacity int64
}

// RejectReason explains why an admission check was rejected.
type RejectReason int

// Admission reject reasons.
const (
	ReasonNone RejectReason = iota
	ReasonRateExceeded
	ReasonCapacityExceeded
	ReasonDailyCapacityExceeded
)

// String returns the reason name.
func (r RejectReason) String() string {
	switch r {
	case ReasonRateExceeded:
		return "rate_exceeded"
	case ReasonCapacityExceeded:
		return "capacity_exceeded"
	case ReasonDailyCapacityExceeded:
		return "daily_capacity_exceeded"
	}
	return "none"
}

// Result is the outcome of one admission check.
// When Allowed is false, RetryAfter tells how long to wait until the limiting
// counter next resets and the check is worth repeating.
type Result struct {
	Allowed    bool
	Reason     RejectReason
	RetryAfter time.Duration
}

// Status is an observability snapshot of one backend's admission state.
type Status struct {
	// Available is the remaining cost capacity in the current window.
	// -1 when the configured algorithm does not track a queryable balance.
	Available int64

	// RequestsRemaining is the number of units of work that may still be
	// admitted in the current minute.
	RequestsRemaining int

	// DailyRemaining is the remaining daily cost capacity.
	// -1 when the backend has no daily cap.
	DailyRemaining int64
}

// Clock abstracts the time source used for window accounting.
type Clock interface {
	Now() time.Time
}
