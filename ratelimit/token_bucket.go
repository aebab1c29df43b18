/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import (
	"time"
)

const day = 24 * time.Hour

// tokenBucket holds the mutable admission state of one backend.
// Capacity regenerates lazily on whole-minute boundaries (fixed window with
// lazy reset): refill credits whole elapsed minutes and advances lastRefill
// by the same amount, so the remainder of a partial minute is never lost.
// The caller must hold the owning backend's lock.
type tokenBucket struct {
	policy Policy

	available      int64
	requestCount   int
	dailyRemaining int64
	lastRefill     time.Time
	lastDailyReset time.Time
}

func newTokenBucket(policy Policy, now time.Time) *tokenBucket {
	return &tokenBucket{
		policy:         policy,
		available:      policy.CapacityPerMinute,
		dailyRemaining: policy.DailyCapacity,
		lastRefill:     now,
		lastDailyReset: now,
	}
}

// refill lazily resets the per-minute and per-day counters.
func (b *tokenBucket) refill(now time.Time) {
	if minutes := now.Sub(b.lastRefill) / time.Minute; minutes > 0 {
		b.available += int64(minutes) * b.policy.CapacityPerMinute
		if b.available > b.policy.CapacityPerMinute {
			b.available = b.policy.CapacityPerMinute
		}
		b.requestCount = 0
		b.lastRefill = b.lastRefill.Add(minutes * time.Minute)
	}
	if b.policy.DailyCapacity > 0 {
		if days := now.Sub(b.lastDailyReset) / day; days > 0 {
			b.dailyRemaining = b.policy.DailyCapacity
			b.lastDailyReset = b.lastDailyReset.Add(days * day)
		}
	}
}

// nextMinuteReset returns the time until the per-minute counters next reset.
func (b *tokenBucket) nextMinuteReset(now time.Time) time.Duration {
	return b.lastRefill.Add(time.Minute).Sub(now)
}

// nextDailyReset returns the time until the daily counter next resets.
func (b *tokenBucket) nextDailyReset(now time.Time) time.Duration {
	return b.lastDailyReset.Add(day).Sub(now)
}

// admit performs one admission check and, on success, consumes cost from all
// tracked counters as a single atomic step.
// checkCapacity overrides the per-minute cost capacity check; it is nil for
// the canonical fixed-window accounting and non-nil for the alternative
// algorithms, which consume their own capacity on success and therefore run
// after all non-consuming checks.
func (b *tokenBucket) admit(now time.Time, cost int64, checkCapacity func(cost int64) (bool, time.Duration)) Result {
	b.refill(now)

	if b.requestCount >= b.policy.RequestsPerMinute {
		return Result{Reason: ReasonRateExceeded, RetryAfter: b.nextMinuteReset(now)}
	}

	if checkCapacity == nil {
		if b.available < cost {
			return Result{Reason: ReasonCapacityExceeded, RetryAfter: b.nextMinuteReset(now)}
		}
		if b.policy.DailyCapacity > 0 && b.dailyRemaining < cost {
			return Result{Reason: ReasonDailyCapacityExceeded, RetryAfter: b.nextDailyReset(now)}
		}
		b.available -= cost
	} else {
		if b.policy.DailyCapacity > 0 && b.dailyRemaining < cost {
			return Result{Reason: ReasonDailyCapacityExceeded, RetryAfter: b.nextDailyReset(now)}
		}
		if ok, retryAfter := checkCapacity(cost); !ok {
			return Result{Reason: ReasonCapacityExceeded, RetryAfter: retryAfter}
		}
	}

	if b.policy.DailyCapacity > 0 {
		b.dailyRemaining -= cost
	}
	b.requestCount++
	return Result{Allowed: true}
}
