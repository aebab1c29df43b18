/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/throttled/throttled/v2"
	"github.com/throttled/throttled/v2/store/memstore"
)

// leakyBucketCapacity accounts per-minute cost capacity with GCRA (Generic
// Cell Rate Algorithm), a leaky bucket variant. Unlike the fixed window, it
// spreads the admitted cost evenly over the minute instead of allowing the
// whole budget to be spent in a burst.
// More details: https://brandur.org/rate-limiting#gcra.
type leakyBucketCapacity struct {
	limiter *throttled.GCRARateLimiterCtx
}

func newLeakyBucketCapacity(capacityPerMinute int64) (*leakyBucketCapacity, error) {
	gcraStore, err := memstore.NewCtx(0)
	if err != nil {
		return nil, fmt.Errorf("new in-memory store: %w", err)
	}
	quota := throttled.RateQuota{
		MaxRate:  throttled.PerDuration(int(capacityPerMinute), time.Minute),
		MaxBurst: int(capacityPerMinute) - 1,
	}
	gcraLimiter, err := throttled.NewGCRARateLimiterCtx(gcraStore, quota)
	if err != nil {
		return nil, fmt.Errorf("new GCRA rate limiter: %w", err)
	}
	return &leakyBucketCapacity{limiter: gcraLimiter}, nil
}

func (l *leakyBucketCapacity) allow(ctx context.Context, _ time.Time, cost int64) (bool, time.Duration, error) {
	limited, res, err := l.limiter.RateLimitCtx(ctx, "capacity", int(cost))
	if err != nil {
		return false, 0, err
	}
	return !limited, res.RetryAfter, nil
}
