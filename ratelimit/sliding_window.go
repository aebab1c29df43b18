/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import (
	"context"
	"time"

	"github.com/RussellLuo/slidingwindow"
)

// slidingWindowCapacity accounts per-minute cost capacity with a sliding
// window, smoothing the admitted rate across window boundaries.
type slidingWindowCapacity struct {
	limiter *slidingwindow.Limiter
}

func newSlidingWindowCapacity(capacityPerMinute int64) (*slidingWindowCapacity, error) {
	lim, _ := slidingwindow.NewLimiter(time.Minute, capacityPerMinute, func() (slidingwindow.Window, slidingwindow.StopFunc) {
		return slidingwindow.NewLocalWindow()
	})
	return &slidingWindowCapacity{limiter: lim}, nil
}

func (s *slidingWindowCapacity) allow(_ context.Context, now time.Time, cost int64) (bool, time.Duration, error) {
	if s.limiter.AllowN(now, cost) {
		return true, 0, nil
	}
	retryAfter := now.Truncate(time.Minute).Add(time.Minute).Sub(now)
	return false, retryAfter, nil
}
