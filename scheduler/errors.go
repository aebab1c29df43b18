/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package scheduler

import (
	"errors"
	"fmt"
	"time"

	"github.com/acronis/go-dispatchkit/ratelimit"
)

// ErrClosed is returned by Submit after the Scheduler has been closed and is
// delivered to handles of items that were still queued at close time.
var ErrClosed = errors.New("scheduler is closed")

// BackpressureError is returned by Submit when the backend's queue is full.
// The submission is rejected immediately, without waiting.
type BackpressureError struct {
	Backend       string
	QueueDepth    int
	MaxQueueDepth int
}

// Error returns a string representation of the error.
func (e *BackpressureError) Error() string {
	return fmt.Sprintf("queue for backend %q is full (depth %d, max %d)",
		e.Backend, e.QueueDepth, e.MaxQueueDepth)
}

// AdmissionTimeoutError is delivered to a handle when the item could not be
// admitted into its backend within the configured admission timeout.
type AdmissionTimeoutError struct {
	Backend    string
	Timeout    time.Duration
	LastReason ratelimit.RejectReason
}

// Error returns a string representation of the error.
func (e *AdmissionTimeoutError) Error() string {
	return fmt.Sprintf("admission into backend %q was not granted within %s (last rejection: %s)",
		e.Backend, e.Timeout, e.LastReason)
}
