/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package scheduler

import (
	"context"
	"sync"
)

// Handle tracks one submitted work item and delivers its terminal outcome.
// Every handle settles exactly once: with a result, or with one of the typed
// errors of this module (BackpressureError is returned by Submit directly and
// never reaches a handle).
type Handle[R any] struct {
	id   string
	done chan struct{}

	once   sync.Once
	result R
	err    error
}

func newHandle[R any](id string) *Handle[R] {
	return &Handle[R]{id: id, done: make(chan struct{})}
}

// ID returns the unique identifier assigned to the work item at submission.
func (h *Handle[R]) ID() string {
	return h.id
}

// Done returns a channel that is closed when the item has settled.
func (h *Handle[R]) Done() <-chan struct{} {
	return h.done
}

// Result blocks until the item settles or the passed context is done and
// returns the item's outcome.
func (h *Handle[R]) Result(ctx context.Context) (R, error) {
	select {
	case <-h.done:
		return h.result, h.err
	case <-ctx.Done():
		var zero R
		return zero, ctx.Err()
	}
}

func (h *Handle[R]) settle(result R, err error) {
	h.once.Do(func() {
		h.result = result
		h.err = err
		close(h.done)
	})
}
