/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package dispatch executes groups of queued work items against rate-limited
// backends in adaptively-sized, concurrency-bounded batches.
//
// All items of a batch run concurrently, but a global permit gate never lets
// more than a configured number of items be in flight at once, across all
// backends and batches. Each item's call is wrapped individually by a
// resilience.Executor sharing one circuit breaker per backend, so one failing
// item never aborts or delays its siblings.
//
// The batch size per backend adapts to observed batch wall-clock time: a
// batch finishing well under its time budget doubles the next batch, a batch
// overrunning the budget halves it.
package dispatch

import (
	"context"
)

// CallFunc performs the actual outbound call for one payload.
// It is injected by the consumer of this package; the dispatcher knows
// nothing about the wire protocol.
type CallFunc[P, R any] func(ctx context.Context, backend string, payload P) (R, error)

// Item is one unit of work inside a batch.
type Item[P, R any] struct {
	// ID identifies the item in logs and progress reports.
	ID string

	// Payload is passed to the injected CallFunc.
	Payload P

	// Ctx, when non-nil, bounds this item's execution independently of the
	// batch context. Cancelling it releases the item's concurrency permit and
	// halts its retries without affecting sibling items.
	Ctx context.Context

	// OnSettled, when non-nil, is invoked once with the item's terminal outcome.
	OnSettled func(Outcome[R])
}

// Outcome is the terminal result of one item: either a value or an error
// (resilience.ExhaustedError, resilience.OpenError, or a context error).
type Outcome[R any] struct {
	Result R
	Err    error
}
