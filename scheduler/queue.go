/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package scheduler

import (
	"sync"
)

// Priority determines the dispatch order of work items within one backend's
// queue. Higher-priority items are always drained first; within one priority
// submission order is preserved.
type Priority int

// Supported priorities, in dispatch order.
const (
	PriorityHigh Priority = iota
	PriorityNormal
	PriorityLow
)

const numPriorities = 3

// String returns a string representation of the priority.
func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	}
	return "unknown"
}

// priorityQueue is a three-tier FIFO queue. All methods are safe for
// concurrent use.
type priorityQueue[T any] struct {
	mu    sync.Mutex
	tiers [numPriorities][]T
	depth int
}

// push appends the item to its priority tier unless the queue already holds
// maxDepth items. It reports the queue depth after the operation and whether
// the item was accepted.
func (q *priorityQueue[T]) push(item T, p Priority, maxDepth int) (depth int, ok bool) {
	if p < PriorityHigh || p > PriorityLow {
		p = PriorityNormal
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if maxDepth > 0 && q.depth >= maxDepth {
		return q.depth, false
	}
	q.tiers[p] = append(q.tiers[p], item)
	q.depth++
	return q.depth, true
}

// popN removes and returns up to n items, highest priority first, FIFO within
// a tier.
func (q *priorityQueue[T]) popN(n int) []T {
	if n <= 0 {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.depth == 0 {
		return nil
	}
	if n > q.depth {
		n = q.depth
	}
	items := make([]T, 0, n)
	for p := range q.tiers {
		for len(q.tiers[p]) > 0 && len(items) < n {
			items = append(items, q.tiers[p][0])
			q.tiers[p][0] = *new(T) // release the reference
			q.tiers[p] = q.tiers[p][1:]
			q.depth--
		}
		if len(items) == n {
			break
		}
	}
	return items
}

// drain removes and returns all queued items in dispatch order.
func (q *priorityQueue[T]) drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := make([]T, 0, q.depth)
	for p := range q.tiers {
		items = append(items, q.tiers[p]...)
		q.tiers[p] = nil
	}
	q.depth = 0
	return items
}

func (q *priorityQueue[T]) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.depth
}
