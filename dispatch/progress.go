/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package dispatch

import (
	"sync"

	"github.com/rs/xid"
)

// Progress reports how far a batch has advanced.
type Progress struct {
	// Backend is the backend the batch is running against.
	Backend string

	// Processed is the number of items of the batch that have settled,
	// successfully or not.
	Processed int

	// Total is the number of items in the batch.
	Total int
}

// ProgressFunc receives progress updates.
type ProgressFunc func(Progress)

type progressBroadcaster struct {
	mu   sync.RWMutex
	subs map[string]ProgressFunc
}

func newProgressBroadcaster() *progressBroadcaster {
	return &progressBroadcaster{subs: make(map[string]ProgressFunc)}
}

func (b *progressBroadcaster) subscribe(fn ProgressFunc) (unsubscribe func()) {
	id := xid.New().String()
	b.mu.Lock()
	b.subs[id] = fn
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

func (b *progressBroadcaster) notify(p Progress) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, fn := range b.subs {
		fn(p)
	}
}
