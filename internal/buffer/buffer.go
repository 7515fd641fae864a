package buffer

import (
	"sync"
)

// Buffer collects pending entries until they are drained. It is safe for concurrent use.
type Buffer[T any] struct {
	mu sync.Mutex
	ts []T
}

func NewBuffer[T any]() *Buffer[T] {
	return &Buffer[T]{}
}

func (b *Buffer[T]) Add(es ...T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ts = append(b.ts, es...)
}

// Discard removes every entry for which drop returns true and reports how many were removed.
func (b *Buffer[T]) Discard(drop func(T) bool) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	kept := b.ts[:0]
	for _, e := range b.ts {
		if !drop(e) {
			kept = append(kept, e)
		}
	}
	n := len(b.ts) - len(kept)
	clear(b.ts[len(kept):])
	b.ts = kept
	return n
}

// Drain returns the collected entries in insertion order and empties the buffer.
func (b *Buffer[T]) Drain() []T {
	b.mu.Lock()
	es := b.ts
	b.ts = nil
	b.mu.Unlock()
	return es
}
