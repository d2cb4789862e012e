// Package coalesce merges concurrent calls for the same key into one
// execution whose result every caller shares.
package coalesce

import (
	"context"
	"sync"
	"time"
)

// DefaultWindow is how long the first caller waits for others to pile on
// before executing.
const DefaultWindow = 10 * time.Millisecond

type call[V any] struct {
	done chan struct{}
	val  V
	err  error
}

// Group coalesces calls per key. Callers that arrive while a call for the
// same key is pending (within the debounce window) or already executing
// share its outcome.
type Group[K comparable, V any] struct {
	window time.Duration

	mu    sync.Mutex
	calls map[K]*call[V]
}

// New builds a Group with the given debounce window. window <= 0 uses
// DefaultWindow.
func New[K comparable, V any](window time.Duration) *Group[K, V] {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Group[K, V]{
		window: window,
		calls:  make(map[K]*call[V]),
	}
}

// Do runs fn for key, unless a call for the same key is already in flight,
// in which case it waits for and returns that call's result. The executing
// caller first waits out the debounce window so near-simultaneous callers
// join rather than stacking writes.
func (g *Group[K, V]) Do(ctx context.Context, key K, fn func() (V, error)) (V, error) {
	g.mu.Lock()
	if c, ok := g.calls[key]; ok {
		g.mu.Unlock()
		var zero V
		select {
		case <-c.done:
			return c.val, c.err
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}

	c := &call[V]{done: make(chan struct{})}
	g.calls[key] = c
	g.mu.Unlock()

	select {
	case <-time.After(g.window):
	case <-ctx.Done():
		g.mu.Lock()
		delete(g.calls, key)
		g.mu.Unlock()
		c.err = ctx.Err()
		close(c.done)
		var zero V
		return zero, c.err
	}

	c.val, c.err = fn()

	g.mu.Lock()
	delete(g.calls, key)
	g.mu.Unlock()
	close(c.done)

	return c.val, c.err
}
