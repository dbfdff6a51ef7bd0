// Package future implements the one-shot result slot thunks and the
// control plane's register_future command hand back to callers. A Future
// is fulfilled exactly once; every other fulfillment attempt is a no-op,
// and any number of goroutines may Wait on it concurrently.
package future

import (
	"context"
	"sync"
)

// Future is a single-assignment slot for a (value, error) pair.
type Future struct {
	done   chan struct{}
	once   sync.Once
	mu     sync.RWMutex
	result any
	err    error
}

// New returns an unfulfilled Future.
func New() *Future {
	return &Future{done: make(chan struct{})}
}

// Fulfill sets the Future's result. Only the first call has any effect;
// subsequent calls (even with a different value) are silently dropped.
// This is what makes "completion is idempotent" hold even if a processor
// somehow reports a result twice.
func (f *Future) Fulfill(v any, err error) {
	f.once.Do(func() {
		f.mu.Lock()
		f.result, f.err = v, err
		f.mu.Unlock()
		close(f.done)
	})
}

// Fulfilled reports whether Fulfill has already run.
func (f *Future) Fulfilled() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Done returns a channel closed once the Future is fulfilled, for callers
// that want to select over it alongside other events.
func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks until the Future is fulfilled or ctx is done.
func (f *Future) Wait(ctx context.Context) (any, error) {
	select {
	case <-f.done:
		f.mu.RLock()
		defer f.mu.RUnlock()
		return f.result, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
