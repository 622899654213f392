package service

import (
	"context"
	"sync"
	"time"
)

// inFlight tracks a single computation that multiple callers may wait for.
type inFlight[T any] struct {
	done    chan struct{}
	result  T
	err     error
	waiters int
}

// coalescer collapses concurrent identical computations (same key) into one.
// The computation runs detached from the first caller's cancellation, bounded by
// timeout, so a client disconnect never fails the callers waiting with it.
type coalescer[T any] struct {
	mu       sync.Mutex
	inFlight map[string]*inFlight[T]
	timeout  time.Duration
}

// newCoalescer returns nil when timeout is not positive, which disables coalescing.
func newCoalescer[T any](timeout time.Duration) *coalescer[T] {
	if timeout <= 0 {
		return nil
	}
	return &coalescer[T]{inFlight: make(map[string]*inFlight[T]), timeout: timeout}
}

// Do runs fn once per key among concurrent callers. shared reports whether this
// caller joined a computation started by another.
func (c *coalescer[T]) Do(ctx context.Context, key string, fn func(context.Context) (T, error)) (result T, shared bool, err error) {
	if c == nil {
		result, err = fn(ctx)
		return result, false, err
	}

	c.mu.Lock()
	req, exists := c.inFlight[key]
	if exists {
		req.waiters++
	} else {
		req = &inFlight[T]{done: make(chan struct{})}
		c.inFlight[key] = req
	}
	c.mu.Unlock()

	if !exists {
		go func() {
			runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
			defer cancel()
			req.result, req.err = fn(runCtx)

			c.mu.Lock()
			delete(c.inFlight, key)
			c.mu.Unlock()
			close(req.done)
		}()
	}

	select {
	case <-req.done:
		return req.result, exists, req.err
	case <-ctx.Done():
		var zero T
		return zero, exists, ctx.Err()
	}
}

// waiting returns how many callers joined the in-flight computation for key.
func (c *coalescer[T]) waiting(key string) int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if req, ok := c.inFlight[key]; ok {
		return req.waiters
	}
	return 0
}
