package http

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
)

// InFlightTracker counts requests currently being served, in total and per route
// template. Used during graceful shutdown to drain before closing cache backends.
type InFlightTracker struct {
	total   atomic.Int64
	mu      sync.Mutex
	byRoute map[string]int64
}

// Begin records a request on route and returns the func that ends it.
func (t *InFlightTracker) Begin(route string) (end func()) {
	t.total.Add(1)
	t.mu.Lock()
	if t.byRoute == nil {
		t.byRoute = make(map[string]int64)
	}
	t.byRoute[route]++
	t.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.total.Add(-1)
			t.mu.Lock()
			if t.byRoute[route]--; t.byRoute[route] <= 0 {
				delete(t.byRoute, route)
			}
			t.mu.Unlock()
		})
	}
}

// Count returns the current in-flight count.
func (t *InFlightTracker) Count() int64 {
	return t.total.Load()
}

// ByRoute returns a copy of the per-route counts; routes with nothing in flight are absent.
func (t *InFlightTracker) ByRoute() map[string]int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]int64, len(t.byRoute))
	for k, v := range t.byRoute {
		out[k] = v
	}
	return out
}

// WaitForZero blocks until the in-flight count reaches zero or ctx is done,
// re-checking every checkInterval on clock.
func (t *InFlightTracker) WaitForZero(ctx context.Context, clock clockwork.Clock, checkInterval time.Duration) error {
	if t.Count() == 0 {
		return nil
	}
	ticker := clock.NewTicker(checkInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.Chan():
			if t.Count() == 0 {
				return nil
			}
		}
	}
}

// globalInFlightTracker is the process-wide tracker fed by MetricsMiddleware.
var globalInFlightTracker = &InFlightTracker{}

// InFlightCount returns the current number of in-flight requests.
func InFlightCount() int64 {
	return globalInFlightTracker.Count()
}

// InFlightByRoute returns the in-flight requests per route template.
func InFlightByRoute() map[string]int64 {
	return globalInFlightTracker.ByRoute()
}

// WaitForInFlight blocks until in-flight requests reach zero or ctx is done.
func WaitForInFlight(ctx context.Context, checkInterval time.Duration) error {
	return globalInFlightTracker.WaitForZero(ctx, clockwork.NewRealClock(), checkInterval)
}
