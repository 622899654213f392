// Package lifecycle holds the process-wide draining flag consulted by /health.
package lifecycle

import "sync"

// Drain reasons reported by /health.
const (
	ReasonSignal            = "signal"
	ReasonRecoveryExhausted = "upstream_recovery_exhausted"
	ReasonManual            = "manual"
)

var (
	mu     sync.RWMutex
	reason string
)

// Drain marks the process as shutting down. The first reason wins; later calls
// keep the process draining without overwriting it.
func Drain(r string) {
	if r == "" {
		r = ReasonManual
	}
	mu.Lock()
	defer mu.Unlock()
	if reason == "" {
		reason = r
	}
}

// Resume clears the draining state. Used by testing-mode endpoints and tests.
func Resume() {
	mu.Lock()
	defer mu.Unlock()
	reason = ""
}

// IsShuttingDown reports whether the process is draining and should not receive new traffic.
func IsShuttingDown() bool {
	return Reason() != ""
}

// Reason returns why the process is draining, or "" when it is not.
func Reason() string {
	mu.RLock()
	defer mu.RUnlock()
	return reason
}
