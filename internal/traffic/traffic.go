// Package traffic keeps sliding windows of request outcomes. The route layer records
// into it; health and metrics read from it.
package traffic

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// retention bounds how far back any window can look.
const retention = 5 * time.Minute

var defaultTracker = NewTracker(nil)

// RecordSuccess records a successful request outcome.
func RecordSuccess() {
	defaultTracker.RecordSuccess()
}

// RecordError records a failed request outcome (upstream error, timeout, etc.).
func RecordError() {
	defaultTracker.RecordError()
}

// RecordDenied records a rate-limit denial (429).
func RecordDenied() {
	defaultTracker.RecordDenied()
}

// RecordErrorN records N error outcomes. For synthetic error injection in testing mode.
func RecordErrorN(n int) {
	defaultTracker.RecordErrorN(n)
}

// RequestCount returns the number of outcomes (success + error + denied) within the window.
func RequestCount(window time.Duration) int {
	return defaultTracker.RequestCount(window)
}

// DenialCount returns the number of denials within the window.
func DenialCount(window time.Duration) int {
	return defaultTracker.DenialCount(window)
}

// ErrorRate returns (errorCount, totalCount) within the window. totalCount = successes + errors (denied excluded).
func ErrorRate(window time.Duration) (errors, total int) {
	return defaultTracker.ErrorRate(window)
}

// Degraded reports whether the error rate within window reaches pct percent.
func Degraded(window time.Duration, pct int) bool {
	return defaultTracker.Degraded(window, pct)
}

// Reset clears all recorded outcomes.
func Reset() {
	defaultTracker.Reset()
}

// Tracker maintains sliding windows of outcome timestamps.
type Tracker struct {
	mu           sync.Mutex
	clock        clockwork.Clock
	successTimes []time.Time
	errorTimes   []time.Time
	deniedTimes  []time.Time
}

// NewTracker creates an empty tracker. A nil clock uses the real clock.
func NewTracker(clock clockwork.Clock) *Tracker {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Tracker{clock: clock}
}

// RecordSuccess records a successful request outcome in the tracker.
func (t *Tracker) RecordSuccess() {
	t.recordN(&t.successTimes, 1)
}

// RecordError records a failed request outcome in the tracker.
func (t *Tracker) RecordError() {
	t.recordN(&t.errorTimes, 1)
}

// RecordDenied records a rate-limit denial (429) in the tracker.
func (t *Tracker) RecordDenied() {
	t.recordN(&t.deniedTimes, 1)
}

// RecordErrorN records N error outcomes atomically.
func (t *Tracker) RecordErrorN(n int) {
	t.recordN(&t.errorTimes, n)
}

func (t *Tracker) recordN(slice *[]time.Time, n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clock.Now()
	for i := 0; i < n; i++ {
		*slice = append(*slice, now)
	}
	t.pruneLocked(now)
}

// RequestCount returns the total number of outcomes (success + error + denied) within the window.
func (t *Tracker) RequestCount(window time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := t.clock.Now().Add(-window)
	return countSince(t.successTimes, cutoff) +
		countSince(t.errorTimes, cutoff) +
		countSince(t.deniedTimes, cutoff)
}

// DenialCount returns the number of rate-limit denials within the window.
func (t *Tracker) DenialCount(window time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return countSince(t.deniedTimes, t.clock.Now().Add(-window))
}

// ErrorRate returns (errorCount, totalCount) within the window.
// totalCount includes successes and errors only; denials are excluded.
func (t *Tracker) ErrorRate(window time.Duration) (errors, total int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := t.clock.Now().Add(-window)
	errCount := countSince(t.errorTimes, cutoff)
	return errCount, errCount + countSince(t.successTimes, cutoff)
}

// Degraded reports whether errors make up at least pct percent of the outcomes in
// window. An empty window or a non-positive pct is never degraded.
func (t *Tracker) Degraded(window time.Duration, pct int) bool {
	if window <= 0 || pct <= 0 {
		return false
	}
	errs, total := t.ErrorRate(window)
	if total == 0 {
		return false
	}
	return float64(errs)*100/float64(total) >= float64(pct)
}

// Reset clears all recorded outcomes from the tracker.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.successTimes = nil
	t.errorTimes = nil
	t.deniedTimes = nil
}

func countSince(times []time.Time, cutoff time.Time) int {
	n := 0
	for _, ts := range times {
		if !ts.Before(cutoff) {
			n++
		}
	}
	return n
}

// pruneLocked drops timestamps older than retention. Must be called with mu held.
func (t *Tracker) pruneLocked(now time.Time) {
	cutoff := now.Add(-retention)
	prune := func(slice *[]time.Time) {
		times := *slice
		i := 0
		for ; i < len(times) && times[i].Before(cutoff); i++ {
		}
		if i > 0 {
			*slice = append(times[:0], times[i:]...)
		}
	}
	prune(&t.successTimes)
	prune(&t.errorTimes)
	prune(&t.deniedTimes)
}
