// Package traffic keeps sliding windows of weather lookup outcomes.
package traffic

import (
	"sync"
	"time"
)

// retention bounds how long outcomes are kept regardless of the queried window.
const retention = 5 * time.Minute

var defaultTracker = NewTracker(time.Now)

// RecordSuccess records a lookup that returned weather data.
func RecordSuccess() {
	defaultTracker.RecordSuccess()
}

// RecordRejected records a lookup that ended in a domain failure (bad date, unknown city,
// date out of range). Rejections are caller mistakes and never count as errors.
func RecordRejected() {
	defaultTracker.RecordRejected()
}

// RecordError records a lookup that failed on infrastructure (upstream, store, timeout).
func RecordError() {
	defaultTracker.RecordError()
}

// RequestCount returns the number of outcomes of any kind within the window.
func RequestCount(window time.Duration) int {
	return defaultTracker.RequestCount(window)
}

// ErrorRate returns (errorCount, totalCount) within the window. totalCount = successes + errors.
func ErrorRate(window time.Duration) (errors, total int) {
	return defaultTracker.ErrorRate(window)
}

// Reset clears all recorded outcomes. For tests only.
func Reset() {
	defaultTracker.Reset()
}

// Tracker maintains sliding windows of outcome timestamps.
type Tracker struct {
	now func() time.Time

	mu            sync.Mutex
	successTimes  []time.Time
	rejectedTimes []time.Time
	errorTimes    []time.Time
}

// NewTracker returns a Tracker reading time from now.
func NewTracker(now func() time.Time) *Tracker {
	if now == nil {
		now = time.Now
	}
	return &Tracker{now: now}
}

func (t *Tracker) RecordSuccess() {
	t.recordOutcome(&t.successTimes)
}

func (t *Tracker) RecordRejected() {
	t.recordOutcome(&t.rejectedTimes)
}

func (t *Tracker) RecordError() {
	t.recordOutcome(&t.errorTimes)
}

// recordOutcome appends the current timestamp to slice and prunes old entries.
func (t *Tracker) recordOutcome(slice *[]time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	*slice = append(*slice, now)
	t.pruneLocked(now)
}

// RequestCount returns the total number of outcomes within the window.
func (t *Tracker) RequestCount(window time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := t.now().Add(-window)
	return countInWindow(t.successTimes, cutoff) +
		countInWindow(t.rejectedTimes, cutoff) +
		countInWindow(t.errorTimes, cutoff)
}

// ErrorRate returns (errorCount, totalCount) within the window. Rejections are excluded from both.
func (t *Tracker) ErrorRate(window time.Duration) (errors, total int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := t.now().Add(-window)
	errCount := countInWindow(t.errorTimes, cutoff)
	return errCount, errCount + countInWindow(t.successTimes, cutoff)
}

// Reset clears all recorded outcomes from the tracker.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.successTimes = nil
	t.rejectedTimes = nil
	t.errorTimes = nil
}

// countInWindow counts timestamps that are not before cutoff.
func countInWindow(times []time.Time, cutoff time.Time) int {
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
	prune(&t.rejectedTimes)
	prune(&t.errorTimes)
}
