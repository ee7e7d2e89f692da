package traffic

import (
	"testing"
	"time"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func TestRequestCount_Empty(t *testing.T) {
	Reset()
	if n := RequestCount(1 * time.Minute); n != 0 {
		t.Errorf("RequestCount() = %d, want 0", n)
	}
}

// TestErrorRate_RejectedExcluded verifies that domain rejections count as traffic but are left
// out of the error rate.
func TestErrorRate_RejectedExcluded(t *testing.T) {
	Reset()
	RecordSuccess()
	RecordRejected()
	RecordRejected()
	RecordError()
	errors, total := ErrorRate(1 * time.Minute)
	if errors != 1 || total != 2 {
		t.Errorf("ErrorRate() = (%d, %d), want (1, 2)", errors, total)
	}
	if n := RequestCount(1 * time.Minute); n != 4 {
		t.Errorf("RequestCount() = %d, want 4", n)
	}
}

func TestTracker_Window(t *testing.T) {
	clock := &fakeClock{t: time.Date(2022, 2, 8, 12, 0, 0, 0, time.UTC)}
	tr := NewTracker(clock.now)
	tr.RecordError()
	clock.t = clock.t.Add(30 * time.Second)
	tr.RecordSuccess()

	if errors, total := tr.ErrorRate(time.Minute); errors != 1 || total != 2 {
		t.Errorf("ErrorRate(1m) = (%d, %d), want (1, 2)", errors, total)
	}
	if errors, total := tr.ErrorRate(10 * time.Second); errors != 0 || total != 1 {
		t.Errorf("ErrorRate(10s) = (%d, %d), want (0, 1)", errors, total)
	}
}

func TestTracker_PrunesBeyondRetention(t *testing.T) {
	clock := &fakeClock{t: time.Date(2022, 2, 8, 12, 0, 0, 0, time.UTC)}
	tr := NewTracker(clock.now)
	tr.RecordError()
	clock.t = clock.t.Add(retention + time.Second)
	tr.RecordSuccess()

	tr.mu.Lock()
	kept := len(tr.errorTimes)
	tr.mu.Unlock()
	if kept != 0 {
		t.Errorf("errorTimes len = %d after retention, want 0", kept)
	}
}

func TestReset(t *testing.T) {
	Reset()
	RecordSuccess()
	RecordError()
	RecordRejected()
	Reset()
	if n := RequestCount(1 * time.Minute); n != 0 {
		t.Errorf("RequestCount() = %d, want 0", n)
	}
}
