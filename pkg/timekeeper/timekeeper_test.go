package timekeeper

import (
	"testing"
	"time"
)

func TestReportAdvancesCheckpoint(t *testing.T) {
	elapse := NewElapsing()

	time.Sleep(50 * time.Millisecond)

	d1 := elapse.Report()
	if d1 <= 50*time.Millisecond {
		t.Errorf("elapse time is wrong. expect some amount > 50ms, got %s", d1)
	}

	// checkpoint moved, so an immediate second report is near zero
	d2 := elapse.Report()
	if d2 >= 10*time.Millisecond {
		t.Errorf("elapse time is wrong. expect near zero, got %s", d2)
	}
}

func TestReset(t *testing.T) {
	elapse := NewElapsing()

	time.Sleep(50 * time.Millisecond)

	elapse.Reset()
	d1 := elapse.Report()
	if d1 >= 10*time.Millisecond {
		t.Errorf("elapse time is wrong. expect near zero, got %s", d1)
	}
}
