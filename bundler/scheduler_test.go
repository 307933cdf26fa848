package bundler

import (
	"context"
	"sync"
	"testing"
	"time"
)

// recordingSubmitter counts Submit calls and optionally blocks until released.
type recordingSubmitter struct {
	mu      sync.Mutex
	calls   [][]*PoolEntry
	started chan struct{}
	release chan struct{}
}

func (s *recordingSubmitter) Submit(ctx context.Context, entries []*PoolEntry) error {
	if s.started != nil {
		s.started <- struct{}{}
	}
	if s.release != nil {
		<-s.release
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, entries)
	return nil
}

func (s *recordingSubmitter) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestTriggerDrainsPool(t *testing.T) {
	pool := NewMempool()
	submitter := &recordingSubmitter{}
	sched := NewScheduler(pool, submitter, nil)

	sched.Start(context.Background())
	defer sched.Stop()

	op := testOp(1)
	pool.Admit(testOpHash(op), op)
	sched.Trigger()

	waitFor(t, func() bool { return submitter.callCount() == 1 })
	if pool.Size() != 0 {
		t.Errorf("pool not drained, size=%d", pool.Size())
	}
}

func TestTriggerOnEmptyPoolDoesNotSubmit(t *testing.T) {
	pool := NewMempool()
	submitter := &recordingSubmitter{}
	sched := NewScheduler(pool, submitter, nil)

	sched.Start(context.Background())
	sched.Trigger()
	sched.Trigger()
	sched.Stop()

	if got := submitter.callCount(); got != 0 {
		t.Errorf("empty drain should not submit, got %d calls", got)
	}
}

// Triggers landing while a cycle is in flight collapse into one follow-up
// cycle. Five triggers against a blocked submitter must produce exactly one
// more Submit, not five.
func TestTriggersCoalesce(t *testing.T) {
	pool := NewMempool()
	submitter := &recordingSubmitter{
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	sched := NewScheduler(pool, submitter, nil)
	sched.Start(context.Background())

	first := testOp(1)
	pool.Admit(testOpHash(first), first)
	sched.Trigger()
	<-submitter.started

	// worker is blocked inside Submit; pile up triggers with one more op
	second := testOp(2)
	pool.Admit(testOpHash(second), second)
	for i := 0; i < 5; i++ {
		sched.Trigger()
	}

	submitter.release <- struct{}{}
	<-submitter.started
	submitter.release <- struct{}{}

	waitFor(t, func() bool { return submitter.callCount() == 2 })
	sched.Stop()

	if got := submitter.callCount(); got != 2 {
		t.Errorf("expect 2 cycles (one coalesced), got %d", got)
	}
}

func TestStopWaitsForInFlightCycle(t *testing.T) {
	pool := NewMempool()
	submitter := &recordingSubmitter{
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	sched := NewScheduler(pool, submitter, nil)
	sched.Start(context.Background())

	op := testOp(1)
	pool.Admit(testOpHash(op), op)
	sched.Trigger()
	<-submitter.started

	stopped := make(chan struct{})
	go func() {
		sched.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned while a cycle was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	submitter.release <- struct{}{}
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return after cycle finished")
	}

	if got := submitter.callCount(); got != 1 {
		t.Errorf("expect exactly 1 cycle, got %d", got)
	}
}
