package sched

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"guardbot/internal/eventbus"
	"guardbot/pkg/logx"
)

func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestScheduleLaterRuns(t *testing.T) {
	s := New[string]("test", logx.Nop(), nil)

	var ran atomic.Bool
	if err := s.ScheduleLater("k", 20*time.Millisecond, func(ctx context.Context) error {
		ran.Store(true)
		return nil
	}); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	if !s.Has("k") {
		t.Fatal("key must be present while pending")
	}
	if got := s.Len(); got != 1 {
		t.Fatalf("len: got %d, want 1", got)
	}

	waitFor(t, time.Second, ran.Load)
	waitFor(t, time.Second, func() bool { return !s.Has("k") })
	if got := s.Len(); got != 0 {
		t.Fatalf("len after completion: got %d, want 0", got)
	}
}

func TestPastFireTimeRunsImmediately(t *testing.T) {
	s := New[int]("test", logx.Nop(), nil)

	done := make(chan struct{})
	start := time.Now()
	err := s.ScheduleAt(1, time.Now().Add(-time.Hour), func(ctx context.Context) error {
		close(done)
		return nil
	})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("past-due task did not run")
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("past-due task took too long: %v", elapsed)
	}
}

func TestNilWorkRejected(t *testing.T) {
	s := New[string]("test", logx.Nop(), nil)
	if err := s.ScheduleLater("k", time.Millisecond, nil); !errors.Is(err, ErrNilWork) {
		t.Fatalf("got %v, want ErrNilWork", err)
	}
	if s.Has("k") {
		t.Fatal("nil work must not occupy the key")
	}
}

func TestDuplicateKeyKeepsOriginal(t *testing.T) {
	s := New[string]("test", logx.Nop(), nil)

	var original, intruder atomic.Bool
	if err := s.ScheduleLater("k", time.Hour, func(ctx context.Context) error {
		original.Store(true)
		return nil
	}); err != nil {
		t.Fatalf("schedule original: %v", err)
	}

	// Second registration on the same key: no error, but it must never run.
	if err := s.ScheduleAt("k", time.Now().Add(-time.Minute), func(ctx context.Context) error {
		intruder.Store(true)
		return nil
	}); err != nil {
		t.Fatalf("duplicate schedule: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	if intruder.Load() {
		t.Fatal("duplicate registration ran; original must win")
	}
	if !s.Has("k") {
		t.Fatal("original task must still be pending")
	}

	// The original is the one Cancel aborts.
	if !s.Cancel("k") {
		t.Fatal("cancel of pending original must succeed")
	}
	if original.Load() {
		t.Fatal("original ran despite cancel")
	}
}

func TestCancelPending(t *testing.T) {
	s := New[string]("test", logx.Nop(), nil)

	var ran atomic.Bool
	_ = s.ScheduleLater("k", 40*time.Millisecond, func(ctx context.Context) error {
		ran.Store(true)
		return nil
	})

	if !s.Cancel("k") {
		t.Fatal("cancel of pending task must return true")
	}
	if s.Has("k") {
		t.Fatal("cancelled key must be removed")
	}

	time.Sleep(100 * time.Millisecond)
	if ran.Load() {
		t.Fatal("cancelled task ran")
	}
}

func TestCancelAbsentIsNoOp(t *testing.T) {
	s := New[string]("test", logx.Nop(), nil)
	if s.Cancel("nope") {
		t.Fatal("cancel of absent key must return false")
	}
}

func TestCancelRunningDoesNotPreempt(t *testing.T) {
	s := New[string]("test", logx.Nop(), nil)

	started := make(chan struct{})
	release := make(chan struct{})
	var finished atomic.Bool

	_ = s.ScheduleLater("k", 0, func(ctx context.Context) error {
		close(started)
		<-release
		finished.Store(true)
		return nil
	})

	<-started
	if s.Cancel("k") {
		t.Fatal("cancel of running task must return false")
	}
	if !s.Has("k") {
		t.Fatal("running task must keep its table entry")
	}

	close(release)
	waitFor(t, time.Second, finished.Load)
	waitFor(t, time.Second, func() bool { return !s.Has("k") })
}

func TestCancelAllAndReuse(t *testing.T) {
	s := New[int]("test", logx.Nop(), nil)

	var ran atomic.Int32
	for i := 0; i < 5; i++ {
		_ = s.ScheduleLater(i, time.Hour, func(ctx context.Context) error {
			ran.Add(1)
			return nil
		})
	}
	if got := s.Len(); got != 5 {
		t.Fatalf("len: got %d, want 5", got)
	}

	s.CancelAll()
	if got := s.Len(); got != 0 {
		t.Fatalf("len after CancelAll: got %d, want 0", got)
	}

	// The instance stays usable.
	done := make(chan struct{})
	if err := s.ScheduleLater(1, 0, func(ctx context.Context) error {
		close(done)
		return nil
	}); err != nil {
		t.Fatalf("schedule after CancelAll: %v", err)
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("task scheduled after CancelAll did not run")
	}
	if n := ran.Load(); n != 0 {
		t.Fatalf("cancelled tasks ran: %d", n)
	}
}

func TestCancelAllLeavesRunning(t *testing.T) {
	s := New[string]("test", logx.Nop(), nil)

	started := make(chan struct{})
	release := make(chan struct{})
	_ = s.ScheduleLater("running", 0, func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	})
	<-started

	_ = s.ScheduleLater("pending", time.Hour, func(ctx context.Context) error { return nil })

	s.CancelAll()
	if s.Has("pending") {
		t.Fatal("pending task must be gone after CancelAll")
	}
	if !s.Has("running") {
		t.Fatal("running task must not be preempted by CancelAll")
	}

	close(release)
	waitFor(t, time.Second, func() bool { return !s.Has("running") })
}

func TestFailureIsolation(t *testing.T) {
	s := New[string]("test", logx.Nop(), nil)

	var siblingRan atomic.Bool
	_ = s.ScheduleLater("failing", 0, func(ctx context.Context) error {
		return errors.New("boom")
	})
	_ = s.ScheduleLater("panicking", 0, func(ctx context.Context) error {
		panic("kaboom")
	})
	_ = s.ScheduleLater("sibling", 10*time.Millisecond, func(ctx context.Context) error {
		siblingRan.Store(true)
		return nil
	})

	waitFor(t, time.Second, siblingRan.Load)

	// Failed and panicked tasks are removed like any other completion.
	waitFor(t, time.Second, func() bool {
		return !s.Has("failing") && !s.Has("panicking") && !s.Has("sibling")
	})

	// Scheduler remains fully usable after failures.
	done := make(chan struct{})
	_ = s.ScheduleLater("after", 0, func(ctx context.Context) error {
		close(done)
		return nil
	})
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler unusable after task failure")
	}
}

func TestRescheduleAfterCancel(t *testing.T) {
	s := New[string]("test", logx.Nop(), nil)

	_ = s.ScheduleLater("k", time.Hour, func(ctx context.Context) error { return nil })
	if !s.Cancel("k") {
		t.Fatal("cancel failed")
	}

	done := make(chan struct{})
	if err := s.ScheduleLater("k", 0, func(ctx context.Context) error {
		close(done)
		return nil
	}); err != nil {
		t.Fatalf("reschedule: %v", err)
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("rescheduled task did not run")
	}
}

func TestBusEvents(t *testing.T) {
	bus := eventbus.New()
	ch, unsub := bus.SubscribeTypes(16, "task.")
	defer unsub()

	s := New[string]("evt", logx.Nop(), bus)

	_ = s.ScheduleLater("ok", 0, func(ctx context.Context) error { return nil })
	_ = s.ScheduleLater("bad", 0, func(ctx context.Context) error { return errors.New("boom") })
	_ = s.ScheduleLater("gone", time.Hour, func(ctx context.Context) error { return nil })
	s.Cancel("gone")

	want := map[string]int{
		EventScheduled: 3,
		EventFinished:  1,
		EventFailed:    1,
		EventCancelled: 1,
	}
	got := map[string]int{}
	deadline := time.After(2 * time.Second)
	for total := 0; total < 6; {
		select {
		case ev := <-ch:
			te, ok := ev.Data.(TaskEvent)
			if !ok {
				t.Fatalf("unexpected event payload: %#v", ev.Data)
			}
			if te.Scheduler != "evt" {
				t.Fatalf("scheduler label: got %q", te.Scheduler)
			}
			got[ev.Type]++
			total++
		case <-deadline:
			t.Fatalf("timed out waiting for events; got %v", got)
		}
	}
	for typ, n := range want {
		if got[typ] != n {
			t.Fatalf("event %s: got %d, want %d (all: %v)", typ, got[typ], n, got)
		}
	}
}

func TestConcurrentScheduleCancel(t *testing.T) {
	s := New[int]("race", logx.Nop(), nil)

	const n = 50
	for i := 0; i < n; i++ {
		i := i
		go func() {
			_ = s.ScheduleLater(i, time.Duration(i%5)*time.Millisecond, func(ctx context.Context) error { return nil })
		}()
		go func() { s.Cancel(i) }()
	}

	// Regardless of race outcomes, the table must drain completely.
	waitFor(t, 2*time.Second, func() bool { return s.Len() == 0 })
}
