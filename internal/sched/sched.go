package sched

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"guardbot/internal/eventbus"
	"guardbot/pkg/logx"
)

// Work is a unit of deferred work. The context is the scheduler's background
// context; tasks are not preempted once started.
type Work func(ctx context.Context) error

var ErrNilWork = errors.New("sched: nil work")

// Event types published on the bus.
const (
	EventScheduled = "task.scheduled"
	EventFinished  = "task.finished"
	EventFailed    = "task.failed"
	EventCancelled = "task.cancelled"
)

// TaskEvent is the Data payload of task.* bus events.
type TaskEvent struct {
	Scheduler string    `json:"scheduler"`
	Key       string    `json:"key"`
	FireAt    time.Time `json:"fire_at,omitempty"`
	Error     string    `json:"error,omitempty"`
}

type entryState int

const (
	statePending entryState = iota
	stateRunning
)

type entry[K comparable] struct {
	key    K
	fireAt time.Time
	timer  *time.Timer
	state  entryState
	work   Work
}

// Scheduler runs at most one pending-or-running task per key.
//
// The zero value is not usable; construct with New.
type Scheduler[K comparable] struct {
	name string
	log  logx.Logger
	bus  eventbus.Bus

	mu      sync.Mutex
	entries map[K]*entry[K]
}

// New creates a scheduler. name labels logs, metrics and bus events.
// bus may be nil.
func New[K comparable](name string, log logx.Logger, bus eventbus.Bus) *Scheduler[K] {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Scheduler[K]{
		name:    name,
		log:     log.With(logx.String("scheduler", name)),
		bus:     bus,
		entries: map[K]*entry[K]{},
	}
}

// ScheduleAt registers work to run no earlier than at. A fire time in the
// past runs the task immediately (still asynchronously).
//
// If the key already has a pending or running task, the original task is kept,
// a warning is logged, and the call is a no-op. The error return covers only
// unusable arguments (nil work).
func (s *Scheduler[K]) ScheduleAt(key K, at time.Time, work Work) error {
	if work == nil {
		return ErrNilWork
	}

	s.mu.Lock()
	if _, ok := s.entries[key]; ok {
		s.mu.Unlock()
		s.log.Warn("task already scheduled for key; keeping original", logx.String("key", keyString(key)))
		return nil
	}

	e := &entry[K]{key: key, fireAt: at, state: statePending, work: work}
	s.entries[key] = e

	delay := time.Until(at)
	if delay < 0 {
		delay = 0
	}
	e.timer = time.AfterFunc(delay, func() { s.fire(e) })
	s.mu.Unlock()

	pendingTasks.WithLabelValues(s.name).Inc()
	scheduledTotal.WithLabelValues(s.name).Inc()
	s.publish(EventScheduled, key, at, nil)
	s.log.Debug("task scheduled", logx.String("key", keyString(key)), logx.Time("fire_at", at))
	return nil
}

// ScheduleLater registers work to run after delay. A non-positive delay runs
// the task immediately.
func (s *Scheduler[K]) ScheduleLater(key K, delay time.Duration, work Work) error {
	return s.ScheduleAt(key, time.Now().Add(delay), work)
}

// Cancel aborts the pending task for key and reports whether it did.
// Absent keys and already-running tasks return false; running work is
// never preempted.
func (s *Scheduler[K]) Cancel(key K) bool {
	s.mu.Lock()
	e, ok := s.entries[key]
	if !ok || e.state != statePending {
		s.mu.Unlock()
		return false
	}
	e.timer.Stop()
	delete(s.entries, key)
	s.mu.Unlock()

	pendingTasks.WithLabelValues(s.name).Dec()
	cancelledTotal.WithLabelValues(s.name).Inc()
	s.publish(EventCancelled, key, e.fireAt, nil)
	s.log.Debug("task cancelled", logx.String("key", keyString(key)))
	return true
}

// CancelAll aborts every pending task. Running tasks are not preempted; they
// keep their table entry until completion. The scheduler stays usable.
func (s *Scheduler[K]) CancelAll() {
	s.mu.Lock()
	var cancelled []*entry[K]
	for key, e := range s.entries {
		if e.state != statePending {
			continue
		}
		e.timer.Stop()
		delete(s.entries, key)
		cancelled = append(cancelled, e)
	}
	s.mu.Unlock()

	for _, e := range cancelled {
		pendingTasks.WithLabelValues(s.name).Dec()
		cancelledTotal.WithLabelValues(s.name).Inc()
		s.publish(EventCancelled, e.key, e.fireAt, nil)
	}
	if len(cancelled) > 0 {
		s.log.Debug("all pending tasks cancelled", logx.Int("count", len(cancelled)))
	}
}

// Has reports whether key has a pending or running task.
func (s *Scheduler[K]) Has(key K) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[key]
	return ok
}

// Len returns the number of pending and running tasks.
func (s *Scheduler[K]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// fire is the timer callback. The entry identity re-check under the lock makes
// cancel/fire and reschedule races safe: a stale callback for a removed or
// replaced entry does nothing.
func (s *Scheduler[K]) fire(e *entry[K]) {
	s.mu.Lock()
	cur, ok := s.entries[e.key]
	if !ok || cur != e || e.state != statePending {
		s.mu.Unlock()
		return
	}
	e.state = stateRunning
	s.mu.Unlock()

	pendingTasks.WithLabelValues(s.name).Dec()
	runningTasks.WithLabelValues(s.name).Inc()

	err := s.run(e)

	s.mu.Lock()
	if cur, ok := s.entries[e.key]; ok && cur == e {
		delete(s.entries, e.key)
	}
	s.mu.Unlock()

	runningTasks.WithLabelValues(s.name).Dec()
	if err != nil {
		failedTotal.WithLabelValues(s.name).Inc()
		s.publish(EventFailed, e.key, e.fireAt, err)
		s.log.Error("task failed", logx.String("key", keyString(e.key)), logx.Err(err))
		return
	}
	completedTotal.WithLabelValues(s.name).Inc()
	s.publish(EventFinished, e.key, e.fireAt, nil)
	s.log.Debug("task finished", logx.String("key", keyString(e.key)))
}

// run executes the work, converting panics into errors so one task can never
// take down the process or its siblings.
func (s *Scheduler[K]) run(e *entry[K]) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.log.Error("task panicked",
				logx.String("key", keyString(e.key)),
				logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())),
			)
		}
	}()
	return e.work(context.Background())
}

func (s *Scheduler[K]) publish(typ string, key K, fireAt time.Time, err error) {
	if s.bus == nil {
		return
	}
	ev := TaskEvent{Scheduler: s.name, Key: keyString(key), FireAt: fireAt}
	if err != nil {
		ev.Error = err.Error()
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: ev})
}

func keyString(key any) string {
	return fmt.Sprint(key)
}
