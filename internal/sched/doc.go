// Package sched provides a keyed one-shot task scheduler.
//
// Each owning subsystem creates its own Scheduler instance; keys are unique
// per instance, not process-wide. A key maps to at most one task at a time:
// scheduling on an occupied key keeps the original task and logs a warning.
//
// Tasks run once at (or as soon as possible after) their fire time. A task
// failure (error or panic) is logged with its key and never propagates to the
// scheduling call site nor affects other tasks. Running tasks are never
// preempted; Cancel and CancelAll only abort tasks that have not started.
package sched
