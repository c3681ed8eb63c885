package sched

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	scheduledTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "guardbot",
		Subsystem: "sched",
		Name:      "scheduled_total",
		Help:      "Tasks accepted by ScheduleAt/ScheduleLater.",
	}, []string{"scheduler"})

	completedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "guardbot",
		Subsystem: "sched",
		Name:      "completed_total",
		Help:      "Tasks that ran to completion without error.",
	}, []string{"scheduler"})

	failedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "guardbot",
		Subsystem: "sched",
		Name:      "failed_total",
		Help:      "Tasks that returned an error or panicked.",
	}, []string{"scheduler"})

	cancelledTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "guardbot",
		Subsystem: "sched",
		Name:      "cancelled_total",
		Help:      "Pending tasks aborted by Cancel/CancelAll.",
	}, []string{"scheduler"})

	pendingTasks = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "guardbot",
		Subsystem: "sched",
		Name:      "pending_tasks",
		Help:      "Tasks waiting for their fire time.",
	}, []string{"scheduler"})

	runningTasks = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "guardbot",
		Subsystem: "sched",
		Name:      "running_tasks",
		Help:      "Tasks currently executing.",
	}, []string{"scheduler"})
)
