// Package observability defines the swarmctl Prometheus metrics and
// registers them with the default registry, generalized from the teacher's
// control_plane/observability/metrics.go (SPEC_FULL.md §3). No other package
// in this module sets or increments them.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TaskQueueDepth tracks pending task count by priority bucket.
	TaskQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "swarmctl_queue_depth",
		Help: "Current number of pending tasks in the scheduling queue",
	}, []string{"priority"})

	// SchedulingDecisions is a counter of scheduling decisions, labelled by
	// decision.
	SchedulingDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "swarmctl_scheduling_decisions_total",
		Help: "Total number of scheduling decisions made",
	}, []string{"decision"})

	// TaskTimeouts counts tasks the timeout-sweep loop reclaimed.
	TaskTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "swarmctl_task_timeouts_total",
		Help: "Tasks reclaimed by the timeout-sweep loop",
	})

	// WorkerCount tracks local worker counts by state.
	WorkerCount = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "swarmctl_worker_count",
		Help: "Current number of local workers by state",
	}, []string{"state"})

	// SlaveCount tracks remote slave counts by status.
	SlaveCount = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "swarmctl_slave_count",
		Help: "Current number of remote slaves by status",
	}, []string{"status"})

	// CircuitState tracks the per-host circuit breaker state
	// (0=closed, 1=half_open, 2=open).
	CircuitState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "swarmctl_circuit_state",
		Help: "Per-host circuit breaker state (0=closed, 1=half_open, 2=open)",
	}, []string{"host"})

	// HumanRequestBacklog tracks pending human-request count by kind.
	HumanRequestBacklog = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "swarmctl_human_request_backlog",
		Help: "Current number of pending human requests by kind",
	}, []string{"kind"})

	// SupervisorRestarts counts auto-restarts by supervised process name.
	SupervisorRestarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "swarmctl_supervisor_restarts_total",
		Help: "Total number of automatic child-process restarts",
	}, []string{"process"})

	// AssignmentLatency tracks time from submission to assignment.
	AssignmentLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "swarmctl_assignment_latency_seconds",
		Help:    "Time from task submission to assignment",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	})
)

// CircuitStateValue maps a circuit breaker's symbolic state to the gauge
// value the teacher's SchedulerCircuitState metric uses.
func CircuitStateValue(state string) float64 {
	switch state {
	case "half_open":
		return 1
	case "open":
		return 2
	default:
		return 0
	}
}
