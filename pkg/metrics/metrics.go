// Package metrics exposes Prometheus instrumentation for the kernel.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles the kernel's counters. Label cardinality is kept to
// enumerable values (status, state, decision); never tenant or run ids.
type Metrics struct {
	EventsPersisted   prometheus.Counter
	JobsProcessed     *prometheus.CounterVec
	StepsExecuted     *prometheus.CounterVec
	StepRetries       prometheus.Counter
	ApprovalDecisions *prometheus.CounterVec
	RunsFinished      *prometheus.CounterVec
}

// New registers the kernel metrics with reg. A nil registerer builds
// unregistered counters, which tests use to avoid global state.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		EventsPersisted: factory.NewCounter(prometheus.CounterOpts{
			Name: "aether_events_persisted_total",
			Help: "Events appended to the chained run event log.",
		}),
		JobsProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "aether_jobs_processed_total",
			Help: "Queue jobs finished by terminal status.",
		}, []string{"status"}),
		StepsExecuted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "aether_steps_executed_total",
			Help: "Plan steps finished by status.",
		}, []string{"status"}),
		StepRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "aether_step_retries_total",
			Help: "Tool call attempts beyond the first.",
		}),
		ApprovalDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "aether_approval_decisions_total",
			Help: "Approval decisions by outcome.",
		}, []string{"decision"}),
		RunsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "aether_runs_finished_total",
			Help: "Runs reaching a terminal state.",
		}, []string{"state"}),
	}
}
