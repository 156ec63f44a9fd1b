package engine

import "github.com/prometheus/client_golang/prometheus"

var (
	tasksCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hermes_tasks_created_total",
		Help: "Total tasks accepted into the queue.",
	})

	taskTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hermes_task_transitions_total",
		Help: "Task state transitions applied, by from/to state.",
	}, []string{"from", "to"})

	dispatches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hermes_dispatch_total",
		Help: "Dispatch attempts by outcome.",
	}, []string{"outcome"})

	results = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hermes_results_total",
		Help: "Result envelopes processed by outcome.",
	}, []string{"outcome"})

	sweepRequeued = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hermes_sweep_requeued_total",
		Help: "Tasks returned to the queue by the supervisor, by reason.",
	}, []string{"reason"})

	sweepTimedOut = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hermes_sweep_timed_out_total",
		Help: "Tasks the supervisor finished terminally after exhausting retries.",
	})

	agentsOnline = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "hermes_agents_online",
		Help: "Agents currently within the heartbeat threshold.",
	})
)

func init() {
	prometheus.MustRegister(
		tasksCreated,
		taskTransitions,
		dispatches,
		results,
		sweepRequeued,
		sweepTimedOut,
		agentsOnline,
	)
}
