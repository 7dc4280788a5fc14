package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() { register(jobEventsTotal, jobsLaunchedTotal, jobPollsTotal) }

var (
	jobEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "job_events_observed_total",
			Help: "Job observations applied to the cache, labeled by source and status.",
		},
		[]string{"source", "status"}, // source: stream|poll
	)

	jobsLaunchedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_launched_total",
			Help: "Agent runs requested, labeled by agent type and outcome.",
		},
		[]string{"agent_type", "outcome"},
	)

	jobPollsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "job_polls_total",
			Help: "Fallback status polls issued for jobs without a live stream.",
		},
	)
)

func IncJobEvent(source, status string) {
	jobEventsTotal.WithLabelValues(norm(source), norm(status)).Inc()
}

func IncJobLaunched(agentType, outcome string) {
	jobsLaunchedTotal.WithLabelValues(norm(agentType), norm(outcome)).Inc()
}

func IncJobPoll() { jobPollsTotal.Inc() }
