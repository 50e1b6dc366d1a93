package metrics

import "github.com/prometheus/client_golang/prometheus"

const (
	workflowName = "workflow_name"
	stepName     = "step_name"
	triggerKind  = "trigger"
	boundary     = "boundary"
	processName  = "process_name"
)

var (
	// JobsEnqueued counts jobs pushed onto a workflow queue by trigger kind.
	JobsEnqueued = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jobflow_jobs_enqueued_total",
		Help: "Number of jobs enqueued",
	}, []string{workflowName, triggerKind})

	JobsCompleted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jobflow_jobs_completed_total",
		Help: "Number of jobs that completed all of their steps",
	}, []string{workflowName})

	JobsFailed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jobflow_jobs_failed_total",
		Help: "Number of jobs that failed terminally",
	}, []string{workflowName})

	JobsRetried = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jobflow_jobs_retried_total",
		Help: "Number of step failures that were scheduled for retry",
	}, []string{workflowName})

	// JobsRunning reflects the number of jobs currently executing in this process.
	JobsRunning = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "jobflow_jobs_running",
		Help: "Number of jobs currently executing",
	}, []string{workflowName})

	StepLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "jobflow_step_latency_seconds",
		Help:    "Step execution latency in seconds",
		Buckets: []float64{0.01, 0.1, 1, 5, 10, 60, 300},
	}, []string{workflowName, stepName})

	// InfraRetries counts transient infrastructure errors retried at the dispatch and persistence boundaries.
	InfraRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jobflow_infra_retries_total",
		Help: "Number of transient infrastructure errors that were retried",
	}, []string{boundary})

	// Degraded is 1 while the most recent dispatch or persistence attempt failed with a transient error.
	Degraded = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "jobflow_degraded",
		Help: "Whether the engine is experiencing transient infrastructure failures",
	})

	ResponseTimeouts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobflow_response_timeouts_total",
		Help: "Number of webhook callers that timed out waiting for a workflow response",
	})

	// ProcessStates reports the state of each background process: 0 shutdown, 1 running, 2 idle.
	ProcessStates = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "jobflow_process_states",
		Help: "State of the engine's background processes",
	}, []string{processName})

	CronFires = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jobflow_cron_fires_total",
		Help: "Number of cron timer activations",
	}, []string{workflowName})
)

func init() {
	prometheus.MustRegister(
		JobsEnqueued,
		JobsCompleted,
		JobsFailed,
		JobsRetried,
		JobsRunning,
		StepLatency,
		InfraRetries,
		Degraded,
		ResponseTimeouts,
		ProcessStates,
		CronFires,
	)
}

func Reset() {
	JobsEnqueued.Reset()
	JobsCompleted.Reset()
	JobsFailed.Reset()
	JobsRetried.Reset()
	JobsRunning.Reset()
	StepLatency.Reset()
	InfraRetries.Reset()
	Degraded.Set(0)
	ProcessStates.Reset()
	CronFires.Reset()
}
