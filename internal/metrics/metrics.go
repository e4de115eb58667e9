package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Run metrics
	RunsStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "loom_runs_started_total",
			Help: "Total number of workflow runs started",
		},
	)

	RunsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_runs_completed_total",
			Help: "Total number of workflow runs completed",
		},
		[]string{"status"},
	)

	RunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "loom_run_duration_seconds",
			Help:    "Workflow run duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Step metrics
	StepsExecuted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_steps_executed_total",
			Help: "Total number of scheduler steps executed",
		},
		[]string{"kind", "status"},
	)

	StepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "loom_step_duration_ms",
			Help:    "Agent step duration in milliseconds",
			Buckets: []float64{1, 10, 50, 100, 500, 1000, 5000, 30000},
		},
		[]string{"kind"},
	)

	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "loom_queue_depth",
			Help: "Current depth of the execution queue",
		},
	)

	AgentRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_agent_retries_total",
			Help: "Total number of per-agent retry attempts",
		},
		[]string{"agent_id"},
	)

	AgentFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_agent_failures_total",
			Help: "Total number of agent steps that exhausted their retry budget",
		},
		[]string{"agent_id"},
	)

	// Fork/join metrics
	ForksStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_forks_started_total",
			Help: "Total number of fork groups launched",
		},
		[]string{"mode"},
	)

	BranchRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "loom_branch_retries_total",
			Help: "Total number of whole-branch retry attempts",
		},
	)

	BranchPartialFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "loom_branch_partial_failures_total",
			Help: "Total number of branches abandoned after exhausting retries",
		},
	)

	JoinPolls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_join_polls_total",
			Help: "Total number of join synchronizer polls",
		},
		[]string{"state"},
	)

	// JoinFallback counts the lenient received-as-targets fallback.
	// A non-zero value means fork membership bookkeeping was lost.
	JoinFallback = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "loom_join_fallback_total",
			Help: "Times the join treated the received set as the target set",
		},
	)

	// Store metrics
	StoreErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_store_errors_total",
			Help: "Total number of state store operation failures",
		},
		[]string{"op"},
	)

	// Event log metrics
	EventLogWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_eventlog_writes_total",
			Help: "Total number of event log sink writes",
		},
		[]string{"status"},
	)

	EventLogQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "loom_eventlog_queue_depth",
			Help: "Current depth of the async event log write queue",
		},
	)
)
