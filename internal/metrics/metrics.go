package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Agent metrics for production monitoring
var (
	// Incident metrics
	IncidentsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinell_incidents_created_total",
			Help: "Total number of incidents created, by signal type and severity",
		},
		[]string{"signal_type", "severity"},
	)

	RunsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinell_runs_completed_total",
			Help: "Total number of loop runs completed, by outcome (resolved, escalated, requeued)",
		},
		[]string{"outcome"},
	)

	RunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sentinell_run_duration_seconds",
			Help:    "Duration of a full loop run in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		},
	)

	LoopIterations = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sentinell_loop_iterations",
			Help:    "Iterations consumed per run before termination",
			Buckets: prometheus.LinearBuckets(1, 1, 10),
		},
	)

	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sentinell_stage_duration_seconds",
			Help:    "Duration of a single loop stage in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		},
		[]string{"stage"},
	)

	// LLM metrics
	LLMRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinell_llm_requests_total",
			Help: "Total number of LLM API requests, by provider and status",
		},
		[]string{"provider", "status"},
	)

	LLMRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sentinell_llm_request_duration_seconds",
			Help:    "LLM request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		},
		[]string{"provider"},
	)

	LLMTokensUsed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinell_llm_tokens_total",
			Help: "Total number of LLM tokens consumed",
		},
		[]string{"provider", "type"},
	)

	// Worker metrics
	WorkersBusy = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sentinell_workers_busy",
			Help: "Number of workers currently processing an incident",
		},
	)

	QueueClaims = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinell_queue_claims_total",
			Help: "Queue claim attempts, by result (claimed, empty, conflict)",
		},
		[]string{"result"},
	)

	LeasesReclaimed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sentinell_leases_reclaimed_total",
			Help: "Incidents requeued by the lease reclaim sweep",
		},
	)

	// Delivery metrics
	TransitionsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinell_transitions_published_total",
			Help: "Loop transitions published to the delivery hub, by stage",
		},
		[]string{"stage"},
	)

	SubscribersActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sentinell_delivery_subscribers",
			Help: "Currently connected delivery subscribers",
		},
	)

	// Action executor metrics
	ActionsExecuted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinell_actions_executed_total",
			Help: "Remediation actions executed, by executor mode and result",
		},
		[]string{"mode", "result"},
	)
)
