package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session metrics
	SessionsStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "shannon_research_sessions_started_total",
			Help: "Total number of research sessions started",
		},
	)

	SessionsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shannon_research_sessions_completed_total",
			Help: "Total number of research sessions finished, by terminal status",
		},
		[]string{"status", "complexity"},
	)

	SessionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "shannon_research_session_duration_seconds",
			Help:    "Research session duration in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"complexity"},
	)

	SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "shannon_research_sessions_active",
			Help: "Number of research sessions currently running",
		},
	)

	// Loop metrics
	PlanningIterations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shannon_research_planning_iterations_total",
			Help: "Total number of outer planning iterations executed",
		},
		[]string{"complexity"},
	)

	SearchAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shannon_research_search_attempts_total",
			Help: "Total number of search attempts, by sufficiency verdict reason",
		},
		[]string{"reason"},
	)

	TaskOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shannon_research_task_outcomes_total",
			Help: "Total number of resolved sub-tasks, by status",
		},
		[]string{"status"},
	)

	FeedbackDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shannon_research_feedback_decisions_total",
			Help: "Total number of feedback checkpoint decisions",
		},
		[]string{"provider", "decision"},
	)

	// Step metrics
	StepInvocations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shannon_research_step_invocations_total",
			Help: "Total number of external step invocations",
		},
		[]string{"step", "result"},
	)

	StepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "shannon_research_step_duration_seconds",
			Help:    "External step invocation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"step"},
	)

	StepRateLimitWait = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "shannon_research_step_rate_limit_wait_seconds",
			Help:    "Time spent waiting on the per-step rate limiter",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5},
		},
		[]string{"step"},
	)

	// State store metrics
	StoreOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shannon_research_store_operations_total",
			Help: "Total number of state store operations",
		},
		[]string{"backend", "op", "result"},
	)
)

// RecordSessionMetrics records the terminal status and duration of a session
func RecordSessionMetrics(status, complexity string, durationSeconds float64) {
	SessionsCompleted.WithLabelValues(status, complexity).Inc()
	SessionDuration.WithLabelValues(complexity).Observe(durationSeconds)
}

// RecordStepMetrics records one external step invocation
func RecordStepMetrics(step, result string, durationSeconds float64) {
	StepInvocations.WithLabelValues(step, result).Inc()
	StepDuration.WithLabelValues(step).Observe(durationSeconds)
}

// RecordStoreOperation records one state store call
func RecordStoreOperation(backend, op string, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	StoreOperations.WithLabelValues(backend, op, result).Inc()
}
