package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Run metrics
	RunsStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "deepscout_runs_started_total",
			Help: "Total number of research runs started",
		},
	)

	RunsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deepscout_runs_completed_total",
			Help: "Total number of research runs reaching a terminal state",
		},
		[]string{"status"},
	)

	RunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "deepscout_run_duration_seconds",
			Help:    "End-to-end research run duration in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
	)

	// Stage metrics
	StageOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deepscout_stage_outcomes_total",
			Help: "Stage outcomes by stage and status",
		},
		[]string{"stage", "status"},
	)

	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "deepscout_stage_duration_seconds",
			Help:    "Stage execution duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"stage"},
	)

	// Work unit metrics
	WorkUnitAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deepscout_work_unit_attempts_total",
			Help: "Work unit attempts by stage and outcome",
		},
		[]string{"stage", "outcome"},
	)

	WorkUnitRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deepscout_work_unit_retries_total",
			Help: "Work unit retries by stage",
		},
		[]string{"stage"},
	)

	// Tool gateway metrics
	ToolCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deepscout_tool_calls_total",
			Help: "Tool gateway calls by tool and result",
		},
		[]string{"tool", "result"},
	)

	ToolCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "deepscout_tool_call_duration_seconds",
			Help:    "Tool call duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"tool"},
	)

	ToolCacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deepscout_tool_cache_hits_total",
			Help: "Idempotent tool call cache hits by tool",
		},
		[]string{"tool"},
	)

	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "deepscout_breaker_state",
			Help: "Circuit breaker state per tool (0 closed, 1 half-open, 2 open)",
		},
		[]string{"tool"},
	)

	// Store metrics
	ClaimsRegistered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "deepscout_claims_registered_total",
			Help: "Claims registered, including ones merged into existing claims",
		},
	)

	ClaimsMerged = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "deepscout_claims_merged_total",
			Help: "Claim registrations deduplicated into an existing claim",
		},
	)

	ProvenanceViolations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "deepscout_provenance_violations_total",
			Help: "Claims excluded from reports by the provenance integrity check",
		},
	)

	// Event bus metrics
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deepscout_events_published_total",
			Help: "Progress events published by type",
		},
		[]string{"type"},
	)

	EventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "deepscout_events_dropped_total",
			Help: "Events dropped for slow subscribers",
		},
	)

	// Knowledge cache metrics
	KnowledgeLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deepscout_knowledge_lookups_total",
			Help: "Knowledge cache lookups by result",
		},
		[]string{"result"},
	)
)
