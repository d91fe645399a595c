package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Workflow metrics
	WorkflowsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shannon_research_workflows_started_total",
			Help: "Total number of research workflows started",
		},
		[]string{"methodology", "mode"},
	)

	WorkflowsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shannon_research_workflows_completed_total",
			Help: "Total number of research workflows reaching a terminal status",
		},
		[]string{"methodology", "status", "failure_kind"},
	)

	WorkflowDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "shannon_research_workflow_duration_seconds",
			Help:    "Active execution time of research workflows",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		},
		[]string{"methodology"},
	)

	WorkflowCost = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "shannon_research_workflow_cost",
			Help:    "Accumulated cost of research workflows in currency units",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 25},
		},
		[]string{"methodology"},
	)

	WorkflowsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "shannon_research_workflows_active",
			Help: "Workflows currently executing a stage",
		},
	)

	// Stage metrics
	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "shannon_research_stage_duration_seconds",
			Help:    "Stage execution time",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"stage", "kind"},
	)

	StageOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shannon_research_stage_outcomes_total",
			Help: "Stage outcomes by result (succeeded, failed, skipped, degraded)",
		},
		[]string{"stage", "result"},
	)

	StageRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shannon_research_stage_retries_total",
			Help: "Retries of transient provider failures",
		},
		[]string{"stage", "error_kind"},
	)

	// Provider metrics
	ProviderCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shannon_research_provider_calls_total",
			Help: "Provider invocations by outcome",
		},
		[]string{"provider", "capability", "result"},
	)

	ProviderLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "shannon_research_provider_latency_seconds",
			Help:    "Provider call latency",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"provider"},
	)

	ProviderCost = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shannon_research_provider_cost_total",
			Help: "Cost incurred per provider in currency units",
		},
		[]string{"provider"},
	)

	// Budget metrics
	BudgetRefusals = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shannon_research_budget_refusals_total",
			Help: "Authorize calls refused because the run ceiling would be exceeded",
		},
		[]string{"stage", "mandatory"},
	)

	// Agent metrics
	AgentExecutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shannon_research_agent_executions_total",
			Help: "Persona executions by outcome",
		},
		[]string{"role", "mode", "result"},
	)

	Clarifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shannon_research_clarifications_total",
			Help: "Clarification requests raised and answered",
		},
		[]string{"event"},
	)

	// Policy metrics
	AdmissionDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shannon_research_admission_decisions_total",
			Help: "Admission policy decisions",
		},
		[]string{"decision"},
	)
)
