package policy

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	policyEvaluations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shannon_research_policy_evaluations_total",
			Help: "Total number of admission policy evaluations",
		},
		[]string{"decision", "mode"},
	)

	policyEvaluationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "shannon_research_policy_evaluation_duration_seconds",
			Help:    "Time spent evaluating admission policies",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 10),
		},
	)

	policyErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shannon_research_policy_errors_total",
			Help: "Policy load, compile and evaluation errors",
		},
		[]string{"error_type"},
	)

	policyDryRunDivergence = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "shannon_research_policy_dry_run_denials_total",
			Help: "Requests a dry-run policy would have denied",
		},
	)

	policyLoadTime = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "shannon_research_policy_load_timestamp_seconds",
			Help: "Timestamp of last successful policy load",
		},
	)

	policyModules = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "shannon_research_policy_modules_loaded",
			Help: "Number of rego modules currently loaded",
		},
	)

	policyCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "shannon_research_policy_cache_hits_total",
			Help: "Admission decisions served from cache",
		},
	)

	policyCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "shannon_research_policy_cache_misses_total",
			Help: "Admission decisions evaluated by OPA",
		},
	)

	policyCacheSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "shannon_research_policy_cache_entries",
			Help: "Entries in the admission decision cache",
		},
	)
)
