package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// FeaturePSI reports the most recent PSI value per feature
var FeaturePSI = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "churnguard_feature_psi",
		Help: "Population Stability Index of the last drift evaluation, per feature",
	},
	[]string{"feature"},
)

// DriftEvaluations counts drift evaluations by resulting status (ok/warn/fail)
var DriftEvaluations = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "churnguard_drift_evaluations_total",
		Help: "Total number of drift evaluations by status",
	},
	[]string{"status"},
)

// AggregatePSI reports the mean PSI of the last drift evaluation
var AggregatePSI = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "churnguard_aggregate_psi",
		Help: "Mean PSI across all features in the last drift evaluation",
	},
)

// Retraining decision metrics
var (
	RetrainTriggers = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "churnguard_retrain_triggers_total",
			Help: "Total number of retraining triggers by firing signal",
		},
		[]string{"signal"},
	)

	RetrainSuppressions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "churnguard_retrain_suppressions_total",
			Help: "Total number of retraining triggers suppressed by cooldown",
		},
	)
)

// Registry metrics
var (
	Promotions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "churnguard_promotions_total",
			Help: "Total number of alias promotions by outcome (committed/rejected)",
		},
		[]string{"alias", "outcome"},
	)

	Rollbacks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "churnguard_rollbacks_total",
			Help: "Total number of alias rollbacks",
		},
		[]string{"alias"},
	)

	RegisteredVersions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "churnguard_registered_versions",
			Help: "Number of model versions held by the registry",
		},
	)
)

// ScoringLatency records latency distribution for batch scoring runs
var ScoringLatency = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "churnguard_batch_scoring_latency_seconds",
		Help:    "Latency in seconds for a full batch scoring run",
		Buckets: prometheus.DefBuckets,
	},
)

// ScoredRows counts entity rows scored per batch run
var ScoredRows = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "churnguard_scored_rows_total",
		Help: "Total number of entity rows scored",
	},
)

func init() {
	prometheus.MustRegister(FeaturePSI, DriftEvaluations, AggregatePSI)
	prometheus.MustRegister(RetrainTriggers, RetrainSuppressions)
	prometheus.MustRegister(Promotions, Rollbacks, RegisteredVersions)
	prometheus.MustRegister(ScoringLatency, ScoredRows)
}
