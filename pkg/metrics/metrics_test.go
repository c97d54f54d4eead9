package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorsRegistered(t *testing.T) {
	// Vectors only surface once a child exists
	FeaturePSI.WithLabelValues("tenure_months").Set(0.12)
	DriftEvaluations.WithLabelValues("OK").Inc()
	RetrainTriggers.WithLabelValues("drift").Inc()
	Promotions.WithLabelValues("production", "committed").Inc()
	Rollbacks.WithLabelValues("production").Inc()

	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)

	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}

	for _, want := range []string{
		"churnguard_feature_psi",
		"churnguard_drift_evaluations_total",
		"churnguard_aggregate_psi",
		"churnguard_retrain_triggers_total",
		"churnguard_retrain_suppressions_total",
		"churnguard_promotions_total",
		"churnguard_rollbacks_total",
		"churnguard_registered_versions",
		"churnguard_batch_scoring_latency_seconds",
		"churnguard_scored_rows_total",
	} {
		assert.True(t, names[want], "collector %s not registered", want)
	}
}
