package policy

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/modelops/churnguard/internal/config"
	"github.com/modelops/churnguard/internal/drift"
	"github.com/modelops/churnguard/internal/registry"
	"github.com/modelops/churnguard/internal/storage"
)

func testPolicyConfig() config.PolicyConfig {
	return config.PolicyConfig{
		PrimaryMetric:        "pr_auc",
		DegradationTolerance: 0.05,
		MaxTrainingInterval:  720 * time.Hour,
		Cooldown:             24 * time.Hour,
		TrainingDeadline:     2 * time.Hour,
	}
}

func newTestEngine(t *testing.T, orch TrainingOrchestrator) (*Engine, *registry.Registry) {
	t.Helper()
	db, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	reg, err := registry.New(db, t.TempDir(), config.RegistryConfig{
		PrimaryMetric:       "pr_auc",
		RegressionTolerance: 0.01,
	}, zaptest.NewLogger(t))
	require.NoError(t, err)

	return NewEngine(testPolicyConfig(), reg, orch, zaptest.NewLogger(t)), reg
}

func driftingReport() *drift.Report {
	return &drift.Report{
		ID:                "report-1",
		SnapshotLineageID: "lineage-1",
		WindowID:          "window-1",
		Features: map[string]drift.FeatureResult{
			"tenure_months": {Statistic: "psi", Score: 0.41, Severity: drift.SeveritySignificant, Drift: true},
			"plan":          {Statistic: "psi", Score: 0.02, Severity: drift.SeverityOK},
		},
		AggregateScore:  0.30,
		FlaggedFeatures: 1,
		OverallDrift:    true,
		Status:          drift.StatusFail,
		Thresholds: drift.Thresholds{
			Moderate:           0.1,
			Significant:        0.25,
			Aggregate:          0.25,
			MinFlaggedFeatures: 3,
		},
	}
}

type stubOrchestrator struct {
	result *TrainingResult
	err    error
	calls  int
}

func (s *stubOrchestrator) Train(ctx context.Context, req TrainingRequest) (*TrainingResult, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.result, nil
}

func TestDecideNoSignals(t *testing.T) {
	e, _ := newTestEngine(t, nil)

	now := time.Date(2026, 8, 15, 9, 0, 0, 0, time.UTC)
	d := e.Decide(Inputs{Now: now}, time.Time{}, false)

	assert.False(t, d.ShouldRetrain)
	assert.False(t, d.Suppressed)
	assert.Empty(t, d.Reasons)
}

func TestDecideDriftSignal(t *testing.T) {
	e, _ := newTestEngine(t, nil)

	now := time.Date(2026, 8, 15, 9, 0, 0, 0, time.UTC)
	in := Inputs{DriftReport: driftingReport(), Now: now}

	d := e.Decide(in, time.Time{}, false)
	require.True(t, d.ShouldRetrain)
	assert.Equal(t, "report-1", d.DriftReportID)
	assert.Contains(t, d.Reasons, "drift: tenure_months (PSI=0.41, threshold=0.25)")
	assert.Contains(t, d.Reasons, "drift: aggregate PSI=0.30 (threshold 0.25)")
}

func TestDecidePerformanceSignal(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	now := time.Date(2026, 8, 15, 9, 0, 0, 0, time.UTC)

	t.Run("DropBeyondTolerance", func(t *testing.T) {
		d := e.Decide(Inputs{
			RecentMetric:   0.71,
			BaselineMetric: 0.80,
			HasMetrics:     true,
			Now:            now,
		}, time.Time{}, false)
		require.True(t, d.ShouldRetrain)
		assert.Contains(t, d.Reasons, "performance: pr_auc dropped 0.8000 -> 0.7100 (tolerance 0.0500)")
	})

	t.Run("DropWithinTolerance", func(t *testing.T) {
		d := e.Decide(Inputs{
			RecentMetric:   0.78,
			BaselineMetric: 0.80,
			HasMetrics:     true,
			Now:            now,
		}, time.Time{}, false)
		assert.False(t, d.ShouldRetrain)
	})

	t.Run("NoLabelsNoSignal", func(t *testing.T) {
		// Without labeled data the performance signal must stay silent
		d := e.Decide(Inputs{RecentMetric: 0, BaselineMetric: 0.80, Now: now}, time.Time{}, false)
		assert.False(t, d.ShouldRetrain)
	})
}

func TestDecideScheduleSignal(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	now := time.Date(2026, 8, 15, 9, 0, 0, 0, time.UTC)

	d := e.Decide(Inputs{
		LastTrainedAt: now.Add(-31 * 24 * time.Hour),
		Now:           now,
	}, time.Time{}, false)
	require.True(t, d.ShouldRetrain)
	assert.Contains(t, d.Reasons, "schedule: 31.0 days since last training (max 30.0)")

	d = e.Decide(Inputs{LastTrainedAt: now.Add(-10 * 24 * time.Hour), Now: now}, time.Time{}, false)
	assert.False(t, d.ShouldRetrain)
}

func TestDecideCooldownSuppression(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	now := time.Date(2026, 8, 15, 9, 0, 0, 0, time.UTC)
	lastTrigger := now.Add(-2 * time.Hour)

	d := e.Decide(Inputs{DriftReport: driftingReport(), Now: now}, lastTrigger, true)
	assert.False(t, d.ShouldRetrain)
	assert.True(t, d.Suppressed)
	assert.Contains(t, d.Reasons, fmt.Sprintf(
		"suppressed: cooldown active (last trigger %s, cooldown 24h0m0s)",
		lastTrigger.Format(time.RFC3339)))

	// Signal reasons are still reported alongside the suppression
	assert.Contains(t, d.Reasons, "drift: tenure_months (PSI=0.41, threshold=0.25)")
}

func TestDecideDeterministic(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	in := Inputs{
		DriftReport:    driftingReport(),
		RecentMetric:   0.70,
		BaselineMetric: 0.80,
		HasMetrics:     true,
		LastTrainedAt:  time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC),
		Now:            time.Date(2026, 8, 15, 9, 0, 0, 0, time.UTC),
	}

	first := e.Decide(in, time.Time{}, false)
	second := e.Decide(in, time.Time{}, false)
	assert.Equal(t, first.ShouldRetrain, second.ShouldRetrain)
	assert.Equal(t, first.Reasons, second.Reasons)
}

func TestEvaluateStampsTriggerOnce(t *testing.T) {
	e, reg := newTestEngine(t, nil)
	now := time.Date(2026, 8, 15, 9, 0, 0, 0, time.UTC)

	d, job, err := e.Evaluate(context.Background(), Inputs{DriftReport: driftingReport(), Now: now})
	require.NoError(t, err)
	require.True(t, d.ShouldRetrain)
	require.NotNil(t, job)
	assert.Equal(t, PhaseTriggered, job.Phase)
	assert.True(t, job.Deadline.Equal(now.Add(2*time.Hour)))

	persisted, err := reg.TrainingJob()
	require.NoError(t, err)
	require.NotNil(t, persisted)
	assert.Equal(t, job.ID, persisted.ID)

	// Same drift an hour later: cooldown suppresses the second trigger
	d, job, err = e.Evaluate(context.Background(), Inputs{DriftReport: driftingReport(), Now: now.Add(time.Hour)})
	require.NoError(t, err)
	assert.False(t, d.ShouldRetrain)
	assert.True(t, d.Suppressed)
	assert.Nil(t, job)
}

func TestEvaluateReconcilesStaleJob(t *testing.T) {
	e, reg := newTestEngine(t, nil)
	now := time.Date(2026, 8, 15, 9, 0, 0, 0, time.UTC)

	stale := &registry.JobRecord{
		ID:          "stuck-job",
		Phase:       PhaseTraining,
		TriggeredAt: now.Add(-5 * time.Hour),
		Deadline:    now.Add(-3 * time.Hour),
		UpdatedAt:   now.Add(-5 * time.Hour),
	}
	require.NoError(t, reg.SetTrainingJob(stale))

	_, _, err := e.Evaluate(context.Background(), Inputs{Now: now})
	require.NoError(t, err)

	job, err := reg.TrainingJob()
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, PhaseFailed, job.Phase)
}

func triggerJob(t *testing.T, e *Engine) *registry.JobRecord {
	t.Helper()
	// Deadline must be in the future for the training context
	_, job, err := e.Evaluate(context.Background(), Inputs{DriftReport: driftingReport(), Now: time.Now().UTC()})
	require.NoError(t, err)
	require.NotNil(t, job)
	return job
}

func TestExecuteTrainingPromotes(t *testing.T) {
	orch := &stubOrchestrator{result: &TrainingResult{
		Blob: []byte(`{"intercept":-1.2,"weights":{"tenure_months":-0.03}}`),
		Meta: registry.ArtifactMeta{
			LineageID: "lineage-1",
			TrainedAt: time.Now().UTC(),
			Metrics:   map[string]float64{"pr_auc": 0.82},
		},
	}}
	e, reg := newTestEngine(t, orch)

	job := triggerJob(t, e)
	require.NoError(t, e.ExecuteTraining(context.Background(), job, "lineage-1"))

	assert.Equal(t, 1, orch.calls)
	assert.Equal(t, PhasePromoted, job.Phase)

	art, _, err := reg.Get(registry.AliasProduction)
	require.NoError(t, err)
	assert.Equal(t, "lineage-1", art.LineageID)

	// The candidate alias tracks the trained version alongside production
	candidate, _, err := reg.Get(registry.AliasCandidate)
	require.NoError(t, err)
	assert.Equal(t, art.Version, candidate.Version)
}

func TestExecuteTrainingRejectedKeepsProduction(t *testing.T) {
	orch := &stubOrchestrator{result: &TrainingResult{
		Blob: []byte(`{"intercept":-1.0,"weights":{}}`),
		Meta: registry.ArtifactMeta{
			LineageID: "lineage-weak",
			TrainedAt: time.Now().UTC(),
			Metrics:   map[string]float64{"pr_auc": 0.60},
		},
	}}
	e, reg := newTestEngine(t, orch)

	incumbent, err := reg.Register([]byte("incumbent-model"), registry.ArtifactMeta{
		LineageID: "lineage-strong",
		TrainedAt: time.Now().UTC(),
		Metrics:   map[string]float64{"pr_auc": 0.85},
	})
	require.NoError(t, err)
	_, err = reg.Promote(registry.AliasProduction, incumbent)
	require.NoError(t, err)

	job := triggerJob(t, e)
	err = e.ExecuteTraining(context.Background(), job, "lineage-weak")

	var rejected *registry.PromotionRejectedError
	require.True(t, errors.As(err, &rejected))
	assert.Equal(t, PhaseRejected, job.Phase)

	// Production untouched; the rejected version stays registered and bound
	// to the candidate alias for inspection
	art, _, err := reg.Get(registry.AliasProduction)
	require.NoError(t, err)
	assert.Equal(t, incumbent, art.Version)
	_, err = reg.GetVersion(rejected.CandidateVersion)
	assert.NoError(t, err)

	candidate, _, err := reg.Get(registry.AliasCandidate)
	require.NoError(t, err)
	assert.Equal(t, rejected.CandidateVersion, candidate.Version)
}

func TestExecuteTrainingFailure(t *testing.T) {
	orch := &stubOrchestrator{err: errors.New("feature pipeline unavailable")}
	e, _ := newTestEngine(t, orch)

	job := triggerJob(t, e)
	err := e.ExecuteTraining(context.Background(), job, "lineage-1")
	require.Error(t, err)
	assert.Equal(t, PhaseFailed, job.Phase)
}

func TestExecuteTrainingRequiresTriggeredPhase(t *testing.T) {
	orch := &stubOrchestrator{}
	e, _ := newTestEngine(t, orch)

	job := &registry.JobRecord{ID: "done-job", Phase: PhasePromoted}
	err := e.ExecuteTraining(context.Background(), job, "lineage-1")
	require.Error(t, err)
	assert.Equal(t, 0, orch.calls)
}
