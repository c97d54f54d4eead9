package registry

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/modelops/churnguard/internal/config"
	"github.com/modelops/churnguard/internal/storage"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	db, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	reg, err := New(db, t.TempDir(), config.RegistryConfig{
		PrimaryMetric:       "pr_auc",
		RegressionTolerance: 0.01,
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	return reg
}

func testMeta(lineage string, prAUC float64) ArtifactMeta {
	return ArtifactMeta{
		LineageID: lineage,
		TrainedAt: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
		Hyperparameters: map[string]string{
			"max_depth":     "6",
			"learning_rate": "0.1",
		},
		Metrics: map[string]float64{"pr_auc": prAUC, "roc_auc": prAUC + 0.05},
	}
}

func TestRegisterAssignsMonotonicVersions(t *testing.T) {
	reg := newTestRegistry(t)

	v1, err := reg.Register([]byte("model-one"), testMeta("lineage-1", 0.80))
	require.NoError(t, err)
	v2, err := reg.Register([]byte("model-two"), testMeta("lineage-2", 0.82))
	require.NoError(t, err)

	assert.Equal(t, int64(1), v1)
	assert.Equal(t, int64(2), v2)

	art, err := reg.GetVersion(v1)
	require.NoError(t, err)
	assert.Equal(t, "lineage-1", art.LineageID)

	blob, err := reg.LoadBlob(art)
	require.NoError(t, err)
	assert.Equal(t, []byte("model-one"), blob)
}

func TestRegisterIdempotent(t *testing.T) {
	reg := newTestRegistry(t)

	meta := testMeta("lineage-1", 0.80)
	v1, err := reg.Register([]byte("model-one"), meta)
	require.NoError(t, err)

	// Byte-identical re-registration: same version, no new entry
	again, err := reg.Register([]byte("model-one"), meta)
	require.NoError(t, err)
	assert.Equal(t, v1, again)

	next, err := reg.Register([]byte("model-two"), testMeta("lineage-2", 0.81))
	require.NoError(t, err)
	assert.Equal(t, v1+1, next, "idempotent no-op must not consume a version id")
}

func TestRegisterDuplicateSignatureDifferentContent(t *testing.T) {
	reg := newTestRegistry(t)

	meta := testMeta("lineage-1", 0.80)
	_, err := reg.Register([]byte("model-one"), meta)
	require.NoError(t, err)

	_, err = reg.Register([]byte("model-one-changed"), meta)
	var dup *DuplicateVersionError
	require.True(t, errors.As(err, &dup))
	assert.Equal(t, "lineage-1", dup.LineageID)
}

func TestPromoteAndGet(t *testing.T) {
	reg := newTestRegistry(t)

	v1, err := reg.Register([]byte("model-one"), testMeta("lineage-1", 0.80))
	require.NoError(t, err)

	t.Run("UnsetAlias", func(t *testing.T) {
		_, _, err := reg.Get(AliasProduction)
		var notSet *AliasNotSetError
		require.True(t, errors.As(err, &notSet))
	})

	t.Run("UnknownVersion", func(t *testing.T) {
		_, err := reg.Promote(AliasProduction, 99)
		var notFound *VersionNotFoundError
		require.True(t, errors.As(err, &notFound))
		assert.Equal(t, int64(99), notFound.Version)
	})

	result, err := reg.Promote(AliasProduction, v1)
	require.NoError(t, err)
	assert.Equal(t, v1, result.Version)
	assert.Equal(t, int64(0), result.PreviousVersion)

	art, state, err := reg.Get(AliasProduction)
	require.NoError(t, err)
	assert.Equal(t, v1, art.Version)
	assert.Empty(t, state.History)
}

func TestPromoteRegressionGate(t *testing.T) {
	reg := newTestRegistry(t)

	v1, err := reg.Register([]byte("model-one"), testMeta("lineage-1", 0.80))
	require.NoError(t, err)
	_, err = reg.Promote(AliasProduction, v1)
	require.NoError(t, err)

	v2, err := reg.Register([]byte("model-two"), testMeta("lineage-2", 0.70))
	require.NoError(t, err)

	_, err = reg.Promote(AliasProduction, v2)
	var rejected *PromotionRejectedError
	require.True(t, errors.As(err, &rejected))
	assert.Equal(t, "pr_auc", rejected.Metric)
	assert.Equal(t, 0.70, rejected.CandidateScore)
	assert.Equal(t, 0.80, rejected.IncumbentScore)

	// Alias untouched after rejection
	art, _, err := reg.Get(AliasProduction)
	require.NoError(t, err)
	assert.Equal(t, v1, art.Version)

	// A better candidate then updates it exactly once
	v3, err := reg.Register([]byte("model-three"), testMeta("lineage-3", 0.85))
	require.NoError(t, err)
	result, err := reg.Promote(AliasProduction, v3)
	require.NoError(t, err)
	assert.Equal(t, v3, result.Version)
	assert.Equal(t, v1, result.PreviousVersion)

	art, state, err := reg.Get(AliasProduction)
	require.NoError(t, err)
	assert.Equal(t, v3, art.Version)
	require.Len(t, state.History, 1)
	assert.Equal(t, v1, state.History[0].Version)
}

func TestRollback(t *testing.T) {
	reg := newTestRegistry(t)

	t.Run("EmptyHistory", func(t *testing.T) {
		_, err := reg.Rollback(AliasProduction)
		var noTarget *NoRollbackTargetError
		require.True(t, errors.As(err, &noTarget))
	})

	v1, err := reg.Register([]byte("model-one"), testMeta("lineage-1", 0.80))
	require.NoError(t, err)
	v2, err := reg.Register([]byte("model-two"), testMeta("lineage-2", 0.82))
	require.NoError(t, err)
	v3, err := reg.Register([]byte("model-three"), testMeta("lineage-3", 0.84))
	require.NoError(t, err)

	for _, v := range []int64{v1, v2, v3} {
		_, err := reg.Promote(AliasProduction, v)
		require.NoError(t, err)
	}

	// LIFO: v3 -> v2 -> v1
	result, err := reg.Rollback(AliasProduction)
	require.NoError(t, err)
	assert.Equal(t, v2, result.Version)

	result, err = reg.Rollback(AliasProduction)
	require.NoError(t, err)
	assert.Equal(t, v1, result.Version)

	_, err = reg.Rollback(AliasProduction)
	var noTarget *NoRollbackTargetError
	require.True(t, errors.As(err, &noTarget))
}

func TestAliasesCommitIndependently(t *testing.T) {
	reg := newTestRegistry(t)

	v1, err := reg.Register([]byte("model-one"), testMeta("lineage-1", 0.80))
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		alias := fmt.Sprintf("shadow-%d", i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := reg.Promote(alias, v1); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("concurrent promote failed: %v", err)
	}

	for i := 0; i < 8; i++ {
		art, _, err := reg.Get(fmt.Sprintf("shadow-%d", i))
		require.NoError(t, err)
		assert.Equal(t, v1, art.Version)
	}
}

func TestGetNeverObservesPartialCommit(t *testing.T) {
	reg := newTestRegistry(t)

	v1, err := reg.Register([]byte("model-one"), testMeta("lineage-1", 0.80))
	require.NoError(t, err)
	v2, err := reg.Register([]byte("model-two"), testMeta("lineage-2", 0.85))
	require.NoError(t, err)
	_, err = reg.Promote(AliasProduction, v1)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := reg.Promote(AliasProduction, v2)
		assert.NoError(t, err)
	}()

	for {
		art, state, err := reg.Get(AliasProduction)
		require.NoError(t, err)
		// Either fully old or fully new, never mixed
		switch art.Version {
		case v1:
			assert.Empty(t, state.History)
		case v2:
			require.Len(t, state.History, 1)
			assert.Equal(t, v1, state.History[0].Version)
		default:
			t.Fatalf("unexpected version %d", art.Version)
		}
		select {
		case <-done:
			art, _, err := reg.Get(AliasProduction)
			require.NoError(t, err)
			assert.Equal(t, v2, art.Version)
			return
		default:
		}
	}
}

func TestRetrainTriggerCooldown(t *testing.T) {
	reg := newTestRegistry(t)

	now := time.Date(2026, 8, 15, 9, 0, 0, 0, time.UTC)
	cooldown := 24 * time.Hour

	_, found, err := reg.LastRetrainTrigger()
	require.NoError(t, err)
	assert.False(t, found)

	taken, _, err := reg.TryMarkRetrainTrigger(now, cooldown, &JobRecord{ID: "job-1", Phase: "TRIGGERED"})
	require.NoError(t, err)
	assert.True(t, taken)

	// Inside the cooldown window: not taken, previous trigger reported
	taken, last, err := reg.TryMarkRetrainTrigger(now.Add(time.Hour), cooldown, &JobRecord{ID: "job-2"})
	require.NoError(t, err)
	assert.False(t, taken)
	assert.True(t, last.Equal(now))

	job, err := reg.TrainingJob()
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "job-1", job.ID, "suppressed trigger must not overwrite the job")

	// Past the cooldown: taken again
	taken, last, err = reg.TryMarkRetrainTrigger(now.Add(25*time.Hour), cooldown, &JobRecord{ID: "job-3", Phase: "TRIGGERED"})
	require.NoError(t, err)
	assert.True(t, taken)
	assert.True(t, last.Equal(now))
}
