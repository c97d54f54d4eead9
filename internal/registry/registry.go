// Package registry holds immutable versioned model artifacts and the alias
// pointers that decide which version serves production traffic.
//
// Artifact blobs live as write-once files in the artifacts directory; all
// metadata, alias pointers, promotion history and the retrain-trigger
// timestamp live in the badger state store, whose transactions provide the
// atomic commit for promote and rollback.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v3"
	"go.uber.org/zap"

	"github.com/modelops/churnguard/internal/config"
	"github.com/modelops/churnguard/internal/storage"
	"github.com/modelops/churnguard/pkg/metrics"
)

const (
	versionKeyPrefix   = "registry:version:"
	signatureKeyPrefix = "registry:signature:"
	aliasKeyPrefix     = "registry:alias:"
	counterKey         = "registry:counter"
	lastTriggerKey     = "registry:retrain:last_trigger"
	jobKey             = "registry:retrain:job"
)

// AliasProduction is the alias the serving layer and the batch scorer read.
const AliasProduction = "production"

// AliasCandidate tracks the strongest recently trained version, whether or
// not it cleared the production gate.
const AliasCandidate = "candidate"

// metricPreference orders fallback comparison metrics when the configured
// primary metric is absent from an artifact's metric set. PR-AUC first: churn
// labels are heavily imbalanced.
var metricPreference = []string{"pr_auc", "average_precision", "roc_auc", "f1", "accuracy"}

// JobRecord is the persisted state of the retraining job lifecycle. It lives
// in registry metadata so cooldown and phase survive process restarts
// between scheduled invocations.
type JobRecord struct {
	ID          string    `json:"id"`
	Phase       string    `json:"phase"`
	TriggeredAt time.Time `json:"triggered_at"`
	Deadline    time.Time `json:"deadline"`
	UpdatedAt   time.Time `json:"updated_at"`
	Reasons     []string  `json:"reasons,omitempty"`
}

// Registry is the versioned model store.
type Registry struct {
	db           *badger.DB
	artifactsDir string
	cfg          config.RegistryConfig
	logger       *zap.Logger

	registerMu sync.Mutex

	// aliasMu serializes promote/rollback per alias. Different aliases commit
	// concurrently; Get never takes these locks.
	mu      sync.Mutex
	aliasMu map[string]*sync.Mutex
}

// New creates a registry on an open state store.
func New(db *badger.DB, artifactsDir string, cfg config.RegistryConfig, logger *zap.Logger) (*Registry, error) {
	if err := os.MkdirAll(artifactsDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating artifacts dir: %w", err)
	}
	return &Registry{
		db:           db,
		artifactsDir: artifactsDir,
		cfg:          cfg,
		logger:       logger.Named("registry"),
		aliasMu:      make(map[string]*sync.Mutex),
	}, nil
}

func (r *Registry) lockAlias(alias string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	mu, ok := r.aliasMu[alias]
	if !ok {
		mu = &sync.Mutex{}
		r.aliasMu[alias] = mu
	}
	return mu
}

// Register appends a new immutable version and returns its id. It never
// touches alias pointers. Re-registering byte-identical content for the same
// lineage + hyperparameter signature returns the existing version id;
// different content under the same signature fails with
// DuplicateVersionError.
func (r *Registry) Register(blob []byte, meta ArtifactMeta) (int64, error) {
	sig := signatureOf(meta)
	hash := contentHashOf(blob, meta)

	r.registerMu.Lock()
	defer r.registerMu.Unlock()

	var version int64
	var blobPath string
	err := r.db.Update(func(txn *badger.Txn) error {
		// Duplicate check by signature
		if raw, err := storage.GetJSON(txn, []byte(signatureKeyPrefix+sig)); err == nil {
			existing, err := strconv.ParseInt(string(raw), 10, 64)
			if err != nil {
				return fmt.Errorf("corrupt signature index for %s: %w", sig, err)
			}
			art, err := getArtifact(txn, existing)
			if err != nil {
				return err
			}
			if art.ContentHash == hash {
				version = existing
				return nil
			}
			return &DuplicateVersionError{Version: existing, LineageID: meta.LineageID, Signature: sig}
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		next, err := r.nextVersion(txn)
		if err != nil {
			return err
		}
		version = next

		name := fmt.Sprintf("v%06d.model", version)
		if err := writeFileAtomic(filepath.Join(r.artifactsDir, name), blob); err != nil {
			return fmt.Errorf("writing artifact blob: %w", err)
		}
		blobPath = name

		art := Artifact{
			Version:         version,
			LineageID:       meta.LineageID,
			TrainedAt:       meta.TrainedAt,
			RegisteredAt:    time.Now().UTC(),
			Hyperparameters: meta.Hyperparameters,
			Metrics:         meta.Metrics,
			Signature:       sig,
			ContentHash:     hash,
			BlobPath:        name,
		}
		val, err := json.Marshal(art)
		if err != nil {
			return err
		}
		if err := txn.Set(versionKey(version), val); err != nil {
			return err
		}
		if err := txn.Set([]byte(signatureKeyPrefix+sig), []byte(strconv.FormatInt(version, 10))); err != nil {
			return err
		}
		return txn.Set([]byte(counterKey), []byte(strconv.FormatInt(version, 10)))
	})
	if err != nil {
		// The metadata commit failed; an orphaned blob file must not survive.
		if blobPath != "" {
			os.Remove(filepath.Join(r.artifactsDir, blobPath))
		}
		return 0, err
	}

	metrics.RegisteredVersions.Set(float64(version))
	r.logger.Info("registered model version",
		zap.Int64("version", version),
		zap.String("lineage_id", meta.LineageID),
		zap.String("signature", sig[:12]))
	return version, nil
}

func (r *Registry) nextVersion(txn *badger.Txn) (int64, error) {
	raw, err := storage.GetJSON(txn, []byte(counterKey))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 1, nil
	}
	if err != nil {
		return 0, err
	}
	last, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt version counter: %w", err)
	}
	return last + 1, nil
}

// Promote atomically points alias at version. The candidate's primary metric
// is compared against the incumbent; a regression beyond the configured
// tolerance fails with PromotionRejectedError and leaves the alias untouched.
func (r *Registry) Promote(alias string, version int64) (*CommitResult, error) {
	mu := r.lockAlias(alias)
	mu.Lock()
	defer mu.Unlock()

	var result *CommitResult
	err := r.db.Update(func(txn *badger.Txn) error {
		candidate, err := getArtifact(txn, version)
		if err != nil {
			return err
		}

		state, err := getAliasState(txn, alias)
		if err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		now := time.Now().UTC()
		if state == nil {
			state = &AliasState{Alias: alias}
		} else if state.Version == version {
			// Already bound; committing again changes nothing.
			result = &CommitResult{Alias: alias, Version: version, PreviousVersion: version, CommittedAt: state.UpdatedAt}
			return nil
		} else {
			incumbent, err := getArtifact(txn, state.Version)
			if err != nil {
				return err
			}
			if err := r.regressionGate(alias, candidate, incumbent); err != nil {
				return err
			}
			state.History = append(state.History, PromotionRecord{Version: state.Version, PromotedAt: state.UpdatedAt})
		}

		prev := state.Version
		state.Version = version
		state.UpdatedAt = now
		if err := putAliasState(txn, state); err != nil {
			return err
		}
		result = &CommitResult{Alias: alias, Version: version, PreviousVersion: prev, CommittedAt: now}
		return nil
	})
	if err != nil {
		var rejected *PromotionRejectedError
		if errors.As(err, &rejected) {
			metrics.Promotions.WithLabelValues(alias, "rejected").Inc()
			r.logger.Warn("promotion rejected",
				zap.String("alias", alias),
				zap.Int64("candidate_version", rejected.CandidateVersion),
				zap.Int64("incumbent_version", rejected.IncumbentVersion),
				zap.String("metric", rejected.Metric),
				zap.Float64("candidate_score", rejected.CandidateScore),
				zap.Float64("incumbent_score", rejected.IncumbentScore))
		}
		return nil, err
	}

	metrics.Promotions.WithLabelValues(alias, "committed").Inc()
	r.logger.Info("promoted model version",
		zap.String("alias", alias),
		zap.Int64("version", result.Version),
		zap.Int64("previous_version", result.PreviousVersion))
	return result, nil
}

// regressionGate compares the candidate against the incumbent on the primary
// metric. Missing metrics fall back along the preference order; a candidate
// with no comparable metric at all is rejected outright.
func (r *Registry) regressionGate(alias string, candidate, incumbent *Artifact) error {
	metric, incumbentScore, ok := primaryMetric(r.cfg.PrimaryMetric, incumbent.Metrics)
	if !ok {
		// Incumbent has no comparable metric; nothing to gate on.
		return nil
	}
	candidateScore, ok := candidate.Metrics[metric]
	if !ok {
		candidateScore = -1
	}
	if incumbentScore-candidateScore > r.cfg.RegressionTolerance {
		return &PromotionRejectedError{
			Alias:            alias,
			CandidateVersion: candidate.Version,
			IncumbentVersion: incumbent.Version,
			Metric:           metric,
			CandidateScore:   candidateScore,
			IncumbentScore:   incumbentScore,
			Tolerance:        r.cfg.RegressionTolerance,
		}
	}
	return nil
}

// Rollback re-promotes the most recent prior version from the alias's
// promotion history (LIFO). No regression gate applies: rollback is the
// operator's escape hatch.
func (r *Registry) Rollback(alias string) (*CommitResult, error) {
	mu := r.lockAlias(alias)
	mu.Lock()
	defer mu.Unlock()

	var result *CommitResult
	err := r.db.Update(func(txn *badger.Txn) error {
		state, err := getAliasState(txn, alias)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return &NoRollbackTargetError{Alias: alias}
		}
		if err != nil {
			return err
		}
		if len(state.History) == 0 {
			return &NoRollbackTargetError{Alias: alias}
		}

		target := state.History[len(state.History)-1]
		state.History = state.History[:len(state.History)-1]

		now := time.Now().UTC()
		prev := state.Version
		state.Version = target.Version
		state.UpdatedAt = now
		if err := putAliasState(txn, state); err != nil {
			return err
		}
		result = &CommitResult{Alias: alias, Version: target.Version, PreviousVersion: prev, CommittedAt: now}
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.Rollbacks.WithLabelValues(alias).Inc()
	r.logger.Info("rolled back alias",
		zap.String("alias", alias),
		zap.Int64("version", result.Version),
		zap.Int64("previous_version", result.PreviousVersion))
	return result, nil
}

// Get resolves an alias to its currently committed artifact. It reads the
// last committed state and never waits on an in-flight promote or rollback.
func (r *Registry) Get(alias string) (*Artifact, *AliasState, error) {
	var art *Artifact
	var state *AliasState
	err := r.db.View(func(txn *badger.Txn) error {
		var err error
		state, err = getAliasState(txn, alias)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return &AliasNotSetError{Alias: alias}
		}
		if err != nil {
			return err
		}
		art, err = getArtifact(txn, state.Version)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return art, state, nil
}

// GetVersion returns the artifact metadata for a version id.
func (r *Registry) GetVersion(version int64) (*Artifact, error) {
	var art *Artifact
	err := r.db.View(func(txn *badger.Txn) error {
		var err error
		art, err = getArtifact(txn, version)
		return err
	})
	if err != nil {
		return nil, err
	}
	return art, nil
}

// LoadBlob reads an artifact's opaque model blob.
func (r *Registry) LoadBlob(art *Artifact) ([]byte, error) {
	blob, err := os.ReadFile(filepath.Join(r.artifactsDir, art.BlobPath))
	if err != nil {
		return nil, fmt.Errorf("reading artifact blob for version %d: %w", art.Version, err)
	}
	return blob, nil
}

// LastRetrainTrigger returns the persisted trigger timestamp, if any.
func (r *Registry) LastRetrainTrigger() (time.Time, bool, error) {
	var ts time.Time
	found := false
	err := r.db.View(func(txn *badger.Txn) error {
		raw, err := storage.GetJSON(txn, []byte(lastTriggerKey))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		parsed, err := time.Parse(time.RFC3339Nano, string(raw))
		if err != nil {
			return fmt.Errorf("corrupt retrain trigger timestamp: %w", err)
		}
		ts = parsed
		found = true
		return nil
	})
	return ts, found, err
}

// TryMarkRetrainTrigger stamps the trigger timestamp and the new job record
// in one transaction, unless a previous trigger is still inside the cooldown
// window. It returns whether the trigger was taken and the previous trigger
// time, if one existed.
func (r *Registry) TryMarkRetrainTrigger(now time.Time, cooldown time.Duration, job *JobRecord) (bool, time.Time, error) {
	var last time.Time
	taken := false
	err := r.db.Update(func(txn *badger.Txn) error {
		raw, err := storage.GetJSON(txn, []byte(lastTriggerKey))
		if err == nil {
			parsed, perr := time.Parse(time.RFC3339Nano, string(raw))
			if perr != nil {
				return fmt.Errorf("corrupt retrain trigger timestamp: %w", perr)
			}
			last = parsed
			if now.Sub(last) < cooldown {
				return nil
			}
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		if err := txn.Set([]byte(lastTriggerKey), []byte(now.Format(time.RFC3339Nano))); err != nil {
			return err
		}
		if job != nil {
			val, err := json.Marshal(job)
			if err != nil {
				return err
			}
			if err := txn.Set([]byte(jobKey), val); err != nil {
				return err
			}
		}
		taken = true
		return nil
	})
	return taken, last, err
}

// TrainingJob returns the persisted retraining job record, or nil.
func (r *Registry) TrainingJob() (*JobRecord, error) {
	var job *JobRecord
	err := r.db.View(func(txn *badger.Txn) error {
		raw, err := storage.GetJSON(txn, []byte(jobKey))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		job = &JobRecord{}
		return json.Unmarshal(raw, job)
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// SetTrainingJob persists the retraining job record.
func (r *Registry) SetTrainingJob(job *JobRecord) error {
	val, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return r.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(jobKey), val)
	})
}

func versionKey(version int64) []byte {
	return []byte(fmt.Sprintf("%s%020d", versionKeyPrefix, version))
}

func getArtifact(txn *badger.Txn, version int64) (*Artifact, error) {
	raw, err := storage.GetJSON(txn, versionKey(version))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, &VersionNotFoundError{Version: version}
	}
	if err != nil {
		return nil, err
	}
	var art Artifact
	if err := json.Unmarshal(raw, &art); err != nil {
		return nil, fmt.Errorf("corrupt artifact record for version %d: %w", version, err)
	}
	return &art, nil
}

func getAliasState(txn *badger.Txn, alias string) (*AliasState, error) {
	raw, err := storage.GetJSON(txn, []byte(aliasKeyPrefix+alias))
	if err != nil {
		return nil, err
	}
	var state AliasState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("corrupt alias record for %q: %w", alias, err)
	}
	return &state, nil
}

func putAliasState(txn *badger.Txn, state *AliasState) error {
	val, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return txn.Set([]byte(aliasKeyPrefix+state.Alias), val)
}

// primaryMetric picks the comparison metric: the configured one when present,
// otherwise the first available metric along the preference order.
func primaryMetric(configured string, m map[string]float64) (string, float64, bool) {
	if v, ok := m[configured]; ok {
		return configured, v, true
	}
	for _, name := range metricPreference {
		if v, ok := m[name]; ok {
			return name, v, true
		}
	}
	return "", 0, false
}

// writeFileAtomic writes data to path via a temp file and rename so a crash
// never leaves a partially written artifact behind a committed pointer.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".artifact-*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
