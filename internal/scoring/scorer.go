// Package scoring applies the production model to a feature window and
// publishes versioned prediction batches behind an atomically updated
// "latest" pointer.
package scoring

import (
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/modelops/churnguard/internal/config"
	"github.com/modelops/churnguard/internal/dataset"
	"github.com/modelops/churnguard/internal/registry"
	"github.com/modelops/churnguard/pkg/metrics"
)

// PointerFileName is the "latest" pointer inside the predictions directory.
// It always references a complete, consistent predictions file.
const PointerFileName = "LATEST.json"

// Prediction is one scored entity row.
type Prediction struct {
	EntityID string
	Risk     float64
	Rank     int
}

// LatestPointer is the content of the atomically swapped pointer file.
type LatestPointer struct {
	File         string    `json:"file"`
	ModelVersion int64     `json:"model_version"`
	Rows         int       `json:"rows"`
	SHA256       string    `json:"sha256"`
	WrittenAt    time.Time `json:"written_at"`
}

// BatchResult summarizes one scoring run.
type BatchResult struct {
	ModelVersion int64
	ScoredAt     time.Time
	Rows         int
	File         string
	PreviewFile  string
	PointerFile  string
}

// Scorer scores feature windows with whatever artifact the production alias
// currently resolves to. It owns only the "latest" prediction pointer,
// independent of model promotion.
type Scorer struct {
	reg    *registry.Registry
	dir    string
	cfg    config.ScorerConfig
	logger *zap.Logger
}

// NewScorer creates a batch scorer writing into dir.
func NewScorer(reg *registry.Registry, dir string, cfg config.ScorerConfig, logger *zap.Logger) (*Scorer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating predictions dir: %w", err)
	}
	return &Scorer{reg: reg, dir: dir, cfg: cfg, logger: logger.Named("scorer")}, nil
}

// ScoreBatch scores every row of the window, writes a uniquely versioned
// predictions file and then swings the latest pointer. Readers of the pointer
// never observe a truncated file: the predictions file is fully written and
// renamed into place before the pointer commit.
func (s *Scorer) ScoreBatch(window *dataset.Window) (*BatchResult, error) {
	start := time.Now()

	if err := window.Validate(); err != nil {
		return nil, err
	}

	art, _, err := s.reg.Get(registry.AliasProduction)
	if err != nil {
		return nil, err
	}
	blob, err := s.reg.LoadBlob(art)
	if err != nil {
		return nil, err
	}
	model, err := DecodeModel(blob)
	if err != nil {
		return nil, fmt.Errorf("artifact version %d: %w", art.Version, err)
	}

	preds := s.score(model, window)
	scoredAt := time.Now().UTC()

	name := fmt.Sprintf("churn_predictions_%s_v%06d.csv", scoredAt.Format("20060102T150405.000000000Z"), art.Version)
	path := filepath.Join(s.dir, name)
	sum, err := s.writePredictions(path, preds, art.Version, scoredAt)
	if err != nil {
		return nil, err
	}

	result := &BatchResult{
		ModelVersion: art.Version,
		ScoredAt:     scoredAt,
		Rows:         len(preds),
		File:         path,
	}

	if s.cfg.TopK > 0 {
		k := s.cfg.TopK
		if k > len(preds) {
			k = len(preds)
		}
		previewName := fmt.Sprintf("churn_top_%d_%s.csv", s.cfg.TopK, scoredAt.Format("20060102T150405.000000000Z"))
		previewPath := filepath.Join(s.dir, previewName)
		if _, err := s.writePredictions(previewPath, preds[:k], art.Version, scoredAt); err != nil {
			return nil, err
		}
		result.PreviewFile = previewPath
	}

	pointer := LatestPointer{
		File:         name,
		ModelVersion: art.Version,
		Rows:         len(preds),
		SHA256:       sum,
		WrittenAt:    scoredAt,
	}
	pointerPath := filepath.Join(s.dir, PointerFileName)
	if err := s.commitPointer(pointerPath, pointer); err != nil {
		return nil, err
	}
	result.PointerFile = pointerPath

	metrics.ScoringLatency.Observe(time.Since(start).Seconds())
	metrics.ScoredRows.Add(float64(len(preds)))
	s.logger.Info("batch scoring complete",
		zap.Int64("model_version", art.Version),
		zap.Int("rows", len(preds)),
		zap.String("file", name))
	return result, nil
}

func (s *Scorer) score(model *LogisticModel, window *dataset.Window) []Prediction {
	rows := window.Rows()
	preds := make([]Prediction, rows)
	numeric := make(map[string]float64, len(window.Numeric))
	categorical := make(map[string]string, len(window.Categorical))

	for i := 0; i < rows; i++ {
		for name, col := range window.Numeric {
			numeric[name] = col[i]
		}
		for name, col := range window.Categorical {
			categorical[name] = col[i]
		}
		id := fmt.Sprintf("row-%d", i+1)
		if len(window.EntityIDs) > 0 {
			id = window.EntityIDs[i]
		}
		preds[i] = Prediction{EntityID: id, Risk: model.Score(numeric, categorical)}
	}

	// Highest risk first; ties broken by entity id for reproducible output.
	sort.SliceStable(preds, func(i, j int) bool {
		if preds[i].Risk != preds[j].Risk {
			return preds[i].Risk > preds[j].Risk
		}
		return preds[i].EntityID < preds[j].EntityID
	})
	for i := range preds {
		preds[i].Rank = i + 1
	}
	return preds
}

// writePredictions writes a predictions CSV via temp-write-then-rename and
// returns the hex sha256 of the final content.
func (s *Scorer) writePredictions(path string, preds []Prediction, version int64, scoredAt time.Time) (string, error) {
	tmp, err := os.CreateTemp(s.dir, ".predictions-*.csv.tmp")
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp.Name())

	hash := sha256.New()
	w := csv.NewWriter(io.MultiWriter(tmp, hash))

	header := []string{"entity_id", "churn_risk", "risk_rank", "model_version", "scored_at"}
	if err := w.Write(header); err != nil {
		tmp.Close()
		return "", err
	}
	versionStr := strconv.FormatInt(version, 10)
	ts := scoredAt.Format(time.RFC3339)
	for _, p := range preds {
		rec := []string{
			p.EntityID,
			strconv.FormatFloat(p.Risk, 'f', 6, 64),
			strconv.Itoa(p.Rank),
			versionStr,
			ts,
		}
		if err := w.Write(rec); err != nil {
			tmp.Close()
			return "", err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		tmp.Close()
		return "", err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", err
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}

// commitPointer swaps the latest pointer with the same temp-write-then-rename
// discipline the registry uses for alias commits.
func (s *Scorer) commitPointer(path string, pointer LatestPointer) error {
	payload, err := json.MarshalIndent(pointer, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(s.dir, ".latest-*.json.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(payload); err != nil {
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

// ReadLatest loads and verifies the latest pointer: the referenced file must
// exist and match the declared sha256, so a reader can never act on a
// truncated batch.
func ReadLatest(dir string) (*LatestPointer, error) {
	raw, err := os.ReadFile(filepath.Join(dir, PointerFileName))
	if err != nil {
		return nil, fmt.Errorf("reading latest pointer: %w", err)
	}
	var pointer LatestPointer
	if err := json.Unmarshal(raw, &pointer); err != nil {
		return nil, fmt.Errorf("corrupt latest pointer: %w", err)
	}

	content, err := os.ReadFile(filepath.Join(dir, pointer.File))
	if err != nil {
		return nil, fmt.Errorf("latest pointer references missing file %s: %w", pointer.File, err)
	}
	sum := sha256.Sum256(content)
	if hex.EncodeToString(sum[:]) != pointer.SHA256 {
		return nil, fmt.Errorf("latest pointer checksum mismatch for %s", pointer.File)
	}
	return &pointer, nil
}
