// Package snapshot builds and stores immutable reference distribution
// summaries used as the drift baseline.
package snapshot

import (
	"sort"
	"time"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"

	"github.com/modelops/churnguard/internal/config"
	"github.com/modelops/churnguard/internal/dataset"
)

// OtherBucket absorbs categories whose reference count falls below the
// configured minimum, bounding the cardinality drift evaluation must handle.
const OtherBucket = "__other__"

// NumericSummary is the reference distribution of one numeric feature:
// interior quantile cut points plus the proportion of reference rows per bin.
// Edges of length k define k+1 bins: (-inf, e0], (e0, e1], ... (ek-1, +inf).
type NumericSummary struct {
	Edges          []float64 `json:"edges"`
	RefProportions []float64 `json:"ref_proportions"`
}

// CategoricalSummary is the reference frequency table of one categorical
// feature, rare categories already collapsed into OtherBucket.
type CategoricalSummary struct {
	RefProportions map[string]float64 `json:"ref_proportions"`
}

// FeatureSnapshot is the immutable per-feature reference summary for one
// dataset lineage.
type FeatureSnapshot struct {
	LineageID   string                        `json:"lineage_id"`
	CreatedAt   time.Time                     `json:"created_at"`
	Rows        int                           `json:"rows"`
	Numeric     map[string]NumericSummary     `json:"numeric"`
	Categorical map[string]CategoricalSummary `json:"categorical"`
}

// Features returns all summarized feature names in sorted order.
func (s *FeatureSnapshot) Features() []string {
	names := make([]string, 0, len(s.Numeric)+len(s.Categorical))
	for name := range s.Numeric {
		names = append(names, name)
	}
	for name := range s.Categorical {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// BinIndex returns the bin a value falls into given interior edges.
func BinIndex(edges []float64, v float64) int {
	return sort.SearchFloat64s(edges, v)
}

// Histogram counts values per bin defined by interior edges. The result has
// len(edges)+1 entries; out-of-range values land in the first or last bin,
// never get dropped.
func Histogram(edges []float64, values []float64) []int {
	counts := make([]int, len(edges)+1)
	for _, v := range values {
		counts[BinIndex(edges, v)]++
	}
	return counts
}

// Proportions converts histogram counts to proportions of the total.
func Proportions(counts []int) []float64 {
	total := 0
	for _, c := range counts {
		total += c
	}
	props := make([]float64, len(counts))
	if total == 0 {
		return props
	}
	for i, c := range counts {
		props[i] = float64(c) / float64(total)
	}
	return props
}

// Builder computes feature snapshots from reference windows.
type Builder struct {
	cfg    config.SnapshotConfig
	logger *zap.Logger
}

// NewBuilder creates a snapshot builder.
func NewBuilder(cfg config.SnapshotConfig, logger *zap.Logger) *Builder {
	return &Builder{cfg: cfg, logger: logger.Named("snapshot")}
}

// Build summarizes every feature of the reference window. It fails with
// InsufficientReferenceDataError when the sample is below the configured
// row floor.
func (b *Builder) Build(reference *dataset.Window, lineageID string) (*FeatureSnapshot, error) {
	if err := reference.Validate(); err != nil {
		return nil, err
	}
	rows := reference.Rows()
	if rows < b.cfg.MinReferenceRows {
		return nil, &InsufficientReferenceDataError{
			LineageID: lineageID,
			Rows:      rows,
			MinRows:   b.cfg.MinReferenceRows,
		}
	}

	snap := &FeatureSnapshot{
		LineageID:   lineageID,
		CreatedAt:   time.Now().UTC(),
		Rows:        rows,
		Numeric:     make(map[string]NumericSummary, len(reference.Numeric)),
		Categorical: make(map[string]CategoricalSummary, len(reference.Categorical)),
	}

	for _, name := range reference.NumericFeatures() {
		snap.Numeric[name] = b.summarizeNumeric(reference.Numeric[name])
	}
	for _, name := range reference.CategoricalFeatures() {
		snap.Categorical[name] = b.summarizeCategorical(reference.Categorical[name])
	}

	b.logger.Info("built feature snapshot",
		zap.String("lineage_id", lineageID),
		zap.Int("rows", rows),
		zap.Int("numeric_features", len(snap.Numeric)),
		zap.Int("categorical_features", len(snap.Categorical)))

	return snap, nil
}

func (b *Builder) summarizeNumeric(values []float64) NumericSummary {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	// Interior quantile cut points: bins-1 edges for bins buckets. Duplicate
	// edges from low-cardinality data are collapsed, shrinking the bin count.
	edges := make([]float64, 0, b.cfg.Bins-1)
	for i := 1; i < b.cfg.Bins; i++ {
		q := stat.Quantile(float64(i)/float64(b.cfg.Bins), stat.Empirical, sorted, nil)
		if n := len(edges); n > 0 && edges[n-1] == q {
			continue
		}
		edges = append(edges, q)
	}

	return NumericSummary{
		Edges:          edges,
		RefProportions: Proportions(Histogram(edges, values)),
	}
}

func (b *Builder) summarizeCategorical(values []string) CategoricalSummary {
	counts := make(map[string]int)
	for _, v := range values {
		counts[v]++
	}

	props := make(map[string]float64)
	other := 0
	for cat, n := range counts {
		if n < b.cfg.MinCategoryCount {
			other += n
			continue
		}
		props[cat] = float64(n) / float64(len(values))
	}
	if other > 0 {
		props[OtherBucket] = float64(other) / float64(len(values))
	}

	return CategoricalSummary{RefProportions: props}
}
