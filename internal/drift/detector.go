// Package drift compares a live feature window against a stored reference
// snapshot using the Population Stability Index.
package drift

import (
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"

	"github.com/modelops/churnguard/internal/config"
	"github.com/modelops/churnguard/internal/dataset"
	"github.com/modelops/churnguard/internal/snapshot"
	"github.com/modelops/churnguard/pkg/metrics"
)

// Severity bands for a single feature's PSI value.
const (
	SeverityOK          = "ok"
	SeverityModerate    = "moderate"
	SeveritySignificant = "significant"
)

// Report status bands, mirroring the severity tiers at window level.
const (
	StatusOK   = "OK"
	StatusWarn = "WARN"
	StatusFail = "FAIL"
)

// FeatureResult is the drift outcome for one feature.
type FeatureResult struct {
	Statistic string  `json:"statistic"`
	Score     float64 `json:"score"`
	Severity  string  `json:"severity"`
	Drift     bool    `json:"drift"`
}

// Thresholds records the configuration a report was evaluated under, making
// every report auditable on its own.
type Thresholds struct {
	Moderate           float64 `json:"moderate"`
	Significant        float64 `json:"significant"`
	Aggregate          float64 `json:"aggregate"`
	MinFlaggedFeatures int     `json:"min_flagged_features"`
}

// Report is one immutable drift evaluation.
type Report struct {
	ID                string                   `json:"id"`
	SnapshotLineageID string                   `json:"snapshot_lineage_id"`
	WindowID          string                   `json:"window_id"`
	EvaluatedAt       time.Time                `json:"evaluated_at"`
	Features          map[string]FeatureResult `json:"features"`
	AggregateScore    float64                  `json:"aggregate_score"`
	FlaggedFeatures   int                      `json:"flagged_features"`
	OverallDrift      bool                     `json:"overall_drift"`
	Status            string                   `json:"status"`
	Thresholds        Thresholds               `json:"thresholds"`
}

// FlaggedFeatureNames returns the drifted feature names in sorted order.
func (r *Report) FlaggedFeatureNames() []string {
	var names []string
	for name, fr := range r.Features {
		if fr.Drift {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Detector computes drift reports. The same snapshot and window always yield
// bit-identical scores: features are iterated in sorted order and no
// randomness is involved.
type Detector struct {
	cfg    config.DriftConfig
	logger *zap.Logger
}

// NewDetector creates a drift detector.
func NewDetector(cfg config.DriftConfig, logger *zap.Logger) *Detector {
	return &Detector{cfg: cfg, logger: logger.Named("drift")}
}

// ComputeDrift evaluates the current window against the reference snapshot.
//
// The overall drift flag is raised when the mean PSI exceeds the aggregate
// threshold OR at least min_flagged_features individual features exceed the
// significant tier. Both conditions are configuration, not constants.
func (d *Detector) ComputeDrift(snap *snapshot.FeatureSnapshot, window *dataset.Window) (*Report, error) {
	if err := window.Validate(); err != nil {
		return nil, err
	}
	if err := d.checkSchema(snap, window); err != nil {
		return nil, err
	}
	if rows := window.Rows(); rows < d.cfg.MinWindowRows {
		return nil, &InsufficientWindowDataError{
			WindowID: window.ID,
			Rows:     rows,
			MinRows:  d.cfg.MinWindowRows,
		}
	}

	report := &Report{
		ID:                uuid.NewString(),
		SnapshotLineageID: snap.LineageID,
		WindowID:          window.ID,
		EvaluatedAt:       time.Now().UTC(),
		Features:          make(map[string]FeatureResult, len(snap.Numeric)+len(snap.Categorical)),
		Thresholds: Thresholds{
			Moderate:           d.cfg.ModerateThreshold,
			Significant:        d.cfg.SignificantThreshold,
			Aggregate:          d.cfg.AggregateThreshold,
			MinFlaggedFeatures: d.cfg.MinFlaggedFeatures,
		},
	}

	var scores []float64
	for _, name := range sortedKeys(snap.Numeric) {
		score := d.numericPSI(snap.Numeric[name], window.Numeric[name])
		report.Features[name] = d.featureResult(score)
		scores = append(scores, score)
	}
	for _, name := range sortedKeys(snap.Categorical) {
		score := d.categoricalPSI(snap.Categorical[name], window.Categorical[name])
		report.Features[name] = d.featureResult(score)
		scores = append(scores, score)
	}

	if len(scores) > 0 {
		report.AggregateScore = stat.Mean(scores, nil)
	}
	for _, fr := range report.Features {
		if fr.Drift {
			report.FlaggedFeatures++
		}
	}
	report.OverallDrift = report.AggregateScore > d.cfg.AggregateThreshold ||
		report.FlaggedFeatures >= d.cfg.MinFlaggedFeatures
	report.Status = d.status(report)

	d.observe(report)
	return report, nil
}

func (d *Detector) checkSchema(snap *snapshot.FeatureSnapshot, window *dataset.Window) error {
	var missing []string
	for _, name := range sortedKeys(snap.Numeric) {
		if !window.HasNumeric(name) {
			missing = append(missing, name)
		}
	}
	for _, name := range sortedKeys(snap.Categorical) {
		if !window.HasCategorical(name) {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return &SchemaMismatchError{
			SnapshotLineageID: snap.LineageID,
			WindowID:          window.ID,
			Missing:           missing,
		}
	}
	return nil
}

// numericPSI bins current values with the snapshot's edges and compares the
// observed proportions with the reference proportions.
func (d *Detector) numericPSI(ref snapshot.NumericSummary, values []float64) float64 {
	cur := snapshot.Proportions(snapshot.Histogram(ref.Edges, values))
	score := 0.0
	for i := range ref.RefProportions {
		score += d.psiTerm(cur[i], ref.RefProportions[i])
	}
	return score
}

// categoricalPSI compares category proportions. Categories unseen by the
// reference collapse into the other bucket, so an entirely new category
// yields a finite, strictly positive contribution instead of a log blowup.
func (d *Detector) categoricalPSI(ref snapshot.CategoricalSummary, values []string) float64 {
	counts := make(map[string]float64, len(ref.RefProportions))
	for _, v := range values {
		if _, known := ref.RefProportions[v]; known {
			counts[v]++
		} else {
			counts[snapshot.OtherBucket]++
		}
	}
	total := float64(len(values))

	cats := make([]string, 0, len(ref.RefProportions)+1)
	for cat := range ref.RefProportions {
		cats = append(cats, cat)
	}
	if _, ok := ref.RefProportions[snapshot.OtherBucket]; !ok {
		if counts[snapshot.OtherBucket] > 0 {
			cats = append(cats, snapshot.OtherBucket)
		}
	}
	sort.Strings(cats)

	score := 0.0
	for _, cat := range cats {
		curPct := 0.0
		if total > 0 {
			curPct = counts[cat] / total
		}
		score += d.psiTerm(curPct, ref.RefProportions[cat])
	}
	return score
}

// psiTerm computes one bin's (cur-ref)*ln(cur/ref) contribution with both
// proportions floored at epsilon.
func (d *Detector) psiTerm(cur, ref float64) float64 {
	a := math.Max(cur, d.cfg.Epsilon)
	e := math.Max(ref, d.cfg.Epsilon)
	return (a - e) * math.Log(a/e)
}

func (d *Detector) featureResult(score float64) FeatureResult {
	severity := SeverityOK
	switch {
	case score >= d.cfg.SignificantThreshold:
		severity = SeveritySignificant
	case score >= d.cfg.ModerateThreshold:
		severity = SeverityModerate
	}
	return FeatureResult{
		Statistic: "psi",
		Score:     score,
		Severity:  severity,
		Drift:     severity == SeveritySignificant,
	}
}

func (d *Detector) status(r *Report) string {
	if r.OverallDrift {
		return StatusFail
	}
	if r.AggregateScore >= d.cfg.ModerateThreshold {
		return StatusWarn
	}
	for _, fr := range r.Features {
		if fr.Severity != SeverityOK {
			return StatusWarn
		}
	}
	return StatusOK
}

func (d *Detector) observe(r *Report) {
	for name, fr := range r.Features {
		metrics.FeaturePSI.WithLabelValues(name).Set(fr.Score)
	}
	metrics.AggregatePSI.Set(r.AggregateScore)
	metrics.DriftEvaluations.WithLabelValues(r.Status).Inc()

	d.logger.Info("drift evaluation complete",
		zap.String("report_id", r.ID),
		zap.String("snapshot_lineage_id", r.SnapshotLineageID),
		zap.String("window_id", r.WindowID),
		zap.Float64("aggregate_psi", r.AggregateScore),
		zap.Int("flagged_features", r.FlaggedFeatures),
		zap.String("status", r.Status))
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
