// Package policy combines drift, performance and schedule signals into a
// single explainable retraining decision with anti-storm cooldown.
package policy

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/modelops/churnguard/internal/config"
	"github.com/modelops/churnguard/internal/drift"
	"github.com/modelops/churnguard/internal/registry"
	"github.com/modelops/churnguard/pkg/metrics"
)

// Retraining job phases. The cooldown timer is stamped at the IDLE→TRIGGERED
// transition so a slow or stuck job cannot cause repeated re-triggering.
const (
	PhaseIdle       = "IDLE"
	PhaseTriggered  = "TRIGGERED"
	PhaseTraining   = "TRAINING"
	PhaseEvaluating = "EVALUATING"
	PhasePromoted   = "PROMOTED"
	PhaseRejected   = "REJECTED"
	PhaseFailed     = "FAILED"
)

// Inputs are everything a retraining decision is derived from. Decisions are
// pure functions of Inputs plus the persisted trigger state: identical inputs
// yield identical decisions.
type Inputs struct {
	// DriftReport may be nil when no drift signal is available (for example
	// the window was below the validity floor). Absent is not "no drift".
	DriftReport *drift.Report
	// RecentMetric and BaselineMetric are the externally computed primary
	// metric on a recent labeled holdout vs. at training time.
	RecentMetric   float64
	BaselineMetric float64
	HasMetrics     bool
	// LastTrainedAt is when the production model was trained; zero when no
	// model has been promoted yet.
	LastTrainedAt time.Time
	Now           time.Time
}

// Decision is the explainable outcome of one policy evaluation. It is derived
// state; it is logged, not persisted.
type Decision struct {
	ShouldRetrain bool      `json:"should_retrain"`
	Suppressed    bool      `json:"suppressed"`
	Reasons       []string  `json:"reasons"`
	EvaluatedAt   time.Time `json:"evaluated_at"`
	DriftReportID string    `json:"drift_report_id,omitempty"`

	// firedSignals feeds the trigger metrics; order matches Reasons.
	firedSignals []string
}

// Engine evaluates the retraining policy against persisted registry state.
type Engine struct {
	cfg    config.PolicyConfig
	reg    *registry.Registry
	orch   TrainingOrchestrator
	logger *zap.Logger
}

// NewEngine creates a policy engine. The orchestrator may be nil when the
// caller only wants decisions without the training handoff.
func NewEngine(cfg config.PolicyConfig, reg *registry.Registry, orch TrainingOrchestrator, logger *zap.Logger) *Engine {
	return &Engine{cfg: cfg, reg: reg, orch: orch, logger: logger.Named("policy")}
}

// Decide combines the three signals and applies the cooldown. It is pure:
// no clock reads, no state mutation.
func (e *Engine) Decide(in Inputs, lastTrigger time.Time, haveTrigger bool) Decision {
	d := Decision{EvaluatedAt: in.Now}

	if in.DriftReport != nil {
		d.DriftReportID = in.DriftReport.ID
		if in.DriftReport.OverallDrift {
			d.firedSignals = append(d.firedSignals, "drift")
			d.Reasons = append(d.Reasons, driftReasons(in.DriftReport)...)
		}
	}

	if in.HasMetrics {
		drop := in.BaselineMetric - in.RecentMetric
		if drop > e.cfg.DegradationTolerance {
			d.firedSignals = append(d.firedSignals, "performance")
			d.Reasons = append(d.Reasons, fmt.Sprintf(
				"performance: %s dropped %.4f -> %.4f (tolerance %.4f)",
				e.cfg.PrimaryMetric, in.BaselineMetric, in.RecentMetric, e.cfg.DegradationTolerance))
		}
	}

	if !in.LastTrainedAt.IsZero() {
		age := in.Now.Sub(in.LastTrainedAt)
		if age > e.cfg.MaxTrainingInterval {
			d.firedSignals = append(d.firedSignals, "schedule")
			d.Reasons = append(d.Reasons, fmt.Sprintf(
				"schedule: %.1f days since last training (max %.1f)",
				age.Hours()/24, e.cfg.MaxTrainingInterval.Hours()/24))
		}
	}

	if len(d.firedSignals) == 0 {
		return d
	}

	if haveTrigger && in.Now.Sub(lastTrigger) < e.cfg.Cooldown {
		d.Suppressed = true
		d.Reasons = append(d.Reasons, fmt.Sprintf(
			"suppressed: cooldown active (last trigger %s, cooldown %s)",
			lastTrigger.Format(time.RFC3339), e.cfg.Cooldown))
		return d
	}

	d.ShouldRetrain = true
	return d
}

// driftReasons renders one reason per flagged feature plus the aggregate
// line when the mean PSI exceeded its threshold.
func driftReasons(r *drift.Report) []string {
	var reasons []string
	for _, name := range r.FlaggedFeatureNames() {
		reasons = append(reasons, fmt.Sprintf("drift: %s (PSI=%.2f, threshold=%.2f)",
			name, r.Features[name].Score, r.Thresholds.Significant))
	}
	if r.AggregateScore > r.Thresholds.Aggregate {
		reasons = append(reasons, fmt.Sprintf("drift: aggregate PSI=%.2f (threshold %.2f)",
			r.AggregateScore, r.Thresholds.Aggregate))
	}
	return reasons
}

// Evaluate runs one policy pass: it reconciles a possibly stale training job,
// decides, and on a non-suppressed positive decision stamps the trigger
// (IDLE→TRIGGERED) transactionally. Training execution is a separate step,
// see ExecuteTraining.
func (e *Engine) Evaluate(ctx context.Context, in Inputs) (*Decision, *registry.JobRecord, error) {
	if in.Now.IsZero() {
		in.Now = time.Now().UTC()
	}

	if err := e.reconcileStaleJob(in.Now); err != nil {
		return nil, nil, err
	}

	lastTrigger, haveTrigger, err := e.reg.LastRetrainTrigger()
	if err != nil {
		return nil, nil, err
	}

	d := e.Decide(in, lastTrigger, haveTrigger)

	var job *registry.JobRecord
	if d.ShouldRetrain {
		job = &registry.JobRecord{
			ID:          uuid.NewString(),
			Phase:       PhaseTriggered,
			TriggeredAt: in.Now,
			Deadline:    in.Now.Add(e.cfg.TrainingDeadline),
			UpdatedAt:   in.Now,
			Reasons:     d.Reasons,
		}
		taken, last, err := e.reg.TryMarkRetrainTrigger(in.Now, e.cfg.Cooldown, job)
		if err != nil {
			return nil, nil, err
		}
		if !taken {
			// A concurrent evaluation won the trigger; report suppression.
			job = nil
			d.ShouldRetrain = false
			d.Suppressed = true
			d.Reasons = append(d.Reasons, fmt.Sprintf(
				"suppressed: cooldown active (last trigger %s, cooldown %s)",
				last.Format(time.RFC3339), e.cfg.Cooldown))
		} else {
			for _, sig := range d.firedSignals {
				metrics.RetrainTriggers.WithLabelValues(sig).Inc()
			}
		}
	}
	if d.Suppressed {
		metrics.RetrainSuppressions.Inc()
	}

	e.logDecision(&d)
	return &d, job, nil
}

// reconcileStaleJob marks an in-flight job FAILED once its deadline passed.
// The cooldown stamped at trigger time still applies afterwards, so a stuck
// job cannot cause a re-trigger storm.
func (e *Engine) reconcileStaleJob(now time.Time) error {
	job, err := e.reg.TrainingJob()
	if err != nil {
		return err
	}
	if job == nil {
		return nil
	}
	switch job.Phase {
	case PhaseTriggered, PhaseTraining, PhaseEvaluating:
		if now.After(job.Deadline) {
			job.Phase = PhaseFailed
			job.UpdatedAt = now
			if err := e.reg.SetTrainingJob(job); err != nil {
				return err
			}
			e.logger.Warn("training job exceeded its deadline, marked failed",
				zap.String("job_id", job.ID),
				zap.Time("deadline", job.Deadline))
		}
	}
	return nil
}

// logDecision makes every automated action auditable without log archaeology.
func (e *Engine) logDecision(d *Decision) {
	e.logger.Info("retraining decision",
		zap.Bool("should_retrain", d.ShouldRetrain),
		zap.Bool("suppressed", d.Suppressed),
		zap.Strings("reasons", d.Reasons),
		zap.String("drift_report_id", d.DriftReportID),
		zap.Time("evaluated_at", d.EvaluatedAt))
}
