package policy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/modelops/churnguard/internal/registry"
)

// TrainingRequest is the handoff to the external training orchestrator.
type TrainingRequest struct {
	JobID       string    `json:"job_id"`
	LineageID   string    `json:"lineage_id"`
	TriggeredAt time.Time `json:"triggered_at"`
	Reasons     []string  `json:"reasons"`
}

// TrainingResult is the orchestrator's output: an opaque trained model blob
// plus its registry metadata (evaluation metrics included).
type TrainingResult struct {
	Blob []byte
	Meta registry.ArtifactMeta
}

// TrainingOrchestrator runs the actual training. It is an external
// collaborator; this engine only triggers it and registers its output.
type TrainingOrchestrator interface {
	Train(ctx context.Context, req TrainingRequest) (*TrainingResult, error)
}

// ExecuteTraining drives a triggered job through
// TRIGGERED→TRAINING→EVALUATING→{PROMOTED|REJECTED}, enforcing the job
// deadline. A deadline overrun marks the job FAILED instead of leaving it
// TRAINING forever.
func (e *Engine) ExecuteTraining(ctx context.Context, job *registry.JobRecord, lineageID string) error {
	if e.orch == nil {
		return errors.New("no training orchestrator configured")
	}
	if job.Phase != PhaseTriggered {
		return fmt.Errorf("job %s is %s, expected %s", job.ID, job.Phase, PhaseTriggered)
	}

	if err := e.advance(job, PhaseTraining); err != nil {
		return err
	}

	trainCtx, cancel := context.WithDeadline(ctx, job.Deadline)
	defer cancel()

	result, err := e.orch.Train(trainCtx, TrainingRequest{
		JobID:       job.ID,
		LineageID:   lineageID,
		TriggeredAt: job.TriggeredAt,
		Reasons:     job.Reasons,
	})
	if err != nil {
		if ferr := e.advance(job, PhaseFailed); ferr != nil {
			return errors.Join(err, ferr)
		}
		if errors.Is(err, context.DeadlineExceeded) {
			e.logger.Error("training job exceeded its deadline",
				zap.String("job_id", job.ID),
				zap.Time("deadline", job.Deadline))
			return fmt.Errorf("training job %s exceeded deadline: %w", job.ID, err)
		}
		return fmt.Errorf("training job %s failed: %w", job.ID, err)
	}

	if err := e.advance(job, PhaseEvaluating); err != nil {
		return err
	}

	version, err := e.reg.Register(result.Blob, result.Meta)
	if err != nil {
		if ferr := e.advance(job, PhaseFailed); ferr != nil {
			return errors.Join(err, ferr)
		}
		return fmt.Errorf("registering trained model for job %s: %w", job.ID, err)
	}

	// Track the freshly trained version under the candidate alias. The gate
	// compares against the previous candidate; losing that comparison keeps
	// the stronger candidate bound and is not a job failure.
	if _, err := e.reg.Promote(registry.AliasCandidate, version); err != nil {
		var rejected *registry.PromotionRejectedError
		if !errors.As(err, &rejected) {
			if ferr := e.advance(job, PhaseFailed); ferr != nil {
				return errors.Join(err, ferr)
			}
			return fmt.Errorf("binding candidate version %d for job %s: %w", version, job.ID, err)
		}
	}

	if _, err := e.reg.Promote(registry.AliasProduction, version); err != nil {
		var rejected *registry.PromotionRejectedError
		if errors.As(err, &rejected) {
			// The candidate stays registered for inspection; production is
			// untouched.
			if serr := e.advance(job, PhaseRejected); serr != nil {
				return errors.Join(err, serr)
			}
			e.logger.Warn("trained model rejected at promotion",
				zap.String("job_id", job.ID),
				zap.Int64("version", version))
			return err
		}
		if ferr := e.advance(job, PhaseFailed); ferr != nil {
			return errors.Join(err, ferr)
		}
		return fmt.Errorf("promoting version %d for job %s: %w", version, job.ID, err)
	}

	if err := e.advance(job, PhasePromoted); err != nil {
		return err
	}
	e.logger.Info("training job promoted a new production model",
		zap.String("job_id", job.ID),
		zap.Int64("version", version))
	return nil
}

func (e *Engine) advance(job *registry.JobRecord, phase string) error {
	job.Phase = phase
	job.UpdatedAt = time.Now().UTC()
	return e.reg.SetTrainingJob(job)
}
