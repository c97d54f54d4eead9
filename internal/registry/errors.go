package registry

import "fmt"

// VersionNotFoundError indicates the referenced model version was never
// registered.
type VersionNotFoundError struct {
	Version int64
}

func (e *VersionNotFoundError) Error() string {
	return fmt.Sprintf("model version %d not found in registry", e.Version)
}

// AliasNotSetError indicates the alias does not currently resolve to any
// version.
type AliasNotSetError struct {
	Alias string
}

func (e *AliasNotSetError) Error() string {
	return fmt.Sprintf("alias %q is not set", e.Alias)
}

// DuplicateVersionError indicates an artifact with the same lineage id and
// hyperparameter signature but different content was already registered.
// Byte-identical re-registration is an idempotent no-op, not this error.
type DuplicateVersionError struct {
	Version   int64
	LineageID string
	Signature string
}

func (e *DuplicateVersionError) Error() string {
	return fmt.Sprintf("lineage %s with signature %s already registered as version %d with different content",
		e.LineageID, e.Signature, e.Version)
}

// PromotionRejectedError indicates the candidate regresses beyond the
// configured tolerance against the incumbent. The alias is left untouched.
type PromotionRejectedError struct {
	Alias            string
	CandidateVersion int64
	IncumbentVersion int64
	Metric           string
	CandidateScore   float64
	IncumbentScore   float64
	Tolerance        float64
}

func (e *PromotionRejectedError) Error() string {
	return fmt.Sprintf("promotion of version %d to %q rejected: %s=%.5f regresses beyond tolerance %.5f against incumbent version %d (%s=%.5f)",
		e.CandidateVersion, e.Alias, e.Metric, e.CandidateScore, e.Tolerance, e.IncumbentVersion, e.Metric, e.IncumbentScore)
}

// NoRollbackTargetError indicates the alias has no promotion history to
// roll back to.
type NoRollbackTargetError struct {
	Alias string
}

func (e *NoRollbackTargetError) Error() string {
	return fmt.Sprintf("alias %q has no rollback target", e.Alias)
}
