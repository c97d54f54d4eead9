package snapshot

import "fmt"

// InsufficientReferenceDataError indicates the reference sample is too small
// to produce stable bin edges.
type InsufficientReferenceDataError struct {
	LineageID string
	Rows      int
	MinRows   int
}

func (e *InsufficientReferenceDataError) Error() string {
	return fmt.Sprintf("insufficient reference data for lineage %s: %d rows, need at least %d",
		e.LineageID, e.Rows, e.MinRows)
}

// SnapshotNotFoundError indicates no snapshot exists for the lineage id.
type SnapshotNotFoundError struct {
	LineageID string
}

func (e *SnapshotNotFoundError) Error() string {
	return fmt.Sprintf("no snapshot found for lineage %s", e.LineageID)
}

// SnapshotExistsError indicates an attempt to overwrite an existing snapshot
// with different content. Snapshots are immutable: a new dataset must carry a
// new lineage id.
type SnapshotExistsError struct {
	LineageID string
}

func (e *SnapshotExistsError) Error() string {
	return fmt.Sprintf("snapshot for lineage %s already exists and is immutable", e.LineageID)
}
