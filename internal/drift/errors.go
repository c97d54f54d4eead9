package drift

import (
	"fmt"
	"strings"
)

// SchemaMismatchError indicates the current window is missing features the
// snapshot summarizes. Evaluation fails fast rather than silently skipping.
type SchemaMismatchError struct {
	SnapshotLineageID string
	WindowID          string
	Missing           []string
}

func (e *SchemaMismatchError) Error() string {
	return fmt.Sprintf("window %s is missing features summarized by snapshot %s: %s",
		e.WindowID, e.SnapshotLineageID, strings.Join(e.Missing, ", "))
}

// InsufficientWindowDataError indicates the current window is below the
// statistical validity floor. The drift signal is withheld, not assumed false.
type InsufficientWindowDataError struct {
	WindowID string
	Rows     int
	MinRows  int
}

func (e *InsufficientWindowDataError) Error() string {
	return fmt.Sprintf("window %s has %d rows, need at least %d for a meaningful drift score",
		e.WindowID, e.Rows, e.MinRows)
}
