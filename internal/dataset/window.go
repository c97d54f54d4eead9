// Package dataset holds the tabular feature window consumed by drift
// evaluation and batch scoring.
package dataset

import (
	"fmt"
	"sort"
)

// Window is a batch of entity rows with one column per feature. Numeric and
// categorical columns are kept apart because they are summarized differently.
// All columns have exactly Rows() values, in row order.
type Window struct {
	ID          string
	EntityIDs   []string
	Numeric     map[string][]float64
	Categorical map[string][]string
}

// NewWindow creates an empty window with the given identifier.
func NewWindow(id string) *Window {
	return &Window{
		ID:          id,
		Numeric:     make(map[string][]float64),
		Categorical: make(map[string][]string),
	}
}

// Rows returns the number of entity rows in the window.
func (w *Window) Rows() int {
	if len(w.EntityIDs) > 0 {
		return len(w.EntityIDs)
	}
	for _, col := range w.Numeric {
		return len(col)
	}
	for _, col := range w.Categorical {
		return len(col)
	}
	return 0
}

// NumericFeatures returns the numeric feature names in sorted order.
func (w *Window) NumericFeatures() []string {
	names := make([]string, 0, len(w.Numeric))
	for name := range w.Numeric {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CategoricalFeatures returns the categorical feature names in sorted order.
func (w *Window) CategoricalFeatures() []string {
	names := make([]string, 0, len(w.Categorical))
	for name := range w.Categorical {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HasNumeric reports whether the window carries the named numeric column.
func (w *Window) HasNumeric(name string) bool {
	_, ok := w.Numeric[name]
	return ok
}

// HasCategorical reports whether the window carries the named categorical column.
func (w *Window) HasCategorical(name string) bool {
	_, ok := w.Categorical[name]
	return ok
}

// Validate checks that every column has the same number of rows.
func (w *Window) Validate() error {
	rows := w.Rows()
	if len(w.EntityIDs) > 0 && len(w.EntityIDs) != rows {
		return fmt.Errorf("window %s: entity id column has %d rows, expected %d", w.ID, len(w.EntityIDs), rows)
	}
	for name, col := range w.Numeric {
		if len(col) != rows {
			return fmt.Errorf("window %s: numeric column %s has %d rows, expected %d", w.ID, name, len(col), rows)
		}
	}
	for name, col := range w.Categorical {
		if len(col) != rows {
			return fmt.Errorf("window %s: categorical column %s has %d rows, expected %d", w.ID, name, len(col), rows)
		}
	}
	return nil
}
