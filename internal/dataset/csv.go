package dataset

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
)

// ColumnType tells the CSV loader how to parse a column.
type ColumnType string

const (
	ColumnNumeric     ColumnType = "numeric"
	ColumnCategorical ColumnType = "categorical"
	ColumnEntityID    ColumnType = "entity_id"
)

// Schema maps CSV header names to column types. Header columns absent from
// the schema are ignored.
type Schema map[string]ColumnType

// FromCSV loads a feature window from a CSV file with a header row.
func FromCSV(path, windowID string, schema Schema) (*Window, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening feature window %s: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("reading feature window %s: %w", path, err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("feature window %s is empty", path)
	}

	header := records[0]
	w := NewWindow(windowID)

	type column struct {
		idx int
		typ ColumnType
	}
	var cols []column
	for i, name := range header {
		typ, ok := schema[name]
		if !ok {
			continue
		}
		cols = append(cols, column{idx: i, typ: typ})
		switch typ {
		case ColumnNumeric:
			w.Numeric[name] = make([]float64, 0, len(records)-1)
		case ColumnCategorical:
			w.Categorical[name] = make([]string, 0, len(records)-1)
		}
	}

	for rowNum, rec := range records[1:] {
		for _, c := range cols {
			if c.idx >= len(rec) {
				return nil, fmt.Errorf("feature window %s: row %d has %d fields, expected at least %d",
					path, rowNum+2, len(rec), c.idx+1)
			}
			raw := rec[c.idx]
			name := header[c.idx]
			switch c.typ {
			case ColumnEntityID:
				w.EntityIDs = append(w.EntityIDs, raw)
			case ColumnNumeric:
				v, err := strconv.ParseFloat(raw, 64)
				if err != nil {
					return nil, fmt.Errorf("feature window %s: row %d column %s: %w", path, rowNum+2, name, err)
				}
				w.Numeric[name] = append(w.Numeric[name], v)
			case ColumnCategorical:
				w.Categorical[name] = append(w.Categorical[name], raw)
			}
		}
	}

	if err := w.Validate(); err != nil {
		return nil, err
	}
	return w, nil
}
