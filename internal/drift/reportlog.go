package drift

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dgraph-io/badger/v3"
	"go.uber.org/zap"
)

const reportKeyPrefix = "driftreport:"

// ReportLog is the append-only log of drift evaluations. Entries are keyed by
// evaluation time so iteration in reverse order yields the most recent first.
type ReportLog struct {
	db     *badger.DB
	logger *zap.Logger
}

// NewReportLog creates a report log on an open state store.
func NewReportLog(db *badger.DB, logger *zap.Logger) *ReportLog {
	return &ReportLog{db: db, logger: logger.Named("drift-report-log")}
}

func reportKey(r *Report) []byte {
	return []byte(fmt.Sprintf("%s%020d:%s", reportKeyPrefix, r.EvaluatedAt.UnixNano(), r.ID))
}

// Append stores a report. Reports are never updated or deleted.
func (l *ReportLog) Append(r *Report) error {
	val, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encoding drift report %s: %w", r.ID, err)
	}
	return l.db.Update(func(txn *badger.Txn) error {
		return txn.Set(reportKey(r), val)
	})
}

// Latest returns the most recent report, or nil when the log is empty.
func (l *ReportLog) Latest() (*Report, error) {
	var report *Report
	err := l.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = []byte(reportKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		// Reverse iteration needs a seek key past every report key.
		it.Seek([]byte(reportKeyPrefix + "~"))
		if !it.ValidForPrefix([]byte(reportKeyPrefix)) {
			return nil
		}
		return it.Item().Value(func(v []byte) error {
			report = &Report{}
			return json.Unmarshal(v, report)
		})
	})
	if err != nil {
		return nil, err
	}
	return report, nil
}

// List returns up to limit reports, most recent first.
func (l *ReportLog) List(limit int) ([]*Report, error) {
	var reports []*Report
	err := l.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = []byte(reportKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek([]byte(reportKeyPrefix + "~")); it.ValidForPrefix([]byte(reportKeyPrefix)); it.Next() {
			if limit > 0 && len(reports) >= limit {
				break
			}
			var r Report
			if err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &r)
			}); err != nil {
				return err
			}
			reports = append(reports, &r)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return reports, nil
}

// Export writes the report as pretty-printed JSON under dir using a
// temp-write-then-rename so readers never observe a partial file.
func (l *ReportLog) Export(r *Report, dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating reports dir: %w", err)
	}

	payload, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encoding drift report %s: %w", r.ID, err)
	}

	name := fmt.Sprintf("drift_%s_%s.json", r.EvaluatedAt.Format("20060102T150405Z"), r.ID[:8])
	final := filepath.Join(dir, name)

	tmp, err := os.CreateTemp(dir, ".drift-*.json.tmp")
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(payload); err != nil {
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
	if err := os.Rename(tmp.Name(), final); err != nil {
		return "", err
	}

	l.logger.Info("exported drift report", zap.String("path", final))
	return final, nil
}
