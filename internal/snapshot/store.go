package snapshot

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v3"
	"go.uber.org/zap"

	"github.com/modelops/churnguard/internal/storage"
)

const keyPrefix = "snapshot:"

// Store persists feature snapshots in the badger state store, keyed by the
// lineage id of the dataset they summarize.
type Store struct {
	db     *badger.DB
	logger *zap.Logger
}

// NewStore creates a snapshot store on an open state store.
func NewStore(db *badger.DB, logger *zap.Logger) *Store {
	return &Store{db: db, logger: logger.Named("snapshot-store")}
}

// Put persists a snapshot. Re-putting identical content is a no-op; putting
// different content under an existing lineage id fails, snapshots are
// immutable once created.
func (s *Store) Put(snap *FeatureSnapshot) error {
	key := []byte(keyPrefix + snap.LineageID)
	val, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encoding snapshot %s: %w", snap.LineageID, err)
	}

	return s.db.Update(func(txn *badger.Txn) error {
		existing, err := storage.GetJSON(txn, key)
		if err == nil {
			if bytes.Equal(existing, val) {
				return nil
			}
			return &SnapshotExistsError{LineageID: snap.LineageID}
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Set(key, val)
	})
}

// Get retrieves the snapshot for a lineage id.
func (s *Store) Get(lineageID string) (*FeatureSnapshot, error) {
	var snap FeatureSnapshot
	err := s.db.View(func(txn *badger.Txn) error {
		val, err := storage.GetJSON(txn, []byte(keyPrefix+lineageID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return &SnapshotNotFoundError{LineageID: lineageID}
		}
		if err != nil {
			return err
		}
		return json.Unmarshal(val, &snap)
	})
	if err != nil {
		return nil, err
	}
	return &snap, nil
}
