// Package storage opens the disk-backed state store shared by the snapshot
// store, the drift report log and the model registry.
package storage

import (
	"fmt"

	"github.com/dgraph-io/badger/v3"
)

// Open initializes the badger state store at path.
func Open(path string) (*badger.DB, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil // disable internal logging
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening state store: %w", err)
	}
	return db, nil
}

// GetJSON reads the value at key within txn. It returns badger.ErrKeyNotFound
// untouched so callers can map it to their own not-found errors.
func GetJSON(txn *badger.Txn, key []byte) ([]byte, error) {
	item, err := txn.Get(key)
	if err != nil {
		return nil, err
	}
	var out []byte
	if err := item.Value(func(v []byte) error {
		out = append([]byte(nil), v...)
		return nil
	}); err != nil {
		return nil, err
	}
	return out, nil
}
