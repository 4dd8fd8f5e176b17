package persistence

import (
	"fmt"

	"github.com/dgraph-io/badger/v3"
)

// positionSeqKey is the Badger key backing the position id counter.
const positionSeqKey = "position_id_seq"

// MetaStore keeps small operational metadata that must survive restarts.
// Its one job today is the position id sequence: local ids end up in file
// names, so a restart may never hand out an id that is still on disk.
type MetaStore struct {
	db  *badger.DB
	seq *badger.Sequence
}

// NewMetaStore opens (or creates) the metadata database at dbPath.
func NewMetaStore(dbPath string) (*MetaStore, error) {
	opts := badger.DefaultOptions(dbPath)
	// Badger's own logging is noise here; errors still surface from every
	// DB operation.
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open meta store %s: %w", dbPath, err)
	}

	seq, err := db.GetSequence([]byte(positionSeqKey), 64)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("open position id sequence: %w", err)
	}

	return &MetaStore{db: db, seq: seq}, nil
}

// NextPositionID returns a fresh local position id. Ids are strictly
// increasing across restarts; gaps are expected because Badger leases the
// sequence in batches.
func (m *MetaStore) NextPositionID() (string, error) {
	n, err := m.seq.Next()
	if err != nil {
		return "", fmt.Errorf("advance position id sequence: %w", err)
	}
	return fmt.Sprintf("%s%d", LocalIDPrefix, n+1), nil
}

// Close releases the unused part of the sequence lease and closes the DB.
func (m *MetaStore) Close() error {
	var firstErr error
	if m.seq != nil {
		if err := m.seq.Release(); err != nil {
			firstErr = err
		}
	}
	if err := m.db.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
