package storage

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb/v2"
)

const (
	dbFile       = "raft.db"
	snapshotsDir = "snapshots"

	// file snapshots kept on disk; the lock table is small so a few
	// generations cost little
	retainSnapshots = 3
)

// Storage is where a replica keeps the lease command log, raft's term
// and vote, and lock table snapshots.
type Storage struct {
	LogStore      raft.LogStore
	StableStore   raft.StableStore
	SnapshotStore raft.SnapshotStore

	closer func() error
}

// NewBoltDBStorage opens (or creates) durable storage under dataDir. A
// single bolt file holds both the log and the stable store.
func NewBoltDBStorage(dataDir string, logger hclog.Logger) (*Storage, error) {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	db, err := raftboltdb.New(raftboltdb.Options{Path: filepath.Join(dataDir, dbFile)})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dbFile, err)
	}

	snaps, err := raft.NewFileSnapshotStoreWithLogger(filepath.Join(dataDir, snapshotsDir), retainSnapshots, logger.Named("snapshot"))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("open snapshot store: %w", err)
	}

	return &Storage{
		LogStore:      db,
		StableStore:   db,
		SnapshotStore: snaps,
		closer:        db.Close,
	}, nil
}

// NewInmemStorage keeps everything in memory; leases and the counter are
// gone once the process exits.
func NewInmemStorage() *Storage {
	store := raft.NewInmemStore()
	return &Storage{
		LogStore:      store,
		StableStore:   store,
		SnapshotStore: raft.NewInmemSnapshotStore(),
	}
}

// HasState reports whether this replica has been part of a cluster
// before, in which case bootstrapping again must be skipped.
func (s *Storage) HasState() (bool, error) {
	return raft.HasExistingState(s.LogStore, s.StableStore, s.SnapshotStore)
}

func (s *Storage) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}
