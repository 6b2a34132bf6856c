// Package sqlite provides a SQLite-backed CheckpointStore suitable for
// durable single-node deployments. The entire checkpoint is stored as a JSON
// blob keyed by thread id; the step counter is kept in its own column so the
// latest-wins overwrite can be asserted without decoding the blob.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hupe1980/threadflow/core"
)

const (
	createCheckpoints = "CREATE TABLE IF NOT EXISTS checkpoints (" +
		"thread_id TEXT NOT NULL PRIMARY KEY, " +
		"step INTEGER NOT NULL, " +
		"ts INTEGER NOT NULL, " +
		"checkpoint_json BLOB NOT NULL" +
		")"

	upsertCheckpoint = "INSERT OR REPLACE INTO checkpoints (thread_id, step, ts, checkpoint_json) " +
		"VALUES (?, ?, ?, ?)"

	selectCheckpoint = "SELECT checkpoint_json FROM checkpoints WHERE thread_id = ? LIMIT 1"

	deleteCheckpoint = "DELETE FROM checkpoints WHERE thread_id = ?"
)

// Store is a SQLite-backed implementation of core.CheckpointStore.
type Store struct {
	db *sql.DB
}

// New creates a store using the provided DB. The DB must use a SQLite driver;
// the constructor creates the schema if needed.
func New(db *sql.DB) (*Store, error) {
	if db == nil {
		return nil, errors.New("db is nil")
	}
	if _, err := db.Exec(createCheckpoints); err != nil {
		return nil, fmt.Errorf("create checkpoints table: %w", err)
	}
	return &Store{db: db}, nil
}

// Open opens (or creates) the SQLite database at path and returns a ready store.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	return New(db)
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// Load returns the thread's checkpoint or core.ErrCheckpointNotFound.
func (s *Store) Load(ctx context.Context, threadID string) (*core.Checkpoint, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx, selectCheckpoint, threadID).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrCheckpointNotFound
	}
	if err != nil {
		return nil, &core.CheckpointError{Op: "load", Err: err}
	}
	var cp core.Checkpoint
	if err := json.Unmarshal(blob, &cp); err != nil {
		return nil, &core.CheckpointError{Op: "load", Err: fmt.Errorf("decode checkpoint: %w", err)}
	}
	return &cp, nil
}

// Save overwrites the thread's checkpoint.
func (s *Store) Save(ctx context.Context, threadID string, cp *core.Checkpoint) error {
	blob, err := json.Marshal(cp)
	if err != nil {
		return &core.CheckpointError{Op: "save", Err: fmt.Errorf("encode checkpoint: %w", err)}
	}
	_, err = s.db.ExecContext(ctx, upsertCheckpoint, threadID, cp.Step, time.Now().UnixNano(), blob)
	if err != nil {
		return &core.CheckpointError{Op: "save", Err: err}
	}
	return nil
}

// Delete removes the thread's checkpoint. Missing entries are not an error.
func (s *Store) Delete(ctx context.Context, threadID string) error {
	if _, err := s.db.ExecContext(ctx, deleteCheckpoint, threadID); err != nil {
		return &core.CheckpointError{Op: "delete", Err: err}
	}
	return nil
}
