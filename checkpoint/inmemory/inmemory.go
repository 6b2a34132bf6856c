// Package inmemory provides a volatile CheckpointStore implementation storing
// the latest checkpoint per thread in a process local map. It is safe for
// concurrent access and best suited for tests or ephemeral demo servers.
package inmemory

import (
	"context"
	"sync"

	"github.com/hupe1980/threadflow/core"
)

// Store keeps checkpoints in memory. Each returned checkpoint is cloned to
// prevent external mutation of internal state.
type Store struct {
	mu          sync.RWMutex
	checkpoints map[string]*core.Checkpoint
}

// New constructs an empty in-memory checkpoint store.
func New() *Store {
	return &Store{checkpoints: make(map[string]*core.Checkpoint)}
}

// Load returns the latest checkpoint (clone) or core.ErrCheckpointNotFound.
func (s *Store) Load(_ context.Context, threadID string) (*core.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp, ok := s.checkpoints[threadID]
	if !ok {
		return nil, core.ErrCheckpointNotFound
	}
	return cp.Clone(), nil
}

// Save overwrites the thread's checkpoint with a clone of the snapshot.
func (s *Store) Save(_ context.Context, threadID string, cp *core.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoints[threadID] = cp.Clone()
	return nil
}

// Delete removes the thread's checkpoint. Missing entries are not an error.
func (s *Store) Delete(_ context.Context, threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.checkpoints, threadID)
	return nil
}
