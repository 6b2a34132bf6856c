// Package thread provides ThreadStore implementations tracking conversation
// metadata and message history. The checkpoint store remains the single
// source of truth for resumability; this store serves listing, retry
// addressing and observability.
package thread

import (
	"sync"

	"github.com/hupe1980/threadflow/core"
)

// InMemoryStore is a volatile ThreadStore implementation storing threads in a
// process local map. It is safe for concurrent access. Each returned thread
// is cloned to prevent external mutation of internal state.
type InMemoryStore struct {
	mu      sync.RWMutex
	threads map[string]*core.Thread
}

// NewInMemoryStore constructs an empty in-memory thread store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{threads: make(map[string]*core.Thread)}
}

// Get returns an existing thread (clone) or core.ErrThreadNotFound.
func (s *InMemoryStore) Get(threadID string) (*core.Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	th, ok := s.threads[threadID]
	if !ok {
		return nil, core.ErrThreadNotFound
	}
	return th.Clone(), nil
}

// Create forces the creation (or overwriting) of a thread with the given id.
func (s *InMemoryStore) Create(threadID string) (*core.Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createLocked(threadID).Clone(), nil
}

// GetOrCreate returns the existing thread or lazily creates it.
func (s *InMemoryStore) GetOrCreate(threadID string) (*core.Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	th, ok := s.threads[threadID]
	if !ok {
		th = s.createLocked(threadID)
	}
	return th.Clone(), nil
}

// AppendMessage adds a message to an existing or lazily created thread.
func (s *InMemoryStore) AppendMessage(threadID string, m core.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	th, ok := s.threads[threadID]
	if !ok {
		th = s.createLocked(threadID)
	}
	th.AppendMessage(m)
	return nil
}

// Truncate drops the message with the given id and everything after it.
func (s *InMemoryStore) Truncate(threadID, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	th, ok := s.threads[threadID]
	if !ok {
		return core.ErrThreadNotFound
	}
	if !th.TruncateAt(messageID) {
		return core.ErrMessageNotFound
	}
	return nil
}

// SetCheckpointStep records the latest checkpoint step for the thread.
func (s *InMemoryStore) SetCheckpointStep(threadID string, step int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	th, ok := s.threads[threadID]
	if !ok {
		th = s.createLocked(threadID)
	}
	th.SetCheckpointStep(step)
	return nil
}

// createLocked allocates and stores a new thread; caller must already hold
// the write lock.
func (s *InMemoryStore) createLocked(threadID string) *core.Thread {
	th := core.NewThread(threadID)
	s.threads[threadID] = th
	return th
}
