package core

import (
	"sync"
	"time"
)

// Thread is a persistent conversation session: an opaque id, the ordered
// message history and the step counter of its latest checkpoint. It is safe
// for concurrent access.
//
// Contract:
//   - Mutations update the Updated timestamp
//   - MessagesCopy returns a defensive copy
//   - TruncateAt drops the target message and everything after it
type Thread struct {
	ID             string            `json:"id"`
	Messages       []Message         `json:"messages"`
	CheckpointStep int               `json:"checkpoint_step"`
	Created        time.Time         `json:"created"`
	Updated        time.Time         `json:"updated"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	mu             sync.RWMutex
}

// NewThread creates an empty thread with the given id.
func NewThread(id string) *Thread {
	now := time.Now().UTC()
	return &Thread{ID: id, Created: now, Updated: now, Metadata: map[string]string{}}
}

// AppendMessage adds a message to the history.
func (t *Thread) AppendMessage(m Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Messages = append(t.Messages, m)
	t.Updated = time.Now().UTC()
}

// MessagesCopy returns a copy of the history to prevent external mutation.
func (t *Thread) MessagesCopy() []Message {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]Message(nil), t.Messages...)
}

// TruncateAt drops the message with the given id and everything after it.
// Returns false when the id is not present.
func (t *Thread) TruncateAt(messageID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	kept, found := TruncateMessages(t.Messages, messageID)
	if !found {
		return false
	}
	t.Messages = kept
	t.Updated = time.Now().UTC()
	return true
}

// SetCheckpointStep records the step counter of the latest checkpoint.
func (t *Thread) SetCheckpointStep(step int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.CheckpointStep = step
	t.Updated = time.Now().UTC()
}

// Clone deep-copies the thread for safe divergence.
func (t *Thread) Clone() *Thread {
	t.mu.RLock()
	defer t.mu.RUnlock()
	nt := &Thread{
		ID:             t.ID,
		Messages:       append([]Message(nil), t.Messages...),
		CheckpointStep: t.CheckpointStep,
		Created:        t.Created,
		Updated:        t.Updated,
		Metadata:       map[string]string{},
	}
	for k, v := range t.Metadata {
		nt.Metadata[k] = v
	}
	return nt
}

// ThreadStore tracks thread metadata and message history. The orchestrator
// mirrors history here for listing and retry addressing; the checkpoint
// store remains the single source of truth for resumability.
type ThreadStore interface {
	// Get returns an existing thread or ErrThreadNotFound.
	Get(threadID string) (*Thread, error)

	// Create makes an empty thread, overwriting any existing one.
	Create(threadID string) (*Thread, error)

	// GetOrCreate returns the existing thread or lazily creates it.
	GetOrCreate(threadID string) (*Thread, error)

	// AppendMessage adds a message to an existing or lazily created thread.
	AppendMessage(threadID string, m Message) error

	// Truncate drops the message with the given id and everything after it.
	// Returns ErrMessageNotFound when the id is absent.
	Truncate(threadID, messageID string) error

	// SetCheckpointStep records the latest checkpoint step for the thread.
	SetCheckpointStep(threadID string, step int) error
}
