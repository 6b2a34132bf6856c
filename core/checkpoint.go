package core

import (
	"context"
	"encoding/json"
	"time"
)

// Checkpoint is the durable snapshot of a thread's execution state: the
// opaque graph snapshot, the message history and any interrupts that were
// pending at the moment of suspension. Step is a monotonically increasing
// counter; a thread holds exactly one checkpoint which is overwritten each
// step.
//
// Pending interrupts ride inside the checkpoint so that a process restart can
// rehydrate an in-memory interrupt registry from durable state alone.
type Checkpoint struct {
	ThreadID   string            `json:"thread_id"`
	Step       int               `json:"step"`
	Graph      json.RawMessage   `json:"graph,omitempty"`
	Messages   []Message         `json:"messages"`
	Interrupts []InterruptSignal `json:"interrupts,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

// Suspended reports whether the checkpoint was taken at a suspension point.
func (c *Checkpoint) Suspended() bool { return len(c.Interrupts) > 0 }

// Clone deep-copies the checkpoint so callers can diverge safely.
func (c *Checkpoint) Clone() *Checkpoint {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Graph = append(json.RawMessage(nil), c.Graph...)
	cp.Messages = append([]Message(nil), c.Messages...)
	cp.Interrupts = append([]InterruptSignal(nil), c.Interrupts...)
	return &cp
}

// CheckpointStore is the durable key-value collaborator holding the latest
// checkpoint per thread. Implementations must support concurrent access
// keyed by thread id.
type CheckpointStore interface {
	// Load returns the latest checkpoint for the thread or
	// ErrCheckpointNotFound when none exists.
	Load(ctx context.Context, threadID string) (*Checkpoint, error)

	// Save overwrites the thread's checkpoint.
	Save(ctx context.Context, threadID string, cp *Checkpoint) error

	// Delete removes the thread's checkpoint. Missing entries are not an error.
	Delete(ctx context.Context, threadID string) error
}
