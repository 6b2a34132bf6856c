// Package registry tracks pending interrupts per thread with atomic
// resolve-once semantics. Resolution must be exactly-once because resuming a
// suspended graph step with a value is not idempotent: feeding it twice would
// double-execute any work done after the suspension point.
package registry

import (
	"sync"
	"time"

	"github.com/hupe1980/threadflow/core"
	"github.com/hupe1980/threadflow/logging"
)

// Registry is a concurrency-safe interrupt tracker keyed by thread id. All
// status transitions for one interrupt id are serialized; concurrent
// resolve/cancel losers observe ErrAlreadyResolved/ErrAlreadyCancelled, never
// a torn state.
type Registry struct {
	mu      sync.Mutex
	threads map[string]map[string]*core.Interrupt
	logger  logging.Logger
}

// Options configure registry construction.
type Options struct {
	Logger logging.Logger
}

// New constructs an empty registry.
func New(optFns ...func(o *Options)) *Registry {
	opts := Options{Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Registry{
		threads: make(map[string]map[string]*core.Interrupt),
		logger:  opts.Logger,
	}
}

// Register inserts a pending interrupt for the thread. Fails with
// ErrDuplicateInterrupt when the id already exists unresolved. A settled
// record may be replaced: a fresh cycle can reuse an id once the suspension
// that owned it is finished (the orchestrator suppresses re-raises of ids
// settled within the current suspension before they reach Register).
func (r *Registry) Register(threadID string, sig core.InterruptSignal, deadline *time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries, ok := r.threads[threadID]
	if !ok {
		entries = make(map[string]*core.Interrupt)
		r.threads[threadID] = entries
	}
	if existing, ok := entries[sig.ID]; ok && existing.Status == core.InterruptPending {
		return core.ErrDuplicateInterrupt
	}
	entries[sig.ID] = &core.Interrupt{
		ID:        sig.ID,
		ThreadID:  threadID,
		Prompt:    sig.Prompt,
		Options:   sig.Options,
		CreatedAt: time.Now().UTC(),
		Deadline:  deadline,
		Status:    core.InterruptPending,
	}
	r.logger.Debug("interrupt registered", "thread_id", threadID, "interrupt_id", sig.ID)
	return nil
}

// Rehydrate re-registers pending interrupts recovered from a checkpoint.
// Ids the registry already tracks are skipped regardless of status, so a
// stale suspension snapshot can never resurrect a settled interrupt. Used
// after a process restart when the in-memory registry is empty but durable
// state knows about a suspension.
func (r *Registry) Rehydrate(threadID string, pending []core.InterruptSignal) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries, ok := r.threads[threadID]
	if !ok {
		entries = make(map[string]*core.Interrupt)
		r.threads[threadID] = entries
	}
	for _, sig := range pending {
		if _, ok := entries[sig.ID]; ok {
			continue
		}
		entries[sig.ID] = &core.Interrupt{
			ID:        sig.ID,
			ThreadID:  threadID,
			Prompt:    sig.Prompt,
			Options:   sig.Options,
			CreatedAt: time.Now().UTC(),
			Status:    core.InterruptPending,
		}
		r.logger.Debug("interrupt rehydrated", "thread_id", threadID, "interrupt_id", sig.ID)
	}
}

// Resolve atomically transitions a pending interrupt to resolved and returns
// the settled record. Fails with ErrInterruptNotFound, ErrAlreadyResolved or
// ErrAlreadyCancelled without mutating state.
func (r *Registry) Resolve(threadID, interruptID string, value any) (core.Interrupt, error) {
	return r.settle(threadID, interruptID, core.InterruptResolvedStatus, value)
}

// Cancel atomically transitions a pending interrupt to cancelled. The caller
// must still feed the cancellation back into the graph as a deny signal so
// the suspended step can complete gracefully.
func (r *Registry) Cancel(threadID, interruptID string) (core.Interrupt, error) {
	return r.settle(threadID, interruptID, core.InterruptCancelled, nil)
}

// Expire behaves like Cancel but tags the terminal record as timed_out for
// observability. Invoked by the deadline watchdog.
func (r *Registry) Expire(threadID, interruptID string) (core.Interrupt, error) {
	return r.settle(threadID, interruptID, core.InterruptTimedOut, nil)
}

func (r *Registry) settle(threadID, interruptID string, status core.InterruptStatus, value any) (core.Interrupt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries, ok := r.threads[threadID]
	if !ok {
		return core.Interrupt{}, core.ErrInterruptNotFound
	}
	entry, ok := entries[interruptID]
	if !ok {
		return core.Interrupt{}, core.ErrInterruptNotFound
	}
	switch entry.Status {
	case core.InterruptPending:
	case core.InterruptResolvedStatus:
		return core.Interrupt{}, core.ErrAlreadyResolved
	default:
		return core.Interrupt{}, core.ErrAlreadyCancelled
	}

	entry.Status = status
	entry.Resolution = value
	r.logger.Debug("interrupt settled", "thread_id", threadID, "interrupt_id", interruptID, "status", string(status))
	return *entry, nil
}

// CancelAll cancels every pending interrupt for the thread and returns the
// cancelled records. Used by the new-message override during suspension.
func (r *Registry) CancelAll(threadID string) []core.Interrupt {
	r.mu.Lock()
	defer r.mu.Unlock()

	var cancelled []core.Interrupt
	for _, entry := range r.threads[threadID] {
		if entry.Status != core.InterruptPending {
			continue
		}
		entry.Status = core.InterruptCancelled
		cancelled = append(cancelled, *entry)
	}
	if len(cancelled) > 0 {
		r.logger.Debug("pending interrupts cancelled by override", "thread_id", threadID, "count", len(cancelled))
	}
	return cancelled
}

// Resolutions returns the settled outcome of every non-pending interrupt for
// the thread: resolved entries carry their value, cancelled and timed-out
// entries a denial. A re-executing step consults these so an interrupt
// answered in an earlier cycle yields its value instead of suspending again.
func (r *Registry) Resolutions(threadID string) map[string]core.ResumeValue {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]core.ResumeValue)
	for id, entry := range r.threads[threadID] {
		switch entry.Status {
		case core.InterruptPending:
		case core.InterruptResolvedStatus:
			out[id] = core.ResumeValue{Value: entry.Resolution}
		default:
			out[id] = core.ResumeValue{Denied: true}
		}
	}
	return out
}

// ListPending returns a snapshot of all pending interrupts for the thread.
func (r *Registry) ListPending(threadID string) []core.Interrupt {
	r.mu.Lock()
	defer r.mu.Unlock()

	var pending []core.Interrupt
	for _, entry := range r.threads[threadID] {
		if entry.Status == core.InterruptPending {
			pending = append(pending, *entry)
		}
	}
	return pending
}

// Get returns the record for an interrupt id regardless of status.
func (r *Registry) Get(threadID, interruptID string) (core.Interrupt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries, ok := r.threads[threadID]
	if !ok {
		return core.Interrupt{}, core.ErrInterruptNotFound
	}
	entry, ok := entries[interruptID]
	if !ok {
		return core.Interrupt{}, core.ErrInterruptNotFound
	}
	return *entry, nil
}

// overdue returns (threadID, interruptID) pairs whose deadline elapsed.
func (r *Registry) overdue(now time.Time) [][2]string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out [][2]string
	for threadID, entries := range r.threads {
		for id, entry := range entries {
			if entry.Status == core.InterruptPending && entry.Deadline != nil && now.After(*entry.Deadline) {
				out = append(out, [2]string{threadID, id})
			}
		}
	}
	return out
}
