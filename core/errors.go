package core

import (
	"errors"
	"fmt"
)

// Registry contract violations. Reported to the caller, non-fatal to the session.
var (
	// ErrDuplicateInterrupt is returned when registering an id that already
	// exists unresolved for the thread.
	ErrDuplicateInterrupt = errors.New("interrupt already registered")
	// ErrInterruptNotFound is returned when no interrupt with the id exists
	// for the thread.
	ErrInterruptNotFound = errors.New("interrupt not found")
	// ErrAlreadyResolved is returned when settling an interrupt that was
	// already resolved.
	ErrAlreadyResolved = errors.New("interrupt already resolved")
	// ErrAlreadyCancelled is returned when settling an interrupt that was
	// already cancelled or timed out.
	ErrAlreadyCancelled = errors.New("interrupt already cancelled")
)

var (
	// ErrCheckpointNotFound is returned by CheckpointStore.Load for threads
	// without a persisted checkpoint.
	ErrCheckpointNotFound = errors.New("checkpoint not found")
	// ErrThreadNotFound is returned by ThreadStore lookups for unknown ids.
	ErrThreadNotFound = errors.New("thread not found")
	// ErrMessageNotFound is returned by retry when the target message id is
	// not part of the thread's history.
	ErrMessageNotFound = errors.New("message not found")
	// ErrInterruptDenied is observed by a suspended step whose interrupt was
	// cancelled or expired; the step should complete gracefully.
	ErrInterruptDenied = errors.New("interrupt denied")
)

// ValidationError rejects a malformed inbound request before it touches the
// orchestrator.
type ValidationError struct {
	Field  string
	Reason string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation: %s", e.Reason)
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// GraphError wraps an unrecoverable execution graph failure. It is never
// retried automatically; the thread remains resumable from its last good
// checkpoint on the next message.
type GraphError struct {
	Err error
}

// Error implements the error interface.
func (e *GraphError) Error() string { return fmt.Sprintf("graph execution: %v", e.Err) }

// Unwrap exposes the underlying cause.
func (e *GraphError) Unwrap() error { return e.Err }

// CheckpointError wraps a checkpoint store failure. The orchestrator retries
// these a bounded number of times with backoff before declaring the driving
// cycle failed.
type CheckpointError struct {
	Op  string
	Err error
}

// Error implements the error interface.
func (e *CheckpointError) Error() string { return fmt.Sprintf("checkpoint %s: %v", e.Op, e.Err) }

// Unwrap exposes the underlying cause.
func (e *CheckpointError) Unwrap() error { return e.Err }
