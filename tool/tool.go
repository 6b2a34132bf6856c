// Package tool implements the function / tool calling subsystem that lets
// graph steps invoke structured capabilities (APIs, computations, side
// effects) with consistent error handling and rich metadata for LLM guidance.
//
// Tools run inside a suspendable graph step: through their CallContext they
// can stream question text to the client and halt the whole thread on an
// Interrupt awaiting an externally supplied value.
package tool

import (
	"context"
	"errors"
	"fmt"

	"github.com/hupe1980/threadflow/core"
)

// Tool defines the interface for extending graph capabilities with external functions.
//
// Tool implementations should:
//   - Provide clear, descriptive names and descriptions
//   - Define proper JSON schema for parameters
//   - Handle errors gracefully
//   - Be thread-safe if used concurrently
//   - Sequence externally observable side effects strictly after any
//     Interrupt value is obtained, never before: a suspended step re-executes
//     from its beginning on resume
type Tool interface {
	// Name returns the unique identifier for this tool.
	// Names should be descriptive and follow function naming conventions (snake_case recommended).
	Name() string

	// Description returns a human-readable description of what this tool does.
	// This description is provided to the LLM to help it understand when and how to use the tool.
	Description() string

	// Parameters returns a JSON schema describing the expected input format.
	Parameters() map[string]any

	// Call executes the tool with structured arguments and a CallContext.
	Call(callCtx *CallContext, args map[string]any) (any, error)
}

// ErrSuspend signals that a tool halted on an Interrupt awaiting an external
// decision. The driving graph translates it into a thread suspension; it is
// never surfaced to API callers.
var ErrSuspend = errors.New("tool awaiting external decision")

// CallContext carries per-call facilities into a tool execution: the call
// identity, resolved interrupt values from a resume, and a sink for streaming
// question text to the client.
type CallContext struct {
	ctx    context.Context
	callID string
	resume map[string]core.ResumeValue
	write  func(text string)

	pending *core.InterruptSignal
}

// NewCallContext builds the context for one tool call. resume carries the
// settled interrupt values of a resumed drive, keyed by interrupt id; write
// receives streamed question text (may be nil).
func NewCallContext(ctx context.Context, callID string, resume map[string]core.ResumeValue, write func(text string)) *CallContext {
	return &CallContext{ctx: ctx, callID: callID, resume: resume, write: write}
}

// Context returns the context of the driving cycle.
func (c *CallContext) Context() context.Context { return c.ctx }

// CallID returns the id of the model tool call being executed. It doubles as
// the interrupt id, making suspension deterministic across re-executions.
func (c *CallContext) CallID() string { return c.callID }

// Write streams one chunk of question text to the client. Safe to call
// before Interrupt to narrate the decision being requested.
func (c *CallContext) Write(text string) {
	if c.write != nil {
		c.write(text)
	}
}

// Interrupt halts the thread until an external caller supplies a value.
//
// On first execution it records the pending interrupt and fails with
// ErrSuspend; the graph persists a checkpoint and suspends the thread. On
// the resumed re-execution the same call returns the resolved value.
// Cancelled or timed-out interrupts surface as ErrInterruptDenied.
func (c *CallContext) Interrupt(prompt any, options ...string) (any, error) {
	if rv, ok := c.resume[c.callID]; ok {
		if rv.Denied {
			return nil, core.ErrInterruptDenied
		}
		return rv.Value, nil
	}
	c.pending = &core.InterruptSignal{ID: c.callID, Prompt: prompt, Options: options}
	return nil, ErrSuspend
}

// Pending returns the interrupt recorded by a suspended Interrupt call, or
// nil when the call ran to completion.
func (c *CallContext) Pending() *core.InterruptSignal { return c.pending }

// ToolError represents errors that occur during tool execution.
type ToolError struct {
	Tool    string `json:"tool"`              // Name of the tool that failed
	Message string `json:"message"`           // Error message
	Code    string `json:"code"`              // Error code for categorization
	Details any    `json:"details,omitempty"` // Additional error details
}

func (e *ToolError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("tool error [%s] in %s: %s", e.Code, e.Tool, e.Message)
	}
	return fmt.Sprintf("tool error in %s: %s", e.Tool, e.Message)
}

// NewToolError creates a new ToolError with the specified details.
func NewToolError(tool, message, code string) *ToolError {
	return &ToolError{
		Tool:    tool,
		Message: message,
		Code:    code,
	}
}
