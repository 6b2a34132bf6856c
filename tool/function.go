package tool

import (
	"errors"
	"fmt"

	"github.com/hupe1980/threadflow/core"
)

// FunctionTool is a generic adapter that exposes a plain Go function as a tool.
//
// Responsibilities:
//   - Holds a lightweight JSON-Schema-like parameter specification
//   - Checks required arguments before execution
//   - Invokes the wrapped function with a *CallContext giving access to
//     question streaming and Interrupt suspension
//   - Normalizes error handling so callers receive *ToolError with consistent
//     codes: VALIDATION_ERROR for argument mismatches, EXECUTION_ERROR for
//     other failures (custom codes preserved if the function returns
//     *ToolError directly; ErrSuspend and ErrInterruptDenied pass through
//     unwrapped so the graph can act on them)
//
// Concurrency:
//
//	A FunctionTool has no internal mutable state after construction and is
//	safe for concurrent use by multiple goroutines.
type FunctionTool struct {
	// Tool identifier (snake_case recommended)
	name string
	// Human-readable description shown to models
	description string
	// JSON schema describing accepted arguments
	parameters map[string]any
	// User supplied implementation
	fn func(callCtx *CallContext, args map[string]any) (any, error)
}

// NewFunctionTool constructs a FunctionTool from explicit schema and function.
//
// Example:
//
//	bookTool := NewFunctionTool(
//	  "book_table",
//	  "Reserve a restaurant table",
//	  map[string]any{
//	    "type": "object",
//	    "properties": map[string]any{
//	      "seats": map[string]any{"type": "number"},
//	    },
//	    "required": []string{"seats"},
//	  },
//	  func(c *CallContext, args map[string]any) (any, error) {
//	    answer, err := c.Interrupt("Confirm the booking?", "yes", "no")
//	    if err != nil {
//	      return nil, err
//	    }
//	    return fmt.Sprintf("booked for %v: %v", args["seats"], answer), nil
//	  },
//	)
func NewFunctionTool(
	name, description string,
	parameters map[string]any,
	fn func(callCtx *CallContext, args map[string]any) (any, error),
) *FunctionTool {
	return &FunctionTool{
		name:        name,
		description: description,
		parameters:  parameters,
		fn:          fn,
	}
}

// Name returns the unique tool name used in function call declarations and routing.
func (t *FunctionTool) Name() string { return t.name }

// Description returns the short natural language description exposed to models.
func (t *FunctionTool) Description() string { return t.description }

// Parameters returns the (minimal) JSON schema describing expected arguments.
func (t *FunctionTool) Parameters() map[string]any { return t.parameters }

// Call checks required arguments then invokes the underlying function.
//
// Error semantics:
//
//	ErrSuspend / ErrInterruptDenied -> forwarded unchanged for the graph
//	*ToolError (returned directly)  -> forwarded unchanged
//	missing required argument       -> *ToolError{Code: "VALIDATION_ERROR"}
//	other error                     -> *ToolError{Code: "EXECUTION_ERROR"}
func (t *FunctionTool) Call(callCtx *CallContext, args map[string]any) (any, error) {
	if err := t.checkRequired(args); err != nil {
		return nil, err
	}
	result, err := t.fn(callCtx, args)
	if err != nil {
		switch {
		case isPassthrough(err):
			return nil, err
		default:
			return nil, &ToolError{
				Tool:    t.name,
				Message: err.Error(),
				Code:    "EXECUTION_ERROR",
			}
		}
	}
	return result, nil
}

func (t *FunctionTool) checkRequired(args map[string]any) error {
	required, ok := t.parameters["required"].([]string)
	if !ok {
		if anySlice, ok := t.parameters["required"].([]any); ok {
			for _, r := range anySlice {
				if s, ok := r.(string); ok {
					required = append(required, s)
				}
			}
		}
	}
	for _, field := range required {
		if _, ok := args[field]; !ok {
			return &ToolError{
				Tool:    t.name,
				Message: fmt.Sprintf("missing required argument %q", field),
				Code:    "VALIDATION_ERROR",
			}
		}
	}
	return nil
}

func isPassthrough(err error) bool {
	var toolErr *ToolError
	switch {
	case errors.Is(err, ErrSuspend), errors.Is(err, core.ErrInterruptDenied):
		return true
	case errors.As(err, &toolErr):
		return true
	}
	return false
}
