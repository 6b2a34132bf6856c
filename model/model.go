package model

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hupe1980/threadflow/core"
)

// ToolCall represents a function call request surfaced by a model provider.
// Unified across vendors so graph logic does not need per-provider branching.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolResult carries the outcome of an executed tool call back to the model.
type ToolResult struct {
	CallID  string `json:"call_id"`
	Content string `json:"content"`
	IsError bool   `json:"is_error,omitempty"`
}

// ToolDefinition declaratively exposes a callable function to the model.
// Parameters is a JSON Schema object (draft agnostic, minimal subset expected).
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Turn is one conversation entry in provider-neutral shape. Assistant turns
// may carry tool calls; tool turns carry the matching results.
type Turn struct {
	Role        core.Role    `json:"role"`
	Text        string       `json:"text,omitempty"`
	ToolCalls   []ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []ToolResult `json:"tool_results,omitempty"`
}

// UserTurn builds a user turn from message blocks, flattening text content.
func UserTurn(msg core.Message) Turn {
	return Turn{Role: msg.Role, Text: msg.Text()}
}

// Request captures the normalized model input produced by a graph step.
type Request struct {
	Instructions string           `json:"instructions"`
	Turns        []Turn           `json:"turns"`
	Tools        []ToolDefinition `json:"tools,omitempty"`
	Stream       bool             `json:"stream,omitempty"`
}

// TokenUsage captures token usage statistics for a response.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is a (partial or final) chunk emitted by a streaming model. Partial
// chunks carry text deltas; the final chunk carries accumulated text and any
// complete tool calls.
type Response struct {
	Partial      bool        `json:"partial"`
	Text         string      `json:"text,omitempty"`
	ToolCalls    []ToolCall  `json:"tool_calls,omitempty"`
	FinishReason string      `json:"finish_reason,omitempty"`
	Usage        *TokenUsage `json:"usage,omitempty"`
}

// Info contains metadata about a model implementation.
type Info struct {
	Name          string `json:"name"`
	Provider      string `json:"provider"`
	SupportsTools bool   `json:"supports_tools"`
}

// Model is the minimal interface required by graph steps to drive generation.
type Model interface {
	Generate(ctx context.Context, req Request) (<-chan Response, <-chan error)

	// Info returns information about the model implementation.
	Info() Info
}

// MockModel is a lightweight in-memory Model useful for tests & examples.
type MockModel struct {
	info      Info
	responses map[string]string
	toolCalls map[string][]ToolCall
}

// NewMockModel constructs a MockModel with basic tool support enabled.
func NewMockModel(name, provider string) *MockModel {
	return &MockModel{
		info:      Info{Name: name, Provider: provider, SupportsTools: true},
		responses: make(map[string]string),
		toolCalls: make(map[string][]ToolCall),
	}
}

// AddResponse registers a deterministic canned completion for an input prompt.
func (m *MockModel) AddResponse(prompt, response string) { m.responses[prompt] = response }

// AddToolCalls registers canned tool calls for an input prompt; they are
// attached to the final chunk with finish reason "tool_calls".
func (m *MockModel) AddToolCalls(prompt string, calls ...ToolCall) {
	m.toolCalls[prompt] = calls
}

// Generate implements Model; emits optional streaming char chunks then the
// final response.
func (m *MockModel) Generate(ctx context.Context, req Request) (<-chan Response, <-chan error) {
	respCh := make(chan Response, 16)
	errCh := make(chan error, 1)

	go func() {
		defer close(respCh)
		defer close(errCh)
		if len(req.Turns) == 0 {
			errCh <- fmt.Errorf("no turns provided")
			return
		}

		var inputText string
		for i := len(req.Turns) - 1; i >= 0; i-- {
			if req.Turns[i].Role == core.RoleUser {
				inputText = req.Turns[i].Text
				break
			}
		}

		if calls, ok := m.toolCalls[inputText]; ok {
			respCh <- Response{Partial: false, ToolCalls: calls, FinishReason: "tool_calls"}
			return
		}

		full := m.responses[inputText]
		if full == "" {
			full = fmt.Sprintf("Mock response to: %s", inputText)
		}
		if req.Stream {
			for _, r := range full {
				select {
				case <-ctx.Done():
					errCh <- ctx.Err()
					return
				case respCh <- Response{Partial: true, Text: string(r)}:
				}
			}
		}
		respCh <- Response{Partial: false, Text: full, FinishReason: "stop"}
	}()
	return respCh, errCh
}

// Info implements Model interface.
func (m *MockModel) Info() Info { return m.info }
