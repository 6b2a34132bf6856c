// Package chatgraph provides the reference execution graph: a chat loop that
// alternates model generation and tool execution, streaming tokens as they
// are produced and suspending the whole thread when a tool halts on an
// Interrupt.
//
// Suspension contract: a suspended tool step re-executes from its beginning
// on resume. Tools must therefore sequence externally observable side effects
// strictly after the Interrupt value is obtained; the graph cannot enforce
// this, it can only make re-execution deterministic (the interrupt id is the
// model's tool call id, stable across re-executions).
package chatgraph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hupe1980/threadflow/core"
	"github.com/hupe1980/threadflow/logging"
	"github.com/hupe1980/threadflow/model"
	"github.com/hupe1980/threadflow/tool"
)

// Options configure the chat graph.
type Options struct {
	// Instructions is the system prompt prepended to every model request.
	Instructions string
	// Tools exposed to the model.
	Tools []tool.Tool
	// MaxToolRounds bounds model/tool alternations per drive.
	MaxToolRounds int
	Logger        logging.Logger
}

// Graph drives a model/tool chat loop behind the core.Graph interface.
type Graph struct {
	model        model.Model
	instructions string
	tools        map[string]tool.Tool
	defs         []model.ToolDefinition
	maxRounds    int
	logger       logging.Logger
}

// New constructs a chat graph over the given model.
func New(m model.Model, optFns ...func(o *Options)) *Graph {
	opts := Options{MaxToolRounds: 8, Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}

	tools := make(map[string]tool.Tool, len(opts.Tools))
	defs := make([]model.ToolDefinition, 0, len(opts.Tools))
	for _, t := range opts.Tools {
		tools[t.Name()] = t
		defs = append(defs, model.ToolDefinition{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Parameters(),
		})
	}
	return &Graph{
		model:        m,
		instructions: opts.Instructions,
		tools:        tools,
		defs:         defs,
		maxRounds:    opts.MaxToolRounds,
		logger:       opts.Logger,
	}
}

// state is the serializable execution state embedded in checkpoints. Turns
// carry the full provider-neutral conversation including tool calls and
// results; PendingCalls holds the tool calls of a suspended step and Results
// the outcomes of sibling calls that completed before the suspension, keyed
// by call id so they survive re-execution of the step.
type state struct {
	Turns        []model.Turn                `json:"turns"`
	PendingCalls []model.ToolCall            `json:"pending_calls,omitempty"`
	Results      map[string]model.ToolResult `json:"results,omitempty"`
	Round        int                         `json:"round"`
}

// Drive implements core.Graph. All emission channels are unbuffered so the
// merged stream preserves causal order.
func (g *Graph) Drive(ctx context.Context, inv core.Invocation) (core.StepStreams, <-chan core.DriveResult) {
	tokens := make(chan core.TokenChunk)
	snapshots := make(chan core.Snapshot)
	custom := make(chan core.CustomChunk)
	done := make(chan core.DriveResult, 1)

	go func() {
		defer close(done)
		res := g.drive(ctx, inv, tokens, snapshots, custom)
		close(tokens)
		close(snapshots)
		close(custom)
		done <- res
	}()

	return core.StepStreams{Tokens: tokens, Snapshots: snapshots, Custom: custom}, done
}

func (g *Graph) drive(
	ctx context.Context,
	inv core.Invocation,
	tokens chan<- core.TokenChunk,
	snapshots chan<- core.Snapshot,
	custom chan<- core.CustomChunk,
) core.DriveResult {
	st, step := g.restore(inv)
	messages := append([]core.Message(nil), inv.Messages...)

	var resume map[string]core.ResumeValue
	if inv.Resume != nil {
		resume = inv.Resume.Values
	}

	for {
		if len(st.PendingCalls) > 0 {
			suspended, err := g.runTools(ctx, st, resume, custom)
			if err != nil {
				return core.DriveResult{Err: &core.GraphError{Err: err}}
			}
			if len(suspended) > 0 {
				snapshots <- core.Snapshot{
					Step:       step,
					Values:     map[string]any{"stage": "awaiting_decision", "round": st.Round},
					Interrupts: suspended,
				}
				cp, err := g.checkpoint(inv.ThreadID, step, st, messages, suspended)
				if err != nil {
					return core.DriveResult{Err: &core.GraphError{Err: err}}
				}
				return core.DriveResult{Checkpoint: cp}
			}
			// Resolved values only apply to the step they resumed.
			resume = nil
		}

		if st.Round >= g.maxRounds {
			return core.DriveResult{Err: &core.GraphError{
				Err: fmt.Errorf("tool round limit %d exceeded", g.maxRounds),
			}}
		}
		st.Round++

		final, err := g.generate(ctx, st, tokens)
		if err != nil {
			return core.DriveResult{Err: &core.GraphError{Err: err}}
		}

		if len(final.ToolCalls) > 0 {
			st.Turns = append(st.Turns, model.Turn{
				Role:      core.RoleAssistant,
				Text:      final.Text,
				ToolCalls: final.ToolCalls,
			})
			st.PendingCalls = final.ToolCalls
			continue
		}

		st.Turns = append(st.Turns, model.Turn{Role: core.RoleAssistant, Text: final.Text})
		messages = append(messages, core.NewMessage(core.RoleAssistant, core.TextBlock(final.Text)))
		snapshots <- core.Snapshot{
			Step:   step,
			Values: map[string]any{"stage": "done", "round": st.Round},
		}
		cp, err := g.checkpoint(inv.ThreadID, step, st, messages, nil)
		if err != nil {
			return core.DriveResult{Err: &core.GraphError{Err: err}}
		}
		return core.DriveResult{Checkpoint: cp}
	}
}

// restore rebuilds execution state from the invocation: the embedded graph
// snapshot when present, otherwise fresh turns derived from the message
// history (the retry path rewinds by dropping the snapshot).
func (g *Graph) restore(inv core.Invocation) (*state, int) {
	step := 1
	if inv.Checkpoint != nil {
		step = inv.Checkpoint.Step + 1
	}

	if inv.Checkpoint != nil && len(inv.Checkpoint.Graph) > 0 {
		var st state
		if err := json.Unmarshal(inv.Checkpoint.Graph, &st); err == nil {
			// Messages sent after the snapshot become new user turns.
			for i := countMessages(st.Turns); i < len(inv.Messages); i++ {
				st.Turns = append(st.Turns, model.UserTurn(inv.Messages[i]))
			}
			return &st, step
		}
		g.logger.Warn("graph snapshot unreadable, rebuilding from history", "thread_id", inv.ThreadID)
	}

	st := &state{}
	for _, msg := range inv.Messages {
		st.Turns = append(st.Turns, model.Turn{Role: msg.Role, Text: msg.Text()})
	}
	return st, step
}

// countMessages counts turns that correspond to history messages, skipping
// tool plumbing turns that never surface as messages.
func countMessages(turns []model.Turn) int {
	n := 0
	for _, turn := range turns {
		if turn.Role == core.RoleUser || (turn.Role == core.RoleAssistant && len(turn.ToolCalls) == 0) {
			n++
		}
	}
	return n
}

// runTools executes every pending tool call. It returns the interrupt
// signals of calls that suspended; when none did, the results are appended
// as a tool turn and the pending set is cleared. Results of completed calls
// are recorded in the state so that a suspending sibling never causes them
// to execute twice.
func (g *Graph) runTools(
	ctx context.Context,
	st *state,
	resume map[string]core.ResumeValue,
	custom chan<- core.CustomChunk,
) ([]core.InterruptSignal, error) {
	var suspended []core.InterruptSignal
	var results []model.ToolResult

	record := func(res model.ToolResult) {
		if st.Results == nil {
			st.Results = make(map[string]model.ToolResult)
		}
		st.Results[res.CallID] = res
		results = append(results, res)
	}

	for _, call := range st.PendingCalls {
		if res, ok := st.Results[call.ID]; ok {
			results = append(results, res)
			continue
		}

		impl, ok := g.tools[call.Name]
		if !ok {
			record(model.ToolResult{
				CallID:  call.ID,
				Content: fmt.Sprintf("unknown tool %q", call.Name),
				IsError: true,
			})
			continue
		}

		var args map[string]any
		if len(call.Arguments) > 0 {
			if err := json.Unmarshal(call.Arguments, &args); err != nil {
				record(model.ToolResult{
					CallID:  call.ID,
					Content: fmt.Sprintf("malformed arguments: %v", err),
					IsError: true,
				})
				continue
			}
		}

		callCtx := tool.NewCallContext(ctx, call.ID, resume, func(text string) {
			custom <- core.CustomChunk{Content: text}
		})
		value, err := impl.Call(callCtx, args)
		switch {
		case errors.Is(err, tool.ErrSuspend):
			if sig := callCtx.Pending(); sig != nil {
				suspended = append(suspended, *sig)
			}
		case errors.Is(err, core.ErrInterruptDenied):
			g.logger.Info("tool call denied", "tool", call.Name, "call_id", call.ID)
			record(model.ToolResult{
				CallID:  call.ID,
				Content: "the request was denied",
				IsError: true,
			})
		case err != nil:
			g.logger.Warn("tool call failed", "tool", call.Name, "call_id", call.ID, "error", err)
			record(model.ToolResult{
				CallID:  call.ID,
				Content: err.Error(),
				IsError: true,
			})
		default:
			record(model.ToolResult{
				CallID:  call.ID,
				Content: stringify(value),
			})
		}
	}

	if len(suspended) > 0 {
		return suspended, nil
	}
	st.Turns = append(st.Turns, model.Turn{Role: core.RoleTool, ToolResults: results})
	st.PendingCalls = nil
	st.Results = nil
	return nil, nil
}

// generate runs one streaming model call, forwarding text deltas as token
// chunks and returning the final response.
func (g *Graph) generate(ctx context.Context, st *state, tokens chan<- core.TokenChunk) (model.Response, error) {
	respCh, errCh := g.model.Generate(ctx, model.Request{
		Instructions: g.instructions,
		Turns:        st.Turns,
		Tools:        g.defs,
		Stream:       true,
	})

	var final model.Response
	for resp := range respCh {
		if resp.Partial {
			if resp.Text != "" {
				select {
				case tokens <- core.TokenChunk{Content: resp.Text}:
				case <-ctx.Done():
					return model.Response{}, ctx.Err()
				}
			}
			continue
		}
		final = resp
	}
	if err := <-errCh; err != nil {
		return model.Response{}, fmt.Errorf("model generation: %w", err)
	}
	return final, nil
}

func (g *Graph) checkpoint(
	threadID string,
	step int,
	st *state,
	messages []core.Message,
	interrupts []core.InterruptSignal,
) (*core.Checkpoint, error) {
	raw, err := json.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("marshal graph state: %w", err)
	}
	return &core.Checkpoint{
		ThreadID:   threadID,
		Step:       step,
		Graph:      raw,
		Messages:   messages,
		Interrupts: interrupts,
		CreatedAt:  time.Now().UTC(),
	}, nil
}

func stringify(value any) string {
	switch v := value.(type) {
	case string:
		return v
	default:
		if encoded, err := json.Marshal(v); err == nil {
			return string(encoded)
		}
		return fmt.Sprintf("%v", v)
	}
}
