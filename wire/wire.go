// Package wire maps the orchestration core onto its JSON wire protocol:
// inbound frames decode into a validated request union before the
// orchestrator is ever touched, and every StreamEvent case encodes 1:1 into
// an outbound frame.
package wire

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hupe1980/threadflow/core"
)

// Inbound action names.
const (
	ActionSendMessage     = "send_message"
	ActionResumeInterrupt = "resume_interrupt"
	ActionCancelInterrupt = "cancel_interrupt"
	ActionGetInterrupts   = "get_interrupts"
)

// Outbound event names.
const (
	EventAIToken           = "ai_token"
	EventQuestionToken     = "question_token"
	EventStateUpdate       = "state_update"
	EventInterruptDetected = "interrupt_detected"
	EventInterruptResumed  = "interrupt_resumed"
	EventMessageComplete   = "message_complete"
	EventError             = "error"
	EventInterrupts        = "interrupts"
)

// Request is the closed union of inbound requests. Concrete cases are
// SendMessage, ResumeInterrupt, CancelInterrupt and GetInterrupts.
type Request interface {
	isRequest()
}

// SendMessage starts or continues a driving cycle. When RegenerateMessageID
// is set, history is rewound to that message and the cycle re-driven.
type SendMessage struct {
	ThreadID            string
	Content             []core.ContentBlock
	RegenerateMessageID string
}

// ResumeInterrupt resolves a pending interrupt with a value.
type ResumeInterrupt struct {
	ThreadID    string
	InterruptID string
	Value       any
}

// CancelInterrupt cancels a pending interrupt.
type CancelInterrupt struct {
	ThreadID    string
	InterruptID string
}

// GetInterrupts queries a thread's pending interrupts without state change.
type GetInterrupts struct {
	ThreadID string
}

func (SendMessage) isRequest()     {}
func (ResumeInterrupt) isRequest() {}
func (CancelInterrupt) isRequest() {}
func (GetInterrupts) isRequest()   {}

type envelope struct {
	Action              string              `json:"action"`
	ThreadID            string              `json:"thread_id"`
	Content             []core.ContentBlock `json:"content"`
	RegenerateMessageID string              `json:"regenerate_message_id"`
	InterruptID         string              `json:"interrupt_id"`
	Value               json.RawMessage     `json:"value"`
}

// DecodeRequest parses one inbound frame into its typed request. Malformed
// frames fail with a ValidationError naming the offending field.
func DecodeRequest(data []byte) (Request, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &core.ValidationError{Field: "request", Reason: "malformed JSON: " + err.Error()}
	}

	switch env.Action {
	case ActionSendMessage:
		if len(env.Content) == 0 && env.RegenerateMessageID == "" {
			return nil, &core.ValidationError{Field: "content", Reason: "at least one content block is required"}
		}
		for _, b := range env.Content {
			if err := b.Validate(); err != nil {
				return nil, err
			}
		}
		return SendMessage{
			ThreadID:            env.ThreadID,
			Content:             env.Content,
			RegenerateMessageID: env.RegenerateMessageID,
		}, nil

	case ActionResumeInterrupt:
		if env.ThreadID == "" {
			return nil, &core.ValidationError{Field: "thread_id", Reason: "thread id is required"}
		}
		if env.InterruptID == "" {
			return nil, &core.ValidationError{Field: "interrupt_id", Reason: "interrupt id is required"}
		}
		if len(env.Value) == 0 {
			return nil, &core.ValidationError{Field: "value", Reason: "a resume value is required"}
		}
		var value any
		if err := json.Unmarshal(env.Value, &value); err != nil {
			return nil, &core.ValidationError{Field: "value", Reason: "malformed resume value: " + err.Error()}
		}
		return ResumeInterrupt{ThreadID: env.ThreadID, InterruptID: env.InterruptID, Value: value}, nil

	case ActionCancelInterrupt:
		if env.ThreadID == "" {
			return nil, &core.ValidationError{Field: "thread_id", Reason: "thread id is required"}
		}
		if env.InterruptID == "" {
			return nil, &core.ValidationError{Field: "interrupt_id", Reason: "interrupt id is required"}
		}
		return CancelInterrupt{ThreadID: env.ThreadID, InterruptID: env.InterruptID}, nil

	case ActionGetInterrupts:
		if env.ThreadID == "" {
			return nil, &core.ValidationError{Field: "thread_id", Reason: "thread id is required"}
		}
		return GetInterrupts{ThreadID: env.ThreadID}, nil

	case "":
		return nil, &core.ValidationError{Field: "action", Reason: "action is required"}
	default:
		return nil, &core.ValidationError{Field: "action", Reason: fmt.Sprintf("unknown action %q", env.Action)}
	}
}

// Frame is one outbound wire frame. Fields beyond Event, ThreadID and
// Timestamp are populated per event kind and omitted otherwise.
type Frame struct {
	Event     string    `json:"event"`
	ThreadID  string    `json:"thread_id"`
	Timestamp time.Time `json:"timestamp"`

	Content     string             `json:"content,omitempty"`
	Step        int                `json:"step,omitempty"`
	Values      map[string]any     `json:"values,omitempty"`
	InterruptID string             `json:"interrupt_id,omitempty"`
	Prompt      any                `json:"prompt,omitempty"`
	Options     []string           `json:"options,omitempty"`
	Value       any                `json:"value,omitempty"`
	Kind        string             `json:"kind,omitempty"`
	Detail      string             `json:"detail,omitempty"`
	Interrupts  []InterruptSummary `json:"interrupts,omitempty"`
}

// InterruptSummary is the wire shape of one pending interrupt in an
// interrupts frame.
type InterruptSummary struct {
	InterruptID string     `json:"interrupt_id"`
	Prompt      any        `json:"prompt"`
	Options     []string   `json:"options,omitempty"`
	Deadline    *time.Time `json:"deadline,omitempty"`
}

// EncodeEvent maps one StreamEvent onto its outbound frame.
func EncodeEvent(ev core.StreamEvent) (Frame, error) {
	frame := Frame{ThreadID: ev.ThreadID, Timestamp: ev.Timestamp}

	switch p := ev.Payload.(type) {
	case core.TokenFragment:
		frame.Event = EventAIToken
		frame.Content = p.Content
	case core.QuestionFragment:
		frame.Event = EventQuestionToken
		frame.Content = p.Content
	case core.StateSnapshot:
		frame.Event = EventStateUpdate
		frame.Step = p.Step
		frame.Values = p.Values
	case core.InterruptRaised:
		frame.Event = EventInterruptDetected
		frame.InterruptID = p.InterruptID
		frame.Prompt = p.Prompt
		frame.Options = p.Options
	case core.InterruptResolved:
		frame.Event = EventInterruptResumed
		frame.InterruptID = p.InterruptID
		frame.Value = p.Value
	case core.Complete:
		frame.Event = EventMessageComplete
	case core.Failure:
		frame.Event = EventError
		frame.Kind = string(p.FailureKind)
		frame.Detail = p.Detail
	default:
		return Frame{}, fmt.Errorf("wire: no frame for payload kind %q", ev.Payload.Kind())
	}
	return frame, nil
}

// MarshalEvent encodes one StreamEvent into its JSON frame bytes.
func MarshalEvent(ev core.StreamEvent) ([]byte, error) {
	frame, err := EncodeEvent(ev)
	if err != nil {
		return nil, err
	}
	return json.Marshal(frame)
}

// EncodePending builds the interrupts frame answering a get_interrupts
// request.
func EncodePending(threadID string, pending []core.Interrupt) Frame {
	frame := Frame{Event: EventInterrupts, ThreadID: threadID, Timestamp: time.Now().UTC()}
	for _, it := range pending {
		frame.Interrupts = append(frame.Interrupts, InterruptSummary{
			InterruptID: it.ID,
			Prompt:      it.Prompt,
			Options:     it.Options,
			Deadline:    it.Deadline,
		})
	}
	return frame
}
