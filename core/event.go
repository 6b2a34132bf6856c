package core

import "time"

// EventKind names a StreamEvent payload case. Used by the wire layer and for
// cheap dispatch without a type switch.
type EventKind string

const (
	// KindToken is an incremental model output fragment.
	KindToken EventKind = "token"
	// KindQuestion is a free-form fragment streamed while an interactive
	// question is being produced.
	KindQuestion EventKind = "question"
	// KindState is a full-state snapshot of the driven graph.
	KindState EventKind = "state"
	// KindInterruptRaised announces a newly pending interrupt.
	KindInterruptRaised EventKind = "interrupt_raised"
	// KindInterruptResolved announces the settlement of an interrupt.
	KindInterruptResolved EventKind = "interrupt_resolved"
	// KindComplete terminates a driving cycle that ended cleanly.
	KindComplete EventKind = "complete"
	// KindFailure terminates a driving cycle that ended with an error.
	KindFailure EventKind = "failure"
)

// EventPayload is the closed set of StreamEvent payload cases. Concrete
// payload types implement the unexported marker; no case carries fields
// belonging to another case.
type EventPayload interface {
	isPayload()
	Kind() EventKind
}

// TokenFragment carries an incremental chunk of model output text.
type TokenFragment struct {
	Content string `json:"content"`
}

func (TokenFragment) isPayload() {}

// Kind implements EventPayload.
func (TokenFragment) Kind() EventKind { return KindToken }

// QuestionFragment carries an incremental chunk of interactive question text
// produced by a suspending step before it raises its interrupt.
type QuestionFragment struct {
	Content string `json:"content"`
}

func (QuestionFragment) isPayload() {}

// Kind implements EventPayload.
func (QuestionFragment) Kind() EventKind { return KindQuestion }

// StateSnapshot carries the graph's full state values at a step boundary.
// Interrupt information is stripped before delivery; it surfaces exclusively
// as InterruptRaised events.
type StateSnapshot struct {
	Step   int            `json:"step"`
	Values map[string]any `json:"values"`
}

func (StateSnapshot) isPayload() {}

// Kind implements EventPayload.
func (StateSnapshot) Kind() EventKind { return KindState }

// InterruptRaised announces that the graph suspended awaiting an external
// decision. Options is non-empty when the prompt offers discrete choices.
type InterruptRaised struct {
	InterruptID string   `json:"interrupt_id"`
	Prompt      any      `json:"prompt"`
	Options     []string `json:"options,omitempty"`
}

func (InterruptRaised) isPayload() {}

// Kind implements EventPayload.
func (InterruptRaised) Kind() EventKind { return KindInterruptRaised }

// InterruptResolved announces that a pending interrupt was settled with a value.
type InterruptResolved struct {
	InterruptID string `json:"interrupt_id"`
	Value       any    `json:"value,omitempty"`
}

func (InterruptResolved) isPayload() {}

// Kind implements EventPayload.
func (InterruptResolved) Kind() EventKind { return KindInterruptResolved }

// Complete terminates a driving cycle with no pending interrupts.
type Complete struct{}

func (Complete) isPayload() {}

// Kind implements EventPayload.
func (Complete) Kind() EventKind { return KindComplete }

// FailureKind classifies a terminal Failure event.
type FailureKind string

const (
	// FailureGraph is an unrecoverable execution graph error.
	FailureGraph FailureKind = "graph_error"
	// FailureCheckpoint is a checkpoint store error that exhausted retries.
	FailureCheckpoint FailureKind = "checkpoint_error"
	// FailureInternal covers orchestration errors not attributable to a collaborator.
	FailureInternal FailureKind = "internal"
)

// Failure terminates a driving cycle that ended with an unrecoverable error.
// The thread remains resumable from its last good checkpoint.
type Failure struct {
	FailureKind FailureKind `json:"kind"`
	Detail      string      `json:"detail"`
}

func (Failure) isPayload() {}

// Kind implements EventPayload.
func (Failure) Kind() EventKind { return KindFailure }

// StreamEvent is the unit of delivery on a thread's outbound channel. After
// emission it should be treated as immutable.
type StreamEvent struct {
	ID        string       `json:"id"`
	ThreadID  string       `json:"thread_id"`
	Timestamp time.Time    `json:"timestamp"`
	Payload   EventPayload `json:"payload"`
}

// NewStreamEvent wraps a payload with identity and a UTC timestamp.
func NewStreamEvent(threadID string, payload EventPayload) StreamEvent {
	return StreamEvent{
		ID:        NewID(),
		ThreadID:  threadID,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}

// IsTerminal reports whether the event ends a driving cycle.
func (e StreamEvent) IsTerminal() bool {
	k := e.Payload.Kind()
	return k == KindComplete || k == KindFailure
}
