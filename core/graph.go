package core

import "context"

// TokenChunk is one model output fragment from the token stream, annotated
// with the producing node and step for observability.
type TokenChunk struct {
	Content string `json:"content"`
	Node    string `json:"node,omitempty"`
	Step    int    `json:"step"`
}

// CustomChunk is one free-form fragment from the custom stream. Suspending
// steps use it to stream interactive question text ahead of their interrupt.
type CustomChunk struct {
	Content string `json:"content"`
}

// Snapshot is one full-state emission from the snapshot stream. Interrupts
// lists suspension points pending in this state; the multiplexer converts
// previously unseen entries into InterruptRaised events and strips them from
// the delivered StateSnapshot.
type Snapshot struct {
	Step       int               `json:"step"`
	Values     map[string]any    `json:"values"`
	Interrupts []InterruptSignal `json:"interrupts,omitempty"`
}

// StepStreams bundles the three independently advancing lazy sequences a
// driven graph produces. All three channels are closed by the graph when the
// drive ends, after which exactly one DriveResult is delivered.
//
// Ordering contract: graphs that need strict intra-step causal ordering at
// the merge point must emit on unbuffered channels, so each emission blocks
// until the multiplexer has consumed it.
type StepStreams struct {
	Tokens    <-chan TokenChunk
	Snapshots <-chan Snapshot
	Custom    <-chan CustomChunk
}

// DriveResult is the single terminal outcome of one driving call.
type DriveResult struct {
	// Checkpoint is the state to persist. Set on clean completion and on
	// suspension; may be nil when Err is set and no progress was made.
	Checkpoint *Checkpoint
	// Err is non-nil when the drive failed. Graph errors are not retried by
	// the orchestrator; they surface as a terminal Failure event.
	Err error
}

// Suspended reports whether the drive ended at a suspension point.
func (r DriveResult) Suspended() bool {
	return r.Err == nil && r.Checkpoint != nil && r.Checkpoint.Suspended()
}

// Invocation parameterizes one driving call. Initial invocations and
// resume-with-value invocations share this shape; the orchestrator's
// event-consumption loop is identical either way.
type Invocation struct {
	ThreadID string
	// Checkpoint is the state to resume from, nil for a fresh thread. Graphs
	// must be able to rebuild execution state from Messages when the opaque
	// Graph snapshot is absent (retry repositioning relies on this).
	Checkpoint *Checkpoint
	// Messages is the full ordered history including the triggering message.
	Messages []Message
	// Resume carries settled interrupt values when continuing a suspended
	// step; nil for initial invocations and new-message overrides.
	Resume *ResumeCommand
}

// Graph is the execution collaborator driven by the orchestrator: a directed
// sequence of steps (model step, tool step, routing step) that emits three
// lazy sequences while running and may suspend awaiting external input.
//
// Graph-authoring contract: a suspended step restarts from its beginning when
// resumed, so any externally observable side effect (network call, write)
// must be sequenced strictly after the point where the interrupt value is
// obtained, never before. The orchestration core cannot enforce this.
type Graph interface {
	// Drive runs the graph from the invocation until completion or
	// suspension. The returned channels follow the StepStreams contract.
	Drive(ctx context.Context, inv Invocation) (StepStreams, <-chan DriveResult)
}
