package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hupe1980/threadflow/checkpoint/inmemory"
	"github.com/hupe1980/threadflow/core"
	"github.com/hupe1980/threadflow/logging"
	"github.com/hupe1980/threadflow/registry"
	"github.com/hupe1980/threadflow/thread"
)

// Options holds dependency + configuration overrides passed to New().
type Options struct {
	// Config tunes buffering, checkpoint retries and interrupt deadlines.
	Config Config
	// CheckpointStore is the durable snapshot collaborator.
	CheckpointStore core.CheckpointStore
	// ThreadStore mirrors message history for listing and retry addressing.
	ThreadStore core.ThreadStore
	// Registry tracks pending interrupts.
	Registry *registry.Registry
	// Logger receives structured orchestration logs.
	Logger logging.Logger
}

// Orchestrator is the hub resolving one session per thread id and exposing
// the duplex-channel operations of the core. Public methods are safe for
// concurrent use; operations on the same thread are serialized, operations
// on different threads run in parallel.
type Orchestrator struct {
	graph       core.Graph
	cfg         Config
	checkpoints core.CheckpointStore
	threads     core.ThreadStore
	registry    *registry.Registry
	logger      logging.Logger

	mu       sync.Mutex
	sessions map[string]*session
}

// New constructs an Orchestrator driving the given graph, with optional overrides.
func New(graph core.Graph, optFns ...func(o *Options)) *Orchestrator {
	opts := Options{
		Config:          DefaultConfig,
		CheckpointStore: inmemory.New(),
		ThreadStore:     thread.NewInMemoryStore(),
		Registry:        registry.New(),
		Logger:          logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Orchestrator{
		graph:       graph,
		cfg:         opts.Config,
		checkpoints: opts.CheckpointStore,
		threads:     opts.ThreadStore,
		registry:    opts.Registry,
		logger:      opts.Logger,
		sessions:    make(map[string]*session),
	}
}

// Registry exposes the interrupt registry, e.g. for wiring a watchdog.
func (o *Orchestrator) Registry() *registry.Registry { return o.registry }

// SendOptions configure a SendMessage call.
type SendOptions struct {
	// RegenerateMessageID targets an existing message for retry/regeneration:
	// history is truncated at that message and the cycle re-driven, with the
	// provided content substituted when non-empty.
	RegenerateMessageID string
}

// SendMessage starts or continues a driving cycle for the thread. A server
// generated id is assigned when threadID is empty. The returned channel
// delivers the merged event stream for this cycle and is closed when the
// cycle completes, suspends or fails.
//
// A new message while interrupts are pending for the thread cancels all of
// them (feeding the cancellation into the graph so suspended steps complete
// gracefully) before the fresh cycle starts.
func (o *Orchestrator) SendMessage(ctx context.Context, threadID string, blocks []core.ContentBlock, optFns ...func(so *SendOptions)) (string, <-chan core.StreamEvent, error) {
	var so SendOptions
	for _, fn := range optFns {
		fn(&so)
	}
	if so.RegenerateMessageID != "" {
		events, err := o.Retry(ctx, threadID, so.RegenerateMessageID, blocks)
		return threadID, events, err
	}

	if len(blocks) == 0 {
		return "", nil, &core.ValidationError{Field: "content", Reason: "at least one content block is required"}
	}
	for _, b := range blocks {
		if err := b.Validate(); err != nil {
			return "", nil, err
		}
	}
	if threadID == "" {
		threadID = core.NewID()
	}

	sess := o.session(threadID)
	sess.mu.Lock()

	cp, err := o.loadCheckpoint(ctx, threadID)
	if err != nil && !errors.Is(err, core.ErrCheckpointNotFound) {
		sess.mu.Unlock()
		return "", nil, err
	}
	o.rehydrate(threadID, cp)

	// Override during Suspended: settle every pending interrupt as denied and
	// let the suspended step finish before the new message drives.
	if cancelled := o.registry.CancelAll(threadID); len(cancelled) > 0 && cp != nil {
		res := o.drainDrive(ctx, core.Invocation{
			ThreadID:   threadID,
			Checkpoint: cp,
			Messages:   cp.Messages,
			Resume:     o.resumeCommand(threadID),
		})
		if res.Checkpoint != nil {
			cp = res.Checkpoint
		}
	}

	msg := core.NewMessage(core.RoleUser, blocks...)
	if err := o.threads.AppendMessage(threadID, msg); err != nil {
		sess.mu.Unlock()
		return "", nil, fmt.Errorf("append message: %w", err)
	}

	var history []core.Message
	if cp != nil {
		history = cp.Messages
	}
	inv := core.Invocation{
		ThreadID:   threadID,
		Checkpoint: cp,
		Messages:   append(append([]core.Message(nil), history...), msg),
	}
	return threadID, sess.run(ctx, inv, nil), nil
}

// Resume settles a pending interrupt with the supplied value and re-drives
// the graph from the suspension point. Exactly one concurrent caller's value
// is honored; losers receive ErrAlreadyResolved or ErrAlreadyCancelled.
func (o *Orchestrator) Resume(ctx context.Context, threadID, interruptID string, value any) (<-chan core.StreamEvent, error) {
	return o.settle(ctx, threadID, interruptID, value, false)
}

// CancelInterrupt cancels a pending interrupt. The cancellation is still fed
// into the graph as a deny signal so the suspended step completes gracefully.
func (o *Orchestrator) CancelInterrupt(ctx context.Context, threadID, interruptID string) (<-chan core.StreamEvent, error) {
	return o.settle(ctx, threadID, interruptID, nil, true)
}

func (o *Orchestrator) settle(ctx context.Context, threadID, interruptID string, value any, deny bool) (<-chan core.StreamEvent, error) {
	sess := o.session(threadID)
	sess.mu.Lock()

	cp, err := o.loadCheckpoint(ctx, threadID)
	if err != nil {
		sess.mu.Unlock()
		if errors.Is(err, core.ErrCheckpointNotFound) {
			return nil, core.ErrInterruptNotFound
		}
		return nil, err
	}
	o.rehydrate(threadID, cp)

	var settled core.Interrupt
	if deny {
		settled, err = o.registry.Cancel(threadID, interruptID)
	} else {
		settled, err = o.registry.Resolve(threadID, interruptID, value)
	}
	if err != nil {
		sess.mu.Unlock()
		return nil, err
	}

	inv := core.Invocation{
		ThreadID:   threadID,
		Checkpoint: cp,
		Messages:   cp.Messages,
		Resume:     o.resumeCommand(threadID),
	}
	prelude := []core.StreamEvent{
		core.NewStreamEvent(threadID, core.InterruptResolved{InterruptID: interruptID, Value: settled.Resolution}),
	}
	return sess.run(ctx, inv, prelude), nil
}

// Retry truncates the thread's history at the given message id, repositions
// the checkpoint to the state preceding it and re-enters Driving. When blocks
// are non-empty they substitute the truncated message; when empty and the
// target was a user message, its original content is re-sent; when empty and
// the target was an assistant message, the kept history is re-driven as is.
func (o *Orchestrator) Retry(ctx context.Context, threadID, messageID string, blocks []core.ContentBlock) (<-chan core.StreamEvent, error) {
	if threadID == "" {
		return nil, &core.ValidationError{Field: "thread_id", Reason: "thread id is required for retry"}
	}
	sess := o.session(threadID)
	sess.mu.Lock()

	cp, err := o.loadCheckpoint(ctx, threadID)
	if err != nil {
		sess.mu.Unlock()
		if errors.Is(err, core.ErrCheckpointNotFound) {
			return nil, core.ErrMessageNotFound
		}
		return nil, err
	}

	var target *core.Message
	for i := range cp.Messages {
		if cp.Messages[i].ID == messageID {
			target = &cp.Messages[i]
			break
		}
	}
	if target == nil {
		sess.mu.Unlock()
		return nil, core.ErrMessageNotFound
	}
	kept, _ := core.TruncateMessages(cp.Messages, messageID)

	// Pending interrupts belong to steps the rewind abandons; no suspended
	// step survives the rebuild, so they are dropped without a deny drive.
	o.registry.CancelAll(threadID)

	messages := kept
	switch {
	case len(blocks) > 0:
		messages = append(messages, core.NewMessage(core.RoleUser, blocks...))
	case target.Role == core.RoleUser:
		messages = append(messages, core.NewMessage(core.RoleUser, target.Blocks...))
	}

	if err := o.threads.Truncate(threadID, messageID); err != nil && !errors.Is(err, core.ErrThreadNotFound) {
		sess.mu.Unlock()
		return nil, err
	}
	if n := len(messages); n > len(kept) {
		_ = o.threads.AppendMessage(threadID, messages[n-1])
	}

	// The opaque graph snapshot is dropped; graphs rebuild execution state
	// from the truncated history. Step stays monotonic.
	inv := core.Invocation{
		ThreadID: threadID,
		Checkpoint: &core.Checkpoint{
			ThreadID:  threadID,
			Step:      cp.Step,
			Messages:  kept,
			CreatedAt: time.Now().UTC(),
		},
		Messages: messages,
	}
	return sess.run(ctx, inv, nil), nil
}

// PendingInterrupts returns the thread's currently pending interrupts,
// rehydrating the registry from the checkpoint when needed. No state change.
func (o *Orchestrator) PendingInterrupts(ctx context.Context, threadID string) []core.Interrupt {
	if cp, err := o.loadCheckpoint(ctx, threadID); err == nil {
		o.rehydrate(threadID, cp)
	}
	return o.registry.ListPending(threadID)
}

// Replay reconstructs a reconnecting client's view from durable state alone:
// a synthetic StateSnapshot carrying the persisted history followed by one
// InterruptRaised per still-pending interrupt. The channel is closed after
// the burst.
func (o *Orchestrator) Replay(ctx context.Context, threadID string) (<-chan core.StreamEvent, error) {
	cp, err := o.loadCheckpoint(ctx, threadID)
	if err != nil {
		return nil, err
	}
	o.rehydrate(threadID, cp)
	pending := o.registry.ListPending(threadID)

	out := make(chan core.StreamEvent, len(pending)+1)
	out <- core.NewStreamEvent(threadID, core.StateSnapshot{
		Step:   cp.Step,
		Values: map[string]any{"messages": cp.Messages},
	})
	for _, it := range pending {
		out <- core.NewStreamEvent(threadID, core.InterruptRaised{
			InterruptID: it.ID,
			Prompt:      it.Prompt,
			Options:     it.Options,
		})
	}
	close(out)
	return out, nil
}

// ThreadState reports the session state machine position for a thread.
// Threads without a live session are Idle.
func (o *Orchestrator) ThreadState(threadID string) State {
	o.mu.Lock()
	sess, ok := o.sessions[threadID]
	o.mu.Unlock()
	if !ok {
		return StateIdle
	}
	return sess.currentState()
}

// OnExpire feeds a watchdog expiry into the graph as a denial so the
// suspended step completes gracefully. Events of the expiry drive have no
// caller; they are drained and only logged.
func (o *Orchestrator) OnExpire(threadID, interruptID string) {
	go func() {
		ctx := context.Background()
		sess := o.session(threadID)
		sess.mu.Lock()
		defer sess.mu.Unlock()

		cp, err := o.loadCheckpoint(ctx, threadID)
		if err != nil {
			o.logger.Warn("expiry drive skipped, checkpoint unavailable", "thread_id", threadID, "error", err)
			return
		}
		res := o.drainDrive(ctx, core.Invocation{
			ThreadID:   threadID,
			Checkpoint: cp,
			Messages:   cp.Messages,
			Resume:     o.resumeCommand(threadID),
		})
		switch {
		case res.Err != nil:
			o.logger.Error("expiry drive failed", "thread_id", threadID, "interrupt_id", interruptID, "error", res.Err)
			sess.setState(StateFailed)
		case res.Suspended():
			sess.setState(StateSuspended)
		default:
			sess.setState(StateCompleted)
		}
	}()
}

// session returns the per-thread session, creating it lazily.
func (o *Orchestrator) session(threadID string) *session {
	o.mu.Lock()
	defer o.mu.Unlock()
	sess, ok := o.sessions[threadID]
	if !ok {
		sess = &session{threadID: threadID, o: o, state: StateIdle}
		o.sessions[threadID] = sess
	}
	return sess
}

// resumeCommand collects every settled interrupt outcome for the thread. A
// resumed step re-executes from its beginning and must find the values of
// siblings settled in earlier cycles, or it would suspend again on an
// already-answered interrupt.
func (o *Orchestrator) resumeCommand(threadID string) *core.ResumeCommand {
	cmd := core.NewResumeCommand()
	for id, rv := range o.registry.Resolutions(threadID) {
		cmd.Values[id] = rv
	}
	return cmd
}

// rehydrate re-registers interrupts recorded in a suspension checkpoint,
// recovering the in-memory registry after a process restart.
func (o *Orchestrator) rehydrate(threadID string, cp *core.Checkpoint) {
	if cp == nil || !cp.Suspended() {
		return
	}
	o.registry.Rehydrate(threadID, cp.Interrupts)
}

// loadCheckpoint reads the thread's checkpoint, retrying store errors with
// backoff. ErrCheckpointNotFound is returned immediately.
func (o *Orchestrator) loadCheckpoint(ctx context.Context, threadID string) (*core.Checkpoint, error) {
	var err error
	backoff := o.cfg.CheckpointBackoff
	for attempt := 1; attempt <= o.cfg.CheckpointAttempts; attempt++ {
		var cp *core.Checkpoint
		cp, err = o.checkpoints.Load(ctx, threadID)
		if err == nil {
			return cp, nil
		}
		if errors.Is(err, core.ErrCheckpointNotFound) {
			return nil, err
		}
		o.logger.Warn("checkpoint load failed", "thread_id", threadID, "attempt", attempt, "error", err)
		if !sleep(ctx, backoff) {
			break
		}
		backoff *= 2
	}
	return nil, &core.CheckpointError{Op: "load", Err: err}
}

// saveCheckpoint persists the snapshot, retrying with backoff. Persistence
// uses a detached context so a client disconnect never loses resumability.
func (o *Orchestrator) saveCheckpoint(ctx context.Context, threadID string, cp *core.Checkpoint) error {
	saveCtx := context.WithoutCancel(ctx)
	var err error
	backoff := o.cfg.CheckpointBackoff
	for attempt := 1; attempt <= o.cfg.CheckpointAttempts; attempt++ {
		start := time.Now()
		err = o.checkpoints.Save(saveCtx, threadID, cp)
		if err == nil {
			o.logger.Debug("checkpoint saved", "thread_id", threadID, "step", cp.Step, "attempt", attempt, "duration", time.Since(start))
			_ = o.threads.SetCheckpointStep(threadID, cp.Step)
			return nil
		}
		o.logger.Warn("checkpoint save failed", "thread_id", threadID, "step", cp.Step, "attempt", attempt, "error", err)
		if !sleep(saveCtx, backoff) {
			break
		}
		backoff *= 2
	}
	return &core.CheckpointError{Op: "save", Err: err}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
