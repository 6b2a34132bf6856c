// Package threadflow provides a high-level façade over the streaming
// orchestration core: per-thread driving cycles over a suspendable execution
// graph, exactly-once interrupt resolution, checkpoint-based resume and
// reconnect replay. Most applications interact with this package by:
//  1. Creating a ThreadFlow via New() over a core.Graph (optionally
//     overriding the default in-memory stores)
//  2. Sending messages asynchronously (SendMessage) or synchronously
//     (SendMessageSync)
//  3. Resolving the interrupts the graph raises (Resume, CancelInterrupt)
//
// The façade delegates orchestration to orchestrator.Orchestrator while
// keeping setup and usage ergonomics concise. All defaults are safe for
// local development and testing; production deployments typically supply a
// durable checkpoint store and a structured logger.
package threadflow

import (
	"context"
	"time"

	"github.com/hupe1980/threadflow/core"
	"github.com/hupe1980/threadflow/logging"
	"github.com/hupe1980/threadflow/orchestrator"
	"github.com/hupe1980/threadflow/registry"
)

// Options configures the ThreadFlow instance.
type Options struct {
	// Orchestrator configuration (buffers, checkpoint retries, deadlines)
	Config orchestrator.Config

	// WatchdogInterval is the period between interrupt deadline sweeps. Only
	// effective when Config.InterruptDeadline is non-zero.
	WatchdogInterval time.Duration

	// Stores (default to in-memory implementations if not provided)
	CheckpointStore core.CheckpointStore
	ThreadStore     core.ThreadStore

	// Logger (defaults to NoOp logger if nil)
	Logger logging.Logger
}

// ThreadFlow is the high-level façade aggregating the orchestrator and its
// interrupt watchdog.
type ThreadFlow struct {
	opts         Options
	orchestrator *orchestrator.Orchestrator
	watchdog     *registry.Watchdog
}

// New creates a ThreadFlow driving the given graph, with optional overrides.
// Any unset store is initialized with an in-memory implementation.
func New(graph core.Graph, optFns ...func(o *Options)) *ThreadFlow {
	opts := Options{
		Config:           orchestrator.DefaultConfig,
		WatchdogInterval: time.Second,
		Logger:           logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	o := orchestrator.New(graph, func(oo *orchestrator.Options) {
		oo.Config = opts.Config
		if opts.CheckpointStore != nil {
			oo.CheckpointStore = opts.CheckpointStore
		}
		if opts.ThreadStore != nil {
			oo.ThreadStore = opts.ThreadStore
		}
		oo.Logger = opts.Logger
	})

	tf := &ThreadFlow{opts: opts, orchestrator: o}
	if opts.Config.InterruptDeadline > 0 {
		tf.watchdog = registry.NewWatchdog(o.Registry(), func(wo *registry.WatchdogOptions) {
			wo.Interval = opts.WatchdogInterval
			wo.OnExpire = o.OnExpire
			wo.Logger = opts.Logger
		})
	}
	return tf
}

// Run starts background maintenance (the interrupt deadline watchdog) until
// the context is cancelled. It is a no-op when no deadline is configured.
func (tf *ThreadFlow) Run(ctx context.Context) {
	if tf.watchdog != nil {
		tf.watchdog.Run(ctx)
	}
}

// SendMessage starts or continues a driving cycle. A server generated thread
// id is assigned when threadID is empty. The returned channel delivers the
// merged event stream for this cycle and closes when the cycle completes,
// suspends or fails.
func (tf *ThreadFlow) SendMessage(ctx context.Context, threadID string, blocks []core.ContentBlock, optFns ...func(so *orchestrator.SendOptions)) (string, <-chan core.StreamEvent, error) {
	return tf.orchestrator.SendMessage(ctx, threadID, blocks, optFns...)
}

// SendMessageSync is a synchronous helper that drains the event stream and
// returns the collected events along with the thread id.
func (tf *ThreadFlow) SendMessageSync(ctx context.Context, threadID string, blocks []core.ContentBlock, optFns ...func(so *orchestrator.SendOptions)) (string, []core.StreamEvent, error) {
	threadID, eventsCh, err := tf.orchestrator.SendMessage(ctx, threadID, blocks, optFns...)
	if err != nil {
		return "", nil, err
	}

	var events []core.StreamEvent
	for {
		select {
		case <-ctx.Done():
			// Context cancelled - return events collected so far
			return threadID, events, ctx.Err()
		case ev, ok := <-eventsCh:
			if !ok {
				return threadID, events, nil
			}
			events = append(events, ev)
		}
	}
}

// Resume settles a pending interrupt with the supplied value and re-drives
// the thread from its suspension point.
func (tf *ThreadFlow) Resume(ctx context.Context, threadID, interruptID string, value any) (<-chan core.StreamEvent, error) {
	return tf.orchestrator.Resume(ctx, threadID, interruptID, value)
}

// CancelInterrupt cancels a pending interrupt, feeding the denial into the
// graph so the suspended step completes gracefully.
func (tf *ThreadFlow) CancelInterrupt(ctx context.Context, threadID, interruptID string) (<-chan core.StreamEvent, error) {
	return tf.orchestrator.CancelInterrupt(ctx, threadID, interruptID)
}

// Retry rewinds the thread's history to the given message id and re-drives
// the cycle, substituting blocks for the original content when non-empty.
func (tf *ThreadFlow) Retry(ctx context.Context, threadID, messageID string, blocks []core.ContentBlock) (<-chan core.StreamEvent, error) {
	return tf.orchestrator.Retry(ctx, threadID, messageID, blocks)
}

// PendingInterrupts returns the thread's currently pending interrupts.
func (tf *ThreadFlow) PendingInterrupts(ctx context.Context, threadID string) []core.Interrupt {
	return tf.orchestrator.PendingInterrupts(ctx, threadID)
}

// Replay reconstructs a reconnecting client's view of the thread from
// durable state: the persisted history plus one InterruptRaised per pending
// interrupt.
func (tf *ThreadFlow) Replay(ctx context.Context, threadID string) (<-chan core.StreamEvent, error) {
	return tf.orchestrator.Replay(ctx, threadID)
}

// ThreadState reports the session state machine position for a thread.
func (tf *ThreadFlow) ThreadState(threadID string) orchestrator.State {
	return tf.orchestrator.ThreadState(threadID)
}
