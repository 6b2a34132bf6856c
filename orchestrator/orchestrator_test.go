package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/threadflow/checkpoint/inmemory"
	"github.com/hupe1980/threadflow/core"
	"github.com/hupe1980/threadflow/internal/testutil"
	"github.com/hupe1980/threadflow/registry"
)

const collectTimeout = 3 * time.Second

// bookingDriveFn scripts a graph that raises interrupt i1 on the first drive
// and settles on resume: resolved values book, denials cancel.
func bookingDriveFn(inv core.Invocation, e *testutil.Emitter) core.DriveResult {
	step := 1
	if inv.Checkpoint != nil {
		step = inv.Checkpoint.Step + 1
	}
	messages := append([]core.Message(nil), inv.Messages...)

	if inv.Resume != nil {
		rv, ok := inv.Resume.Values["i1"]
		if !ok {
			return core.DriveResult{Err: &core.GraphError{Err: errors.New("resume without value for i1")}}
		}
		reply := "Booking cancelled."
		if !rv.Denied {
			reply = fmt.Sprintf("Booked: %v.", rv.Value)
		}
		for _, word := range strings.SplitAfter(reply, " ") {
			e.Token(word)
		}
		messages = append(messages, core.NewMessage(core.RoleAssistant, core.TextBlock(reply)))
		e.Snapshot(core.Snapshot{Step: step, Values: map[string]any{"stage": "done"}})
		return core.DriveResult{Checkpoint: &core.Checkpoint{
			ThreadID: inv.ThreadID, Step: step, Messages: messages, CreatedAt: time.Now().UTC(),
		}}
	}

	e.Token("Let me check availability. ")
	e.Question("Confirm the booking?")
	sig := core.InterruptSignal{ID: "i1", Prompt: "Confirm the booking?", Options: []string{"yes", "no"}}
	e.Snapshot(core.Snapshot{Step: step, Values: map[string]any{"stage": "await_confirmation"}, Interrupts: []core.InterruptSignal{sig}})
	return core.DriveResult{Checkpoint: &core.Checkpoint{
		ThreadID: inv.ThreadID, Step: step, Messages: messages,
		Interrupts: []core.InterruptSignal{sig}, CreatedAt: time.Now().UTC(),
	}}
}

// forkedDriveFn scripts a step that raises two interrupts at once and only
// completes when the resume command answers both. Unanswered ids re-suspend,
// mirroring a step that re-executes from its beginning on every resume.
func forkedDriveFn(inv core.Invocation, e *testutil.Emitter) core.DriveResult {
	step := 1
	if inv.Checkpoint != nil {
		step = inv.Checkpoint.Step + 1
	}
	messages := append([]core.Message(nil), inv.Messages...)

	var open []core.InterruptSignal
	for _, id := range []string{"i1", "i2"} {
		if inv.Resume != nil {
			if _, ok := inv.Resume.Values[id]; ok {
				continue
			}
		}
		open = append(open, core.InterruptSignal{ID: id, Prompt: "Proceed with " + id + "?", Options: []string{"yes", "no"}})
	}
	if len(open) > 0 {
		e.Snapshot(core.Snapshot{Step: step, Values: map[string]any{"stage": "await_confirmation"}, Interrupts: open})
		return core.DriveResult{Checkpoint: &core.Checkpoint{
			ThreadID: inv.ThreadID, Step: step, Messages: messages,
			Interrupts: open, CreatedAt: time.Now().UTC(),
		}}
	}

	reply := fmt.Sprintf("Done: i1=%v i2=%v.", inv.Resume.Values["i1"].Value, inv.Resume.Values["i2"].Value)
	e.Token(reply)
	e.Snapshot(core.Snapshot{Step: step, Values: map[string]any{"stage": "done"}})
	messages = append(messages, core.NewMessage(core.RoleAssistant, core.TextBlock(reply)))
	return core.DriveResult{Checkpoint: &core.Checkpoint{
		ThreadID: inv.ThreadID, Step: step, Messages: messages, CreatedAt: time.Now().UTC(),
	}}
}

// echoDriveFn scripts a graph that answers every user message without interrupts.
func echoDriveFn(inv core.Invocation, e *testutil.Emitter) core.DriveResult {
	step := 1
	if inv.Checkpoint != nil {
		step = inv.Checkpoint.Step + 1
	}
	last := inv.Messages[len(inv.Messages)-1]
	reply := "echo: " + last.Text()
	e.Token(reply)
	e.Snapshot(core.Snapshot{Step: step, Values: map[string]any{"turns": step}})
	messages := append(append([]core.Message(nil), inv.Messages...), core.NewMessage(core.RoleAssistant, core.TextBlock(reply)))
	return core.DriveResult{Checkpoint: &core.Checkpoint{
		ThreadID: inv.ThreadID, Step: step, Messages: messages, CreatedAt: time.Now().UTC(),
	}}
}

func TestOrchestrator_BookingScenario(t *testing.T) {
	ctx := context.Background()
	store := inmemory.New()
	graph := testutil.NewScriptedGraph(bookingDriveFn)
	o := New(graph, func(opts *Options) { opts.CheckpointStore = store })

	threadID, events, err := o.SendMessage(ctx, "", []core.ContentBlock{core.TextBlock("book a table")})
	require.NoError(t, err)
	require.NotEmpty(t, threadID)

	got := testutil.CollectEvents(t, events, collectTimeout)
	assert.Equal(t, []core.EventKind{core.KindToken, core.KindQuestion, core.KindState, core.KindInterruptRaised}, testutil.Kinds(got))

	raised, ok := testutil.FindPayload[core.InterruptRaised](got)
	require.True(t, ok)
	assert.Equal(t, "i1", raised.InterruptID)
	assert.Equal(t, []string{"yes", "no"}, raised.Options)

	assert.Equal(t, StateSuspended, o.ThreadState(threadID))
	require.Len(t, o.PendingInterrupts(ctx, threadID), 1)

	// The checkpoint is durable before the interrupt was announced.
	cp, err := store.Load(ctx, threadID)
	require.NoError(t, err)
	assert.True(t, cp.Suspended())

	resumed, err := o.Resume(ctx, threadID, "i1", "yes")
	require.NoError(t, err)
	got = testutil.CollectEvents(t, resumed, collectTimeout)

	resolved, ok := testutil.FindPayload[core.InterruptResolved](got)
	require.True(t, ok)
	assert.Equal(t, "i1", resolved.InterruptID)
	assert.Equal(t, "yes", resolved.Value)
	assert.Equal(t, core.KindComplete, got[len(got)-1].Payload.Kind())
	assert.Contains(t, testutil.TextOf(got), "Booked: yes.")

	var raisedCount int
	for _, ev := range got {
		if ev.Payload.Kind() == core.KindInterruptRaised {
			raisedCount++
		}
	}
	assert.Zero(t, raisedCount, "no duplicate interrupt on resume")

	assert.Equal(t, StateCompleted, o.ThreadState(threadID))
	assert.Empty(t, o.PendingInterrupts(ctx, threadID))
	assert.Empty(t, o.PendingInterrupts(ctx, threadID), "repeated query stays empty")
}

func TestOrchestrator_SettledInterruptFailsIdempotently(t *testing.T) {
	ctx := context.Background()
	o := New(testutil.NewScriptedGraph(bookingDriveFn))

	threadID, events, err := o.SendMessage(ctx, "", []core.ContentBlock{core.TextBlock("book")})
	require.NoError(t, err)
	testutil.CollectEvents(t, events, collectTimeout)

	resumed, err := o.Resume(ctx, threadID, "i1", "yes")
	require.NoError(t, err)
	testutil.CollectEvents(t, resumed, collectTimeout)

	_, err = o.Resume(ctx, threadID, "i1", "no")
	assert.ErrorIs(t, err, core.ErrAlreadyResolved)
	_, err = o.CancelInterrupt(ctx, threadID, "i1")
	assert.ErrorIs(t, err, core.ErrAlreadyResolved)
	_, err = o.Resume(ctx, threadID, "missing", "x")
	assert.ErrorIs(t, err, core.ErrInterruptNotFound)
}

func TestOrchestrator_ForkedInterruptsResolveOneAtATime(t *testing.T) {
	ctx := context.Background()
	o := New(testutil.NewScriptedGraph(forkedDriveFn))

	threadID, events, err := o.SendMessage(ctx, "", []core.ContentBlock{core.TextBlock("do both things")})
	require.NoError(t, err)
	got := testutil.CollectEvents(t, events, collectTimeout)

	var raisedIDs []string
	for _, ev := range got {
		if raised, ok := ev.Payload.(core.InterruptRaised); ok {
			raisedIDs = append(raisedIDs, raised.InterruptID)
		}
	}
	assert.Equal(t, []string{"i1", "i2"}, raisedIDs)
	require.Len(t, o.PendingInterrupts(ctx, threadID), 2)

	// Answering the first interrupt keeps the thread suspended on the second
	// without re-announcing anything.
	resumed, err := o.Resume(ctx, threadID, "i1", "yes")
	require.NoError(t, err)
	got = testutil.CollectEvents(t, resumed, collectTimeout)
	for _, ev := range got {
		assert.NotEqual(t, core.KindInterruptRaised, ev.Payload.Kind(), "settled sibling must not be re-raised")
	}
	assert.Equal(t, StateSuspended, o.ThreadState(threadID))
	pending := o.PendingInterrupts(ctx, threadID)
	require.Len(t, pending, 1)
	assert.Equal(t, "i2", pending[0].ID)

	// Answering the second completes the step; the re-executed step sees both
	// settled values.
	resumed, err = o.Resume(ctx, threadID, "i2", "yes")
	require.NoError(t, err)
	got = testutil.CollectEvents(t, resumed, collectTimeout)

	assert.Contains(t, testutil.TextOf(got), "Done: i1=yes i2=yes.")
	assert.Equal(t, core.KindComplete, got[len(got)-1].Payload.Kind())
	assert.Equal(t, StateCompleted, o.ThreadState(threadID))
	assert.Empty(t, o.PendingInterrupts(ctx, threadID))

	// The first resolution stayed terminal throughout.
	_, err = o.Resume(ctx, threadID, "i1", "again")
	assert.ErrorIs(t, err, core.ErrAlreadyResolved)
}

func TestOrchestrator_CancelFeedsDenialIntoGraph(t *testing.T) {
	ctx := context.Background()
	o := New(testutil.NewScriptedGraph(bookingDriveFn))

	threadID, events, err := o.SendMessage(ctx, "", []core.ContentBlock{core.TextBlock("book")})
	require.NoError(t, err)
	testutil.CollectEvents(t, events, collectTimeout)

	cancelled, err := o.CancelInterrupt(ctx, threadID, "i1")
	require.NoError(t, err)
	got := testutil.CollectEvents(t, cancelled, collectTimeout)

	assert.Contains(t, testutil.TextOf(got), "Booking cancelled.")
	assert.Equal(t, core.KindComplete, got[len(got)-1].Payload.Kind())
	assert.Equal(t, StateCompleted, o.ThreadState(threadID))
	assert.Empty(t, o.PendingInterrupts(ctx, threadID))
}

func TestOrchestrator_NewMessageOverridesPendingInterrupts(t *testing.T) {
	ctx := context.Background()
	graph := testutil.NewScriptedGraph(bookingDriveFn)
	o := New(graph)

	threadID, events, err := o.SendMessage(ctx, "", []core.ContentBlock{core.TextBlock("book")})
	require.NoError(t, err)
	testutil.CollectEvents(t, events, collectTimeout)
	require.Len(t, o.PendingInterrupts(ctx, threadID), 1)

	_, events, err = o.SendMessage(ctx, threadID, []core.ContentBlock{core.TextBlock("forget it, book again")})
	require.NoError(t, err)
	got := testutil.CollectEvents(t, events, collectTimeout)

	// Fresh cycle raises a fresh interrupt; the overridden one is gone.
	pending := o.PendingInterrupts(ctx, threadID)
	require.Len(t, pending, 1)
	assert.Equal(t, core.KindInterruptRaised, got[len(got)-1].Payload.Kind())

	// Three drives: initial, silent denial, fresh cycle.
	invs := graph.Invocations()
	require.Len(t, invs, 3)
	assert.Nil(t, invs[0].Resume)
	require.NotNil(t, invs[1].Resume)
	assert.True(t, invs[1].Resume.Values["i1"].Denied)
	assert.Nil(t, invs[2].Resume)
}

func TestOrchestrator_RetryWithModifiedContent(t *testing.T) {
	ctx := context.Background()
	store := inmemory.New()
	o := New(testutil.NewScriptedGraph(echoDriveFn), func(opts *Options) { opts.CheckpointStore = store })

	threadID, events, err := o.SendMessage(ctx, "", []core.ContentBlock{core.TextBlock("one")})
	require.NoError(t, err)
	testutil.CollectEvents(t, events, collectTimeout)

	_, events, err = o.SendMessage(ctx, threadID, []core.ContentBlock{core.TextBlock("two")})
	require.NoError(t, err)
	testutil.CollectEvents(t, events, collectTimeout)

	before, err := store.Load(ctx, threadID)
	require.NoError(t, err)
	require.Len(t, before.Messages, 4)
	target := before.Messages[2] // second user message
	require.Equal(t, core.RoleUser, target.Role)

	events, err = o.Retry(ctx, threadID, target.ID, []core.ContentBlock{core.TextBlock("two (modified)")})
	require.NoError(t, err)
	got := testutil.CollectEvents(t, events, collectTimeout)
	assert.Equal(t, "echo: two (modified)", testutil.TextOf(got))

	after, err := store.Load(ctx, threadID)
	require.NoError(t, err)
	require.Len(t, after.Messages, 4)
	// History identical up to (not including) the retried message.
	assert.Equal(t, before.Messages[0].ID, after.Messages[0].ID)
	assert.Equal(t, before.Messages[1].ID, after.Messages[1].ID)
	assert.NotEqual(t, target.ID, after.Messages[2].ID)
	assert.Equal(t, "two (modified)", after.Messages[2].Text())
	assert.Equal(t, "echo: two (modified)", after.Messages[3].Text())
	assert.Greater(t, after.Step, 0)

	_, err = o.Retry(ctx, threadID, "missing", nil)
	assert.ErrorIs(t, err, core.ErrMessageNotFound)
}

func TestOrchestrator_RegenerateWithoutModification(t *testing.T) {
	ctx := context.Background()
	store := inmemory.New()
	o := New(testutil.NewScriptedGraph(echoDriveFn), func(opts *Options) { opts.CheckpointStore = store })

	threadID, events, err := o.SendMessage(ctx, "", []core.ContentBlock{core.TextBlock("hello")})
	require.NoError(t, err)
	testutil.CollectEvents(t, events, collectTimeout)

	cp, err := store.Load(ctx, threadID)
	require.NoError(t, err)
	userMsg := cp.Messages[0]

	// send_message with a regenerate target routes through Retry.
	_, events, err = o.SendMessage(ctx, threadID, nil, func(so *SendOptions) {
		so.RegenerateMessageID = userMsg.ID
	})
	require.NoError(t, err)
	got := testutil.CollectEvents(t, events, collectTimeout)
	assert.Equal(t, "echo: hello", testutil.TextOf(got))

	after, err := store.Load(ctx, threadID)
	require.NoError(t, err)
	require.Len(t, after.Messages, 2)
	assert.Equal(t, "hello", after.Messages[0].Text())
	assert.NotEqual(t, userMsg.ID, after.Messages[0].ID, "regenerated message carries a fresh id")
}

func TestOrchestrator_ReconnectReplaysSuspendedState(t *testing.T) {
	ctx := context.Background()
	store := inmemory.New()
	graph := testutil.NewScriptedGraph(bookingDriveFn)

	o1 := New(graph, func(opts *Options) { opts.CheckpointStore = store })
	threadID, events, err := o1.SendMessage(ctx, "", []core.ContentBlock{core.TextBlock("book")})
	require.NoError(t, err)
	testutil.CollectEvents(t, events, collectTimeout)
	wantPending := o1.PendingInterrupts(ctx, threadID)
	wantCp, err := store.Load(ctx, threadID)
	require.NoError(t, err)

	// Simulated restart: in-memory session and registry state discarded, only
	// the checkpoint store survives.
	o2 := New(graph, func(opts *Options) { opts.CheckpointStore = store })
	replay, err := o2.Replay(ctx, threadID)
	require.NoError(t, err)
	burst := testutil.CollectEvents(t, replay, collectTimeout)

	require.Len(t, burst, 2)
	snapshot := burst[0].Payload.(core.StateSnapshot)
	assert.Equal(t, wantCp.Step, snapshot.Step)
	history := snapshot.Values["messages"].([]core.Message)
	require.Len(t, history, len(wantCp.Messages))
	for i := range history {
		assert.Equal(t, wantCp.Messages[i].ID, history[i].ID)
	}
	raised := burst[1].Payload.(core.InterruptRaised)
	require.Len(t, wantPending, 1)
	assert.Equal(t, wantPending[0].ID, raised.InterruptID)

	gotPending := o2.PendingInterrupts(ctx, threadID)
	require.Len(t, gotPending, 1)
	assert.Equal(t, wantPending[0].ID, gotPending[0].ID)

	// The rehydrated registry accepts the resolution.
	resumed, err := o2.Resume(ctx, threadID, raised.InterruptID, "yes")
	require.NoError(t, err)
	got := testutil.CollectEvents(t, resumed, collectTimeout)
	assert.Equal(t, core.KindComplete, got[len(got)-1].Payload.Kind())
}

func TestOrchestrator_GraphErrorSurfacesAsFailureAndThreadStaysUsable(t *testing.T) {
	ctx := context.Background()
	var fail bool
	fn := func(inv core.Invocation, e *testutil.Emitter) core.DriveResult {
		if fail {
			return core.DriveResult{Err: &core.GraphError{Err: errors.New("model unavailable")}}
		}
		return echoDriveFn(inv, e)
	}
	o := New(testutil.NewScriptedGraph(fn))

	threadID, events, err := o.SendMessage(ctx, "", []core.ContentBlock{core.TextBlock("ok")})
	require.NoError(t, err)
	testutil.CollectEvents(t, events, collectTimeout)

	fail = true
	_, events, err = o.SendMessage(ctx, threadID, []core.ContentBlock{core.TextBlock("boom")})
	require.NoError(t, err)
	got := testutil.CollectEvents(t, events, collectTimeout)
	failure, ok := testutil.FindPayload[core.Failure](got)
	require.True(t, ok)
	assert.Equal(t, core.FailureGraph, failure.FailureKind)
	assert.Equal(t, StateFailed, o.ThreadState(threadID))

	// The next message retries from the last good checkpoint.
	fail = false
	_, events, err = o.SendMessage(ctx, threadID, []core.ContentBlock{core.TextBlock("again")})
	require.NoError(t, err)
	got = testutil.CollectEvents(t, events, collectTimeout)
	assert.Equal(t, "echo: again", testutil.TextOf(got))
	assert.Equal(t, StateCompleted, o.ThreadState(threadID))
}

// flakyStore fails Save a configured number of times before succeeding.
type flakyStore struct {
	core.CheckpointStore
	mu       sync.Mutex
	failures int
}

func (s *flakyStore) Save(ctx context.Context, threadID string, cp *core.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures > 0 {
		s.failures--
		return errors.New("store temporarily unavailable")
	}
	return s.CheckpointStore.Save(ctx, threadID, cp)
}

func TestOrchestrator_CheckpointSaveRetriesThenSucceeds(t *testing.T) {
	ctx := context.Background()
	store := &flakyStore{CheckpointStore: inmemory.New(), failures: 2}
	o := New(testutil.NewScriptedGraph(echoDriveFn), func(opts *Options) {
		opts.CheckpointStore = store
		opts.Config.CheckpointAttempts = 3
		opts.Config.CheckpointBackoff = time.Millisecond
	})

	threadID, events, err := o.SendMessage(ctx, "", []core.ContentBlock{core.TextBlock("hi")})
	require.NoError(t, err)
	got := testutil.CollectEvents(t, events, collectTimeout)
	assert.Equal(t, core.KindComplete, got[len(got)-1].Payload.Kind())

	cp, err := store.Load(ctx, threadID)
	require.NoError(t, err)
	assert.Equal(t, 1, cp.Step)
}

func TestOrchestrator_CheckpointExhaustionFailsCycle(t *testing.T) {
	ctx := context.Background()
	store := &flakyStore{CheckpointStore: inmemory.New(), failures: 10}
	o := New(testutil.NewScriptedGraph(echoDriveFn), func(opts *Options) {
		opts.CheckpointStore = store
		opts.Config.CheckpointAttempts = 2
		opts.Config.CheckpointBackoff = time.Millisecond
	})

	threadID, events, err := o.SendMessage(ctx, "", []core.ContentBlock{core.TextBlock("hi")})
	require.NoError(t, err)
	got := testutil.CollectEvents(t, events, collectTimeout)
	failure, ok := testutil.FindPayload[core.Failure](got)
	require.True(t, ok)
	assert.Equal(t, core.FailureCheckpoint, failure.FailureKind)
	assert.Equal(t, StateFailed, o.ThreadState(threadID))
}

func TestOrchestrator_WatchdogExpiryBehavesLikeCancel(t *testing.T) {
	ctx := context.Background()
	o := New(testutil.NewScriptedGraph(bookingDriveFn), func(opts *Options) {
		opts.Config.InterruptDeadline = 10 * time.Millisecond
	})
	w := registry.NewWatchdog(o.Registry(), func(wo *registry.WatchdogOptions) {
		wo.OnExpire = o.OnExpire
	})

	threadID, events, err := o.SendMessage(ctx, "", []core.ContentBlock{core.TextBlock("book")})
	require.NoError(t, err)
	testutil.CollectEvents(t, events, collectTimeout)
	require.Len(t, o.PendingInterrupts(ctx, threadID), 1)

	w.Sweep(time.Now().UTC().Add(time.Minute))

	got, err := o.Registry().Get(threadID, "i1")
	require.NoError(t, err)
	assert.Equal(t, core.InterruptTimedOut, got.Status)

	_, err = o.Resume(ctx, threadID, "i1", "too late")
	assert.ErrorIs(t, err, core.ErrAlreadyCancelled)

	// The denial drive completes the suspended step in the background.
	require.Eventually(t, func() bool {
		return o.ThreadState(threadID) == StateCompleted
	}, collectTimeout, 10*time.Millisecond)
}

func TestOrchestrator_SendMessageValidation(t *testing.T) {
	ctx := context.Background()
	o := New(testutil.NewScriptedGraph(echoDriveFn))

	var verr *core.ValidationError
	_, _, err := o.SendMessage(ctx, "", nil)
	require.Error(t, err)
	assert.ErrorAs(t, err, &verr)

	_, _, err = o.SendMessage(ctx, "", []core.ContentBlock{{Kind: "hologram", Data: "x"}})
	require.Error(t, err)
	assert.ErrorAs(t, err, &verr)
}

func TestOrchestrator_ThreadsRunIndependently(t *testing.T) {
	ctx := context.Background()
	o := New(testutil.NewScriptedGraph(bookingDriveFn))

	t1, ev1, err := o.SendMessage(ctx, "", []core.ContentBlock{core.TextBlock("book a")})
	require.NoError(t, err)
	t2, ev2, err := o.SendMessage(ctx, "", []core.ContentBlock{core.TextBlock("book b")})
	require.NoError(t, err)
	testutil.CollectEvents(t, ev1, collectTimeout)
	testutil.CollectEvents(t, ev2, collectTimeout)

	require.NotEqual(t, t1, t2)
	assert.Len(t, o.PendingInterrupts(ctx, t1), 1)
	assert.Len(t, o.PendingInterrupts(ctx, t2), 1)

	resumed, err := o.Resume(ctx, t1, "i1", "yes")
	require.NoError(t, err)
	testutil.CollectEvents(t, resumed, collectTimeout)

	assert.Empty(t, o.PendingInterrupts(ctx, t1))
	assert.Len(t, o.PendingInterrupts(ctx, t2), 1, "other thread's interrupt untouched")
}
