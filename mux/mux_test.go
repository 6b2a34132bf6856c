package mux

import (
	"errors"
	"testing"
	"time"

	"github.com/hupe1980/threadflow/core"
)

// script runs the given emission sequence on unbuffered channels (preserving
// causal order at the merge point), closes all sources and delivers result.
func script(result core.DriveResult, emit func(tok chan<- core.TokenChunk, snap chan<- core.Snapshot, custom chan<- core.CustomChunk)) (core.StepStreams, <-chan core.DriveResult) {
	tok := make(chan core.TokenChunk)
	snap := make(chan core.Snapshot)
	custom := make(chan core.CustomChunk)
	done := make(chan core.DriveResult, 1)
	go func() {
		defer close(tok)
		defer close(snap)
		defer close(custom)
		if emit != nil {
			emit(tok, snap, custom)
		}
		done <- result
		close(done)
	}()
	return core.StepStreams{Tokens: tok, Snapshots: snap, Custom: custom}, done
}

func collect(t *testing.T, events <-chan core.StreamEvent) []core.StreamEvent {
	t.Helper()
	var out []core.StreamEvent
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("timed out collecting events, got %d so far", len(out))
		}
	}
}

func kinds(events []core.StreamEvent) []core.EventKind {
	out := make([]core.EventKind, len(events))
	for i, ev := range events {
		out[i] = ev.Payload.Kind()
	}
	return out
}

func TestMerge_PreservesCausalOrder(t *testing.T) {
	streams, done := script(core.DriveResult{Checkpoint: &core.Checkpoint{ThreadID: "t1", Step: 1}}, func(tok chan<- core.TokenChunk, snap chan<- core.Snapshot, custom chan<- core.CustomChunk) {
		tok <- core.TokenChunk{Content: "a"}
		custom <- core.CustomChunk{Content: "q"}
		tok <- core.TokenChunk{Content: "b"}
		snap <- core.Snapshot{Step: 1, Values: map[string]any{"n": 1}}
	})

	events, _ := Merge("t1", streams, done)
	got := kinds(collect(t, events))
	want := []core.EventKind{core.KindToken, core.KindQuestion, core.KindToken, core.KindState, core.KindComplete}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("position %d: expected %s, got %s (all: %v)", i, want[i], got[i], got)
		}
	}
}

func TestMerge_SynthesizesInterruptOnce(t *testing.T) {
	sig := core.InterruptSignal{ID: "i1", Prompt: "confirm?", Options: []string{"yes", "no"}}
	cp := &core.Checkpoint{ThreadID: "t1", Step: 1, Interrupts: []core.InterruptSignal{sig}}
	streams, done := script(core.DriveResult{Checkpoint: cp}, func(tok chan<- core.TokenChunk, snap chan<- core.Snapshot, custom chan<- core.CustomChunk) {
		snap <- core.Snapshot{Step: 1, Values: map[string]any{}, Interrupts: []core.InterruptSignal{sig}}
		// Repeated snapshot with the same interrupt must be dropped entirely.
		snap <- core.Snapshot{Step: 1, Values: map[string]any{}, Interrupts: []core.InterruptSignal{sig}}
	})

	events, resultCh := Merge("t1", streams, done)
	got := collect(t, events)
	if len(got) != 2 {
		t.Fatalf("expected [state interrupt_raised], got %v", kinds(got))
	}
	raised, ok := got[1].Payload.(core.InterruptRaised)
	if !ok || raised.InterruptID != "i1" || len(raised.Options) != 2 {
		t.Fatalf("unexpected interrupt event: %+v", got[1].Payload)
	}
	if st := got[0].Payload.(core.StateSnapshot); st.Step != 1 {
		t.Fatalf("unexpected snapshot: %+v", st)
	}

	res := <-resultCh
	if !res.Suspended() {
		t.Fatal("drive result must report suspension")
	}
}

func TestMerge_DropsRepeatedSnapshotsKeepsNewSteps(t *testing.T) {
	streams, done := script(core.DriveResult{Checkpoint: &core.Checkpoint{ThreadID: "t1", Step: 2}}, func(tok chan<- core.TokenChunk, snap chan<- core.Snapshot, custom chan<- core.CustomChunk) {
		snap <- core.Snapshot{Step: 1, Values: map[string]any{"a": 1}}
		snap <- core.Snapshot{Step: 1, Values: map[string]any{"a": 1}}
		snap <- core.Snapshot{Step: 2, Values: map[string]any{"a": 2}}
	})

	events, _ := Merge("t1", streams, done)
	got := kinds(collect(t, events))
	want := []core.EventKind{core.KindState, core.KindState, core.KindComplete}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestMerge_TerminalFailureClassification(t *testing.T) {
	cases := []struct {
		err  error
		kind core.FailureKind
	}{
		{&core.GraphError{Err: errors.New("tool blew up")}, core.FailureGraph},
		{&core.CheckpointError{Op: "save", Err: errors.New("disk gone")}, core.FailureCheckpoint},
		{errors.New("anonymous"), core.FailureGraph},
	}
	for _, c := range cases {
		streams, done := script(core.DriveResult{Err: c.err}, nil)
		events, _ := Merge("t1", streams, done)
		got := collect(t, events)
		if len(got) != 1 {
			t.Fatalf("expected exactly one terminal event, got %v", kinds(got))
		}
		failure := got[0].Payload.(core.Failure)
		if failure.FailureKind != c.kind {
			t.Fatalf("error %v: expected kind %s, got %s", c.err, c.kind, failure.FailureKind)
		}
	}
}

func TestMerge_CompleteEmittedExactlyOnce(t *testing.T) {
	streams, done := script(core.DriveResult{Checkpoint: &core.Checkpoint{ThreadID: "t1"}}, nil)
	events, resultCh := Merge("t1", streams, done)
	got := collect(t, events)
	if len(got) != 1 || got[0].Payload.Kind() != core.KindComplete {
		t.Fatalf("expected single complete event, got %v", kinds(got))
	}
	if res := <-resultCh; res.Err != nil || res.Suspended() {
		t.Fatalf("unexpected drive result: %+v", res)
	}
}
