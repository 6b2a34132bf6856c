// Package testutil provides helpers for constructing scripted graphs and
// collecting event streams in tests.
package testutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/hupe1980/threadflow/core"
)

// DriveFn scripts one driving call of a ScriptedGraph. It emits through the
// Emitter (unbuffered channels, so causal order is preserved at the merge
// point) and returns the drive's terminal result.
type DriveFn func(inv core.Invocation, e *Emitter) core.DriveResult

// ScriptedGraph is a programmable core.Graph for tests. It records every
// invocation it receives.
type ScriptedGraph struct {
	fn DriveFn

	mu          sync.Mutex
	invocations []core.Invocation
}

// NewScriptedGraph constructs a graph whose drives execute fn.
func NewScriptedGraph(fn DriveFn) *ScriptedGraph {
	return &ScriptedGraph{fn: fn}
}

// Invocations returns a copy of all recorded invocations in order.
func (g *ScriptedGraph) Invocations() []core.Invocation {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]core.Invocation(nil), g.invocations...)
}

// Drive implements core.Graph.
func (g *ScriptedGraph) Drive(_ context.Context, inv core.Invocation) (core.StepStreams, <-chan core.DriveResult) {
	g.mu.Lock()
	g.invocations = append(g.invocations, inv)
	g.mu.Unlock()

	e := &Emitter{
		tokens:    make(chan core.TokenChunk),
		snapshots: make(chan core.Snapshot),
		custom:    make(chan core.CustomChunk),
	}
	done := make(chan core.DriveResult, 1)
	go func() {
		res := g.fn(inv, e)
		e.closeAll()
		done <- res
		close(done)
	}()
	return core.StepStreams{Tokens: e.tokens, Snapshots: e.snapshots, Custom: e.custom}, done
}

// Emitter exposes the three graph output streams to a DriveFn.
type Emitter struct {
	tokens    chan core.TokenChunk
	snapshots chan core.Snapshot
	custom    chan core.CustomChunk
}

// Token emits one model output fragment.
func (e *Emitter) Token(content string) { e.tokens <- core.TokenChunk{Content: content} }

// Question emits one interactive question fragment.
func (e *Emitter) Question(content string) { e.custom <- core.CustomChunk{Content: content} }

// Snapshot emits one full-state snapshot.
func (e *Emitter) Snapshot(sn core.Snapshot) { e.snapshots <- sn }

func (e *Emitter) closeAll() {
	close(e.tokens)
	close(e.snapshots)
	close(e.custom)
}

// CollectEvents drains the stream until it closes, failing the test after
// the timeout.
func CollectEvents(t *testing.T, events <-chan core.StreamEvent, timeout time.Duration) []core.StreamEvent {
	t.Helper()
	var out []core.StreamEvent
	deadline := time.After(timeout)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-deadline:
			t.Fatalf("timed out collecting events, got %d so far", len(out))
		}
	}
}

// Kinds maps collected events onto their payload kinds.
func Kinds(events []core.StreamEvent) []core.EventKind {
	out := make([]core.EventKind, len(events))
	for i, ev := range events {
		out[i] = ev.Payload.Kind()
	}
	return out
}

// FindPayload returns the first payload of type T in the events.
func FindPayload[T core.EventPayload](events []core.StreamEvent) (T, bool) {
	for _, ev := range events {
		if p, ok := ev.Payload.(T); ok {
			return p, true
		}
	}
	var zero T
	return zero, false
}

// TextOf concatenates the content of all token fragments in order.
func TextOf(events []core.StreamEvent) string {
	var out string
	for _, ev := range events {
		if tf, ok := ev.Payload.(core.TokenFragment); ok {
			out += tf.Content
		}
	}
	return out
}
