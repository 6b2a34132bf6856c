// Package mux merges the three independently advancing streams produced by a
// driven graph (tokens, snapshots, custom fragments) into a single ordered
// sequence of StreamEvents. It is the only place that decides whether an
// emission is worth delivering: duplicate snapshots carrying no new interrupt
// information are dropped, and each distinct interrupt id is announced at
// most once.
package mux

import (
	"errors"

	"github.com/hupe1980/threadflow/core"
)

// Options configures a merge.
type Options struct {
	// BufferSize sets the outbound channel buffer. Larger buffers reduce
	// blocking but weaken backpressure onto the graph.
	BufferSize int
}

// Merge fans the three source streams into one event sequence for the given
// thread. Whichever source yields next is forwarded immediately; this is a
// fan-in, not a zip. When a snapshot carries previously unseen interrupts the
// merge synthesizes one InterruptRaised event per new interrupt and strips
// the interrupt payload from the forwarded StateSnapshot.
//
// After all three sources close, the single DriveResult is read: exactly one
// terminal event is emitted: Failure on error, Complete on a clean
// non-suspended end, nothing on suspension (the InterruptRaised events are
// the suspension signal). The same DriveResult is then forwarded on the
// returned result channel so the caller can persist the checkpoint.
func Merge(threadID string, streams core.StepStreams, done <-chan core.DriveResult, optFns ...func(o *Options)) (<-chan core.StreamEvent, <-chan core.DriveResult) {
	opts := Options{BufferSize: 64}
	for _, fn := range optFns {
		fn(&opts)
	}

	out := make(chan core.StreamEvent, opts.BufferSize)
	resultCh := make(chan core.DriveResult, 1)

	go func() {
		defer close(resultCh)
		defer close(out)

		m := &merger{threadID: threadID, out: out, seen: make(map[string]bool), lastStep: -1}

		tokens, snapshots, custom := streams.Tokens, streams.Snapshots, streams.Custom
		for tokens != nil || snapshots != nil || custom != nil {
			select {
			case tc, ok := <-tokens:
				if !ok {
					tokens = nil
					continue
				}
				m.emit(core.TokenFragment{Content: tc.Content})
			case sn, ok := <-snapshots:
				if !ok {
					snapshots = nil
					continue
				}
				m.snapshot(sn)
			case cc, ok := <-custom:
				if !ok {
					custom = nil
					continue
				}
				m.emit(core.QuestionFragment{Content: cc.Content})
			}
		}

		res := <-done
		switch {
		case res.Err != nil:
			m.emit(core.Failure{FailureKind: classify(res.Err), Detail: res.Err.Error()})
		case !res.Suspended():
			m.emit(core.Complete{})
		}
		resultCh <- res
	}()

	return out, resultCh
}

type merger struct {
	threadID string
	out      chan<- core.StreamEvent
	seen     map[string]bool
	lastStep int
}

func (m *merger) emit(p core.EventPayload) {
	m.out <- core.NewStreamEvent(m.threadID, p)
}

// snapshot forwards a state emission, announcing new interrupts exactly once
// and dropping repeats that add no interrupt information.
func (m *merger) snapshot(sn core.Snapshot) {
	var fresh []core.InterruptSignal
	for _, sig := range sn.Interrupts {
		if !m.seen[sig.ID] {
			fresh = append(fresh, sig)
		}
	}
	if len(fresh) == 0 && sn.Step == m.lastStep {
		return
	}
	m.lastStep = sn.Step

	// Interrupt payloads surface exclusively as InterruptRaised events; the
	// snapshot is delivered without them so nothing arrives twice.
	m.emit(core.StateSnapshot{Step: sn.Step, Values: sn.Values})
	for _, sig := range fresh {
		m.seen[sig.ID] = true
		m.emit(core.InterruptRaised{InterruptID: sig.ID, Prompt: sig.Prompt, Options: sig.Options})
	}
}

func classify(err error) core.FailureKind {
	var cpErr *core.CheckpointError
	if errors.As(err, &cpErr) {
		return core.FailureCheckpoint
	}
	return core.FailureGraph
}
