package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/hupe1980/threadflow/core"
	"github.com/hupe1980/threadflow/mux"
)

// State is the session state machine position for one thread.
type State string

const (
	// StateIdle is the initial state before any message.
	StateIdle State = "idle"
	// StateDriving means a graph drive is in flight.
	StateDriving State = "driving"
	// StateSuspended means the thread awaits interrupt decisions.
	StateSuspended State = "suspended"
	// StateCompleted is terminal until a new message restarts the cycle.
	StateCompleted State = "completed"
	// StateFailed is terminal until a new message restarts the cycle; the
	// thread remains resumable from its last good checkpoint.
	StateFailed State = "failed"
)

// session is the single logical orchestrator instance for one thread. Its mu
// is acquired by a public operation and released when the driving cycle it
// started has fully ended, serializing same-thread cycles while letting
// different threads run in parallel.
type session struct {
	threadID string
	o        *Orchestrator

	mu      sync.Mutex
	stateMu sync.Mutex
	state   State
}

func (s *session) setState(st State) {
	s.stateMu.Lock()
	s.state = st
	s.stateMu.Unlock()
}

func (s *session) currentState() State {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.state
}

// run starts one driving cycle. The caller must hold s.mu; it is released by
// the consumption goroutine when the cycle ends. Initial invocations and
// resume-with-value invocations share this loop; the only difference is the
// Invocation payload and an optional prelude (e.g. the InterruptResolved
// announcement).
func (s *session) run(ctx context.Context, inv core.Invocation, prelude []core.StreamEvent) <-chan core.StreamEvent {
	s.setState(StateDriving)

	streams, done := s.o.graph.Drive(ctx, inv)
	events, resultCh := mux.Merge(s.threadID, streams, done, func(o *mux.Options) {
		o.BufferSize = s.o.cfg.EventBufferSize
	})

	out := make(chan core.StreamEvent, s.o.cfg.EventBufferSize)
	go func() {
		started := time.Now()
		delivered := 0
		defer close(out)
		defer s.mu.Unlock()

		fwd := &forwarder{ctx: ctx, out: out}
		for _, ev := range prelude {
			if fwd.deliver(ev) {
				delivered++
			}
		}

		// InterruptRaised and terminal events are held back until the
		// checkpoint is durable; everything else streams through immediately.
		var held []core.StreamEvent
		for ev := range events {
			switch ev.Payload.(type) {
			case core.InterruptRaised, core.Complete, core.Failure:
				held = append(held, ev)
			default:
				if fwd.deliver(ev) {
					delivered++
				}
			}
		}
		res := <-resultCh

		if res.Checkpoint != nil {
			if err := s.o.saveCheckpoint(ctx, s.threadID, res.Checkpoint); err != nil {
				s.setState(StateFailed)
				fwd.deliver(core.NewStreamEvent(s.threadID, core.Failure{
					FailureKind: core.FailureCheckpoint,
					Detail:      err.Error(),
				}))
				s.o.logger.Error("drive cycle failed", "thread_id", s.threadID, "duration", time.Since(started), "error", err)
				return
			}
			s.mirrorNewMessages(inv, res.Checkpoint)
		}

		for _, ev := range held {
			if raised, ok := ev.Payload.(core.InterruptRaised); ok {
				if inv.Resume != nil {
					if _, settled := inv.Resume.Values[raised.InterruptID]; settled {
						// A re-executing step re-raised an id whose answer was
						// already fed in; registering it would resurrect a
						// settled interrupt.
						continue
					}
				}
				var deadline *time.Time
				if d := s.o.cfg.InterruptDeadline; d > 0 {
					t := time.Now().UTC().Add(d)
					deadline = &t
				}
				sig := core.InterruptSignal{ID: raised.InterruptID, Prompt: raised.Prompt, Options: raised.Options}
				if err := s.o.registry.Register(s.threadID, sig, deadline); errors.Is(err, core.ErrDuplicateInterrupt) {
					// Re-raised by a resumed drive while still pending; the
					// client already knows about it.
					continue
				}
			}
			if fwd.deliver(ev) {
				delivered++
			}
		}

		switch {
		case res.Err != nil:
			s.setState(StateFailed)
		case res.Suspended():
			s.setState(StateSuspended)
		default:
			s.setState(StateCompleted)
		}
		s.o.logger.Info("drive cycle ended",
			"thread_id", s.threadID,
			"state", string(s.currentState()),
			"events", delivered,
			"duration", time.Since(started),
		)
	}()
	return out
}

// mirrorNewMessages appends messages the drive added beyond the invocation's
// history to the thread store.
func (s *session) mirrorNewMessages(inv core.Invocation, cp *core.Checkpoint) {
	for i := len(inv.Messages); i < len(cp.Messages); i++ {
		if err := s.o.threads.AppendMessage(s.threadID, cp.Messages[i]); err != nil {
			s.o.logger.Warn("history mirror failed", "thread_id", s.threadID, "error", err)
			return
		}
	}
}

// drainDrive runs a drive whose events have no consumer (override denials,
// watchdog expiries), persisting its resulting checkpoint.
func (o *Orchestrator) drainDrive(ctx context.Context, inv core.Invocation) core.DriveResult {
	streams, done := o.graph.Drive(ctx, inv)
	events, resultCh := mux.Merge(inv.ThreadID, streams, done)
	for range events {
	}
	res := <-resultCh
	if res.Checkpoint != nil {
		if err := o.saveCheckpoint(ctx, inv.ThreadID, res.Checkpoint); err != nil {
			o.logger.Error("drain drive checkpoint save failed", "thread_id", inv.ThreadID, "error", err)
		}
	}
	return res
}

// forwarder delivers events until the caller goes away, then keeps draining
// silently: a client disconnect must not destroy orchestrator state, which is
// reconstructed via Replay on reconnect.
type forwarder struct {
	ctx     context.Context
	out     chan<- core.StreamEvent
	dropped bool
}

func (f *forwarder) deliver(ev core.StreamEvent) bool {
	if f.dropped {
		return false
	}
	select {
	case f.out <- ev:
		return true
	case <-f.ctx.Done():
		f.dropped = true
		return false
	}
}
