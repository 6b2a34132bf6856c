package core

import (
	"errors"
	"testing"
)

func TestMessage_ConstructorAndText(t *testing.T) {
	m := NewMessage(RoleUser, TextBlock("hello "), TextBlock("world"))
	if m.ID == "" || m.Role != RoleUser || m.Timestamp.IsZero() {
		t.Fatalf("NewMessage did not initialize fields correctly: %+v", m)
	}
	if m.Text() != "hello world" {
		t.Fatalf("Text() = %q", m.Text())
	}
	if err := m.Validate(); err != nil {
		t.Fatalf("valid message rejected: %v", err)
	}
}

func TestMessage_Validation(t *testing.T) {
	var verr *ValidationError

	bad := NewMessage(Role("robot"), TextBlock("x"))
	if err := bad.Validate(); !errors.As(err, &verr) {
		t.Fatalf("expected validation error for unknown role, got %v", err)
	}

	empty := NewMessage(RoleUser)
	if err := empty.Validate(); !errors.As(err, &verr) {
		t.Fatalf("expected validation error for empty blocks, got %v", err)
	}

	badBlock := NewMessage(RoleUser, ContentBlock{Kind: "video", Data: "x"})
	if err := badBlock.Validate(); !errors.As(err, &verr) {
		t.Fatalf("expected validation error for unknown block kind, got %v", err)
	}

	noData := NewMessage(RoleUser, ContentBlock{Kind: BlockImage})
	if err := noData.Validate(); !errors.As(err, &verr) {
		t.Fatalf("expected validation error for empty data, got %v", err)
	}
}

func TestTruncateMessages(t *testing.T) {
	m1 := NewMessage(RoleUser, TextBlock("one"))
	m2 := NewMessage(RoleAssistant, TextBlock("two"))
	m3 := NewMessage(RoleUser, TextBlock("three"))
	history := []Message{m1, m2, m3}

	kept, found := TruncateMessages(history, m2.ID)
	if !found || len(kept) != 1 || kept[0].ID != m1.ID {
		t.Fatalf("truncate at m2: kept=%v found=%v", kept, found)
	}

	kept, found = TruncateMessages(history, "missing")
	if found || len(kept) != 3 {
		t.Fatalf("truncate at missing id must be a no-op, kept=%d found=%v", len(kept), found)
	}

	// Truncating at the first message empties the history.
	kept, found = TruncateMessages(history, m1.ID)
	if !found || len(kept) != 0 {
		t.Fatalf("truncate at head: kept=%d found=%v", len(kept), found)
	}
}

func TestThread_TruncateAndClone(t *testing.T) {
	th := NewThread("t1")
	m1 := NewMessage(RoleUser, TextBlock("one"))
	m2 := NewMessage(RoleAssistant, TextBlock("two"))
	th.AppendMessage(m1)
	th.AppendMessage(m2)
	th.SetCheckpointStep(2)

	clone := th.Clone()
	clone.AppendMessage(NewMessage(RoleUser, TextBlock("three")))
	if len(th.MessagesCopy()) != 2 {
		t.Fatal("clone mutation leaked into original thread")
	}

	if !th.TruncateAt(m2.ID) {
		t.Fatal("expected truncation to find m2")
	}
	if got := th.MessagesCopy(); len(got) != 1 || got[0].ID != m1.ID {
		t.Fatalf("unexpected history after truncate: %v", got)
	}
	if th.TruncateAt("missing") {
		t.Fatal("truncate with unknown id must report false")
	}
}

func TestCheckpoint_CloneAndSuspended(t *testing.T) {
	cp := &Checkpoint{
		ThreadID:   "t1",
		Step:       3,
		Messages:   []Message{NewMessage(RoleUser, TextBlock("hi"))},
		Interrupts: []InterruptSignal{{ID: "i1", Prompt: "?"}},
	}
	if !cp.Suspended() {
		t.Fatal("checkpoint with pending interrupts must report suspended")
	}
	clone := cp.Clone()
	clone.Interrupts = nil
	clone.Messages = append(clone.Messages, NewMessage(RoleAssistant, TextBlock("yo")))
	if !cp.Suspended() || len(cp.Messages) != 1 {
		t.Fatal("clone mutation leaked into original checkpoint")
	}
	var nilCp *Checkpoint
	if nilCp.Clone() != nil {
		t.Fatal("nil clone must stay nil")
	}
}
