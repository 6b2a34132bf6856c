package core

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Role identifies the author of a message.
type Role string

const (
	// RoleUser marks content authored by the human user.
	RoleUser Role = "user"
	// RoleAssistant marks content produced by the model.
	RoleAssistant Role = "assistant"
	// RoleSystem marks instruction content injected by the application.
	RoleSystem Role = "system"
	// RoleTool marks tool execution results fed back to the model.
	RoleTool Role = "tool"
)

// Block kinds supported by ContentBlock.
const (
	BlockText  = "text"
	BlockImage = "image"
	BlockFile  = "file"
	BlockAudio = "audio"
)

// ContentBlock is one segment of multimodal message content. Data carries the
// payload (plain text, a URL or base64 bytes depending on Kind); MimeType is
// optional and only meaningful for non-text kinds.
type ContentBlock struct {
	Kind     string `json:"kind"`
	Data     string `json:"data"`
	MimeType string `json:"mime_type,omitempty"`
}

// TextBlock is a convenience constructor for the common plain-text block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Kind: BlockText, Data: text}
}

// Validate checks the block for structural problems.
func (b ContentBlock) Validate() error {
	switch b.Kind {
	case BlockText, BlockImage, BlockFile, BlockAudio:
	default:
		return &ValidationError{Field: "kind", Reason: fmt.Sprintf("unknown content block kind %q", b.Kind)}
	}
	if b.Data == "" {
		return &ValidationError{Field: "data", Reason: "content block data must not be empty"}
	}
	return nil
}

// Message is one entry in a thread's ordered history. The ID is the unit of
// addressing for retry/regeneration: a retry targets a message id, truncates
// history at that point and re-runs.
type Message struct {
	ID        string         `json:"id"`
	Role      Role           `json:"role"`
	Blocks    []ContentBlock `json:"blocks"`
	Timestamp time.Time      `json:"timestamp"`
}

// NewMessage creates a message with a fresh id and UTC timestamp.
func NewMessage(role Role, blocks ...ContentBlock) Message {
	return Message{
		ID:        NewID(),
		Role:      role,
		Blocks:    blocks,
		Timestamp: time.Now().UTC(),
	}
}

// Text concatenates all text blocks of the message.
func (m Message) Text() string {
	var out string
	for _, b := range m.Blocks {
		if b.Kind == BlockText {
			out += b.Data
		}
	}
	return out
}

// Validate checks the message and all of its blocks.
func (m Message) Validate() error {
	switch m.Role {
	case RoleUser, RoleAssistant, RoleSystem:
	default:
		return &ValidationError{Field: "role", Reason: fmt.Sprintf("unknown role %q", m.Role)}
	}
	if len(m.Blocks) == 0 {
		return &ValidationError{Field: "blocks", Reason: "message must contain at least one content block"}
	}
	for _, b := range m.Blocks {
		if err := b.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// TruncateMessages returns history up to (not including) the message with the
// given id. The second return reports whether the id was present.
func TruncateMessages(history []Message, messageID string) ([]Message, bool) {
	for i, m := range history {
		if m.ID == messageID {
			kept := make([]Message, i)
			copy(kept, history[:i])
			return kept, true
		}
	}
	return history, false
}

// NewID generates a new unique identifier for threads, messages and events.
func NewID() string { return uuid.NewString() }
