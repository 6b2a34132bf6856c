package core

import "time"

// InterruptStatus is the lifecycle state of an interrupt record.
type InterruptStatus string

const (
	// InterruptPending awaits an external decision.
	InterruptPending InterruptStatus = "pending"
	// InterruptResolvedStatus was settled with a value.
	InterruptResolvedStatus InterruptStatus = "resolved"
	// InterruptCancelled was explicitly denied.
	InterruptCancelled InterruptStatus = "cancelled"
	// InterruptTimedOut was expired by the deadline watchdog. Treated as a
	// cancellation by the graph, kept distinct for observability.
	InterruptTimedOut InterruptStatus = "timed_out"
)

// Settled reports whether the status is terminal.
func (s InterruptStatus) Settled() bool { return s != InterruptPending }

// InterruptSignal is the graph-side announcement of a suspension point. The
// id must be stable across re-execution of the suspended step so a resume
// value can be routed back to the exact call that raised it.
type InterruptSignal struct {
	ID      string   `json:"id"`
	Prompt  any      `json:"prompt"`
	Options []string `json:"options,omitempty"`
}

// Interrupt is the registry-side record of a suspension point. Resolution is
// exactly-once: at most one resolve/cancel/expire attempt mutates Status.
type Interrupt struct {
	ID         string          `json:"id"`
	ThreadID   string          `json:"thread_id"`
	Prompt     any             `json:"prompt"`
	Options    []string        `json:"options,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	Deadline   *time.Time      `json:"deadline,omitempty"`
	Status     InterruptStatus `json:"status"`
	Resolution any             `json:"resolution,omitempty"`
}

// Signal converts the record back into its graph-side announcement form.
func (i Interrupt) Signal() InterruptSignal {
	return InterruptSignal{ID: i.ID, Prompt: i.Prompt, Options: i.Options}
}

// ResumeValue is the settled outcome of one interrupt fed back into the
// graph. Denied marks a cancellation (explicit or by expiry); the suspended
// step receives it as a deny/abort signal so it can complete gracefully.
type ResumeValue struct {
	Value  any  `json:"value,omitempty"`
	Denied bool `json:"denied,omitempty"`
}

// ResumeCommand carries settled interrupt values into a resumed drive,
// keyed by interrupt id.
type ResumeCommand struct {
	Values map[string]ResumeValue `json:"values"`
}

// NewResumeCommand creates an empty resume command.
func NewResumeCommand() *ResumeCommand {
	return &ResumeCommand{Values: make(map[string]ResumeValue)}
}

// WithValue records a resolution value for an interrupt id.
func (c *ResumeCommand) WithValue(interruptID string, value any) *ResumeCommand {
	c.Values[interruptID] = ResumeValue{Value: value}
	return c
}

// WithDenial records a cancellation for an interrupt id.
func (c *ResumeCommand) WithDenial(interruptID string) *ResumeCommand {
	c.Values[interruptID] = ResumeValue{Denied: true}
	return c
}
