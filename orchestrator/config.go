package orchestrator

import "time"

// Config defines tuning parameters for session behavior.
type Config struct {
	// EventBufferSize sets the channel buffer size for outbound event
	// delivery. Larger buffers reduce blocking but increase memory usage.
	EventBufferSize int

	// CheckpointAttempts is the total number of tries for a checkpoint store
	// operation before the driving cycle is declared failed. The store is
	// assumed durable-but-slow, so transient errors are worth retrying.
	CheckpointAttempts int

	// CheckpointBackoff is the initial delay between checkpoint retries,
	// doubled after each failed attempt.
	CheckpointBackoff time.Duration

	// InterruptDeadline, when non-zero, is applied to every registered
	// interrupt; the watchdog expires overdue entries. Zero means interrupts
	// wait indefinitely.
	InterruptDeadline time.Duration
}

// DefaultConfig provides production-ready defaults.
var DefaultConfig = Config{
	EventBufferSize:    100,
	CheckpointAttempts: 3,
	CheckpointBackoff:  50 * time.Millisecond,
}
