package registry

import (
	"context"
	"time"

	"github.com/hupe1980/threadflow/logging"
)

// WatchdogOptions configure the deadline watchdog.
type WatchdogOptions struct {
	// Interval between deadline sweeps.
	Interval time.Duration
	// OnExpire is invoked after an interrupt was successfully expired, so the
	// owning orchestrator can feed the cancellation into the graph.
	OnExpire func(threadID, interruptID string)
	Logger   logging.Logger
}

// Watchdog periodically expires pending interrupts whose deadline elapsed.
// Expiry is observed by callers exactly like an explicit cancel, but the
// terminal record keeps the timed_out status.
type Watchdog struct {
	registry *Registry
	interval time.Duration
	onExpire func(threadID, interruptID string)
	logger   logging.Logger
}

// NewWatchdog constructs a watchdog over the given registry.
func NewWatchdog(r *Registry, optFns ...func(o *WatchdogOptions)) *Watchdog {
	opts := WatchdogOptions{Interval: time.Second, Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Watchdog{registry: r, interval: opts.Interval, onExpire: opts.OnExpire, logger: opts.Logger}
}

// Run sweeps deadlines until the context is cancelled.
func (w *Watchdog) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			w.Sweep(now)
		}
	}
}

// Sweep expires every pending interrupt overdue at the given instant.
// Exported so schedulers and tests can trigger deterministic sweeps.
func (w *Watchdog) Sweep(now time.Time) {
	for _, pair := range w.registry.overdue(now) {
		threadID, interruptID := pair[0], pair[1]
		if _, err := w.registry.Expire(threadID, interruptID); err != nil {
			// Lost the race against an explicit resolve/cancel.
			continue
		}
		w.logger.Info("interrupt expired", "thread_id", threadID, "interrupt_id", interruptID)
		if w.onExpire != nil {
			w.onExpire(threadID, interruptID)
		}
	}
}
