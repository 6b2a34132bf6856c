// Package core provides the foundational domain types, interfaces and error
// taxonomy used by threadflow. It defines the core abstractions for:
//
//   - Threads (persistent conversation sessions with ordered message history)
//   - StreamEvents (the closed tagged union delivered over a thread's duplex channel)
//   - Interrupts (suspension points awaiting an externally supplied value)
//   - Checkpoints (durable snapshots enabling resume after suspension or failure)
//   - The Graph driving contract consumed by the orchestrator
//   - Pluggable stores for checkpoints and thread history
//
// The package intentionally keeps implementation concerns (persistence,
// multiplexing, orchestration, concrete graphs) out of scope, exposing small
// interfaces to enable custom backends and extensions.
package core
