// Package orchestrator implements the per-thread session state machine that
// drives an execution graph, forwards multiplexed events outward and applies
// resume/cancel decisions against the interrupt registry and checkpoint store.
//
// One logical session exists per thread id at any time; its driving of the
// graph and consumption of the merged event stream is single-threaded
// cooperative. Sessions of different threads run fully in parallel; the only
// shared mutable state is the interrupt registry and the checkpoint store.
//
// The state machine per thread:
//
//	Idle → Driving → Suspended → Driving (resumed) → Completed
//	                                               → Failed
//
// Completed and Failed are terminal until a new message restarts the cycle.
// The checkpoint is persisted before any InterruptRaised or terminal event is
// forwarded outward, so a crash after suspension never loses the ability to
// resume.
package orchestrator
