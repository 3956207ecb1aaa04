// Package fake provides deterministic test doubles for the transferloop
// package: a scripted in-memory [Engine] whose callbacks and completion
// queue are driven explicitly, and a manual [Loop] whose timers and
// readiness callbacks fire only when the test says so.
//
// Nothing in this package performs real I/O.
package fake
