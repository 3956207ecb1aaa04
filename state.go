package transferloop

import "sync/atomic"

// LoopState is the lifecycle state of a [RunLoop].
//
// Transitions:
//
//	StateAwake → StateRunning            [Run]
//	StateRunning ↔ StateSleeping         [poll, via CAS]
//	StateRunning/Sleeping → StateTerminating [Close/Shutdown]
//	StateAwake → StateTerminated         [Close before Run]
//	StateTerminating → StateTerminated   [shutdown complete]
//
// Temporary states (Running, Sleeping) are only ever entered via CAS;
// Terminated is stored unconditionally once shutdown completes.
type LoopState uint32

const (
	// StateAwake indicates the loop has been created but not started.
	StateAwake LoopState = iota
	// StateTerminated indicates the loop has fully shut down.
	StateTerminated
	// StateSleeping indicates the loop is blocked in poll.
	StateSleeping
	// StateRunning indicates the loop is actively processing work.
	StateRunning
	// StateTerminating indicates shutdown has been requested.
	StateTerminating
)

// String returns a human-readable representation of the state.
func (s LoopState) String() string {
	switch s {
	case StateAwake:
		return "Awake"
	case StateRunning:
		return "Running"
	case StateSleeping:
		return "Sleeping"
	case StateTerminating:
		return "Terminating"
	case StateTerminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

// loopState is a lock-free state machine over [LoopState].
type loopState struct {
	v atomic.Uint32
}

func (s *loopState) Load() LoopState {
	return LoopState(s.v.Load())
}

func (s *loopState) Store(state LoopState) {
	s.v.Store(uint32(state))
}

// TryTransition attempts an atomic transition, reporting success.
func (s *loopState) TryTransition(from, to LoopState) bool {
	return s.v.CompareAndSwap(uint32(from), uint32(to))
}
