package transferloop

import "time"

// Timer is a cancellable deferred callback handle returned by
// [BasicLoop.CallLater]. Cancel prevents the callback from running, even if
// the deadline has already expired and the callback is queued but not yet
// collected by the loop. Cancel is idempotent.
type Timer interface {
	Cancel()
}

// BasicLoop is the minimum event loop surface the adapter can be built on:
// serialized task submission and deferred callbacks. Loops that additionally
// implement [ReadinessLoop] are used directly; anything else is wrapped in a
// readiness shim at adapter construction (see [NewAdapter]).
//
// Submit schedules fn to run on the loop goroutine. CallLater schedules fn
// after the given delay, also on the loop goroutine. Both may be called from
// any goroutine.
type BasicLoop interface {
	Submit(fn func()) error
	CallLater(d time.Duration, fn func()) (Timer, error)
}

// ReadinessLoop is a loop capable of watching raw socket descriptors. The
// reader/writer callbacks fire on the loop goroutine whenever the descriptor
// is ready in the respective direction, repeatedly, until removed.
//
// At most one reader and one writer callback may be registered per
// descriptor. Removing an unwatched direction returns [ErrFDNotRegistered].
type ReadinessLoop interface {
	BasicLoop
	AddReader(fd int, cb func()) error
	RemoveReader(fd int) error
	AddWriter(fd int, cb func()) error
	RemoveWriter(fd int) error
}

// loopCloser is the optional close hook on a loop. The adapter only invokes
// it for loops it created itself (the readiness shim).
type loopCloser interface {
	Close() error
}

// ensureReadinessLoop returns loop directly when it already supports
// descriptor watches, otherwise wraps it in a [Shim]. The second return
// reports whether a shim was created (and is therefore owned by the caller).
func ensureReadinessLoop(loop BasicLoop) (ReadinessLoop, bool, error) {
	if rl, ok := loop.(ReadinessLoop); ok {
		return rl, false, nil
	}
	shim, err := NewShim(loop)
	if err != nil {
		return nil, false, err
	}
	return shim, true, nil
}
