package transferloop

// This file defines the boundary with the native multi-transfer engine. The
// engine is treated as a fixed, version-stable contract: it performs the
// actual network/TLS I/O for many concurrent transfers, and reports socket
// and timer interest back through callbacks installed via the Set* methods.
//
// The constants mirror the engine's wire values and must not be renumbered.

// EngineHandle identifies a single transfer inside the engine. It is opaque
// to this package; the engine allocates it and the adapter only ever passes
// it back verbatim.
type EngineHandle uintptr

// Socket interest bitmask values, as passed to [SocketCallback]. PollRemove
// may be combined with PollIn/PollOut in the same call.
const (
	PollNone   = 0
	PollIn     = 1
	PollOut    = 2
	PollInOut  = 3
	PollRemove = 4
)

// SocketTimeout is the sentinel descriptor passed to [Engine.SocketAction]
// when the trigger is a timeout (or the force-timeout task) rather than
// descriptor readiness.
const SocketTimeout = -1

// Readiness event bitmask values, as passed to [Engine.SocketAction].
const (
	SelectIn  = 0x01
	SelectOut = 0x02
	SelectErr = 0x04
)

// StatusOK is the engine status code indicating a transfer completed
// successfully. Any other value is engine-specific and is surfaced to the
// caller as a [TransferError].
const StatusOK = 0

// MessageKind discriminates messages popped from the engine's queue.
type MessageKind int

// MsgDone is the only message kind current engine versions emit: a transfer
// reached a terminal state. Other kinds are tolerated but only logged.
const MsgDone MessageKind = 1

// Message is a single entry from the engine's completion queue.
type Message struct {
	Kind   MessageKind
	Handle EngineHandle
	Status int
}

// TimerCallback is invoked by the engine whenever its next deadline changes.
// timeoutMS == -1 means "no deadline, cancel everything". The token is the
// opaque context installed via [Engine.SetCallbackContext].
//
// Implementations must be fast and must not block; the engine may invoke
// this re-entrantly from within [Engine.SocketAction].
type TimerCallback func(timeoutMS int, token uintptr)

// SocketCallback is invoked by the engine whenever its interest in a socket
// changes. what is a bitmask over PollIn, PollOut, and PollRemove. A non-nil
// error indicates a contract violation (see [WatchError]) and propagates out
// of the engine call that triggered the callback.
type SocketCallback func(fd int, what int, token uintptr) error

// Engine is the native multi-transfer engine boundary. Implementations wrap
// a multi-handle style API: one coordinating object managing many concurrent
// transfers, advanced by socket-action calls and drained via ReadMessage.
//
// All methods are invoked from a single goroutine at a time (the adapter
// serializes access); implementations need not be safe for concurrent use.
type Engine interface {
	// SetTimerCallback installs the timer-deadline-changed callback.
	SetTimerCallback(fn TimerCallback)

	// SetSocketCallback installs the socket-interest-changed callback.
	SetSocketCallback(fn SocketCallback)

	// SetCallbackContext installs the opaque token passed back to both
	// callbacks. The engine stores it verbatim and never interprets it.
	SetCallbackContext(token uintptr)

	// AddTransfer registers a transfer with the engine, which will begin
	// driving it on subsequent SocketAction calls.
	AddTransfer(h EngineHandle) error

	// RemoveTransfer unregisters a transfer. Removing an unknown handle is
	// a no-op for conforming engines.
	RemoveTransfer(h EngineHandle) error

	// SocketAction advances engine state for the given descriptor and event
	// bitmask. fd may be SocketTimeout with events PollNone to indicate a
	// timeout trigger. Returns the count of still-running transfers; the
	// count is informational only.
	SocketAction(fd int, events int) (running int, err error)

	// ReadMessage pops the next message from the completion queue.
	// ok is false when the queue is empty.
	ReadMessage() (msg Message, ok bool)

	// Cleanup releases the engine's multi-handle. After Cleanup the engine
	// must not be used.
	Cleanup() error
}
