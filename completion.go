package transferloop

import "sync"

// CompletionState represents the lifecycle state of a [CompletionHandle].
// A handle starts in [Pending] and transitions exactly once to one of the
// terminal states. Transitions are irreversible.
type CompletionState int

const (
	// Pending indicates the transfer is still in flight.
	Pending CompletionState = iota

	// ResolvedOK indicates the transfer completed successfully, or the
	// adapter was closed while the transfer was still pending (a closed
	// adapter resolves remaining handles with a neutral nil result rather
	// than manufacturing failures).
	ResolvedOK

	// Failed indicates the engine reported a non-success status; the
	// reason is a [*TransferError].
	Failed

	// Cancelled indicates the caller removed the transfer before it
	// reached a terminal status in the engine.
	Cancelled
)

// String returns a human-readable representation of the state.
func (s CompletionState) String() string {
	switch s {
	case Pending:
		return "Pending"
	case ResolvedOK:
		return "ResolvedOK"
	case Failed:
		return "Failed"
	case Cancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

// Result is the settled outcome of a completion handle. Exactly one of Err
// or Value is meaningful: Err is non-nil for Failed and Cancelled handles,
// Value (which may itself be nil) for ResolvedOK.
type Result struct {
	Value any
	Err   error
	State CompletionState
}

// CompletionHandle is a single-assignment future representing a transfer's
// eventual outcome. It is shared between the adapter, which resolves it, and
// the caller, which awaits it via [CompletionHandle.Done] or
// [CompletionHandle.Result].
//
// Once resolved in any terminal state, further resolution attempts are
// no-ops. This holds under concurrent attempts from different trigger paths
// (normal completion, forced shutdown, explicit cancellation).
type CompletionHandle struct {
	result      Result
	subscribers []chan Result
	state       CompletionState
	mu          sync.Mutex
}

func newCompletionHandle() *CompletionHandle {
	return &CompletionHandle{state: Pending}
}

// State returns the current [CompletionState].
func (h *CompletionHandle) State() CompletionState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Result returns the settled result. The zero Result (State == Pending) is
// returned while the handle is unsettled.
func (h *CompletionHandle) Result() Result {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.result
}

// Err returns the failure reason for Failed or Cancelled handles, nil
// otherwise.
func (h *CompletionHandle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.result.Err
}

// Done returns a channel that receives the result when the handle settles,
// then closes. The channel is buffered (capacity 1). If the handle is
// already settled, the returned channel is pre-filled and closed.
func (h *CompletionHandle) Done() <-chan Result {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan Result, 1)
	if h.state != Pending {
		ch <- h.result
		close(ch)
		return ch
	}
	h.subscribers = append(h.subscribers, ch)
	return ch
}

// settle transitions the handle to a terminal state, returning false if it
// was already settled. All subscriber channels are notified and closed.
func (h *CompletionHandle) settle(state CompletionState, value any, err error) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state != Pending {
		return false
	}

	h.state = state
	h.result = Result{Value: value, Err: err, State: state}
	for _, ch := range h.subscribers {
		ch <- h.result
		close(ch)
	}
	h.subscribers = nil
	return true
}

func (h *CompletionHandle) resolve(value any) bool {
	return h.settle(ResolvedOK, value, nil)
}

func (h *CompletionHandle) fail(err error) bool {
	return h.settle(Failed, nil, err)
}

func (h *CompletionHandle) cancel() bool {
	return h.settle(Cancelled, nil, ErrTransferCancelled)
}
