package fake

import (
	"errors"
	"sync"

	"github.com/eapache/queue"
	transferloop "github.com/joeycumines/go-transferloop"
)

// SocketAction records one socket-action call made against the engine.
type SocketAction struct {
	FD     int
	Events int
}

// Engine is a scripted implementation of [transferloop.Engine]. Tests
// register it with an adapter, then drive it explicitly: ChangeSocket and
// ChangeTimer fire the adapter's callback bridge the way a native engine
// would, and Complete enqueues completion messages for the next drive.
//
// OnSocketAction, when set, runs synchronously inside SocketAction, which
// is how a real engine re-enters the callback bridge; tests use it to emit
// interest changes or completions at the exact point the drive loop
// advances engine state.
type Engine struct {
	// OnSocketAction is invoked from inside SocketAction, before the
	// running count is computed.
	OnSocketAction func(fd, events int)

	timerCB  transferloop.TimerCallback
	socketCB transferloop.SocketCallback
	token    uintptr

	transfers map[transferloop.EngineHandle]struct{}
	messages  *queue.Queue
	actions   []SocketAction

	cleaned bool

	mu sync.Mutex
}

var _ transferloop.Engine = (*Engine)(nil)

// NewEngine creates an empty scripted engine.
func NewEngine() *Engine {
	return &Engine{
		transfers: make(map[transferloop.EngineHandle]struct{}),
		messages:  queue.New(),
	}
}

// SetTimerCallback implements [transferloop.Engine].
func (e *Engine) SetTimerCallback(fn transferloop.TimerCallback) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.timerCB = fn
}

// SetSocketCallback implements [transferloop.Engine].
func (e *Engine) SetSocketCallback(fn transferloop.SocketCallback) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.socketCB = fn
}

// SetCallbackContext implements [transferloop.Engine].
func (e *Engine) SetCallbackContext(token uintptr) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.token = token
}

// AddTransfer implements [transferloop.Engine].
func (e *Engine) AddTransfer(h transferloop.EngineHandle) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cleaned {
		return errors.New("fake: engine cleaned up")
	}
	if _, ok := e.transfers[h]; ok {
		return errors.New("fake: transfer already added")
	}
	e.transfers[h] = struct{}{}
	return nil
}

// RemoveTransfer implements [transferloop.Engine]. Removing an unknown
// handle is a no-op, matching conforming native engines.
func (e *Engine) RemoveTransfer(h transferloop.EngineHandle) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.transfers, h)
	return nil
}

// SocketAction implements [transferloop.Engine]. Every call is recorded;
// the returned running count is the number of transfers still registered.
func (e *Engine) SocketAction(fd int, events int) (int, error) {
	e.mu.Lock()
	if e.cleaned {
		e.mu.Unlock()
		return 0, errors.New("fake: engine cleaned up")
	}
	e.actions = append(e.actions, SocketAction{FD: fd, Events: events})
	hook := e.OnSocketAction
	e.mu.Unlock()

	if hook != nil {
		hook(fd, events)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.transfers), nil
}

// ReadMessage implements [transferloop.Engine].
func (e *Engine) ReadMessage() (transferloop.Message, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.messages.Length() == 0 {
		return transferloop.Message{}, false
	}
	return e.messages.Remove().(transferloop.Message), true
}

// Cleanup implements [transferloop.Engine].
func (e *Engine) Cleanup() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cleaned = true
	return nil
}

// ChangeTimer invokes the installed timer callback the way the native
// engine does when its next deadline changes.
func (e *Engine) ChangeTimer(timeoutMS int) {
	e.mu.Lock()
	fn, token := e.timerCB, e.token
	e.mu.Unlock()
	if fn != nil {
		fn(timeoutMS, token)
	}
}

// ChangeSocket invokes the installed socket callback the way the native
// engine does when its interest in a descriptor changes.
func (e *Engine) ChangeSocket(fd, what int) error {
	e.mu.Lock()
	fn, token := e.socketCB, e.token
	e.mu.Unlock()
	if fn == nil {
		return nil
	}
	return fn(fd, what, token)
}

// Complete enqueues a transfer-done message; the adapter observes it on
// its next drive.
func (e *Engine) Complete(h transferloop.EngineHandle, status int) {
	e.Push(transferloop.Message{
		Kind:   transferloop.MsgDone,
		Handle: h,
		Status: status,
	})
}

// Push enqueues an arbitrary message, including kinds the adapter does not
// recognize.
func (e *Engine) Push(msg transferloop.Message) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.messages.Add(msg)
}

// Actions returns a copy of all recorded socket-action calls.
func (e *Engine) Actions() []SocketAction {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]SocketAction, len(e.actions))
	copy(out, e.actions)
	return out
}

// Has reports whether the transfer is currently registered.
func (e *Engine) Has(h transferloop.EngineHandle) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.transfers[h]
	return ok
}

// Cleaned reports whether Cleanup has been called.
func (e *Engine) Cleaned() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cleaned
}
