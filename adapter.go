package transferloop

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/logiface"
)

// adapterTokens maps the opaque context value round-tripped through the
// engine back to the owning adapter. The engine only carries an untyped
// token; an explicit registry keeps the lookup safe without pointer
// reinterpretation.
var adapterTokens = struct {
	m map[uintptr]*Adapter
	sync.RWMutex
	next uintptr
}{m: make(map[uintptr]*Adapter)}

func registerAdapterToken(a *Adapter) uintptr {
	adapterTokens.Lock()
	defer adapterTokens.Unlock()
	adapterTokens.next++
	token := adapterTokens.next
	adapterTokens.m[token] = a
	return token
}

func lookupAdapter(token uintptr) *Adapter {
	adapterTokens.RLock()
	defer adapterTokens.RUnlock()
	return adapterTokens.m[token]
}

func releaseAdapterToken(token uintptr) {
	adapterTokens.Lock()
	defer adapterTokens.Unlock()
	delete(adapterTokens.m, token)
}

// adapterTimer is one scheduled engine timeout. The cancelled flag makes
// cancellation authoritative even when the loop has already collected the
// deferred callback: cancelling all timers must never be observable as a
// transfer resolution, only as the callbacks not running.
type adapterTimer struct {
	loopTimer Timer
	cancelled atomic.Bool
}

// Adapter bridges a native multi-transfer [Engine] to a cooperative event
// loop. It owns the engine instance, the descriptor watch set, the timer
// set, and a periodic force-timeout safety task, and resolves each
// transfer's [CompletionHandle] exactly once.
//
// AddHandle, RemoveHandle and Close are safe to call from any goroutine.
// Engine access is serialized internally; the engine implementation itself
// need not be thread-safe.
type Adapter struct {
	engine   Engine
	loop     ReadinessLoop
	registry *completionRegistry
	logger   *logiface.Logger[logiface.Event]

	// watches is the set of descriptors currently registered with the
	// loop; a descriptor is present iff the engine has outstanding
	// interest in it.
	watches map[int]struct{}

	// timers is the set of live engine-requested timeouts.
	timers map[*adapterTimer]struct{}

	// checker is the currently scheduled force-timeout tick.
	checker Timer

	caBundle      string
	forceInterval time.Duration
	token         uintptr
	ownsLoop      bool

	// running is the engine's most recent still-running transfer count,
	// informational only.
	running atomic.Int64

	closed atomic.Bool

	// engineMu serializes all engine access: drive loop, add/remove, and
	// close. It is never held while taking mu, but mu may be taken while
	// engineMu is held (the engine re-enters the callback bridge from
	// within SocketAction).
	engineMu sync.Mutex

	// mu guards watches, timers, and checker.
	mu sync.Mutex
}

// NewAdapter creates an adapter driving engine on loop. When loop does not
// implement [ReadinessLoop] it is wrapped in a [Shim]; the shim is owned by
// the adapter and closed with it.
//
// The adapter installs itself as the engine's timer and socket callback
// target and starts the force-timeout task immediately.
func NewAdapter(engine Engine, loop BasicLoop, opts ...AdapterOption) (*Adapter, error) {
	cfg, err := resolveAdapterOptions(opts)
	if err != nil {
		return nil, err
	}

	rl, ownsLoop, err := ensureReadinessLoop(loop)
	if err != nil {
		return nil, err
	}

	a := &Adapter{
		engine:        engine,
		loop:          rl,
		registry:      newCompletionRegistry(engine),
		logger:        cfg.logger,
		watches:       make(map[int]struct{}),
		timers:        make(map[*adapterTimer]struct{}),
		caBundle:      cfg.caBundle,
		forceInterval: cfg.forceInterval,
		ownsLoop:      ownsLoop,
	}

	a.token = registerAdapterToken(a)
	engine.SetTimerCallback(engineTimerChanged)
	engine.SetSocketCallback(engineSocketChanged)
	engine.SetCallbackContext(a.token)

	a.scheduleForceTimeout()

	return a, nil
}

// engineTimerChanged is the engine's timer-deadline-changed entry point.
func engineTimerChanged(timeoutMS int, token uintptr) {
	if a := lookupAdapter(token); a != nil {
		a.timerChanged(timeoutMS)
	}
}

// engineSocketChanged is the engine's socket-interest-changed entry point.
func engineSocketChanged(fd int, what int, token uintptr) error {
	if a := lookupAdapter(token); a != nil {
		return a.socketChanged(fd, what)
	}
	return nil
}

// AddHandle registers a transfer with the engine and returns its completion
// handle. This is the asynchronous equivalent of a blocking perform: the
// caller awaits the handle, and resolution follows entirely from drive loop
// activity.
func (a *Adapter) AddHandle(t *Transfer) (*CompletionHandle, error) {
	a.engineMu.Lock()
	defer a.engineMu.Unlock()

	if a.closed.Load() {
		return nil, ErrAdapterClosed
	}

	t.ensureCABundle(a.caBundle)

	h, err := a.registry.register(t)
	if err != nil {
		return nil, err
	}
	if err := a.engine.AddTransfer(t.Handle()); err != nil {
		a.registry.discard(t)
		return nil, err
	}

	a.logger.Debug().
		Uint64("handle", uint64(t.Handle())).
		Log("transfer added")

	return h, nil
}

// RemoveHandle unregisters a transfer from the engine and cancels its
// completion handle if it has not already settled. Used for
// caller-initiated cancellation; the engine's normal completion path for
// the transfer is not invoked.
func (a *Adapter) RemoveHandle(t *Transfer) error {
	a.engineMu.Lock()
	defer a.engineMu.Unlock()

	if a.closed.Load() {
		return ErrAdapterClosed
	}

	a.registry.resolveCancelled(t)
	return nil
}

// Close cancels the force-timeout task, resolves every still-pending
// completion handle with a neutral nil result, releases the engine
// instance, and removes every watch and timer from the loop. It is
// idempotent, and safe against concurrent drive loop invocations triggered
// by already-queued loop callbacks (those become no-ops).
func (a *Adapter) Close() error {
	a.engineMu.Lock()
	defer a.engineMu.Unlock()

	if !a.closed.CompareAndSwap(false, true) {
		return nil
	}

	a.mu.Lock()
	checker := a.checker
	a.checker = nil
	a.mu.Unlock()
	if checker != nil {
		checker.Cancel()
	}

	// Pending transfers resolve with no result, not an error: a closed
	// adapter cannot drive them to a genuine outcome.
	a.registry.drainAll()

	err := a.engine.Cleanup()

	a.mu.Lock()
	watches := a.watches
	a.watches = make(map[int]struct{})
	timers := a.timers
	a.timers = make(map[*adapterTimer]struct{})
	a.mu.Unlock()

	for fd := range watches {
		_ = a.loop.RemoveReader(fd)
		_ = a.loop.RemoveWriter(fd)
	}
	for at := range timers {
		at.cancelled.Store(true)
		if at.loopTimer != nil {
			at.loopTimer.Cancel()
		}
	}

	if a.ownsLoop {
		if closer, ok := a.loop.(loopCloser); ok {
			if cerr := closer.Close(); err == nil {
				err = cerr
			}
		}
	}

	releaseAdapterToken(a.token)

	a.logger.Debug().Log("adapter closed")

	return err
}

// Running returns the engine's most recent count of still-running
// transfers, as reported by its last socket-action call. Informational
// only.
func (a *Adapter) Running() int {
	return int(a.running.Load())
}

// Len returns the number of transfers currently awaiting completion.
func (a *Adapter) Len() int {
	return a.registry.size()
}

// timerChanged handles a timer-deadline-changed notification. timeoutMS of
// -1 means no deadline remains: every scheduled timer is cancelled,
// including ones already fired but not yet collected by the loop. Otherwise
// a new deferred drive is scheduled; stale timers are harmless because the
// drive loop tolerates spurious invocations.
func (a *Adapter) timerChanged(timeoutMS int) {
	if timeoutMS < 0 {
		a.mu.Lock()
		timers := a.timers
		a.timers = make(map[*adapterTimer]struct{})
		a.mu.Unlock()
		for at := range timers {
			at.cancelled.Store(true)
			if at.loopTimer != nil {
				at.loopTimer.Cancel()
			}
		}
		return
	}

	at := &adapterTimer{}
	lt, err := a.loop.CallLater(time.Duration(timeoutMS)*time.Millisecond, func() {
		if at.cancelled.Load() {
			return
		}
		a.mu.Lock()
		delete(a.timers, at)
		a.mu.Unlock()
		a.ProcessData(SocketTimeout, PollNone)
	})
	if err != nil {
		a.logger.Warning().
			Err(err).
			Int("timeout_ms", timeoutMS).
			Log("failed to schedule engine timeout")
		return
	}
	at.loopTimer = lt

	a.mu.Lock()
	if a.closed.Load() {
		a.mu.Unlock()
		at.cancelled.Store(true)
		lt.Cancel()
		return
	}
	a.timers[at] = struct{}{}
	a.mu.Unlock()
}

// socketChanged handles a socket-interest-changed notification. Any change
// for a tracked descriptor first drops both watch directions; a removal
// request for an untracked descriptor is a watch-set desynchronization bug
// and fails loudly.
func (a *Adapter) socketChanged(fd int, what int) error {
	a.mu.Lock()
	_, tracked := a.watches[fd]
	if what&(PollIn|PollOut|PollRemove) != 0 {
		if tracked {
			delete(a.watches, fd)
		} else if what&PollRemove != 0 {
			a.mu.Unlock()
			return &WatchError{FD: fd}
		}
	}
	a.mu.Unlock()

	if tracked {
		_ = a.loop.RemoveReader(fd)
		_ = a.loop.RemoveWriter(fd)
	}

	var added bool
	if what&PollIn != 0 {
		if err := a.loop.AddReader(fd, func() { a.ProcessData(fd, SelectIn) }); err != nil {
			return err
		}
		added = true
	}
	if what&PollOut != 0 {
		if err := a.loop.AddWriter(fd, func() { a.ProcessData(fd, SelectOut) }); err != nil {
			return err
		}
		added = true
	}
	if added {
		a.mu.Lock()
		a.watches[fd] = struct{}{}
		a.mu.Unlock()
	}
	return nil
}

// ProcessData is the drive loop: it advances engine state for a readiness
// or timeout event, then drains the engine's completion queue and settles
// the affected completion handles in queue order.
//
// It is invoked by the loop (descriptor callbacks, engine timeouts, the
// force-timeout task) and tolerates spurious invocations, including after
// Close.
func (a *Adapter) ProcessData(fd int, events int) {
	if a.closed.Load() {
		a.logger.Debug().
			Int("fd", fd).
			Log("drive loop invoked after close")
		return
	}

	a.engineMu.Lock()
	defer a.engineMu.Unlock()

	// Re-check under the engine lock: Close may have won the race.
	if a.closed.Load() {
		a.logger.Debug().
			Int("fd", fd).
			Log("drive loop invoked after close")
		return
	}

	running, err := a.engine.SocketAction(fd, events)
	if err != nil {
		a.logger.Warning().
			Err(err).
			Int("fd", fd).
			Int("events", events).
			Log("engine socket action failed")
	}
	a.running.Store(int64(running))

	for {
		msg, ok := a.engine.ReadMessage()
		if !ok {
			break
		}
		if msg.Kind != MsgDone {
			// No other kind is defined by current engine versions;
			// tolerate rather than assume it cannot occur.
			a.logger.Warning().
				Int("kind", int(msg.Kind)).
				Log("unexpected engine message kind")
			continue
		}
		if msg.Status == StatusOK {
			a.registry.resolveOK(msg.Handle)
		} else {
			a.registry.resolveError(msg.Handle, &TransferError{Op: "perform", Code: msg.Status})
		}
	}
}

// scheduleForceTimeout arms the next force-timeout tick. The task exists
// for the adapter's lifetime and drives the engine with the timeout
// sentinel so transfers that never produce socket or timer notifications
// still make progress.
func (a *Adapter) scheduleForceTimeout() {
	t, err := a.loop.CallLater(a.forceInterval, func() {
		if a.closed.Load() {
			return
		}
		a.ProcessData(SocketTimeout, PollNone)
		a.scheduleForceTimeout()
	})
	if err != nil {
		a.logger.Warning().
			Err(err).
			Log("failed to schedule force timeout tick")
		return
	}

	a.mu.Lock()
	if a.closed.Load() {
		a.mu.Unlock()
		t.Cancel()
		return
	}
	a.checker = t
	a.mu.Unlock()
}
