package transferloop

import "sync"

// completionRegistry maps each active transfer to its completion handle and
// the engine handle back to the transfer. It owns the resolve-once paths:
// every resolution removes both mapping entries, unregistering the transfer
// from the engine first, then settles the completion handle (which is itself
// idempotent, so racing trigger paths cannot double-resolve).
//
// Unknown engine handles are no-ops throughout: duplicate completion
// notifications from the engine must not raise.
type completionRegistry struct {
	engine    Engine
	handles   map[*Transfer]*CompletionHandle
	transfers map[EngineHandle]*Transfer
	mu        sync.Mutex
}

func newCompletionRegistry(engine Engine) *completionRegistry {
	return &completionRegistry{
		engine:    engine,
		handles:   make(map[*Transfer]*CompletionHandle),
		transfers: make(map[EngineHandle]*Transfer),
	}
}

// register creates a completion handle for the transfer and stores both
// mappings. The transfer must not already be registered.
func (r *completionRegistry) register(t *Transfer) (*CompletionHandle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.handles[t]; ok {
		return nil, ErrTransferRegistered
	}
	// A distinct transfer reusing a live engine handle would corrupt the
	// reverse mapping.
	if _, ok := r.transfers[t.Handle()]; ok {
		return nil, ErrTransferRegistered
	}

	h := newCompletionHandle()
	r.handles[t] = h
	r.transfers[t.Handle()] = t
	return h, nil
}

// pop removes both mapping entries for the transfer and unregisters it from
// the engine, returning its completion handle. Returns nil if the transfer
// is not registered.
func (r *completionRegistry) pop(t *Transfer) *CompletionHandle {
	r.mu.Lock()
	h, ok := r.handles[t]
	if ok {
		delete(r.handles, t)
		delete(r.transfers, t.Handle())
	}
	r.mu.Unlock()

	if !ok {
		return nil
	}
	_ = r.engine.RemoveTransfer(t.Handle())
	return h
}

// discard removes both mapping entries without touching the engine or
// settling the handle. Used to back out a registration whose engine add
// failed.
func (r *completionRegistry) discard(t *Transfer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handles, t)
	delete(r.transfers, t.Handle())
}

// lookup resolves an engine handle to its transfer, or nil if unknown.
func (r *completionRegistry) lookup(eh EngineHandle) *Transfer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.transfers[eh]
}

// resolveOK settles the completion handle for an engine handle with a nil
// value. Unknown handles are ignored.
func (r *completionRegistry) resolveOK(eh EngineHandle) {
	if t := r.lookup(eh); t != nil {
		if h := r.pop(t); h != nil {
			h.resolve(nil)
		}
	}
}

// resolveError settles the completion handle for an engine handle with the
// given failure. Unknown handles are ignored.
func (r *completionRegistry) resolveError(eh EngineHandle, err error) {
	if t := r.lookup(eh); t != nil {
		if h := r.pop(t); h != nil {
			h.fail(err)
		}
	}
}

// resolveCancelled cancels the completion handle for a transfer. Unknown
// transfers are ignored.
func (r *completionRegistry) resolveCancelled(t *Transfer) {
	if h := r.pop(t); h != nil {
		h.cancel()
	}
}

// drainAll unregisters every remaining transfer from the engine and settles
// every unsettled completion handle with a neutral nil result. Used on
// adapter close: a closed adapter must not manufacture spurious failures for
// transfers it can no longer drive.
func (r *completionRegistry) drainAll() {
	r.mu.Lock()
	remaining := make(map[*Transfer]*CompletionHandle, len(r.handles))
	for t, h := range r.handles {
		remaining[t] = h
	}
	r.handles = make(map[*Transfer]*CompletionHandle)
	r.transfers = make(map[EngineHandle]*Transfer)
	r.mu.Unlock()

	for t, h := range remaining {
		_ = r.engine.RemoveTransfer(t.Handle())
		h.resolve(nil)
	}
}

// size returns the number of registered transfers.
func (r *completionRegistry) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}
