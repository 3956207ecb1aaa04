package transferloop

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingEngine is the minimal engine surface the registry touches: it
// only ever calls RemoveTransfer.
type recordingEngine struct {
	Engine
	removed []EngineHandle
}

func (e *recordingEngine) RemoveTransfer(h EngineHandle) error {
	e.removed = append(e.removed, h)
	return nil
}

func TestCompletionRegistry_RegisterDuplicate(t *testing.T) {
	r := newCompletionRegistry(&recordingEngine{})
	tr := NewTransfer(1, nil)

	h, err := r.register(tr)
	require.NoError(t, err)
	require.NotNil(t, h)
	require.Equal(t, 1, r.size())

	_, err = r.register(tr)
	assert.ErrorIs(t, err, ErrTransferRegistered)
	assert.Equal(t, 1, r.size())

	// A different transfer reusing the same engine handle is also
	// rejected.
	_, err = r.register(NewTransfer(1, nil))
	assert.ErrorIs(t, err, ErrTransferRegistered)
	assert.Equal(t, 1, r.size())
}

func TestCompletionRegistry_ResolveOK(t *testing.T) {
	eng := &recordingEngine{}
	r := newCompletionRegistry(eng)
	tr := NewTransfer(7, nil)
	h, err := r.register(tr)
	require.NoError(t, err)

	r.resolveOK(7)

	assert.Equal(t, ResolvedOK, h.State())
	assert.Equal(t, []EngineHandle{7}, eng.removed)
	assert.Equal(t, 0, r.size())

	// Duplicate notifications for the same handle are no-ops.
	r.resolveOK(7)
	r.resolveError(7, &TransferError{Op: "perform", Code: 6})
	assert.Equal(t, ResolvedOK, h.State())
	assert.Equal(t, []EngineHandle{7}, eng.removed)
}

func TestCompletionRegistry_ResolveError(t *testing.T) {
	eng := &recordingEngine{}
	r := newCompletionRegistry(eng)
	tr := NewTransfer(3, nil)
	h, err := r.register(tr)
	require.NoError(t, err)

	terr := &TransferError{Op: "perform", Code: 56}
	r.resolveError(3, terr)

	assert.Equal(t, Failed, h.State())
	assert.Equal(t, terr, h.Err())
	assert.Equal(t, []EngineHandle{3}, eng.removed)
}

func TestCompletionRegistry_ResolveUnknown(t *testing.T) {
	eng := &recordingEngine{}
	r := newCompletionRegistry(eng)

	// Unknown engine handles must not panic or touch the engine.
	r.resolveOK(99)
	r.resolveError(99, &TransferError{Op: "perform", Code: 1})
	r.resolveCancelled(NewTransfer(99, nil))

	assert.Empty(t, eng.removed)
}

func TestCompletionRegistry_ResolveCancelled(t *testing.T) {
	eng := &recordingEngine{}
	r := newCompletionRegistry(eng)
	tr := NewTransfer(4, nil)
	h, err := r.register(tr)
	require.NoError(t, err)

	r.resolveCancelled(tr)

	assert.Equal(t, Cancelled, h.State())
	assert.ErrorIs(t, h.Err(), ErrTransferCancelled)
	assert.Equal(t, []EngineHandle{4}, eng.removed)
}

func TestCompletionRegistry_Discard(t *testing.T) {
	eng := &recordingEngine{}
	r := newCompletionRegistry(eng)
	tr := NewTransfer(5, nil)
	h, err := r.register(tr)
	require.NoError(t, err)

	r.discard(tr)

	// Discard backs out the registration without settling or touching
	// the engine.
	assert.Equal(t, 0, r.size())
	assert.Equal(t, Pending, h.State())
	assert.Empty(t, eng.removed)

	// The transfer can be re-registered afterwards.
	_, err = r.register(tr)
	assert.NoError(t, err)
}

func TestCompletionRegistry_DrainAll(t *testing.T) {
	eng := &recordingEngine{}
	r := newCompletionRegistry(eng)

	a := NewTransfer(1, nil)
	b := NewTransfer(2, nil)
	c := NewTransfer(3, nil)
	ha, err := r.register(a)
	require.NoError(t, err)
	hb, err := r.register(b)
	require.NoError(t, err)
	hc, err := r.register(c)
	require.NoError(t, err)

	// One transfer already settled before the drain; its state must not
	// change.
	r.resolveError(2, &TransferError{Op: "perform", Code: 7})

	r.drainAll()

	assert.Equal(t, 0, r.size())
	assert.Equal(t, ResolvedOK, ha.State())
	assert.Nil(t, ha.Result().Value)
	assert.Equal(t, Failed, hb.State())
	assert.Equal(t, ResolvedOK, hc.State())
	assert.ElementsMatch(t, []EngineHandle{1, 2, 3}, eng.removed)
}
