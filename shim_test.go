package transferloop

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// taskLoop is a minimal [BasicLoop] with no descriptor-watch capability: a
// single goroutine draining a task channel.
type taskLoop struct {
	tasks chan func()
	done  chan struct{}
}

func newTaskLoop() *taskLoop {
	l := &taskLoop{tasks: make(chan func(), 64), done: make(chan struct{})}
	go func() {
		defer close(l.done)
		for fn := range l.tasks {
			fn()
		}
	}()
	return l
}

func (l *taskLoop) Submit(fn func()) error {
	l.tasks <- fn
	return nil
}

type stdTimer struct{ t *time.Timer }

func (t *stdTimer) Cancel() { t.t.Stop() }

func (l *taskLoop) CallLater(d time.Duration, fn func()) (Timer, error) {
	return &stdTimer{time.AfterFunc(d, func() { l.tasks <- fn })}, nil
}

func (l *taskLoop) stop() {
	close(l.tasks)
	<-l.done
}

func TestEnsureReadinessLoop(t *testing.T) {
	rl, err := NewRunLoop()
	require.NoError(t, err)
	defer rl.Close()

	// A loop that already watches descriptors is used as-is.
	got, owned, err := ensureReadinessLoop(rl)
	require.NoError(t, err)
	assert.False(t, owned)
	assert.Same(t, rl, got)

	// Anything else is wrapped, and the wrapper is owned by the caller.
	tl := newTaskLoop()
	defer tl.stop()
	got, owned, err = ensureReadinessLoop(tl)
	require.NoError(t, err)
	assert.True(t, owned)
	shim, ok := got.(*Shim)
	require.True(t, ok)
	require.NoError(t, shim.Close())
}

func newTestShim(t *testing.T) (*taskLoop, *Shim) {
	t.Helper()
	tl := newTaskLoop()
	s, err := NewShim(tl)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, s.Close())
		tl.stop()
	})
	return tl, s
}

func TestShim_Delegation(t *testing.T) {
	_, s := newTestShim(t)

	ran := make(chan struct{})
	require.NoError(t, s.Submit(func() { close(ran) }))
	select {
	case <-ran:
	case <-time.After(5 * time.Second):
		t.Fatal("submitted task never ran on the wrapped loop")
	}

	fired := make(chan struct{}, 1)
	_, err := s.CallLater(10*time.Millisecond, func() { fired <- struct{}{} })
	require.NoError(t, err)
	select {
	case <-fired:
	case <-time.After(5 * time.Second):
		t.Fatal("deferred callback never ran on the wrapped loop")
	}
}

func TestShim_ReaderForwarded(t *testing.T) {
	_, s := newTestShim(t)

	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()
	fd := int(r.Fd())

	readable := make(chan struct{}, 4)
	require.NoError(t, s.AddReader(fd, func() {
		select {
		case readable <- struct{}{}:
		default:
		}
	}))

	_, err = w.Write([]byte{1})
	require.NoError(t, err)

	select {
	case <-readable:
	case <-time.After(5 * time.Second):
		t.Fatal("reader callback never forwarded")
	}

	// The descriptor is still readable (nothing consumed the byte), so
	// after the re-arm the callback fires again.
	select {
	case <-readable:
	case <-time.After(5 * time.Second):
		t.Fatal("reader callback did not re-fire after re-arm")
	}

	require.NoError(t, s.RemoveReader(fd))
	assert.ErrorIs(t, s.RemoveReader(fd), ErrFDNotRegistered)
}

func TestShim_WriterForwarded(t *testing.T) {
	_, s := newTestShim(t)

	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()
	fd := int(w.Fd())

	writable := make(chan struct{}, 1)
	require.NoError(t, s.AddWriter(fd, func() {
		select {
		case writable <- struct{}{}:
		default:
		}
	}))

	select {
	case <-writable:
	case <-time.After(5 * time.Second):
		t.Fatal("writer callback never forwarded")
	}

	require.NoError(t, s.RemoveWriter(fd))
}

func TestShim_RemoveStopsDelivery(t *testing.T) {
	_, s := newTestShim(t)

	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()
	fd := int(r.Fd())

	fired := make(chan struct{}, 16)
	require.NoError(t, s.AddReader(fd, func() { fired <- struct{}{} }))
	require.NoError(t, s.RemoveReader(fd))

	_, err = w.Write([]byte{1})
	require.NoError(t, err)

	select {
	case <-fired:
		t.Fatal("callback fired after removal")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestShim_Close(t *testing.T) {
	tl := newTaskLoop()
	defer tl.stop()
	s, err := NewShim(tl)
	require.NoError(t, err)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	assert.ErrorIs(t, s.AddReader(0, func() {}), ErrLoopClosed)
}
