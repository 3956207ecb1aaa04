package transferloop_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	transferloop "github.com/joeycumines/go-transferloop"
	"github.com/joeycumines/go-transferloop/fake"
)

// TestAdapter_OnRunLoop exercises the full path: a transfer whose engine
// watches a real pipe descriptor, driven by descriptor readiness on a
// running loop.
func TestAdapter_OnRunLoop(t *testing.T) {
	loop, err := transferloop.NewRunLoop()
	require.NoError(t, err)
	runErr := make(chan error, 1)
	go func() { runErr <- loop.Run(context.Background()) }()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, loop.Shutdown(ctx))
		assert.NoError(t, <-runErr)
	}()

	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()
	fd := int(r.Fd())

	// The "engine" finishes the transfer the first time it is driven for
	// the watched descriptor, then drops its interest. The hook is set
	// before the adapter exists so no drive can race the assignment.
	eng := fake.NewEngine()
	eng.OnSocketAction = func(actionFD, events int) {
		if actionFD == fd {
			eng.Complete(1, transferloop.StatusOK)
			_ = eng.ChangeSocket(fd, transferloop.PollRemove)
		}
	}

	a, err := transferloop.NewAdapter(eng, loop)
	require.NoError(t, err)
	defer func() { require.NoError(t, a.Close()) }()

	h, err := a.AddHandle(transferloop.NewTransfer(1, nil))
	require.NoError(t, err)
	require.NoError(t, eng.ChangeSocket(fd, transferloop.PollIn))

	_, err = w.Write([]byte("ready"))
	require.NoError(t, err)

	select {
	case res := <-h.Done():
		assert.Equal(t, transferloop.ResolvedOK, res.State)
		assert.NoError(t, res.Err)
	case <-time.After(5 * time.Second):
		t.Fatal("transfer never completed")
	}
	assert.Equal(t, 0, a.Len())
}

// TestAdapter_ForceTimeoutOnRunLoop verifies a transfer producing no socket
// or timer notifications at all still completes via the periodic safety
// drive.
func TestAdapter_ForceTimeoutOnRunLoop(t *testing.T) {
	loop, err := transferloop.NewRunLoop()
	require.NoError(t, err)
	runErr := make(chan error, 1)
	go func() { runErr <- loop.Run(context.Background()) }()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, loop.Shutdown(ctx))
		assert.NoError(t, <-runErr)
	}()

	eng := fake.NewEngine()
	a, err := transferloop.NewAdapter(eng, loop,
		transferloop.WithForceTimeoutInterval(10*time.Millisecond))
	require.NoError(t, err)
	defer func() { require.NoError(t, a.Close()) }()

	h, err := a.AddHandle(transferloop.NewTransfer(1, nil))
	require.NoError(t, err)
	eng.Complete(1, transferloop.StatusOK)

	select {
	case res := <-h.Done():
		assert.Equal(t, transferloop.ResolvedOK, res.State)
	case <-time.After(5 * time.Second):
		t.Fatal("force timeout never drove the engine")
	}
}

// TestAdapter_ShimmedLoop verifies that a loop without descriptor-watch
// capability is transparently wrapped and the wrapper torn down on close.
func TestAdapter_ShimmedLoop(t *testing.T) {
	tasks := make(chan func(), 64)
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		for fn := range tasks {
			fn()
		}
	}()
	defer func() {
		close(tasks)
		<-loopDone
	}()

	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()
	fd := int(r.Fd())

	eng := fake.NewEngine()
	eng.OnSocketAction = func(actionFD, events int) {
		if actionFD == fd {
			eng.Complete(1, transferloop.StatusOK)
			_ = eng.ChangeSocket(fd, transferloop.PollRemove)
		}
	}

	a, err := transferloop.NewAdapter(eng, chanLoop(tasks))
	require.NoError(t, err)

	h, err := a.AddHandle(transferloop.NewTransfer(1, nil))
	require.NoError(t, err)
	require.NoError(t, eng.ChangeSocket(fd, transferloop.PollIn))

	_, err = w.Write([]byte{1})
	require.NoError(t, err)

	select {
	case res := <-h.Done():
		assert.Equal(t, transferloop.ResolvedOK, res.State)
	case <-time.After(5 * time.Second):
		t.Fatal("transfer never completed through the shim")
	}

	require.NoError(t, a.Close())
}

// chanLoop adapts a bare task channel into a [transferloop.BasicLoop]; it
// deliberately lacks descriptor watches.
type chanLoop chan func()

func (l chanLoop) Submit(fn func()) error {
	l <- fn
	return nil
}

type chanLoopTimer struct{ t *time.Timer }

func (t *chanLoopTimer) Cancel() { t.t.Stop() }

func (l chanLoop) CallLater(d time.Duration, fn func()) (transferloop.Timer, error) {
	return &chanLoopTimer{time.AfterFunc(d, func() { l <- fn })}, nil
}
