package transferloop

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompletionHandle_ResolveOnce(t *testing.T) {
	h := newCompletionHandle()
	require.Equal(t, Pending, h.State())

	require.True(t, h.resolve("result"))
	require.False(t, h.resolve("other"))
	require.False(t, h.fail(&TransferError{Op: "perform", Code: 7}))
	require.False(t, h.cancel())

	assert.Equal(t, ResolvedOK, h.State())
	res := h.Result()
	assert.Equal(t, "result", res.Value)
	assert.NoError(t, res.Err)
	assert.NoError(t, h.Err())
}

func TestCompletionHandle_Fail(t *testing.T) {
	h := newCompletionHandle()
	terr := &TransferError{Op: "perform", Code: 28}
	require.True(t, h.fail(terr))

	assert.Equal(t, Failed, h.State())
	assert.Equal(t, terr, h.Err())
	assert.Nil(t, h.Result().Value)
}

func TestCompletionHandle_Cancel(t *testing.T) {
	h := newCompletionHandle()
	require.True(t, h.cancel())

	assert.Equal(t, Cancelled, h.State())
	assert.ErrorIs(t, h.Err(), ErrTransferCancelled)
}

func TestCompletionHandle_DoneBeforeSettle(t *testing.T) {
	h := newCompletionHandle()
	ch := h.Done()

	select {
	case <-ch:
		t.Fatal("done channel delivered before settle")
	default:
	}

	require.True(t, h.resolve(nil))

	select {
	case res, ok := <-ch:
		require.True(t, ok)
		assert.Equal(t, ResolvedOK, res.State)
	case <-time.After(time.Second):
		t.Fatal("done channel never delivered")
	}

	// Subsequent receives observe the closed channel.
	_, ok := <-ch
	assert.False(t, ok)
}

func TestCompletionHandle_DoneAfterSettle(t *testing.T) {
	h := newCompletionHandle()
	require.True(t, h.fail(&TransferError{Op: "perform", Code: 6}))

	res, ok := <-h.Done()
	require.True(t, ok)
	assert.Equal(t, Failed, res.State)
	var terr *TransferError
	require.ErrorAs(t, res.Err, &terr)
	assert.Equal(t, 6, terr.Code)
}

func TestCompletionHandle_ConcurrentSettle(t *testing.T) {
	// Racing resolution paths (completion, shutdown, cancellation) must
	// collapse to exactly one terminal state.
	for i := 0; i < 50; i++ {
		h := newCompletionHandle()

		const attempts = 12
		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			wins int
		)
		start := make(chan struct{})
		for j := 0; j < attempts; j++ {
			wg.Add(1)
			go func(j int) {
				defer wg.Done()
				<-start
				var won bool
				switch j % 3 {
				case 0:
					won = h.resolve(nil)
				case 1:
					won = h.fail(&TransferError{Op: "perform", Code: j})
				default:
					won = h.cancel()
				}
				if won {
					mu.Lock()
					wins++
					mu.Unlock()
				}
			}(j)
		}
		close(start)
		wg.Wait()

		require.Equal(t, 1, wins)
		require.NotEqual(t, Pending, h.State())
		assert.Equal(t, h.State(), h.Result().State)
	}
}

func TestCompletionState_String(t *testing.T) {
	assert.Equal(t, "Pending", Pending.String())
	assert.Equal(t, "ResolvedOK", ResolvedOK.String())
	assert.Equal(t, "Failed", Failed.String())
	assert.Equal(t, "Cancelled", Cancelled.String())
	assert.Equal(t, "Unknown", CompletionState(99).String())
}
