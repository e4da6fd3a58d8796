package h2s

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/murakmii/h2core/hpack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMplx(maxStreams, streamMaxMem int) *Mplx {
	return NewMplx(maxStreams, streamMaxMem, noopLogger{}, func(*Mplx) {})
}

func TestOpenStreamRefusesOverMaxStreams(t *testing.T) {
	m := newTestMplx(1, 1<<20)

	_, err := m.OpenStream(1, defaultPriority())
	require.NoError(t, toErr(err))

	_, err = m.OpenStream(3, defaultPriority())
	require.Error(t, err)
	assert.Equal(t, refusedStreamError, err.code)
}

func TestAppendAndReadInputPreservesFIFOOrder(t *testing.T) {
	m := newTestMplx(10, 1<<20)
	_, herr := m.OpenStream(1, defaultPriority())
	require.NoError(t, toErr(herr))

	require.NoError(t, m.AppendInput(1, []byte("hello ")))
	require.NoError(t, m.AppendInput(1, []byte("world")))
	require.NoError(t, m.CloseInput(1))

	dst := make([]byte, 32)
	n, err := m.ReadInput(context.Background(), 1, dst, true)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(dst[:n]))

	_, err = m.ReadInput(context.Background(), 1, dst, true)
	assert.Equal(t, ErrEOF, err)
}

func TestReadInputBlocksUntilDataArrivesOrContextCancelled(t *testing.T) {
	m := newTestMplx(10, 1<<20)
	_, herr := m.OpenStream(1, defaultPriority())
	require.NoError(t, toErr(herr))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	dst := make([]byte, 16)
	_, err := m.ReadInput(ctx, 1, dst, true)
	assert.Error(t, err) // context deadline exceeded, since nothing ever arrives
}

func TestWriteOutputRequiresResponseHeadFirst(t *testing.T) {
	m := newTestMplx(10, 1<<20)
	_, herr := m.OpenStream(1, defaultPriority())
	require.NoError(t, toErr(herr))

	err := m.WriteOutput(context.Background(), 1, []byte("x"))
	assert.Equal(t, ErrInternal, err)
}

func TestWriteOutputBackpressureUnblocksOnDrain(t *testing.T) {
	m := newTestMplx(10, 4) // tiny stream_max_mem
	_, herr := m.OpenStream(1, defaultPriority())
	require.NoError(t, toErr(herr))
	require.NoError(t, m.SetResponse(1, http.StatusOK, nil))

	// This first write is let through even though it overshoots the cap:
	// the cap is only checked against the backlog already buffered before
	// the call, not the size of the call itself.
	require.NoError(t, m.WriteOutput(context.Background(), 1, []byte("abcde")))

	done := make(chan error, 1)
	go func() {
		done <- m.WriteOutput(context.Background(), 1, []byte("more"))
	}()

	select {
	case <-done:
		t.Fatal("WriteOutput should have blocked on stream_max_mem")
	case <-time.After(20 * time.Millisecond):
	}

	chunk, eos, err := m.ReadOutput(1, 100)
	require.NoError(t, err)
	assert.False(t, eos)
	assert.Equal(t, "abcde", string(chunk))

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("WriteOutput never unblocked after ReadOutput drained the buffer")
	}
}

func TestReadOutputReportsEndOfStream(t *testing.T) {
	m := newTestMplx(10, 1<<20)
	_, herr := m.OpenStream(1, defaultPriority())
	require.NoError(t, toErr(herr))
	require.NoError(t, m.SetResponse(1, http.StatusOK, nil))
	require.NoError(t, m.WriteOutput(context.Background(), 1, []byte("abc")))
	require.NoError(t, m.CloseOutput(1))

	chunk, eos, err := m.ReadOutput(1, 100)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(chunk))
	assert.True(t, eos)
}

func TestResetStreamFailsReadOutput(t *testing.T) {
	m := newTestMplx(10, 1<<20)
	_, herr := m.OpenStream(1, defaultPriority())
	require.NoError(t, toErr(herr))
	require.NoError(t, m.SetResponse(1, http.StatusOK, nil))

	m.ResetStream(1)

	_, _, err := m.ReadOutput(1, 100)
	assert.Error(t, err) // stream no longer exists once reset closes it
}

func TestPopReadyResponseOrdersByPriorityDepthThenWeight(t *testing.T) {
	m := newTestMplx(10, 1<<20)

	_, err := m.OpenStream(1, defaultPriority())
	require.NoError(t, toErr(err))
	_, err = m.OpenStream(3, priority{parent: 1, weight: 16})
	require.NoError(t, toErr(err))
	_, err = m.OpenStream(5, defaultPriority())
	require.NoError(t, toErr(err))

	require.NoError(t, m.SetResponse(3, http.StatusOK, nil)) // depth 1
	require.NoError(t, m.SetResponse(1, http.StatusOK, nil)) // depth 0
	require.NoError(t, m.SetResponse(5, http.StatusOK, nil)) // depth 0, same weight as 1

	first := m.PopReadyResponse()
	require.NotNil(t, first)
	assert.Contains(t, []streamID{1, 5}, first.id) // either depth-0 stream may win the tie

	second := m.PopReadyResponse()
	require.NotNil(t, second)

	third := m.PopReadyResponse()
	require.NotNil(t, third)
	assert.Equal(t, streamID(3), third.id) // the depth-1 stream is always last
}

func TestScheduleAndPopTaskOrdering(t *testing.T) {
	m := newTestMplx(10, 1<<20)
	_, err := m.OpenStream(1, defaultPriority())
	require.NoError(t, toErr(err))

	registered := false
	m.onSchedule = func(*Mplx) { registered = true }

	m.SetRequestMeta(1, "GET", "https", "example.com", "/", hpack.HeaderList{})
	m.Dispatch(1, http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}), noopLogger{})

	assert.True(t, registered)

	task := m.PopTask()
	require.NotNil(t, task)
	assert.Equal(t, streamID(1), task.streamID)

	assert.Nil(t, m.PopTask())
}

func TestUpdateInputWindowsReportsAndResetsConsumed(t *testing.T) {
	m := newTestMplx(10, 1<<20)
	_, herr := m.OpenStream(1, defaultPriority())
	require.NoError(t, toErr(herr))

	require.NoError(t, m.AppendInput(1, []byte("0123456789")))
	dst := make([]byte, 4)
	_, err := m.ReadInput(context.Background(), 1, dst, false)
	require.NoError(t, err)

	var reportedID streamID
	var reportedN int64
	found := m.UpdateInputWindows(func(id streamID, n int64) {
		reportedID, reportedN = id, n
	})

	assert.True(t, found)
	assert.Equal(t, streamID(1), reportedID)
	assert.Equal(t, int64(4), reportedN)

	found = m.UpdateInputWindows(func(streamID, int64) {})
	assert.False(t, found) // counter was reset by the prior call
}

func TestAbortUnblocksEverything(t *testing.T) {
	m := newTestMplx(10, 4)
	_, herr := m.OpenStream(1, defaultPriority())
	require.NoError(t, toErr(herr))
	require.NoError(t, m.SetResponse(1, http.StatusOK, nil))
	require.NoError(t, m.WriteOutput(context.Background(), 1, []byte("12345")))

	done := make(chan error, 1)
	go func() {
		done <- m.WriteOutput(context.Background(), 1, []byte("more"))
	}()

	time.Sleep(20 * time.Millisecond)
	m.Abort()

	select {
	case err := <-done:
		assert.Equal(t, ErrConnAborted, err)
	case <-time.After(time.Second):
		t.Fatal("Abort did not unblock pending WriteOutput")
	}

	err := m.AppendInput(1, []byte("x"))
	assert.Equal(t, ErrConnAborted, err)
}
