package capture

import (
	"bytes"
	"io"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCapturesPayloadAtLimit(t *testing.T) {
	payload := bytes.Repeat([]byte("z"), 64)
	var got []byte
	oversize := false

	b := Wrap(io.NopCloser(bytes.NewReader(payload)), 64,
		func(p []byte) { got = p },
		func(int64) { oversize = true })

	read, err := io.ReadAll(b)
	require.NoError(t, err)
	require.NoError(t, b.Close())

	assert.Equal(t, payload, read)
	assert.Equal(t, payload, got)
	assert.False(t, oversize)
}

func TestOversizeStillStreams(t *testing.T) {
	payload := bytes.Repeat([]byte("z"), 65)
	called := false
	var total int64

	b := Wrap(io.NopCloser(bytes.NewReader(payload)), 64,
		func([]byte) { called = true },
		func(n int64) { total = n })

	read, err := io.ReadAll(b)
	require.NoError(t, err)

	assert.Equal(t, payload, read)
	assert.False(t, called)
	assert.Equal(t, int64(65), total)
}

func TestCloseBeforeEOFDropsCapture(t *testing.T) {
	called := false
	b := Wrap(io.NopCloser(bytes.NewReader(make([]byte, 32))), 64,
		func([]byte) { called = true }, nil)

	buf := make([]byte, 8)
	_, err := b.Read(buf)
	require.NoError(t, err)
	require.NoError(t, b.Close())

	assert.False(t, called)
}

func TestEmptyBodyCompletes(t *testing.T) {
	var got []byte
	called := false
	b := Wrap(io.NopCloser(bytes.NewReader(nil)), 64,
		func(p []byte) { called = true; got = p }, nil)

	_, err := io.ReadAll(b)
	require.NoError(t, err)
	assert.True(t, called)
	assert.Empty(t, got)
}

func TestWritesGoAndWaitConcurrently(t *testing.T) {
	var w Writes
	var done atomic.Int32
	var callers sync.WaitGroup

	for range 50 {
		callers.Go(func() { w.Go(func() { done.Add(1) }) })
		callers.Go(w.Wait)
	}
	callers.Wait()
	w.Wait()

	assert.Equal(t, int32(50), done.Load())
}
