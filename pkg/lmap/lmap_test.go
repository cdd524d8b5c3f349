package lmap

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alessandrocornacchia/uview/pkg/hostapi"
	"github.com/alessandrocornacchia/uview/pkg/rdmafabric"
)

// fakeReader is a Reader that returns a fixed result/error per call and
// counts invocations, letting tests drive the scrape loop without a real
// RDMA transport.
type fakeReader struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeReader) Execute(_ context.Context) ([][]byte, []error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()

	return [][]byte{nil}, []error{f.err}
}

func (f *fakeReader) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.calls
}

func TestLMAPRunTearsDownOnFatalFabricError(t *testing.T) {
	fr := &fakeReader{err: fmt.Errorf("read: %w", rdmafabric.ErrNotConnected)}

	l := NewLMAP("lmap-0", [][]hostapi.PageDescriptor{{}}, fr, 0)

	l.Run(context.Background(), nil)

	assert.False(t, l.running.Load())
	assert.Equal(t, 1, fr.callCount())
}

func TestLMAPRunContinuesPastTransientError(t *testing.T) {
	fr := &fakeReader{err: errors.New("transient read timeout")}

	l := NewLMAP("lmap-0", [][]hostapi.PageDescriptor{{}}, fr, 2*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	l.Run(ctx, nil)

	assert.Greater(t, fr.callCount(), 1, "loop should keep retrying past a transient error")
}

func TestLMAPRunExitsOnContextCancel(t *testing.T) {
	fr := &fakeReader{}

	l := NewLMAP("lmap-0", [][]hostapi.PageDescriptor{{}}, fr, time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})

	go func() {
		l.Run(ctx, nil)
		close(done)
	}()

	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not exit after context cancellation")
	}
}

func TestLMAPStopWaitsForRunToFinish(t *testing.T) {
	fr := &fakeReader{}

	l := NewLMAP("lmap-0", [][]hostapi.PageDescriptor{{}}, fr, time.Millisecond)

	ctx := context.Background()

	go l.Run(ctx, nil)

	// Give Run a moment to initialize doneCh and start looping.
	require.Eventually(t, func() bool {
		l.mu.Lock()
		defer l.mu.Unlock()

		return l.running.Load()
	}, time.Second, time.Millisecond)

	stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.NoError(t, l.Stop(stopCtx))
	assert.False(t, l.running.Load())
}
