package rdmafabric

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPool(t *testing.T, size int) *QueuePairPool {
	t.Helper()

	dc, err := NewDeviceContext("mlx5_0", 1)
	require.NoError(t, err)

	pd, err := NewProtectionDomain(dc)
	require.NoError(t, err)

	cq := NewCompletionQueue(size)

	pool, err := NewQueuePairPool(dc, pd, cq, size)
	require.NoError(t, err)

	return pool
}

func TestNewDeviceContextRejectsEmptyName(t *testing.T) {
	_, err := NewDeviceContext("", 1)
	assert.Error(t, err)
}

func TestProbeDeviceReportsMissingBinaryWithoutPanicking(t *testing.T) {
	// ibv_devinfo is not expected to be installed in a test sandbox; the
	// probe must fail cleanly rather than block or crash the caller.
	err := ProbeDevice(context.Background(), "mlx5_0")
	assert.Error(t, err)
}

func TestQueuePairStartsInInit(t *testing.T) {
	pool := newTestPool(t, 2)
	for _, qp := range pool.QueuePairs() {
		assert.Equal(t, "INIT", qp.State())
		assert.False(t, qp.InUse())
	}
}

func TestConnectRemoteTransitionsToRTS(t *testing.T) {
	pool := newTestPool(t, 1)
	qp := pool.QueuePairs()[0]

	remote := QPDescriptor{Num: 42}
	require.NoError(t, qp.ConnectRemote(remote))
	assert.Equal(t, "RTS", qp.State())
	assert.True(t, qp.InUse())
}

func TestConnectRemoteRejectsReconnect(t *testing.T) {
	pool := newTestPool(t, 1)
	qp := pool.QueuePairs()[0]

	require.NoError(t, qp.ConnectRemote(QPDescriptor{Num: 1}))

	err := qp.ConnectRemote(QPDescriptor{Num: 2})
	assert.ErrorIs(t, err, ErrQPInUse)
}

func TestConnectAllLengthMismatch(t *testing.T) {
	pool := newTestPool(t, 3)

	err := pool.ConnectAll([]QPDescriptor{{Num: 1}})
	assert.Error(t, err)
}

func TestConnectAllSucceeds(t *testing.T) {
	pool := newTestPool(t, 2)

	err := pool.ConnectAll([]QPDescriptor{{Num: 10}, {Num: 11}})
	require.NoError(t, err)

	for _, qp := range pool.QueuePairs() {
		assert.True(t, qp.InUse())
	}
}

func TestRegisterMRAndDescriptor(t *testing.T) {
	dc, err := NewDeviceContext("mlx5_0", 1)
	require.NoError(t, err)

	pd, err := NewProtectionDomain(dc)
	require.NoError(t, err)

	buf := make([]byte, 128)

	mr, err := RegisterMR(pd, buf, AccessRemoteRead|AccessLocalWrite)
	require.NoError(t, err)
	assert.Equal(t, 128, mr.Size)
	assert.Equal(t, AccessRemoteRead|AccessLocalWrite, mr.Access)

	desc := mr.Descriptor()
	assert.Equal(t, mr.RKey, desc.RKey)
	assert.Equal(t, 128, desc.Size)
}

func TestRegisterMRNilPD(t *testing.T) {
	_, err := RegisterMR(nil, make([]byte, 8), AccessRemoteRead)
	assert.Error(t, err)
}

func TestPostReadCopiesRemoteBytes(t *testing.T) {
	dc, err := NewDeviceContext("mlx5_0", 1)
	require.NoError(t, err)

	pd, err := NewProtectionDomain(dc)
	require.NoError(t, err)

	cq := NewCompletionQueue(1)

	pool, err := NewQueuePairPool(dc, pd, cq, 1)
	require.NoError(t, err)

	qp := pool.QueuePairs()[0]
	require.NoError(t, qp.ConnectRemote(QPDescriptor{Num: 1}))

	remoteBuf := []byte("hello-remote-page")
	remoteMR, err := RegisterMR(pd, remoteBuf, AccessRemoteRead)
	require.NoError(t, err)

	local := make([]byte, len(remoteBuf))
	require.NoError(t, qp.PostRead(local, remoteMR.Descriptor()))

	done := make(chan struct{})
	close(done)

	wc, ok := cq.Poll(done)
	require.True(t, ok)
	assert.True(t, wc.Success)
	assert.Equal(t, remoteBuf, local)
}

func TestPostReadSizeMismatchYieldsFailedCompletion(t *testing.T) {
	dc, err := NewDeviceContext("mlx5_0", 1)
	require.NoError(t, err)

	pd, err := NewProtectionDomain(dc)
	require.NoError(t, err)

	cq := NewCompletionQueue(1)

	pool, err := NewQueuePairPool(dc, pd, cq, 1)
	require.NoError(t, err)

	qp := pool.QueuePairs()[0]
	require.NoError(t, qp.ConnectRemote(QPDescriptor{Num: 1}))

	remoteMR, err := RegisterMR(pd, make([]byte, 16), AccessRemoteRead)
	require.NoError(t, err)

	local := make([]byte, 8)
	require.NoError(t, qp.PostRead(local, remoteMR.Descriptor()))

	done := make(chan struct{})
	close(done)

	wc, ok := cq.Poll(done)
	require.True(t, ok)
	assert.False(t, wc.Success)
	assert.Error(t, wc.Err)
}

func TestCompletionQueuePollTimeoutExpires(t *testing.T) {
	cq := NewCompletionQueue(1)

	_, err := cq.PollTimeout(context.Background(), 5*time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCompletionQueuePollTimeoutCanceledContext(t *testing.T) {
	cq := NewCompletionQueue(1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := cq.PollTimeout(ctx, time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPostReadUnconnectedQP(t *testing.T) {
	pool := newTestPool(t, 1)
	qp := pool.QueuePairs()[0]

	err := qp.PostRead(make([]byte, 8), RemoteMRDescriptor{Size: 8})
	assert.Error(t, err)
}
