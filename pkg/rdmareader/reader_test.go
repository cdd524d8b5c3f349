package rdmareader

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alessandrocornacchia/uview/pkg/rdmafabric"
)

func setup(t *testing.T, numMRs int) (*rdmafabric.ProtectionDomain, *rdmafabric.QueuePair, *rdmafabric.CompletionQueue, []rdmafabric.RemoteMRDescriptor) {
	t.Helper()

	dc, err := rdmafabric.NewDeviceContext("mlx5_0", 1)
	require.NoError(t, err)

	pd, err := rdmafabric.NewProtectionDomain(dc)
	require.NoError(t, err)

	cq := rdmafabric.NewCompletionQueue(numMRs)

	pool, err := rdmafabric.NewQueuePairPool(dc, pd, cq, 1)
	require.NoError(t, err)

	qp := pool.QueuePairs()[0]
	require.NoError(t, qp.ConnectRemote(rdmafabric.QPDescriptor{Num: 99}))

	remotes := make([]rdmafabric.RemoteMRDescriptor, numMRs)

	for i := range numMRs {
		buf := []byte("remote-page-data-" + string(rune('a'+i)))

		mr, err := rdmafabric.RegisterMR(pd, buf, rdmafabric.AccessRemoteRead)
		require.NoError(t, err)

		remotes[i] = mr.Descriptor()
	}

	return pd, qp, cq, remotes
}

func TestExecuteReturnsAllResults(t *testing.T) {
	pd, qp, cq, remotes := setup(t, 3)

	r, err := NewReader(pd, qp, cq, remotes)
	require.NoError(t, err)

	t.Cleanup(func() { _ = r.Close() })

	results, errs := r.Execute(context.Background())
	require.Len(t, results, 3)
	require.Len(t, errs, 3)

	for i := range results {
		assert.NoError(t, errs[i])
		assert.Equal(t, remotes[i].Size, len(results[i]))
	}
}

func TestExecutePartialFailureDoesNotShortCircuit(t *testing.T) {
	pd, qp, cq, remotes := setup(t, 3)

	r, err := NewReader(pd, qp, cq, remotes)
	require.NoError(t, err)

	t.Cleanup(func() { _ = r.Close() })

	r.SetPollTimeout(10 * time.Millisecond)

	// Force the middle MR's local buffer to mismatch its remote size, which
	// yields a failed completion rather than a successful one.
	r.localMRs[1] = mustShrinkMR(t, pd, remotes[1])

	results, errs := r.Execute(context.Background())

	assert.NoError(t, errs[0])
	assert.NotNil(t, results[0])

	assert.Error(t, errs[1])
	assert.Nil(t, results[1])

	// The third MR must still have been attempted and succeeded, proving
	// the middle failure did not short-circuit the batch.
	assert.NoError(t, errs[2])
	assert.NotNil(t, results[2])
}

func mustShrinkMR(t *testing.T, pd *rdmafabric.ProtectionDomain, remote rdmafabric.RemoteMRDescriptor) *rdmafabric.MemoryRegion {
	t.Helper()

	mr, err := rdmafabric.RegisterMR(pd, make([]byte, remote.Size-1), rdmafabric.AccessLocalWrite)
	require.NoError(t, err)

	return mr
}

