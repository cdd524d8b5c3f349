package memplane

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alessandrocornacchia/uview/pkg/codec"
	"github.com/alessandrocornacchia/uview/pkg/rdmafabric"
)

func testPool(t *testing.T, numMRs, mrSize, pageSize int) *Pool {
	t.Helper()

	name := fmt.Sprintf("uview-test-%s", t.Name())

	p, err := NewPool(PoolConfig{
		Name:     name,
		PageSize: pageSize,
		MRSize:   mrSize,
		NumMRs:   numMRs,
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = p.Close()
	})

	return p
}

func TestNewPoolRejectsMisalignedMRSize(t *testing.T) {
	_, err := NewPool(PoolConfig{Name: "bad", PageSize: 100, MRSize: 250, NumMRs: 1})
	assert.ErrorIs(t, err, ErrMRMisaligned)
}

func TestAllocateMetricFillsPageBeforeCreatingNewOne(t *testing.T) {
	pageSize := 2 * codec.RecordSize
	p := testPool(t, 1, pageSize, pageSize)

	off1, err := p.AllocateMetric("pod-a", "m1", codec.Gauge, 1)
	require.NoError(t, err)
	assert.Equal(t, 56, off1, "value field of the pool's first record sits at offset 56")

	off2, err := p.AllocateMetric("pod-a", "m2", codec.Gauge, 2)
	require.NoError(t, err)

	// Both metrics land in the same (only) page: offsets differ by exactly
	// one record.
	assert.Equal(t, codec.RecordSize, off2-off1)
	assert.Equal(t, 1, p.allocatedPages)

	// The page is now full; a third metric needs a new page, which this
	// one-page pool cannot provide.
	_, err = p.AllocateMetric("pod-a", "m3", codec.Gauge, 3)
	assert.ErrorIs(t, err, ErrPoolExhausted)
}

func TestAllocateMetricCreatesNewPageWhenCurrentIsFull(t *testing.T) {
	pageSize := 1 * codec.RecordSize
	p := testPool(t, 2, 2*pageSize, pageSize)

	_, err := p.AllocateMetric("pod-a", "m1", codec.Gauge, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, p.allocatedPages)

	_, err = p.AllocateMetric("pod-a", "m2", codec.Gauge, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, p.allocatedPages, "second metric for a full page must allocate a new page")
}

func TestAllocationMonotonicity(t *testing.T) {
	pageSize := 1 * codec.RecordSize
	p := testPool(t, 4, 4*pageSize, pageSize)

	prevOffset := -1

	for i := range 4 {
		off, err := p.AllocateMetric(fmt.Sprintf("pod-%d", i), "m", codec.Counter, 0)
		require.NoError(t, err)
		assert.Greater(t, off, prevOffset)
		prevOffset = off
	}
}

func TestControlRegionGroupedByMR(t *testing.T) {
	pageSize := codec.RecordSize
	mrSize := 2 * pageSize
	p := testPool(t, 2, mrSize, pageSize)

	_, err := p.AllocateMetric("pod-a", "m1", codec.Gauge, 1)
	require.NoError(t, err)

	_, err = p.AllocateMetric("pod-b", "m2", codec.Gauge, 2)
	require.NoError(t, err)

	_, err = p.AllocateMetric("pod-c", "m3", codec.Gauge, 3)
	require.NoError(t, err)

	region := p.ControlRegion()
	require.Len(t, region, 2)
	assert.Len(t, region[0], 2, "first MR holds the first two pages")
	assert.Len(t, region[1], 1, "second MR holds the third page")
	assert.Equal(t, "pod-a", region[0][0].PodID)
	assert.Equal(t, "pod-b", region[0][1].PodID)
	assert.Equal(t, "pod-c", region[1][0].PodID)
}

func TestPoolExhausted(t *testing.T) {
	pageSize := codec.RecordSize
	p := testPool(t, 1, pageSize, pageSize)

	_, err := p.AllocateMetric("pod-a", "m1", codec.Gauge, 1)
	require.NoError(t, err)

	_, err = p.AllocateMetric("pod-b", "m2", codec.Gauge, 2)
	assert.ErrorIs(t, err, ErrPoolExhausted)
}

func TestRegisterAllMRsContainment(t *testing.T) {
	pageSize := codec.RecordSize
	mrSize := 2 * pageSize
	p := testPool(t, 2, mrSize, pageSize)

	dc, err := rdmafabric.NewDeviceContext("mlx5_0", 1)
	require.NoError(t, err)

	pd, err := rdmafabric.NewProtectionDomain(dc)
	require.NoError(t, err)

	mrs, err := p.RegisterAllMRs(pd)
	require.NoError(t, err)
	require.Len(t, mrs, 2)

	for _, mr := range mrs {
		assert.Equal(t, mrSize, mr.Size)
		assert.NotZero(t, mr.Access&rdmafabric.AccessRemoteRead)
	}
}
