package lmap

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPartitionMRsNearEqualSplit(t *testing.T) {
	cases := []struct {
		name      string
		active    []int
		numLMAPs  int
		expected  [][]int
	}{
		{
			name:     "five MRs two LMAPs",
			active:   []int{0, 1, 2, 3, 4},
			numLMAPs: 2,
			expected: [][]int{{0, 1, 2}, {3, 4}},
		},
		{
			name:     "even split",
			active:   []int{0, 1, 2, 3},
			numLMAPs: 2,
			expected: [][]int{{0, 1}, {2, 3}},
		},
		{
			name:     "more LMAPs than MRs clamps to active count",
			active:   []int{0, 1},
			numLMAPs: 5,
			expected: [][]int{{0}, {1}},
		},
		{
			name:     "single LMAP gets everything",
			active:   []int{0, 1, 2},
			numLMAPs: 1,
			expected: [][]int{{0, 1, 2}},
		},
		{
			name:     "preserves non-contiguous indices order",
			active:   []int{7, 2, 9},
			numLMAPs: 2,
			expected: [][]int{{7, 2}, {9}},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := PartitionMRs(tc.active, tc.numLMAPs)
			assert.Equal(t, tc.expected, got)
		})
	}
}

func TestPartitionMRsEmptyInputs(t *testing.T) {
	assert.Nil(t, PartitionMRs(nil, 3))
	assert.Nil(t, PartitionMRs([]int{1, 2}, 0))
}
