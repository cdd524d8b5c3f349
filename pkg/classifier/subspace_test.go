package classifier

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubspaceClassifyFullRankBasisZeroResidual(t *testing.T) {
	c, err := Build(Subspace, Options{
		NumMetrics: 4,
		Ell:        4,
		K:          4,
		Th:         0.5,
		Eta:        1,
	})
	require.NoError(t, err)

	basis := [][]float64{
		{1, 0, 0, 0},
		{0, 1, 0, 0},
		{0, 0, 1, 0},
		{0, 0, 0, 1},
	}

	for _, v := range basis {
		_, err := c.Classify(v)
		require.NoError(t, err)
	}

	res, err := c.Classify([]float64{1, 0, 0, 0})
	require.NoError(t, err)
	assert.InDelta(t, 0, res.Score, 1e-6)
	assert.False(t, res.IsAnomaly)
}

func TestSubspaceClassifyOutOfSubspaceIsAnomalous(t *testing.T) {
	c, err := Build(Subspace, Options{
		NumMetrics: 3,
		Ell:        3,
		K:          1,
		Th:         0.2,
		Eta:        0,
	})
	require.NoError(t, err)

	// Seed the sketch with repeated e1 so the top-1 subspace is span(e1).
	for i := 0; i < 3; i++ {
		_, err := c.Classify([]float64{1, 0, 0})
		require.NoError(t, err)
	}

	res, err := c.Classify([]float64{0, 1, 0})
	require.NoError(t, err)
	assert.True(t, res.IsAnomaly)
}

func TestSubspaceClassifyDimensionMismatch(t *testing.T) {
	c, err := Build(Subspace, Options{NumMetrics: 2, Ell: 2, K: 1})
	require.NoError(t, err)

	_, err = c.Classify([]float64{1, 2, 3})
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestSubspaceBuildRejectsKGreaterThanEll(t *testing.T) {
	_, err := Build(Subspace, Options{NumMetrics: 4, Ell: 2, K: 3})
	assert.ErrorIs(t, err, ErrInvalidDimensions)
}

func TestSubspaceBuildRejectsEllGreaterThanDimensions(t *testing.T) {
	_, err := Build(Subspace, Options{NumMetrics: 2, Ell: 4})
	assert.ErrorIs(t, err, ErrInvalidDimensions)
}

// TestSubspaceDeterministicAtZeroEta verifies that once the conditional
// update's random branch can never fire (eta=0), two classifiers built with
// different seeds but fed the same samples evolve identically.
func TestSubspaceDeterministicAtZeroEta(t *testing.T) {
	build := func(seed byte) Classifier {
		var s [32]byte
		s[0] = seed

		c, err := Build(Subspace, Options{
			NumMetrics: 3,
			Ell:        3,
			K:          2,
			Th:         0.05,
			Eta:        0,
			Seed:       s,
		})
		require.NoError(t, err)

		return c
	}

	a := build(1)
	b := build(2)

	samples := [][]float64{
		{1, 0, 0},
		{0, 1, 0},
		{5, 5, 5},
		{0, 0, 1},
	}

	for _, s := range samples {
		ra, err := a.Classify(s)
		require.NoError(t, err)

		rb, err := b.Classify(s)
		require.NoError(t, err)

		assert.Equal(t, ra.IsAnomaly, rb.IsAnomaly)
		assert.InDelta(t, ra.Score, rb.Score, 1e-9)
	}
}
