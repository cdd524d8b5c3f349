// Package sketch implements the streaming subspace-tracking backends used
// by the Subspace anomaly classifier: a full-history recompute (Global), a
// Frequent-Directions sketch, and its fast-rotate variant.
package sketch

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Basis is a streaming estimator of the top-k right-singular subspace of a
// growing row set.
type Basis interface {
	// Append adds a normalized row vector to the sketch.
	Append(row []float64)
	// ReconstructionBasis returns the current V^T matrix (rows are the
	// right-singular vectors, most significant first).
	ReconstructionBasis() *mat.Dense
}

// svdRightVT runs gonum's SVD and returns V^T (rows = right-singular
// vectors) plus the singular values, matching numpy's `svd(..., full_matrices=False)`.
func svdRightVT(rows [][]float64, d int) (*mat.Dense, []float64, error) {
	n := len(rows)
	data := make([]float64, 0, n*d)

	for _, r := range rows {
		data = append(data, r...)
	}

	m := mat.NewDense(n, d, data)

	var svd mat.SVD
	if ok := svd.Factorize(m, mat.SVDThin); !ok {
		return nil, nil, fmt.Errorf("sketch: SVD factorization failed")
	}

	values := svd.Values(nil)

	var v mat.Dense

	svd.VTo(&v)

	vt := &mat.Dense{}
	vt.CloneFrom(v.T())

	return vt, values, nil
}

// Global keeps the entire row history and recomputes the SVD on every
// append, matching `classifiers.py`'s GlobalUpdate.
type Global struct {
	d    int
	rows [][]float64
	vt   *mat.Dense
}

// NewGlobal creates a Global sketch for d-dimensional rows.
func NewGlobal(d int) *Global {
	return &Global{d: d}
}

// Append stores row and recomputes the reconstruction basis.
func (g *Global) Append(row []float64) {
	cp := make([]float64, len(row))
	copy(cp, row)
	g.rows = append(g.rows, cp)

	vt, _, err := svdRightVT(g.rows, g.d)
	if err != nil {
		// A degenerate (all-zero or rank-deficient) history is not fatal:
		// keep the previous basis rather than propagating the error through
		// an interface method with no error return, matching `classify`'s
		// original_source behavior of recomputing greedily every call.
		return
	}

	g.vt = vt
}

// ReconstructionBasis returns the current V^T.
func (g *Global) ReconstructionBasis() *mat.Dense {
	return g.vt
}

// FrequentDirections is a height-ell deterministic sketch: every append
// triggers an SVD and a singular-value shrink so the last row of the sketch
// is driven to zero, bounding the sketch to ell rows while approximating
// the top singular subspace of all rows seen so far.
type FrequentDirections struct {
	d, ell int
	sketch *mat.Dense
	idx    int
	vt     *mat.Dense
}

// NewFrequentDirections creates a sketch holding at most ell rows of
// dimension d.
func NewFrequentDirections(d, ell int) *FrequentDirections {
	return &FrequentDirections{
		d:      d,
		ell:    ell,
		sketch: mat.NewDense(ell, d, nil),
	}
}

// Append inserts vector into the next free sketch row (or the last row once
// full) and shrinks the sketch via SVD.
func (fd *FrequentDirections) Append(vector []float64) {
	row := fd.idx
	if fd.idx >= fd.ell {
		row = fd.ell - 1
	} else {
		fd.idx++
	}

	fd.sketch.SetRow(row, vector)

	var svd mat.SVD
	if ok := svd.Factorize(fd.sketch, mat.SVDThin); !ok {
		return
	}

	s := svd.Values(nil)

	var vRaw mat.Dense

	svd.VTo(&vRaw)

	vt := &mat.Dense{}
	vt.CloneFrom(vRaw.T())

	lastIdx := fd.ell - 1
	sLastSq := 0.0

	if lastIdx < len(s) {
		sLastSq = s[lastIdx] * s[lastIdx]
	}

	shrunk := make([]float64, len(s))
	for i, sv := range s {
		shrunk[i] = math.Sqrt(math.Max(sv*sv-sLastSq, 0))
	}

	// sketch = diag(shrunk) @ Vt
	rows, cols := vt.Dims()

	newSketch := mat.NewDense(fd.ell, fd.d, nil)
	for i := range rows {
		if i >= fd.ell {
			break
		}

		for j := range cols {
			newSketch.Set(i, j, shrunk[i]*vt.At(i, j))
		}
	}

	fd.sketch = newSketch
	fd.vt = vt
}

// ReconstructionBasis returns the current V^T.
func (fd *FrequentDirections) ReconstructionBasis() *mat.Dense {
	return fd.vt
}

// FastFrequentDirections buffers 2*ell rows before each shrink-rotate,
// amortizing the SVD cost over more appends at the price of a larger buffer.
type FastFrequentDirections struct {
	d, ell, m int
	sketch    *mat.Dense
	nextRow   int
	vt        *mat.Dense
}

// NewFastFrequentDirections creates a fast-rotate sketch with buffer size
// m = 2*ell.
func NewFastFrequentDirections(d, ell int) *FastFrequentDirections {
	m := 2 * ell

	return &FastFrequentDirections{
		d:      d,
		ell:    ell,
		m:      m,
		sketch: mat.NewDense(m, d, nil),
	}
}

// Append inserts vector into the buffer, triggering a rotate when full.
// All-zero vectors are skipped, matching the reference implementation.
func (fd *FastFrequentDirections) Append(vector []float64) {
	if isZero(vector) {
		return
	}

	if fd.nextRow >= fd.m {
		fd.rotate()
	}

	fd.sketch.SetRow(fd.nextRow, vector)
	fd.nextRow++
}

func isZero(v []float64) bool {
	for _, x := range v {
		if x != 0 {
			return false
		}
	}

	return true
}

// rotate runs the SVD-shrink step over the full buffer and compacts the
// result back into the first ell (or fewer) rows.
func (fd *FastFrequentDirections) rotate() {
	var svd mat.SVD
	if ok := svd.Factorize(fd.sketch, mat.SVDThin); !ok {
		return
	}

	s := svd.Values(nil)

	var vRaw mat.Dense

	svd.VTo(&vRaw)

	vt := &mat.Dense{}
	vt.CloneFrom(vRaw.T())
	fd.vt = vt

	_, cols := vt.Dims()

	newSketch := mat.NewDense(fd.m, fd.d, nil)

	if len(s) >= fd.ell {
		lastSq := s[fd.ell-1] * s[fd.ell-1]

		for i := range fd.ell {
			sv := math.Sqrt(math.Max(s[i]*s[i]-lastSq, 0))

			for j := range cols {
				newSketch.Set(i, j, sv*vt.At(i, j))
			}
		}

		fd.nextRow = fd.ell
	} else {
		for i := range len(s) {
			for j := range cols {
				newSketch.Set(i, j, s[i]*vt.At(i, j))
			}
		}

		fd.nextRow = len(s)
	}

	fd.sketch = newSketch
}

// ReconstructionBasis returns the current V^T.
func (fd *FastFrequentDirections) ReconstructionBasis() *mat.Dense {
	return fd.vt
}
