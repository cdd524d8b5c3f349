package classifier

import (
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"

	"github.com/alessandrocornacchia/uview/pkg/classifier/sketch"
)

// subspaceClassifier scores a sample by its residual norm after projecting
// onto the top-k subspace tracked by a streaming sketch, matching
// `classifiers.py`'s SubspaceAnomalyDetector.
type subspaceClassifier struct {
	d, k, ell int
	th, eta   float64
	basis     sketch.Basis
	rng       *rand.Rand
}

func buildSubspace(opts Options) (Classifier, error) {
	d := opts.NumMetrics
	if d <= 0 {
		return nil, fmt.Errorf("%w: NumMetrics must be positive", ErrInvalidDimensions)
	}

	ell := opts.Ell
	if ell <= 0 {
		ell = int(math.Ceil(math.Sqrt(float64(d))))
	}

	k := opts.K
	if k <= 0 {
		k = ell
	}

	if k > ell {
		return nil, fmt.Errorf("%w: k (%d) cannot exceed ell (%d)", ErrInvalidDimensions, k, ell)
	}

	if ell > d {
		return nil, fmt.Errorf("%w: ell (%d) cannot exceed NumMetrics (%d)", ErrInvalidDimensions, ell, d)
	}

	var basis sketch.Basis

	switch opts.Sketch {
	case SketchFrequentDirections:
		basis = sketch.NewFrequentDirections(d, ell)
	case SketchFastFrequentDirections:
		basis = sketch.NewFastFrequentDirections(d, ell)
	case SketchGlobal:
		basis = sketch.NewGlobal(d)
	default:
		basis = sketch.NewGlobal(d)
	}

	return &subspaceClassifier{
		d:     d,
		k:     k,
		ell:   ell,
		th:    opts.Th,
		eta:   opts.Eta,
		basis: basis,
		rng:   rand.New(rand.NewChaCha8(opts.Seed)),
	}, nil
}

// Classify normalizes values, projects them onto the top-k tracked
// right-singular subspace, and scores the sample by its reconstruction
// residual norm. The sketch is conditionally updated with the normalized
// sample: always while no basis exists yet or when the sample scored within
// threshold, otherwise with probability eta, matching `__update__` in the original_source detector.
func (c *subspaceClassifier) Classify(values []float64) (Result, error) {
	if len(values) != c.d {
		return Result{}, fmt.Errorf("%w: expected %d, got %d", ErrDimensionMismatch, c.d, len(values))
	}

	normalized, _ := normalize(values)

	var (
		residualNorm float64
		perFeature   = make([]float64, c.d)
	)

	vt := c.basis.ReconstructionBasis()
	if vt != nil {
		residualNorm, perFeature = reconstructionResidual(normalized, vt, c.k)
	} else {
		copy(perFeature, normalized)
	}

	anomaly := vt != nil && residualNorm > c.th

	if vt == nil || residualNorm <= c.th || c.rng.Float64() < c.eta {
		c.basis.Append(normalized)
	}

	return Result{IsAnomaly: anomaly, Score: residualNorm, PerFeature: perFeature}, nil
}

// normalize returns x/||x|| (or the zero vector if ||x|| is zero) along with
// the original norm.
func normalize(x []float64) ([]float64, float64) {
	var sumSq float64
	for _, v := range x {
		sumSq += v * v
	}

	norm := math.Sqrt(sumSq)

	out := make([]float64, len(x))
	if norm == 0 {
		return out, 0
	}

	for i, v := range x {
		out[i] = v / norm
	}

	return out, norm
}

// reconstructionResidual projects x onto the first k rows of vt (the
// top-k right-singular vectors) and returns ||x - reconstruction|| along
// with the per-feature residual x - reconstruction.
func reconstructionResidual(x []float64, vt *mat.Dense, k int) (float64, []float64) {
	rows, cols := vt.Dims()
	if rows == 0 || cols != len(x) {
		return 0, make([]float64, len(x))
	}

	if k > rows {
		k = rows
	}

	xVec := mat.NewVecDense(len(x), x)

	recon := make([]float64, len(x))

	for i := 0; i < k; i++ {
		vi := vt.RowView(i)

		var dot float64
		for j := 0; j < len(x); j++ {
			dot += xVec.AtVec(j) * vi.AtVec(j)
		}

		for j := 0; j < len(x); j++ {
			recon[j] += dot * vi.AtVec(j)
		}
	}

	var sumSq float64

	diffs := make([]float64, len(x))

	for j, v := range x {
		diff := v - recon[j]
		diffs[j] = diff
		sumSq += diff * diff
	}

	return math.Sqrt(sumSq), diffs
}
