// Package classifier implements the streaming anomaly-detection models an
// LMAP runs over decoded metric values: a fixed per-feature Threshold
// detector, a Subspace/SVD reconstruction detector backed by either a full-
// history or Frequent-Directions sketch, and a pre-trained VAE reconstruction
// detector.
package classifier

import (
	"errors"
	"fmt"
)

// Kind selects which classifier implementation Build constructs.
type Kind int

const (
	Threshold Kind = iota
	Subspace
	VAE
)

func (k Kind) String() string {
	switch k {
	case Threshold:
		return "threshold"
	case Subspace:
		return "subspace"
	case VAE:
		return "vae"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// Result is the outcome of classifying one sample.
type Result struct {
	IsAnomaly  bool
	Score      float64
	PerFeature []float64
}

// Classifier scores a vector of decoded metric values for anomalousness.
type Classifier interface {
	Classify(values []float64) (Result, error)
}

// Custom errors.
var (
	ErrUnknownKind       = errors.New("classifier: unknown kind")
	ErrInvalidDimensions = errors.New("classifier: invalid dimension configuration")
	ErrDimensionMismatch = errors.New("classifier: input length does not match configured dimension")
)

// SketchKind selects the subspace backing sketch.
type SketchKind int

const (
	SketchGlobal SketchKind = iota
	SketchFrequentDirections
	SketchFastFrequentDirections
)

// Options configures Build for any Kind; fields not relevant to the
// requested kind are ignored.
type Options struct {
	// Common
	NumMetrics int

	// Threshold
	Thresholds      []float64
	DefaultThresh   float64
	UseDefaultThres bool

	// Subspace
	Ell    int
	K      int
	Th     float64
	Eta    float64
	Sketch SketchKind
	Seed   [32]byte

	// VAE
	Weights        VAEWeights
	TrainingScores []float64
}

// Build constructs the classifier named by kind, validating configuration
// errors (k > ell, ell > d, unknown kind) at construction time rather than
// at scoring time.
func Build(kind Kind, opts Options) (Classifier, error) {
	switch kind {
	case Threshold:
		return buildThreshold(opts)
	case Subspace:
		return buildSubspace(opts)
	case VAE:
		return buildVAE(opts)
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, kind)
	}
}
