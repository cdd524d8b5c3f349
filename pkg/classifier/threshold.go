package classifier

import (
	"fmt"
	"math"
)

// DefaultThreshold is the per-feature deviation threshold used when a
// Threshold classifier is built without explicit thresholds, matching
// `statistical.py`'s ThresholdAnomalyDetector default.
const DefaultThreshold = 3.0

// thresholdClassifier compares each input value's absolute magnitude against
// a fixed per-feature threshold.
type thresholdClassifier struct {
	tau []float64
}

func buildThreshold(opts Options) (Classifier, error) {
	tau := opts.Thresholds

	if tau != nil && len(tau) == 0 {
		return nil, fmt.Errorf("%w: Thresholds must not be empty", ErrInvalidDimensions)
	}

	if tau == nil {
		n := opts.NumMetrics
		if n <= 0 {
			return nil, fmt.Errorf("%w: NumMetrics must be positive when Thresholds is unset", ErrInvalidDimensions)
		}

		thresh := opts.DefaultThresh
		if thresh == 0 {
			thresh = DefaultThreshold
		}

		tau = make([]float64, n)
		for i := range tau {
			tau[i] = thresh
		}
	}

	return &thresholdClassifier{tau: tau}, nil
}

// Classify computes scores[i] = |values[i]| - tau[i] and reports the sample
// anomalous if the maximum score exceeds zero.
func (c *thresholdClassifier) Classify(values []float64) (Result, error) {
	if len(values) != len(c.tau) {
		return Result{}, fmt.Errorf("%w: expected %d, got %d", ErrDimensionMismatch, len(c.tau), len(values))
	}

	scores := make([]float64, len(values))

	max := math.Inf(-1)

	for i, v := range values {
		s := absDiff(v, c.tau[i])
		scores[i] = s

		if s > max {
			max = s
		}
	}

	return Result{IsAnomaly: max > 0, Score: max, PerFeature: scores}, nil
}

func absDiff(v, tau float64) float64 {
	a := v
	if a < 0 {
		a = -a
	}

	return a - tau
}
