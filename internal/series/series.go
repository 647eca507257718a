package series

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/floats"
)

// Series is one ordered run of (step, time, value) samples produced by a
// simulation or recorded as measurement.
type Series struct {
	Steps  []int     `json:"steps"`
	Times  []float64 `json:"times"`
	Values []float64 `json:"values"`
}

// Len returns the number of samples in the series.
func (s Series) Len() int {
	return len(s.Values)
}

// Dataset is an ordered list of series. The order is meaningful: model
// output is compared against a target position by position.
type Dataset struct {
	Series []Series `json:"series"`
}

// NumSeries returns the number of series in the dataset.
func (d Dataset) NumSeries() int {
	return len(d.Series)
}

// Len returns the total number of samples across all series.
func (d Dataset) Len() int {
	n := 0
	for _, s := range d.Series {
		n += s.Len()
	}
	return n
}

// Target couples measured data with one scalar weight per series.
type Target struct {
	Data    Dataset
	Weights []float64
}

// NewTarget builds a target from measured data and per-series weights.
// Missing weights default to 1; surplus or non-positive weights are
// rejected.
func NewTarget(d Dataset, weights []float64) (Target, error) {
	if d.NumSeries() == 0 {
		return Target{}, errors.New("target has no series")
	}
	if len(weights) > d.NumSeries() {
		return Target{}, fmt.Errorf("%d weights for %d series", len(weights), d.NumSeries())
	}
	w := make([]float64, d.NumSeries())
	for i := range w {
		w[i] = 1
		if i < len(weights) {
			if weights[i] <= 0 {
				return Target{}, fmt.Errorf("weight %d must be positive, got %g", i, weights[i])
			}
			w[i] = weights[i]
		}
	}
	return Target{Data: d, Weights: w}, nil
}

// WeightVector expands the per-series weights into one weight per sample,
// matching the layout of the flattened residual.
func (t Target) WeightVector() []float64 {
	w := make([]float64, 0, t.Data.Len())
	for i, s := range t.Data.Series {
		sw := 1.0
		if i < len(t.Weights) {
			sw = t.Weights[i]
		}
		for j := 0; j < s.Len(); j++ {
			w = append(w, sw)
		}
	}
	return w
}

// Norm returns the Euclidean norm of a residual vector.
func Norm(r []float64) float64 {
	return floats.Norm(r, 2)
}

// HalfSquaredNorm returns 0.5*||r||^2, the objective the optimizer
// minimizes.
func HalfSquaredNorm(r []float64) float64 {
	n := floats.Norm(r, 2)
	return 0.5 * n * n
}
