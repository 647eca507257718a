package param

import (
	"fmt"
	"math"
)

// Scale selects the space a parameter is optimized in. Log-scaled
// parameters are searched in log10 space, which evens out step sizes for
// quantities spanning orders of magnitude (permeabilities, rate constants).
type Scale string

const (
	ScaleLinear Scale = "linear"
	ScaleLog    Scale = "log"
)

// Parameter is one named, bounded calibration parameter. Bounds delimit the
// model-space values the simulation may be invoked with.
type Parameter struct {
	Name    string  `json:"name"`
	Initial float64 `json:"initial"`
	Lower   float64 `json:"lower"`
	Upper   float64 `json:"upper"`
	Scale   Scale   `json:"scale,omitempty"`
}

// ValidationError reports a parameter definition that cannot be used.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid parameter %s: %s", e.Field, e.Reason)
}

func (p Parameter) validate() error {
	if p.Name == "" {
		return &ValidationError{Field: "name", Reason: "must not be empty"}
	}
	for _, v := range []float64{p.Initial, p.Lower, p.Upper} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return &ValidationError{Field: p.Name, Reason: "values must be finite"}
		}
	}
	if p.Lower > p.Upper {
		return &ValidationError{
			Field:  p.Name,
			Reason: fmt.Sprintf("lower bound %g above upper bound %g", p.Lower, p.Upper),
		}
	}
	if p.Initial < p.Lower || p.Initial > p.Upper {
		return &ValidationError{
			Field:  p.Name,
			Reason: fmt.Sprintf("initial value %g outside [%g, %g]", p.Initial, p.Lower, p.Upper),
		}
	}
	switch p.Scale {
	case "", ScaleLinear, ScaleLog:
	default:
		return &ValidationError{Field: p.Name, Reason: fmt.Sprintf("unknown scale %q", p.Scale)}
	}
	if p.Scale == ScaleLog && p.Lower <= 0 {
		return &ValidationError{Field: p.Name, Reason: "log scale requires positive bounds"}
	}
	return nil
}

// toSearch maps a model-space value into optimizer space.
func (p Parameter) toSearch(v float64) float64 {
	if p.Scale == ScaleLog {
		return math.Log10(v)
	}
	return v
}

// toModel maps an optimizer-space value back into model space.
func (p Parameter) toModel(v float64) float64 {
	if p.Scale == ScaleLog {
		return math.Pow(10, v)
	}
	return v
}
