package param

import "math"

// Set is an ordered collection of uniquely named parameters. Insertion
// order defines the canonical layout of every vector exchanged between the
// optimizer, the evaluator and the checkpoint store.
type Set struct {
	params []Parameter
	index  map[string]int
}

// NewSet returns an empty parameter set.
func NewSet() *Set {
	return &Set{index: make(map[string]int)}
}

// Add appends a parameter to the set. Duplicate names, inverted bounds and
// initial values outside the bounds are rejected.
func (s *Set) Add(p Parameter) error {
	if err := p.validate(); err != nil {
		return err
	}
	if _, ok := s.index[p.Name]; ok {
		return &ValidationError{Field: p.Name, Reason: "duplicate name"}
	}
	if p.Scale == "" {
		p.Scale = ScaleLinear
	}
	s.index[p.Name] = len(s.params)
	s.params = append(s.params, p)
	return nil
}

// Len returns the number of parameters.
func (s *Set) Len() int {
	return len(s.params)
}

// Names returns the parameter names in canonical order.
func (s *Set) Names() []string {
	names := make([]string, len(s.params))
	for i, p := range s.params {
		names[i] = p.Name
	}
	return names
}

// At returns the i-th parameter.
func (s *Set) At(i int) Parameter {
	return s.params[i]
}

// ToVector returns the initial values as an optimizer-space vector.
func (s *Set) ToVector() []float64 {
	v := make([]float64, len(s.params))
	for i, p := range s.params {
		v[i] = p.toSearch(p.Initial)
	}
	return v
}

// Bounds returns the optimizer-space lower and upper bound vectors.
func (s *Set) Bounds() (lower, upper []float64) {
	lower = make([]float64, len(s.params))
	upper = make([]float64, len(s.params))
	for i, p := range s.params {
		lower[i] = p.toSearch(p.Lower)
		upper[i] = p.toSearch(p.Upper)
	}
	return lower, upper
}

// Clamp clips an optimizer-space vector into the bounds element-wise.
// Out-of-range components are silently moved onto the nearest bound; an
// in-bounds vector is returned unchanged in value.
func (s *Set) Clamp(v []float64) []float64 {
	out := make([]float64, len(v))
	for i, p := range s.params {
		out[i] = clamp(v[i], p.toSearch(p.Lower), p.toSearch(p.Upper))
	}
	return out
}

func clamp(val, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, val))
}

// ToModel maps an optimizer-space vector into model space.
func (s *Set) ToModel(v []float64) []float64 {
	out := make([]float64, len(v))
	for i, p := range s.params {
		out[i] = p.toModel(v[i])
	}
	return out
}

// FromModel maps a model-space vector into optimizer space.
func (s *Set) FromModel(v []float64) []float64 {
	out := make([]float64, len(v))
	for i, p := range s.params {
		out[i] = p.toSearch(v[i])
	}
	return out
}

// ToNamed returns the model-space view of an optimizer-space vector keyed
// by parameter name, the form handed to the simulation.
func (s *Set) ToNamed(v []float64) map[string]float64 {
	named := make(map[string]float64, len(v))
	for i, p := range s.params {
		named[p.Name] = p.toModel(v[i])
	}
	return named
}
