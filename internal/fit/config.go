package fit

import (
	"fmt"
	"math"
)

// Config holds the fixed Gauss-Newton settings. It is validated once at
// construction and never mutated afterwards.
type Config struct {
	// MaxIterations caps the number of committed iterations.
	MaxIterations int `json:"max_iterations"`
	// Epsilon is the relative forward-difference perturbation; components
	// at zero are perturbed by Epsilon absolutely.
	Epsilon float64 `json:"epsilon"`
	// MinReduction converges the run once S_k/S_0 drops below it.
	MinReduction float64 `json:"min_reduction"`
	// StepTolerance converges the run once the accepted step norm drops
	// below it.
	StepTolerance float64 `json:"step_tolerance"`
	// LineSearch selects and tunes the step-length strategy.
	LineSearch SearchConfig `json:"line_search"`
}

// DefaultConfig returns the settings calibrations start from.
func DefaultConfig() Config {
	return Config{
		MaxIterations: 15,
		Epsilon:       1e-3,
		MinReduction:  1e-4,
		StepTolerance: 1e-9,
		LineSearch:    DefaultSearchConfig(),
	}
}

// Validate rejects settings the iteration cannot run with.
func (c Config) Validate() error {
	if c.MaxIterations <= 0 {
		return fmt.Errorf("max_iterations must be positive, got %d", c.MaxIterations)
	}
	if c.Epsilon <= 0 || math.IsNaN(c.Epsilon) {
		return fmt.Errorf("epsilon must be positive, got %g", c.Epsilon)
	}
	if c.MinReduction <= 0 || c.MinReduction >= 1 {
		return fmt.Errorf("min_reduction must be in (0, 1), got %g", c.MinReduction)
	}
	if c.StepTolerance < 0 || math.IsNaN(c.StepTolerance) {
		return fmt.Errorf("step_tolerance must not be negative, got %g", c.StepTolerance)
	}
	return c.LineSearch.Validate()
}

// SearchKind names a line-search strategy. The set is closed.
type SearchKind string

const (
	SearchLogarithmic  SearchKind = "logarithmic"
	SearchBacktracking SearchKind = "backtracking"
)

// SearchConfig tunes the line search.
type SearchConfig struct {
	Kind SearchKind `json:"kind"`
	// Count is the number of candidate steps per logarithmic search.
	Count int `json:"count"`
	// MinStep and MaxStep bound the geometric candidate ladder. The full
	// Gauss-Newton step 1 is always part of the ladder.
	MinStep float64 `json:"min_step"`
	MaxStep float64 `json:"max_step"`
	// MaxTries bounds the halvings of a backtracking search.
	MaxTries int `json:"max_tries"`
}

// DefaultSearchConfig returns the logarithmic search over 1/64..2.
func DefaultSearchConfig() SearchConfig {
	return SearchConfig{
		Kind:     SearchLogarithmic,
		Count:    10,
		MinStep:  1.0 / 64,
		MaxStep:  2.0,
		MaxTries: 8,
	}
}

// Validate rejects settings no search can run with.
func (c SearchConfig) Validate() error {
	switch c.Kind {
	case "", SearchLogarithmic, SearchBacktracking:
	default:
		return fmt.Errorf("unknown line search kind %q", c.Kind)
	}
	if c.Count < 2 {
		return fmt.Errorf("line search count must be at least 2, got %d", c.Count)
	}
	if c.MinStep <= 0 || c.MaxStep <= c.MinStep {
		return fmt.Errorf("line search steps must satisfy 0 < min < max, got [%g, %g]", c.MinStep, c.MaxStep)
	}
	if c.MaxTries <= 0 {
		return fmt.Errorf("line search max_tries must be positive, got %d", c.MaxTries)
	}
	return nil
}
