package fit

import (
	"fmt"
	"log/slog"
)

// Convergence applies the termination criteria to a finished iteration.
// The checks are ordered; the first that matches decides the run.
type Convergence struct {
	// MinReduction converges the run once the objective falls below this
	// fraction of its starting value
	MinReduction float64

	// StepTolerance converges the run once an accepted step moves the
	// parameters less than this far
	StepTolerance float64

	// MaxIterations caps the number of committed iterations
	MaxIterations int
}

// NewConvergence builds the checker from a validated config
func NewConvergence(cfg Config) *Convergence {
	return &Convergence{
		MinReduction:  cfg.MinReduction,
		StepTolerance: cfg.StepTolerance,
		MaxIterations: cfg.MaxIterations,
	}
}

// Summary is the slice of an iteration the convergence decision needs
type Summary struct {
	Iteration int
	Reduction float64
	StepNorm  float64
	Improved  bool
}

// Check returns the status the run enters after this iteration and a
// reason for terminal states
func (c *Convergence) Check(s Summary) (Status, string) {
	if s.Reduction < c.MinReduction {
		return StatusConverged, fmt.Sprintf("residual reduced to %.3g of start", s.Reduction)
	}
	if s.Improved && s.StepNorm < c.StepTolerance {
		return StatusConverged, fmt.Sprintf("step norm %.3g below tolerance", s.StepNorm)
	}
	if !s.Improved {
		slog.Debug("No improving step found",
			"iteration", s.Iteration,
			"reduction", s.Reduction,
		)
		return StatusStalled, "line search found no improving step"
	}
	if s.Iteration >= c.MaxIterations {
		return StatusMaxIterations, fmt.Sprintf("iteration cap %d reached", c.MaxIterations)
	}
	return StatusIterating, ""
}
