package fit

import (
	"time"
)

// Status is the lifecycle state of a calibration run.
type Status string

const (
	StatusInitializing  Status = "initializing"
	StatusIterating     Status = "iterating"
	StatusConverged     Status = "converged"
	StatusStalled       Status = "stalled"
	StatusMaxIterations Status = "max_iterations"
	StatusFailed        Status = "failed"
)

// Terminal reports whether no further iterations will happen.
func (s Status) Terminal() bool {
	switch s {
	case StatusConverged, StatusStalled, StatusMaxIterations, StatusFailed:
		return true
	}
	return false
}

// IterationRecord summarizes one committed iteration.
type IterationRecord struct {
	Iteration       int         `json:"iteration"`
	Params          []float64   `json:"params"`
	ResidualNorm    float64     `json:"residual_norm"`
	Reduction       float64     `json:"reduction"`
	Alpha           float64     `json:"alpha"`
	StepNorm        float64     `json:"step_norm"`
	Rank            int         `json:"rank"`
	NonIdentifiable []string    `json:"non_identifiable,omitempty"`
	StdErrors       []float64   `json:"std_errors,omitempty"`
	Correlation     [][]float64 `json:"correlation,omitempty"`
	Elapsed         float64     `json:"elapsed_seconds"`
	Timestamp       time.Time   `json:"timestamp"`
}

// State is the complete optimizer state after a committed iteration. The
// driver never mutates a committed state; each iteration produces a fresh
// one, so a persisted state is always internally consistent.
type State struct {
	RunID           string            `json:"run_id"`
	Iteration       int               `json:"iteration"`
	Params          []float64         `json:"params"`
	ResidualNorm    float64           `json:"residual_norm"`
	FirstNorm       float64           `json:"first_norm"`
	Status          Status            `json:"status"`
	Reason          string            `json:"reason,omitempty"`
	Jacobian        [][]float64       `json:"jacobian,omitempty"`
	History         []IterationRecord `json:"history"`
	NonIdentifiable []string          `json:"non_identifiable,omitempty"`
}

// Reduction returns the objective ratio S_k/S_0 driving the primary
// convergence criterion.
func (s *State) Reduction() float64 {
	if s.FirstNorm == 0 {
		return 0
	}
	q := s.ResidualNorm / s.FirstNorm
	return q * q
}

// Clone returns a deep copy, used when handing states across goroutine
// boundaries.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	c := *s
	c.Params = append([]float64(nil), s.Params...)
	c.NonIdentifiable = append([]string(nil), s.NonIdentifiable...)
	c.History = append([]IterationRecord(nil), s.History...)
	if s.Jacobian != nil {
		c.Jacobian = make([][]float64, len(s.Jacobian))
		for i, row := range s.Jacobian {
			c.Jacobian[i] = append([]float64(nil), row...)
		}
	}
	return &c
}

// advance produces the successor state for a committed iteration.
func (s *State) advance(rec IterationRecord, jac [][]float64, status Status, reason string) *State {
	history := make([]IterationRecord, 0, len(s.History)+1)
	history = append(history, s.History...)
	history = append(history, rec)
	return &State{
		RunID:           s.RunID,
		Iteration:       rec.Iteration,
		Params:          append([]float64(nil), rec.Params...),
		ResidualNorm:    rec.ResidualNorm,
		FirstNorm:       s.FirstNorm,
		Status:          status,
		Reason:          reason,
		Jacobian:        jac,
		History:         history,
		NonIdentifiable: append([]string(nil), rec.NonIdentifiable...),
	}
}
