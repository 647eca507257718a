package config

import (
	"time"

	"github.com/google/uuid"
)

// Study is the root of a calibration study file. It names the simulation
// command, the calibrated parameters with their bounds, the measured data
// and the optimizer settings for one calibration run.
type Study struct {
	RunID         string             `yaml:"run_id,omitempty" json:"run_id,omitempty"`
	Model         Model              `yaml:"model" json:"model"`
	Parameters    []ParameterSpec    `yaml:"parameters" json:"parameters"`
	Fixed         map[string]float64 `yaml:"fixed,omitempty" json:"fixed,omitempty"`
	Target        TargetSpec         `yaml:"target" json:"target"`
	Optimizer     Optimizer          `yaml:"optimizer,omitempty" json:"optimizer,omitempty"`
	Concurrency   int                `yaml:"concurrency,omitempty" json:"concurrency,omitempty"`
	CheckpointDir string             `yaml:"checkpoint_dir,omitempty" json:"checkpoint_dir,omitempty"`
}

// Model describes how to invoke the simulation.
type Model struct {
	Command []string `yaml:"command" json:"command"`
	Workdir string   `yaml:"workdir,omitempty" json:"workdir,omitempty"`
	Format  string   `yaml:"format,omitempty" json:"format,omitempty"`   // text or json
	Timeout string   `yaml:"timeout,omitempty" json:"timeout,omitempty"` // e.g., "10m"
}

// GetTimeout parses the timeout string to time.Duration.
// An empty timeout returns zero, leaving the evaluator default in place.
func (m *Model) GetTimeout() (time.Duration, error) {
	if m.Timeout == "" {
		return 0, nil
	}
	return time.ParseDuration(m.Timeout)
}

// ParameterSpec defines one calibrated parameter.
type ParameterSpec struct {
	Name    string  `yaml:"name" json:"name"`
	Initial float64 `yaml:"initial" json:"initial"`
	Lower   float64 `yaml:"lower" json:"lower"`
	Upper   float64 `yaml:"upper" json:"upper"`
	Scale   string  `yaml:"scale,omitempty" json:"scale,omitempty"` // linear or log
}

// TargetSpec points at the measured data the model is fitted against.
type TargetSpec struct {
	File    string    `yaml:"file" json:"file"`
	Weights []float64 `yaml:"weights,omitempty" json:"weights,omitempty"`
}

// Optimizer tunes the Gauss-Newton iteration. Unset fields fall back to
// the engine defaults.
type Optimizer struct {
	MaxIterations int        `yaml:"max_iterations,omitempty" json:"max_iterations,omitempty"`
	Epsilon       float64    `yaml:"epsilon,omitempty" json:"epsilon,omitempty"`
	MinReduction  float64    `yaml:"min_reduction,omitempty" json:"min_reduction,omitempty"`
	StepTolerance float64    `yaml:"step_tolerance,omitempty" json:"step_tolerance,omitempty"`
	LineSearch    LineSearch `yaml:"line_search,omitempty" json:"line_search,omitempty"`
}

// LineSearch tunes the step-length search.
type LineSearch struct {
	Kind       string  `yaml:"kind,omitempty" json:"kind,omitempty"` // logarithmic or backtracking
	Candidates int     `yaml:"candidates,omitempty" json:"candidates,omitempty"`
	MinStep    float64 `yaml:"min_step,omitempty" json:"min_step,omitempty"`
	MaxStep    float64 `yaml:"max_step,omitempty" json:"max_step,omitempty"`
	MaxTries   int     `yaml:"max_tries,omitempty" json:"max_tries,omitempty"`
}

// EnsureRunID returns the configured run ID, generating one when the study
// does not pin it.
func (s *Study) EnsureRunID() string {
	if s.RunID == "" {
		s.RunID = uuid.New().String()
	}
	return s.RunID
}

// DataDir returns the checkpoint directory, defaulting to "data".
func (s *Study) DataDir() string {
	if s.CheckpointDir == "" {
		return "data"
	}
	return s.CheckpointDir
}
