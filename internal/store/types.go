package store

import (
	"fmt"
	"time"

	"github.com/cwbudde/simfit/internal/fit"
)

// SchemaVersion identifies the on-disk checkpoint format. Loaders reject
// checkpoints written with a different version instead of guessing at the
// layout.
const SchemaVersion = 1

// RunConfig holds the calibration settings recorded with a checkpoint.
// It is a flat copy of the relevant study settings, so checkpoints stay
// decodable without the config package.
type RunConfig struct {
	Command       string   `json:"command"`
	TargetFile    string   `json:"target_file"`
	Parameters    []string `json:"parameters"`
	MaxIterations int      `json:"max_iterations"`
	Epsilon       float64  `json:"epsilon,omitempty"`
}

// Checkpoint represents a saved calibration run that can be inspected or
// resumed later. All fields are serialized to JSON for persistence.
//
// Resume Semantics:
//
// Gauss-Newton carries no hidden internal state between iterations: the
// committed State (current parameters, residual norms, iteration history)
// is everything the driver needs. A checkpoint therefore captures the run
// exactly, and resuming from it continues the same trajectory the
// uninterrupted run would have taken.
//
// SAVED STATE:
//   - State: the full committed optimizer state, including the
//     per-iteration history and the last Jacobian
//   - Config: the study settings needed to validate a resume request
//
// NOT SAVED:
//   - Evaluation cache: the resumed driver re-evaluates the center, which
//     costs one simulator call per resume
//   - Simulator working directories: those live under the evaluator root
//     and are not part of the run record
type Checkpoint struct {
	// RunID is the unique identifier for this calibration run
	RunID string `json:"run_id"`

	// SchemaVersion is the checkpoint format version at write time
	SchemaVersion int `json:"schema_version"`

	// State is the optimizer state at the last committed iteration
	State *fit.State `json:"state"`

	// Timestamp records when this checkpoint was created
	Timestamp time.Time `json:"timestamp"`

	// Config holds the study settings, needed for validation during resume.
	// Resumed runs must use compatible settings (same model command, same
	// parameters in the same order).
	Config RunConfig `json:"config"`
}

// CheckpointInfo contains metadata about a checkpoint without the full
// optimizer state. Used for listing checkpoints without loading iteration
// histories.
type CheckpointInfo struct {
	// RunID is the unique identifier for this checkpoint
	RunID string `json:"run_id"`

	// Status is the run status at checkpoint time
	Status fit.Status `json:"status"`

	// Iteration is the iteration count at checkpoint time
	Iteration int `json:"iteration"`

	// ResidualNorm is the weighted residual norm at checkpoint time
	ResidualNorm float64 `json:"residual_norm"`

	// Reduction is the objective ratio relative to the first iterate
	Reduction float64 `json:"reduction"`

	// Timestamp records when this checkpoint was created
	Timestamp time.Time `json:"timestamp"`

	// Command is the simulator command being calibrated
	Command string `json:"command"`

	// Parameters is the number of calibrated parameters
	Parameters int `json:"parameters"`
}

// NewCheckpoint wraps a committed optimizer state in a persistable
// checkpoint. The run ID is taken from the state.
func NewCheckpoint(state *fit.State, config RunConfig) *Checkpoint {
	return &Checkpoint{
		RunID:         state.RunID,
		SchemaVersion: SchemaVersion,
		State:         state,
		Timestamp:     time.Now(),
		Config:        config,
	}
}

// ToInfo converts a full Checkpoint to CheckpointInfo (metadata only).
func (c *Checkpoint) ToInfo() CheckpointInfo {
	info := CheckpointInfo{
		RunID:      c.RunID,
		Timestamp:  c.Timestamp,
		Command:    c.Config.Command,
		Parameters: len(c.Config.Parameters),
	}
	if c.State != nil {
		info.Status = c.State.Status
		info.Iteration = c.State.Iteration
		info.ResidualNorm = c.State.ResidualNorm
		info.Reduction = c.State.Reduction()
	}
	return info
}

// Validate checks if the checkpoint has valid data.
// Returns an error if any required field is missing or invalid.
func (c *Checkpoint) Validate() error {
	if c.RunID == "" {
		return &ValidationError{Field: "RunID", Reason: "cannot be empty"}
	}
	if c.SchemaVersion != SchemaVersion {
		return &ValidationError{
			Field:  "SchemaVersion",
			Reason: fmt.Sprintf("unsupported version %d, want %d", c.SchemaVersion, SchemaVersion),
		}
	}
	if c.State == nil {
		return &ValidationError{Field: "State", Reason: "cannot be nil"}
	}
	if c.State.RunID != c.RunID {
		return &ValidationError{Field: "State.RunID", Reason: "does not match checkpoint RunID"}
	}
	if c.State.Params == nil {
		return &ValidationError{Field: "State.Params", Reason: "cannot be nil"}
	}
	if len(c.State.Params) == 0 {
		return &ValidationError{Field: "State.Params", Reason: "cannot be empty"}
	}
	if c.State.Iteration < 0 {
		return &ValidationError{Field: "State.Iteration", Reason: "cannot be negative"}
	}
	if c.State.ResidualNorm < 0 {
		return &ValidationError{Field: "State.ResidualNorm", Reason: "cannot be negative"}
	}
	if c.State.Status == "" {
		return &ValidationError{Field: "State.Status", Reason: "cannot be empty"}
	}
	if c.Timestamp.IsZero() {
		return &ValidationError{Field: "Timestamp", Reason: "cannot be zero"}
	}
	if c.Config.Command == "" {
		return &ValidationError{Field: "Config.Command", Reason: "cannot be empty"}
	}
	if len(c.Config.Parameters) == 0 {
		return &ValidationError{Field: "Config.Parameters", Reason: "cannot be empty"}
	}
	if c.Config.MaxIterations <= 0 {
		return &ValidationError{Field: "Config.MaxIterations", Reason: "must be positive"}
	}
	// The state vector is positional over the recorded parameter names.
	if len(c.State.Params) != len(c.Config.Parameters) {
		return &ValidationError{
			Field:  "State.Params",
			Reason: fmt.Sprintf("length mismatch: got %d values for %d parameters", len(c.State.Params), len(c.Config.Parameters)),
		}
	}
	return nil
}

// ValidationError represents a checkpoint validation error.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation error: " + e.Field + " " + e.Reason
}

// IsCompatible checks if this checkpoint can be resumed with the given
// config. Budget settings such as MaxIterations may differ between the
// original and the resumed run; only the fields that define the study
// identity are compared.
func (c *Checkpoint) IsCompatible(config RunConfig) error {
	if c.Config.Command != config.Command {
		return &CompatibilityError{
			Field:    "Command",
			Expected: c.Config.Command,
			Actual:   config.Command,
		}
	}
	if c.Config.TargetFile != config.TargetFile {
		return &CompatibilityError{
			Field:    "TargetFile",
			Expected: c.Config.TargetFile,
			Actual:   config.TargetFile,
		}
	}
	if len(c.Config.Parameters) != len(config.Parameters) {
		return &CompatibilityError{
			Field:    "Parameters",
			Expected: fmt.Sprintf("%d parameters", len(c.Config.Parameters)),
			Actual:   fmt.Sprintf("%d parameters", len(config.Parameters)),
		}
	}
	// Saved state vectors are positional, so names must match in order.
	for i, name := range c.Config.Parameters {
		if config.Parameters[i] != name {
			return &CompatibilityError{
				Field:    fmt.Sprintf("Parameters[%d]", i),
				Expected: name,
				Actual:   config.Parameters[i],
			}
		}
	}
	return nil
}

// CompatibilityError represents a checkpoint compatibility error.
type CompatibilityError struct {
	Field    string
	Expected string
	Actual   string
}

func (e *CompatibilityError) Error() string {
	return "compatibility error: " + e.Field + " mismatch (expected " + e.Expected + ", got " + e.Actual + ")"
}
