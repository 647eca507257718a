package config

import (
	"fmt"
	"math"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads and parses a study file.
func Load(path string) (*Study, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read study file %s: %w", path, err)
	}
	study, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse study file %s: %w", path, err)
	}
	return study, nil
}

// Parse parses a Study from YAML bytes and validates it.
// This is also used where the study arrives as payload (not via filesystem).
func Parse(data []byte) (*Study, error) {
	var study Study
	if err := yaml.Unmarshal(data, &study); err != nil {
		return nil, fmt.Errorf("failed to parse study yaml: %w", err)
	}

	if err := validateStudy(&study); err != nil {
		return nil, fmt.Errorf("invalid study: %w", err)
	}

	return &study, nil
}

// validateStudy performs validation on the study configuration. Everything
// invalid is rejected here, before any simulation is started.
func validateStudy(s *Study) error {
	if len(s.Model.Command) == 0 {
		return fmt.Errorf("model command cannot be empty")
	}

	validFormats := map[string]bool{
		"":     true,
		"text": true,
		"json": true,
	}
	if !validFormats[s.Model.Format] {
		return fmt.Errorf("invalid model format: %s (must be text or json)", s.Model.Format)
	}

	if _, err := s.Model.GetTimeout(); err != nil {
		return fmt.Errorf("invalid model timeout %s: %w", s.Model.Timeout, err)
	}

	// Validate parameters
	if len(s.Parameters) == 0 {
		return fmt.Errorf("at least one parameter must be defined")
	}
	paramNames := make(map[string]bool)
	for _, p := range s.Parameters {
		if p.Name == "" {
			return fmt.Errorf("parameter name cannot be empty")
		}
		if paramNames[p.Name] {
			return fmt.Errorf("duplicate parameter name: %s", p.Name)
		}
		paramNames[p.Name] = true

		validScales := map[string]bool{
			"":       true,
			"linear": true,
			"log":    true,
		}
		if !validScales[p.Scale] {
			return fmt.Errorf("parameter %s: invalid scale %s (must be linear or log)", p.Name, p.Scale)
		}
	}

	// A name is either calibrated or fixed, never both
	for name, v := range s.Fixed {
		if paramNames[name] {
			return fmt.Errorf("fixed parameter %s is also calibrated", name)
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("fixed parameter %s must be finite, got %g", name, v)
		}
	}

	// Validate target
	if s.Target.File == "" {
		return fmt.Errorf("target file cannot be empty")
	}
	for i, w := range s.Target.Weights {
		if w <= 0 || math.IsNaN(w) || math.IsInf(w, 0) {
			return fmt.Errorf("target weight %d must be positive and finite, got %g", i, w)
		}
	}

	if err := validateOptimizer(&s.Optimizer); err != nil {
		return err
	}

	if s.Concurrency < 0 {
		return fmt.Errorf("concurrency cannot be negative, got %d", s.Concurrency)
	}

	return nil
}

// validateOptimizer validates the optimizer overrides. Zero means unset
// here; the merged engine settings are validated again when the driver is
// built.
func validateOptimizer(o *Optimizer) error {
	if o.MaxIterations < 0 {
		return fmt.Errorf("optimizer max_iterations cannot be negative, got %d", o.MaxIterations)
	}
	if o.Epsilon < 0 {
		return fmt.Errorf("optimizer epsilon cannot be negative, got %g", o.Epsilon)
	}
	if o.MinReduction < 0 || o.MinReduction >= 1 {
		return fmt.Errorf("optimizer min_reduction must be in [0, 1), got %g", o.MinReduction)
	}
	if o.StepTolerance < 0 {
		return fmt.Errorf("optimizer step_tolerance cannot be negative, got %g", o.StepTolerance)
	}

	ls := o.LineSearch
	validKinds := map[string]bool{
		"":             true,
		"logarithmic":  true,
		"backtracking": true,
	}
	if !validKinds[ls.Kind] {
		return fmt.Errorf("invalid line search kind: %s (must be logarithmic or backtracking)", ls.Kind)
	}
	if ls.Candidates < 0 {
		return fmt.Errorf("line search candidates cannot be negative, got %d", ls.Candidates)
	}
	if ls.MinStep < 0 || ls.MaxStep < 0 {
		return fmt.Errorf("line search steps cannot be negative, got [%g, %g]", ls.MinStep, ls.MaxStep)
	}
	if ls.MinStep > 0 && ls.MaxStep > 0 && ls.MaxStep <= ls.MinStep {
		return fmt.Errorf("line search max_step must exceed min_step, got [%g, %g]", ls.MinStep, ls.MaxStep)
	}
	if ls.MaxTries < 0 {
		return fmt.Errorf("line search max_tries cannot be negative, got %d", ls.MaxTries)
	}

	return nil
}
