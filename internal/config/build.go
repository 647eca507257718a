package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/cwbudde/simfit/internal/evaluate"
	"github.com/cwbudde/simfit/internal/fit"
	"github.com/cwbudde/simfit/internal/param"
	"github.com/cwbudde/simfit/internal/series"
	"github.com/cwbudde/simfit/internal/store"
)

// ParameterSet builds the ordered parameter set the whole run is laid out
// over. File order defines the canonical vector order.
func (s *Study) ParameterSet() (*param.Set, error) {
	ps := param.NewSet()
	for _, spec := range s.Parameters {
		p := param.Parameter{
			Name:    spec.Name,
			Initial: spec.Initial,
			Lower:   spec.Lower,
			Upper:   spec.Upper,
			Scale:   param.Scale(spec.Scale),
		}
		if err := ps.Add(p); err != nil {
			return nil, err
		}
	}
	return ps, nil
}

// EvaluatorConfig assembles the local evaluator settings for the given
// canonical parameter order. The communication root is scoped by run ID so
// concurrent runs never share evaluation directories.
func (s *Study) EvaluatorConfig(runID string, names []string) (evaluate.LocalConfig, error) {
	adapter, err := evaluate.NewAdapter(evaluate.Format(s.Model.Format))
	if err != nil {
		return evaluate.LocalConfig{}, err
	}
	timeout, err := s.Model.GetTimeout()
	if err != nil {
		return evaluate.LocalConfig{}, err
	}
	return evaluate.LocalConfig{
		Command:     s.Model.Command,
		Dir:         s.evalDir(runID),
		Names:       names,
		Fixed:       s.Fixed,
		Adapter:     adapter,
		Timeout:     timeout,
		Concurrency: s.Concurrency,
	}, nil
}

// evalDir places evaluation directories under the model workdir when one
// is configured, and under the run's checkpoint directory otherwise. The
// latter keeps everything a run produced in one place.
func (s *Study) evalDir(runID string) string {
	if s.Model.Workdir != "" {
		return filepath.Join(s.Model.Workdir, runID)
	}
	return filepath.Join(s.DataDir(), "runs", runID, "work")
}

// FitConfig merges the optimizer section over the engine defaults.
func (s *Study) FitConfig() fit.Config {
	cfg := fit.DefaultConfig()
	o := s.Optimizer
	if o.MaxIterations > 0 {
		cfg.MaxIterations = o.MaxIterations
	}
	if o.Epsilon > 0 {
		cfg.Epsilon = o.Epsilon
	}
	if o.MinReduction > 0 {
		cfg.MinReduction = o.MinReduction
	}
	if o.StepTolerance > 0 {
		cfg.StepTolerance = o.StepTolerance
	}
	if o.LineSearch.Kind != "" {
		cfg.LineSearch.Kind = fit.SearchKind(o.LineSearch.Kind)
	}
	if o.LineSearch.Candidates > 0 {
		cfg.LineSearch.Count = o.LineSearch.Candidates
	}
	if o.LineSearch.MinStep > 0 {
		cfg.LineSearch.MinStep = o.LineSearch.MinStep
	}
	if o.LineSearch.MaxStep > 0 {
		cfg.LineSearch.MaxStep = o.LineSearch.MaxStep
	}
	if o.LineSearch.MaxTries > 0 {
		cfg.LineSearch.MaxTries = o.LineSearch.MaxTries
	}
	return cfg
}

// LoadTarget reads and weights the measured data, picking the parser by
// file extension (.json parses as JSON, everything else as CSV).
func (s *Study) LoadTarget() (series.Target, error) {
	f, err := os.Open(s.Target.File)
	if err != nil {
		return series.Target{}, fmt.Errorf("failed to open target file: %w", err)
	}
	defer f.Close()

	var d series.Dataset
	if strings.EqualFold(filepath.Ext(s.Target.File), ".json") {
		d, err = series.ParseJSON(f)
	} else {
		d, err = series.ParseCSV(f)
	}
	if err != nil {
		return series.Target{}, fmt.Errorf("failed to parse target file %s: %w", s.Target.File, err)
	}

	return series.NewTarget(d, s.Target.Weights)
}

// RunConfig returns the checkpoint summary of the study identity, used to
// validate that a resumed run matches the saved one.
func (s *Study) RunConfig(names []string) store.RunConfig {
	cfg := s.FitConfig()
	return store.RunConfig{
		Command:       strings.Join(s.Model.Command, " "),
		TargetFile:    s.Target.File,
		Parameters:    names,
		MaxIterations: cfg.MaxIterations,
		Epsilon:       cfg.Epsilon,
	}
}
