package fit

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"

	"github.com/cwbudde/simfit/internal/evaluate"
	"github.com/cwbudde/simfit/internal/param"
	"github.com/cwbudde/simfit/internal/series"
)

// modelFunc maps a model-space parameter vector to simulation output.
type modelFunc func(params []float64) (series.Dataset, *evaluate.Failure)

// stubEvaluator runs a modelFunc in place of an external process.
type stubEvaluator struct {
	mu    sync.Mutex
	model modelFunc
	next  int
	calls int
	seen  [][]float64
}

func newStubEvaluator(model modelFunc) *stubEvaluator {
	return &stubEvaluator{model: model}
}

func (e *stubEvaluator) EvaluateBatch(ctx context.Context, reqs []evaluate.Request) []evaluate.Result {
	results := make([]evaluate.Result, len(reqs))
	for i, req := range reqs {
		e.mu.Lock()
		id := e.next
		e.next++
		e.calls++
		e.seen = append(e.seen, append([]float64(nil), req.Params...))
		e.mu.Unlock()

		out, failure := e.model(req.Params)
		results[i] = evaluate.Result{
			ID:      id,
			Params:  append([]float64(nil), req.Params...),
			Output:  out,
			Failure: failure,
		}
	}
	return results
}

func (e *stubEvaluator) Close() error { return nil }

func singleSeries(times, values []float64) series.Dataset {
	return series.Dataset{Series: []series.Series{{
		Times:  append([]float64(nil), times...),
		Values: append([]float64(nil), values...),
	}}}
}

func flatTarget(t *testing.T, times, values []float64) series.Target {
	t.Helper()
	target, err := series.NewTarget(singleSeries(times, values), nil)
	if err != nil {
		t.Fatalf("NewTarget failed: %v", err)
	}
	return target
}

func buildSet(t *testing.T, params ...param.Parameter) *param.Set {
	t.Helper()
	s := param.NewSet()
	for _, p := range params {
		if err := s.Add(p); err != nil {
			t.Fatalf("Add(%s) failed: %v", p.Name, err)
		}
	}
	return s
}

func TestNewGaussNewton_Validation(t *testing.T) {
	ps := buildSet(t, param.Parameter{Name: "a", Initial: 1, Lower: -10, Upper: 10})
	target := flatTarget(t, []float64{0}, []float64{0})
	ev := newStubEvaluator(func(p []float64) (series.Dataset, *evaluate.Failure) {
		return singleSeries([]float64{0}, []float64{p[0]}), nil
	})

	bad := DefaultConfig()
	bad.MaxIterations = 0
	if _, err := NewGaussNewton(bad, ps, ev, target, nil); err == nil {
		t.Error("expected error for invalid config")
	}
	if _, err := NewGaussNewton(DefaultConfig(), param.NewSet(), ev, target, nil); err == nil {
		t.Error("expected error for empty parameter set")
	}
	if _, err := NewGaussNewton(DefaultConfig(), ps, nil, target, nil); err == nil {
		t.Error("expected error for nil evaluator")
	}
	if _, err := NewGaussNewton(DefaultConfig(), ps, ev, series.Target{}, nil); err == nil {
		t.Error("expected error for empty target")
	}
}

func TestGaussNewton_ConvergesOnLinearModel(t *testing.T) {
	times := []float64{0, 1, 2, 3}
	model := func(p []float64) (series.Dataset, *evaluate.Failure) {
		vals := make([]float64, len(times))
		for i, tm := range times {
			vals[i] = p[0] + p[1]*tm
		}
		return singleSeries(times, vals), nil
	}
	target := flatTarget(t, times, []float64{2, 2.5, 3, 3.5})
	ps := buildSet(t,
		param.Parameter{Name: "offset", Initial: 0, Lower: -10, Upper: 10},
		param.Parameter{Name: "slope", Initial: 0, Lower: -10, Upper: 10},
	)

	var commits []*State
	gn, err := NewGaussNewton(DefaultConfig(), ps, newStubEvaluator(model), target,
		func(s *State) error {
			commits = append(commits, s)
			return nil
		})
	if err != nil {
		t.Fatalf("NewGaussNewton failed: %v", err)
	}

	out, err := gn.Run(context.Background(), "linear")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if out.State.Status != StatusConverged {
		t.Fatalf("expected converged, got %s (%s)", out.State.Status, out.State.Reason)
	}
	if out.State.Iteration > 10 {
		t.Errorf("expected convergence within 10 iterations, took %d", out.State.Iteration)
	}
	if math.Abs(out.Best["offset"]-2) > 1e-6 {
		t.Errorf("offset: got %g, want 2", out.Best["offset"])
	}
	if math.Abs(out.Best["slope"]-0.5) > 1e-6 {
		t.Errorf("slope: got %g, want 0.5", out.Best["slope"])
	}
	if len(commits) != out.State.Iteration {
		t.Errorf("expected one commit per iteration, got %d for %d iterations", len(commits), out.State.Iteration)
	}
	if len(out.State.History) != out.State.Iteration {
		t.Errorf("history has %d records for %d iterations", len(out.State.History), out.State.Iteration)
	}
}

func TestGaussNewton_StallsOnBoundedMinimum(t *testing.T) {
	// The quadratic's slope at the center is nearly flat, so the solved
	// step overshoots far beyond the bounds and every clamped candidate is
	// worse than the center.
	model := func(p []float64) (series.Dataset, *evaluate.Failure) {
		return singleSeries([]float64{0}, []float64{p[0]*p[0] + 1}), nil
	}
	target := flatTarget(t, []float64{0}, []float64{0})
	ps := buildSet(t, param.Parameter{Name: "x", Initial: 0, Lower: -5, Upper: 5})

	gn, err := NewGaussNewton(DefaultConfig(), ps, newStubEvaluator(model), target, nil)
	if err != nil {
		t.Fatalf("NewGaussNewton failed: %v", err)
	}

	out, err := gn.Run(context.Background(), "stall")
	if err != nil {
		t.Fatalf("stall must not be an error: %v", err)
	}
	if out.State.Status != StatusStalled {
		t.Fatalf("expected stalled, got %s (%s)", out.State.Status, out.State.Reason)
	}
	if out.State.Iteration != 1 {
		t.Errorf("expected stall on first iteration, got %d", out.State.Iteration)
	}
}

func TestGaussNewton_MaxIterations(t *testing.T) {
	model := func(p []float64) (series.Dataset, *evaluate.Failure) {
		return singleSeries([]float64{0}, []float64{p[0]}), nil
	}
	target := flatTarget(t, []float64{0}, []float64{0})
	ps := buildSet(t, param.Parameter{Name: "x", Initial: 8, Lower: -100, Upper: 100})

	cfg := DefaultConfig()
	cfg.MaxIterations = 2
	cfg.MinReduction = 1e-12
	cfg.StepTolerance = 1e-15
	// short steps only, so the run keeps improving without converging
	cfg.LineSearch = SearchConfig{Kind: SearchLogarithmic, Count: 2, MinStep: 0.25, MaxStep: 0.5, MaxTries: 8}

	var commits int
	gn, err := NewGaussNewton(cfg, ps, newStubEvaluator(model), target,
		func(*State) error {
			commits++
			return nil
		})
	if err != nil {
		t.Fatalf("NewGaussNewton failed: %v", err)
	}

	out, err := gn.Run(context.Background(), "capped")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if out.State.Status != StatusMaxIterations {
		t.Fatalf("expected max_iterations, got %s (%s)", out.State.Status, out.State.Reason)
	}
	if out.State.Iteration != 2 || commits != 2 {
		t.Errorf("expected 2 committed iterations, got iteration %d with %d commits", out.State.Iteration, commits)
	}
}

func TestGaussNewton_FailedCenterEvaluation(t *testing.T) {
	model := func(p []float64) (series.Dataset, *evaluate.Failure) {
		return series.Dataset{}, &evaluate.Failure{Stage: evaluate.StageRun, Reason: "exit status 1"}
	}
	target := flatTarget(t, []float64{0}, []float64{0})
	ps := buildSet(t, param.Parameter{Name: "x", Initial: 1, Lower: -10, Upper: 10})

	var last *State
	gn, err := NewGaussNewton(DefaultConfig(), ps, newStubEvaluator(model), target,
		func(s *State) error {
			last = s
			return nil
		})
	if err != nil {
		t.Fatalf("NewGaussNewton failed: %v", err)
	}

	out, err := gn.Run(context.Background(), "broken")
	if err == nil {
		t.Fatal("expected error for failed center evaluation")
	}
	if out.State.Status != StatusFailed {
		t.Errorf("expected failed status, got %s", out.State.Status)
	}
	if last == nil || last.Status != StatusFailed {
		t.Error("expected the failed state to be committed")
	}
}

func TestGaussNewton_ZeroInitialResidual(t *testing.T) {
	model := func(p []float64) (series.Dataset, *evaluate.Failure) {
		return singleSeries([]float64{0, 1}, []float64{1, 2}), nil
	}
	target := flatTarget(t, []float64{0, 1}, []float64{1, 2})
	ps := buildSet(t, param.Parameter{Name: "x", Initial: 1, Lower: -10, Upper: 10})

	gn, err := NewGaussNewton(DefaultConfig(), ps, newStubEvaluator(model), target, nil)
	if err != nil {
		t.Fatalf("NewGaussNewton failed: %v", err)
	}

	out, err := gn.Run(context.Background(), "perfect")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if out.State.Status != StatusConverged || out.State.Iteration != 0 {
		t.Errorf("expected immediate convergence, got %s at iteration %d", out.State.Status, out.State.Iteration)
	}
}

func TestGaussNewton_ResumeMatchesUninterruptedRun(t *testing.T) {
	model := func(p []float64) (series.Dataset, *evaluate.Failure) {
		return singleSeries([]float64{0, 1}, []float64{p[0] * p[0], p[1]}), nil
	}
	newDriver := func(commit CommitFunc) *GaussNewton {
		t.Helper()
		target := flatTarget(t, []float64{0, 1}, []float64{4, 1})
		ps := buildSet(t,
			param.Parameter{Name: "a", Initial: 1, Lower: 0.1, Upper: 10},
			param.Parameter{Name: "b", Initial: 0, Lower: -10, Upper: 10},
		)
		gn, err := NewGaussNewton(DefaultConfig(), ps, newStubEvaluator(model), target, commit)
		if err != nil {
			t.Fatalf("NewGaussNewton failed: %v", err)
		}
		return gn
	}

	var full []*State
	out, err := newDriver(func(s *State) error {
		full = append(full, s)
		return nil
	}).Run(context.Background(), "traj")
	if err != nil {
		t.Fatalf("full run failed: %v", err)
	}
	if out.State.Status != StatusConverged {
		t.Fatalf("full run did not converge: %s", out.State.Status)
	}
	if len(full) < 2 {
		t.Fatalf("need at least 2 iterations to test resume, got %d", len(full))
	}

	var resumed []*State
	resumedOut, err := newDriver(func(s *State) error {
		resumed = append(resumed, s)
		return nil
	}).Resume(context.Background(), full[0])
	if err != nil {
		t.Fatalf("resume failed: %v", err)
	}

	if resumedOut.State.Iteration != out.State.Iteration {
		t.Fatalf("resumed run took %d iterations, full run %d", resumedOut.State.Iteration, out.State.Iteration)
	}
	if resumedOut.State.Status != out.State.Status {
		t.Errorf("status differs: %s vs %s", resumedOut.State.Status, out.State.Status)
	}
	if resumedOut.State.ResidualNorm != out.State.ResidualNorm {
		t.Errorf("residual norm differs: %g vs %g", resumedOut.State.ResidualNorm, out.State.ResidualNorm)
	}
	for i, rs := range resumed {
		fs := full[i+1]
		if rs.Iteration != fs.Iteration {
			t.Fatalf("commit %d: iteration %d vs %d", i, rs.Iteration, fs.Iteration)
		}
		for j := range rs.Params {
			if rs.Params[j] != fs.Params[j] {
				t.Errorf("iteration %d parameter %d: %g vs %g", rs.Iteration, j, rs.Params[j], fs.Params[j])
			}
		}
	}
}

func TestGaussNewton_CancellationLeavesRunResumable(t *testing.T) {
	model := func(p []float64) (series.Dataset, *evaluate.Failure) {
		return singleSeries([]float64{0}, []float64{p[0]}), nil
	}
	target := flatTarget(t, []float64{0}, []float64{0})
	ps := buildSet(t, param.Parameter{Name: "x", Initial: 3, Lower: -10, Upper: 10})

	var commits []*State
	gn, err := NewGaussNewton(DefaultConfig(), ps, newStubEvaluator(model), target,
		func(s *State) error {
			commits = append(commits, s)
			return nil
		})
	if err != nil {
		t.Fatalf("NewGaussNewton failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out, err := gn.Run(ctx, "interrupted")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if out.State.Status.Terminal() {
		t.Errorf("interrupted run must not end in a terminal status, got %s", out.State.Status)
	}
	for _, s := range commits {
		if s.Status == StatusFailed {
			t.Error("cancellation must not commit a failed state")
		}
	}
}

func TestGaussNewton_ResumeRejectsFinishedRun(t *testing.T) {
	model := func(p []float64) (series.Dataset, *evaluate.Failure) {
		return singleSeries([]float64{0}, []float64{p[0]}), nil
	}
	target := flatTarget(t, []float64{0}, []float64{0})
	ps := buildSet(t, param.Parameter{Name: "x", Initial: 1, Lower: -10, Upper: 10})

	gn, err := NewGaussNewton(DefaultConfig(), ps, newStubEvaluator(model), target, nil)
	if err != nil {
		t.Fatalf("NewGaussNewton failed: %v", err)
	}
	if _, err := gn.Resume(context.Background(), &State{
		RunID:  "done",
		Status: StatusConverged,
		Params: []float64{1},
	}); err == nil {
		t.Error("expected error when resuming a finished run")
	}
}
