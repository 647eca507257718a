package fit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/cwbudde/simfit/internal/evaluate"
	"github.com/cwbudde/simfit/internal/param"
	"github.com/cwbudde/simfit/internal/series"
)

// CommitFunc persists a committed state. Returning an error aborts the
// run; checkpointing every iteration is not optional.
type CommitFunc func(*State) error

// Outcome bundles the terminal state with derived conveniences.
type Outcome struct {
	State *State
	// Best holds the final parameters in model space, keyed by name.
	Best map[string]float64
	// Stats reflects the evaluator's counters if it exposes them.
	Stats evaluate.Stats
}

// GaussNewton drives the calibration loop: residual, forward-difference
// Jacobian, normal-equations step, line search, convergence check. All
// numeric logic is single-threaded; concurrency lives entirely inside the
// evaluator batches.
type GaussNewton struct {
	cfg    Config
	ps     *param.Set
	ev     evaluate.Evaluator
	target series.Target
	search LineSearch
	conv   *Convergence
	commit CommitFunc
}

// NewGaussNewton validates the configuration and wires the driver.
// Everything invalid is rejected here, before any evaluation runs.
func NewGaussNewton(cfg Config, ps *param.Set, ev evaluate.Evaluator,
	target series.Target, commit CommitFunc,
) (*GaussNewton, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid optimizer config: %w", err)
	}
	if ps == nil || ps.Len() == 0 {
		return nil, errors.New("parameter set is empty")
	}
	if ev == nil {
		return nil, errors.New("evaluator is nil")
	}
	if target.Data.NumSeries() == 0 {
		return nil, errors.New("target has no series")
	}
	search, err := NewLineSearch(cfg.LineSearch)
	if err != nil {
		return nil, err
	}
	if commit == nil {
		commit = func(*State) error { return nil }
	}
	return &GaussNewton{
		cfg:    cfg,
		ps:     ps,
		ev:     ev,
		target: target,
		search: search,
		conv:   NewConvergence(cfg),
		commit: commit,
	}, nil
}

// Run starts a fresh calibration at the parameter set's initial values.
func (g *GaussNewton) Run(ctx context.Context, runID string) (*Outcome, error) {
	state := &State{
		RunID:  runID,
		Status: StatusInitializing,
		Params: g.ps.Clamp(g.ps.ToVector()),
	}
	slog.Info("Starting calibration",
		"run_id", runID,
		"parameters", g.ps.Len(),
		"max_iterations", g.cfg.MaxIterations,
	)
	return g.loop(ctx, state)
}

// Resume continues a checkpointed run. The engine is deterministic, so a
// resumed trajectory matches what the uninterrupted run would have done.
func (g *GaussNewton) Resume(ctx context.Context, state *State) (*Outcome, error) {
	if state == nil {
		return nil, errors.New("no state to resume")
	}
	if len(state.Params) != g.ps.Len() {
		return nil, fmt.Errorf("state has %d parameters, expected %d", len(state.Params), g.ps.Len())
	}
	if state.Status.Terminal() {
		return nil, fmt.Errorf("run %s already finished with status %s", state.RunID, state.Status)
	}
	slog.Info("Resuming calibration", "run_id", state.RunID, "iteration", state.Iteration)
	return g.loop(ctx, state.Clone())
}

func (g *GaussNewton) loop(ctx context.Context, state *State) (*Outcome, error) {
	fail := func(err error) (*Outcome, error) {
		if ctx.Err() != nil {
			// An interrupted run is not a failed one; the last committed
			// state keeps a resumable status.
			slog.Info("Calibration interrupted",
				"run_id", state.RunID, "iteration", state.Iteration)
			return g.outcome(state), fmt.Errorf("calibration cancelled: %w", ctx.Err())
		}
		failed := state.Clone()
		failed.Status = StatusFailed
		failed.Reason = err.Error()
		if cerr := g.commit(failed); cerr != nil {
			slog.Error("Failed to persist failed state", "run_id", failed.RunID, "error", cerr)
		}
		slog.Error("Calibration failed",
			"run_id", failed.RunID, "iteration", failed.Iteration, "error", err)
		return g.outcome(failed), err
	}

	// Evaluate the center once; afterwards the line-search winner carries
	// its residual into the next iteration.
	res, err := g.evalCenter(ctx, state.Params)
	if err != nil {
		return fail(fmt.Errorf("center evaluation: %w", err))
	}
	state.ResidualNorm = series.Norm(res)
	if state.Iteration == 0 {
		state.FirstNorm = state.ResidualNorm
	}
	state.Status = StatusIterating

	if state.FirstNorm == 0 {
		// the initial guess already matches the target
		state.Status = StatusConverged
		state.Reason = "initial residual is zero"
		if err := g.commit(state); err != nil {
			return fail(fmt.Errorf("failed to persist state: %w", err))
		}
		return g.outcome(state), nil
	}

	s := series.HalfSquaredNorm(res)
	s0 := 0.5 * state.FirstNorm * state.FirstNorm

	for {
		if err := ctx.Err(); err != nil {
			return fail(err)
		}
		started := time.Now()

		jac, dead, err := Jacobian(ctx, g.ev, g.ps, state.Params, res, g.target, g.cfg.Epsilon)
		if err != nil {
			return fail(fmt.Errorf("jacobian estimation: %w", err))
		}
		delta, rank, err := SolveStep(jac, res)
		if err != nil {
			return fail(fmt.Errorf("normal equations: %w", err))
		}
		if rank < g.ps.Len() {
			slog.Warn("Normal equations are rank deficient, using pseudo-inverse step",
				"run_id", state.RunID, "rank", rank, "parameters", g.ps.Len())
		}

		step, err := g.search.Search(ctx, g.ev, g.ps, state.Params, delta, g.target, s)
		if err != nil {
			return fail(fmt.Errorf("line search: %w", err))
		}

		rec := IterationRecord{
			Iteration:       state.Iteration + 1,
			Rank:            rank,
			NonIdentifiable: dead,
			Elapsed:         time.Since(started).Seconds(),
			Timestamp:       time.Now().UTC(),
		}
		if step.Improved {
			rec.Alpha = step.Alpha
			rec.StepNorm = floats.Distance(step.Params, state.Params, 2)
			rec.Params = step.Params
			rec.ResidualNorm = math.Sqrt(2 * step.Objective)
			rec.Reduction = step.Objective / s0
		} else {
			rec.Params = append([]float64(nil), state.Params...)
			rec.ResidualNorm = state.ResidualNorm
			rec.Reduction = s / s0
		}
		if se, corr, ok := Covariance(jac, res); ok {
			rec.StdErrors = se
			rec.Correlation = corr
		}

		status, reason := g.conv.Check(Summary{
			Iteration: rec.Iteration,
			Reduction: rec.Reduction,
			StepNorm:  rec.StepNorm,
			Improved:  step.Improved,
		})

		state = state.advance(rec, denseRows(jac), status, reason)
		if err := g.commit(state); err != nil {
			return fail(fmt.Errorf("failed to persist state: %w", err))
		}
		slog.Info("Iteration complete",
			"run_id", state.RunID,
			"iteration", state.Iteration,
			"residual_norm", state.ResidualNorm,
			"reduction", rec.Reduction,
			"alpha", rec.Alpha,
			"step_norm", rec.StepNorm,
		)

		if status.Terminal() {
			slog.Info("Calibration finished",
				"run_id", state.RunID,
				"status", string(status),
				"reason", reason,
				"iterations", state.Iteration,
			)
			return g.outcome(state), nil
		}

		s = step.Objective
		res = step.Residual
	}
}

func (g *GaussNewton) evalCenter(ctx context.Context, x []float64) ([]float64, error) {
	results := g.ev.EvaluateBatch(ctx, []evaluate.Request{
		{Params: g.ps.ToModel(x), Tag: "center"},
	})
	if len(results) != 1 {
		return nil, fmt.Errorf("evaluator returned %d results for 1 request", len(results))
	}
	if results[0].Failed() {
		return nil, results[0].Failure
	}
	r, err := series.Residual(results[0].Output, g.target)
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (g *GaussNewton) outcome(state *State) *Outcome {
	o := &Outcome{State: state, Best: g.ps.ToNamed(state.Params)}
	if sp, ok := g.ev.(interface{ Stats() evaluate.Stats }); ok {
		o.Stats = sp.Stats()
	}
	return o
}

func denseRows(a *mat.Dense) [][]float64 {
	m, n := a.Dims()
	rows := make([][]float64, m)
	for i := range rows {
		rows[i] = make([]float64, n)
		mat.Row(rows[i], i, a)
	}
	return rows
}
