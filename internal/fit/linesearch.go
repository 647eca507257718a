package fit

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"

	"github.com/cwbudde/simfit/internal/evaluate"
	"github.com/cwbudde/simfit/internal/param"
	"github.com/cwbudde/simfit/internal/series"
)

// Step is the outcome of a line search. When Improved is false the
// remaining fields are zero and the driver treats the run as stalled.
type Step struct {
	Alpha     float64
	Params    []float64
	Output    series.Dataset
	Residual  []float64
	Objective float64
	Improved  bool
}

// LineSearch picks a step length along the Gauss-Newton direction.
// center and delta live in optimizer space; s0 is the objective at the
// center. Implementations clamp candidates to the bounds before
// evaluating.
type LineSearch interface {
	Search(ctx context.Context, ev evaluate.Evaluator, ps *param.Set,
		center, delta []float64, target series.Target, s0 float64) (Step, error)
}

// NewLineSearch returns the strategy selected by the config.
func NewLineSearch(cfg SearchConfig) (LineSearch, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Kind {
	case "", SearchLogarithmic:
		return NewLogarithmic(cfg), nil
	case SearchBacktracking:
		return &Backtracking{MaxTries: cfg.MaxTries}, nil
	}
	return nil, fmt.Errorf("unknown line search kind %q", cfg.Kind)
}

// Logarithmic evaluates a fixed geometric ladder of step lengths as one
// concurrent batch and keeps the candidate with the smallest objective.
// Exact ties break toward the larger step, so the full Gauss-Newton step
// wins over a shorter one whenever both do equally well.
type Logarithmic struct {
	steps []float64
}

// NewLogarithmic spaces cfg.Count candidates geometrically over
// [cfg.MinStep, cfg.MaxStep] and inserts the full step 1 if the ladder
// misses it.
func NewLogarithmic(cfg SearchConfig) *Logarithmic {
	n := cfg.Count
	ratio := cfg.MaxStep / cfg.MinStep
	steps := make([]float64, 0, n+1)
	for i := 0; i < n; i++ {
		steps = append(steps, cfg.MinStep*math.Pow(ratio, float64(i)/float64(n-1)))
	}
	hasFull := false
	for _, s := range steps {
		if math.Abs(s-1) < 1e-12 {
			hasFull = true
			break
		}
	}
	if !hasFull && cfg.MinStep < 1 && cfg.MaxStep > 1 {
		steps = append(steps, 1)
		sort.Float64s(steps)
	}
	return &Logarithmic{steps: steps}
}

// Steps exposes the candidate ladder.
func (ls *Logarithmic) Steps() []float64 {
	return append([]float64(nil), ls.steps...)
}

func (ls *Logarithmic) Search(ctx context.Context, ev evaluate.Evaluator, ps *param.Set,
	center, delta []float64, target series.Target, s0 float64,
) (Step, error) {
	xs := make([][]float64, len(ls.steps))
	reqs := make([]evaluate.Request, len(ls.steps))
	for i, alpha := range ls.steps {
		x := make([]float64, len(center))
		floats.AddScaledTo(x, center, alpha, delta)
		xs[i] = ps.Clamp(x)
		reqs[i] = evaluate.Request{Params: ps.ToModel(xs[i]), Tag: "linesearch"}
	}

	results := ev.EvaluateBatch(ctx, reqs)

	best := -1
	var bestS float64
	var bestRes []float64
	var bestOut series.Dataset
	for i, res := range results {
		if res.Failed() {
			continue
		}
		r, err := series.Residual(res.Output, target)
		if err != nil {
			slog.Warn("Discarding line search candidate", "alpha", ls.steps[i], "error", err)
			continue
		}
		s := series.HalfSquaredNorm(r)
		// ladder is ascending, so >= on equal objectives prefers the
		// larger step
		if best < 0 || s <= bestS {
			best, bestS, bestRes, bestOut = i, s, r, res.Output
		}
	}

	if best < 0 || bestS >= s0 {
		return Step{}, nil
	}
	return Step{
		Alpha:     ls.steps[best],
		Params:    xs[best],
		Output:    bestOut,
		Residual:  bestRes,
		Objective: bestS,
		Improved:  true,
	}, nil
}

// Backtracking halves the step from the full Gauss-Newton step until the
// objective satisfies a sufficient-decrease test. One evaluation at a
// time; the sequential fallback for models too costly to batch.
type Backtracking struct {
	MaxTries int
}

// armijoC scales the required decrease per unit step. The Gauss-Newton
// slope estimate at the center is -2*s0.
const armijoC = 1e-3

func (bt *Backtracking) Search(ctx context.Context, ev evaluate.Evaluator, ps *param.Set,
	center, delta []float64, target series.Target, s0 float64,
) (Step, error) {
	alpha := 1.0
	for try := 0; try < bt.MaxTries; try++ {
		x := make([]float64, len(center))
		floats.AddScaledTo(x, center, alpha, delta)
		x = ps.Clamp(x)

		results := ev.EvaluateBatch(ctx, []evaluate.Request{
			{Params: ps.ToModel(x), Tag: "linesearch"},
		})
		res := results[0]
		if !res.Failed() {
			r, err := series.Residual(res.Output, target)
			if err == nil {
				s := series.HalfSquaredNorm(r)
				if s <= s0*(1-2*armijoC*alpha) {
					return Step{
						Alpha:     alpha,
						Params:    x,
						Output:    res.Output,
						Residual:  r,
						Objective: s,
						Improved:  true,
					}, nil
				}
			}
		}
		alpha /= 2
	}
	return Step{}, nil
}
