package fit

import (
	"context"
	"errors"
	"log/slog"

	"gonum.org/v1/gonum/mat"

	"github.com/cwbudde/simfit/internal/evaluate"
	"github.com/cwbudde/simfit/internal/param"
	"github.com/cwbudde/simfit/internal/series"
)

// Jacobian estimates the residual Jacobian at center by forward
// differences. All perturbed vectors go out as one concurrent batch; the
// center residual comes from the caller and is never re-evaluated.
//
// A failed perturbation does not abort the iteration: its column stays
// zero and the parameter is reported as non-identifiable for this
// iteration. Only a fully failed batch is an error.
func Jacobian(ctx context.Context, ev evaluate.Evaluator, ps *param.Set,
	center, centerRes []float64, target series.Target, eps float64,
) (*mat.Dense, []string, error) {
	p := ps.Len()
	m := len(centerRes)

	xs := make([][]float64, p)
	deltas := make([]float64, p)
	reqs := make([]evaluate.Request, p)
	for i := 0; i < p; i++ {
		xs[i], deltas[i] = perturb(ps, center, i, eps)
		reqs[i] = evaluate.Request{Params: ps.ToModel(xs[i]), Tag: "jacobian"}
	}

	results := ev.EvaluateBatch(ctx, reqs)

	jac := mat.NewDense(m, p, nil)
	var dead []string
	for i, res := range results {
		name := ps.At(i).Name
		if deltas[i] == 0 {
			dead = append(dead, name)
			continue
		}
		if res.Failed() {
			dead = append(dead, name)
			continue
		}
		r, err := series.Residual(res.Output, target)
		if err != nil || len(r) != m {
			dead = append(dead, name)
			continue
		}
		for j := 0; j < m; j++ {
			jac.Set(j, i, (r[j]-centerRes[j])/deltas[i])
		}
	}

	if len(dead) == p {
		return nil, dead, errors.New("every jacobian perturbation failed")
	}
	if len(dead) > 0 {
		slog.Warn("Parameters not identifiable this iteration", "parameters", dead)
	}
	return jac, dead, nil
}

// perturb builds the forward-difference point for component i: a relative
// step of eps, or eps absolutely when the component is zero. The point is
// clamped to the bounds; if clamping swallows the step the direction is
// flipped. The returned delta is the effective, post-clamp step.
func perturb(ps *param.Set, center []float64, i int, eps float64) ([]float64, float64) {
	x := append([]float64(nil), center...)
	step := center[i] * eps
	if step == 0 {
		step = eps
	}
	x[i] = center[i] + step
	x = ps.Clamp(x)
	if x[i] == center[i] {
		x[i] = center[i] - step
		x = ps.Clamp(x)
	}
	return x, x[i] - center[i]
}
