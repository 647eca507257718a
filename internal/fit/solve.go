package fit

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

const machineEps = 2.220446049250313e-16

// SolveStep computes the Gauss-Newton step, the minimizer of
// ||J*delta + r||, by QR factorization. A rank-deficient or
// underdetermined Jacobian falls back to a truncated SVD pseudo-inverse,
// which yields the minimum-norm step over the identifiable directions.
// The returned rank is the effective rank of the solve; rank < p flags a
// degenerate system the caller should surface as a warning.
func SolveStep(jac *mat.Dense, r []float64) ([]float64, int, error) {
	m, p := jac.Dims()
	if len(r) != m {
		return nil, 0, fmt.Errorf("residual length %d does not match jacobian rows %d", len(r), m)
	}
	if !matFinite(jac) || !floatsFinite(r) {
		return nil, 0, errors.New("non-finite entries in linear system")
	}

	neg := mat.NewVecDense(m, nil)
	for i, v := range r {
		neg.SetVec(i, -v)
	}

	if m >= p {
		var qr mat.QR
		qr.Factorize(jac)
		var sol mat.VecDense
		if err := qr.SolveVecTo(&sol, false, neg); err == nil && floatsFinite(sol.RawVector().Data) {
			return append([]float64(nil), sol.RawVector().Data...), p, nil
		}
	}

	return solvePseudoInverse(jac, neg)
}

// solvePseudoInverse applies the rank-truncated pseudo-inverse
// V S^-1 U^T to the right-hand side.
func solvePseudoInverse(jac *mat.Dense, b *mat.VecDense) ([]float64, int, error) {
	m, p := jac.Dims()

	var svd mat.SVD
	if !svd.Factorize(jac, mat.SVDThin) {
		return nil, 0, errors.New("svd did not converge")
	}
	sv := svd.Values(nil)
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	tol := float64(max(m, p)) * machineEps * sv[0]
	rank := 0
	for _, s := range sv {
		if s > tol {
			rank++
		}
	}
	if rank == 0 {
		// no identifiable direction at all; a zero step lets the line
		// search report the stall instead of aborting the run
		return make([]float64, p), 0, nil
	}

	// coefficients in the singular basis
	coef := make([]float64, rank)
	for k := 0; k < rank; k++ {
		var dot float64
		for j := 0; j < m; j++ {
			dot += u.At(j, k) * b.AtVec(j)
		}
		coef[k] = dot / sv[k]
	}

	delta := make([]float64, p)
	for i := 0; i < p; i++ {
		var sum float64
		for k := 0; k < rank; k++ {
			sum += v.At(i, k) * coef[k]
		}
		delta[i] = sum
	}
	return delta, rank, nil
}

// Covariance estimates the parameter covariance RSS/(m-p) * (J^T J)^+ at
// the current iterate and returns the standard errors and the correlation
// matrix. It reports ok=false when there are no spare degrees of freedom.
func Covariance(jac *mat.Dense, r []float64) (se []float64, corr [][]float64, ok bool) {
	m, p := jac.Dims()
	if m <= p {
		return nil, nil, false
	}

	var svd mat.SVD
	if !svd.Factorize(jac, mat.SVDThin) {
		return nil, nil, false
	}
	sv := svd.Values(nil)
	var v mat.Dense
	svd.VTo(&v)

	tol := float64(max(m, p)) * machineEps * sv[0]
	sigma2 := floats.Dot(r, r) / float64(m-p)

	cov := make([][]float64, p)
	for i := range cov {
		cov[i] = make([]float64, p)
		for j := 0; j <= i; j++ {
			var sum float64
			for k := 0; k < len(sv); k++ {
				if sv[k] <= tol {
					continue
				}
				sum += v.At(i, k) * v.At(j, k) / (sv[k] * sv[k])
			}
			cov[i][j] = sigma2 * sum
			cov[j][i] = cov[i][j]
		}
	}

	se = make([]float64, p)
	for i := range se {
		se[i] = math.Sqrt(math.Max(cov[i][i], 0))
	}
	corr = make([][]float64, p)
	for i := range corr {
		corr[i] = make([]float64, p)
		for j := range corr[i] {
			if se[i] == 0 || se[j] == 0 {
				continue
			}
			corr[i][j] = cov[i][j] / (se[i] * se[j])
		}
	}
	return se, corr, true
}

func matFinite(a *mat.Dense) bool {
	m, n := a.Dims()
	for i := 0; i < m; i++ {
		for j := 0; j < n; j++ {
			v := a.At(i, j)
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return false
			}
		}
	}
	return true
}

func floatsFinite(v []float64) bool {
	for _, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}
