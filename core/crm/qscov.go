package crm

import (
	"fmt"

	"github.com/viterin/vek"
	"gonum.org/v1/gonum/mat"

	"github.com/adalundhe/gxemap/core/linalg"
)

// QSCov represents Cov = v1 * Q diag(S) Q^T + v2 * I through its economic
// decomposition, exposing solve and product operations that never form the
// dense n x n matrix. Solves cost O(n * rank) via the spectral identity:
// components inside the column space of Q are divided by v1*S + v2, the
// orthogonal complement by v2 alone. When the structured part spans the
// whole space and v2 vanishes, the covariance is still invertible and the
// solve runs purely in the rank space with no complement term.
type QSCov struct {
	q  *mat.Dense
	s  []float64
	v1 float64
	v2 float64

	// Rank-space scaling: 1/(v1*S_i + v2) - 1/v2 when the complement term
	// exists, 1/(v1*S_i) in the noise-free full-rank case.
	correction []float64

	// pureRank marks the noise-free full-rank case, where the complement
	// division by v2 must be skipped rather than performed against zero.
	pureRank bool
}

const degenerateTol = 1e-12

// NewQSCov validates the variance components and precomputes the spectral
// correction terms.
func NewQSCov(qs *linalg.QS, v1, v2 float64) (*QSCov, error) {
	if v1 < 0 || v2 < 0 {
		return nil, fmt.Errorf("%w: negative variance component (v1=%v, v2=%v)", ErrDegenerateCovariance, v1, v2)
	}
	n, r := qs.Q.Dims()
	if v2 < degenerateTol {
		if r < n {
			return nil, fmt.Errorf("%w: noise variance %v with rank-deficient structure", ErrDegenerateCovariance, v2)
		}
		if v1 < degenerateTol {
			return nil, fmt.Errorf("%w: both variance components vanish", ErrDegenerateCovariance)
		}
		// Full-rank structure with no noise: v1 * Q diag(S) Q^T is
		// invertible on its own.
		corr := make([]float64, r)
		for i, s := range qs.S {
			d := v1 * s
			if d < degenerateTol {
				return nil, fmt.Errorf("%w: spectral value %v at direction %d", ErrDegenerateCovariance, d, i)
			}
			corr[i] = 1 / d
		}
		return &QSCov{q: qs.Q, s: qs.S, v1: v1, v2: 0, correction: corr, pureRank: true}, nil
	}

	corr := make([]float64, r)
	for i, s := range qs.S {
		d := v1*s + v2
		if d < degenerateTol {
			return nil, fmt.Errorf("%w: spectral value %v at direction %d", ErrDegenerateCovariance, d, i)
		}
		corr[i] = 1/d - 1/v2
	}
	return &QSCov{q: qs.Q, s: qs.S, v1: v1, v2: v2, correction: corr}, nil
}

// Solve computes Cov^-1 @ b.
func (c *QSCov) Solve(b []float64) ([]float64, error) {
	n, r := c.q.Dims()
	if len(b) != n {
		return nil, fmt.Errorf("%w: vector length %d, covariance order %d", ErrShape, len(b), n)
	}

	bv := mat.NewVecDense(n, b)
	bt := mat.NewVecDense(r, nil)
	bt.MulVec(c.q.T(), bv)

	scaled := bt.RawVector().Data
	vek.Mul_Inplace(scaled, c.correction)

	out := make([]float64, n)
	ov := mat.NewVecDense(n, out)
	ov.MulVec(c.q, mat.NewVecDense(r, scaled))
	if !c.pureRank {
		for i := range out {
			out[i] += b[i] / c.v2
		}
	}
	return out, nil
}

// SolveMat computes Cov^-1 @ B column-wise.
func (c *QSCov) SolveMat(b *mat.Dense) (*mat.Dense, error) {
	n, _ := c.q.Dims()
	bn, bc := b.Dims()
	if bn != n {
		return nil, fmt.Errorf("%w: matrix has %d rows, covariance order %d", ErrShape, bn, n)
	}
	out := mat.NewDense(n, bc, nil)
	col := make([]float64, n)
	for j := 0; j < bc; j++ {
		mat.Col(col, j, b)
		solved, err := c.Solve(col)
		if err != nil {
			return nil, err
		}
		out.SetCol(j, solved)
	}
	return out, nil
}

// Dot computes Cov @ b using the same factors.
func (c *QSCov) Dot(b []float64) ([]float64, error) {
	n, r := c.q.Dims()
	if len(b) != n {
		return nil, fmt.Errorf("%w: vector length %d, covariance order %d", ErrShape, len(b), n)
	}

	bv := mat.NewVecDense(n, b)
	bt := mat.NewVecDense(r, nil)
	bt.MulVec(c.q.T(), bv)

	scaled := bt.RawVector().Data
	for i := range scaled {
		scaled[i] *= c.v1 * c.s[i]
	}

	out := make([]float64, n)
	ov := mat.NewVecDense(n, out)
	ov.MulVec(c.q, mat.NewVecDense(r, scaled))
	for i := range out {
		out[i] += c.v2 * b[i]
	}
	return out, nil
}
