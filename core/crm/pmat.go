package crm

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// PMat is the projection onto the orthogonal complement of the fixed-effect
// design under a given covariance:
//
//	P = Cov^-1 - Cov^-1 X (X^T Cov^-1 X)^-1 X^T Cov^-1
//
// represented implicitly: products with P cost one covariance solve plus a
// small p x p triangular solve. P annihilates the design (P @ X = 0), is
// symmetric, and is idempotent up to the covariance metric, which is what
// the score test needs.
type PMat struct {
	cov  *QSCov
	x    *mat.Dense
	cix  *mat.Dense // Cov^-1 X, cached
	chol mat.Cholesky
}

// NewPMat prepares the projector for the design x under the covariance cov.
// A rank-deficient design surfaces here as ErrDegenerateCovariance.
func NewPMat(cov *QSCov, x *mat.Dense) (*PMat, error) {
	cix, err := cov.SolveMat(x)
	if err != nil {
		return nil, err
	}

	_, p := x.Dims()
	gram := mat.NewDense(p, p, nil)
	gram.Mul(x.T(), cix)
	sym := mat.NewSymDense(p, nil)
	for i := 0; i < p; i++ {
		for j := i; j < p; j++ {
			sym.SetSym(i, j, 0.5*(gram.At(i, j)+gram.At(j, i)))
		}
	}

	pm := &PMat{cov: cov, x: x, cix: cix}
	if !pm.chol.Factorize(sym) {
		return nil, fmt.Errorf("%w: fixed-effect design is rank deficient under the covariance", ErrDegenerateCovariance)
	}
	return pm, nil
}

// Dot computes P @ v.
func (pm *PMat) Dot(v []float64) ([]float64, error) {
	civ, err := pm.cov.Solve(v)
	if err != nil {
		return nil, err
	}
	n, p := pm.x.Dims()

	t := mat.NewVecDense(p, nil)
	t.MulVec(pm.x.T(), mat.NewVecDense(n, civ))

	u := mat.NewVecDense(p, nil)
	if err := pm.chol.SolveVecTo(u, t); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDegenerateCovariance, err)
	}

	out := make([]float64, n)
	ov := mat.NewVecDense(n, out)
	ov.MulVec(pm.cix, u)
	for i := range out {
		out[i] = civ[i] - out[i]
	}
	return out, nil
}

// DotMat computes P @ B column-wise.
func (pm *PMat) DotMat(b *mat.Dense) (*mat.Dense, error) {
	n, _ := pm.x.Dims()
	bn, bc := b.Dims()
	if bn != n {
		return nil, fmt.Errorf("%w: matrix has %d rows, projector order %d", ErrShape, bn, n)
	}
	out := mat.NewDense(n, bc, nil)
	col := make([]float64, n)
	for j := 0; j < bc; j++ {
		mat.Col(col, j, b)
		pv, err := pm.Dot(col)
		if err != nil {
			return nil, err
		}
		out.SetCol(j, pv)
	}
	return out, nil
}
