package crm

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/adalundhe/gxemap/core/linalg"
)

// ScoreStatistic evaluates the variance-component score test for an
// interaction term whose random effect has covariance proportional to
// (g*E)(g*E)^T. Under the null the statistic follows a mixture of
// chi-squared(1) variables whose weights are the nonzero eigenvalues of
// (1/2) * (g*E)^T P (g*E).
type ScoreStatistic struct {
	p  *PMat
	gE *mat.Dense
}

// NewScoreStatistic binds a projector to one variant's scaled environment
// matrix gE, the environment with each row multiplied by the genotype dosage.
func NewScoreStatistic(p *PMat, gE *mat.Dense) (*ScoreStatistic, error) {
	n, _ := p.x.Dims()
	gn, _ := gE.Dims()
	if gn != n {
		return nil, fmt.Errorf("%w: interaction term has %d rows, projector order %d", ErrShape, gn, n)
	}
	return &ScoreStatistic{p: p, gE: gE}, nil
}

// Statistic computes Q = (1/2) * || (g*E)^T P y ||^2.
func (st *ScoreStatistic) Statistic(y []float64) (float64, error) {
	py, err := st.p.Dot(y)
	if err != nil {
		return 0, err
	}
	n, k := st.gE.Dims()

	t := mat.NewVecDense(k, nil)
	t.MulVec(st.gE.T(), mat.NewVecDense(n, py))

	var q float64
	for _, v := range t.RawVector().Data {
		q += v * v
	}
	return 0.5 * q, nil
}

// DistWeights returns the chi-squared mixture weights of the null
// distribution: the nonzero eigenvalues of (1/2) * (g*E)^T P (g*E),
// descending.
func (st *ScoreStatistic) DistWeights() ([]float64, error) {
	pgE, err := st.p.DotMat(st.gE)
	if err != nil {
		return nil, err
	}
	_, k := st.gE.Dims()

	m := mat.NewDense(k, k, nil)
	m.Mul(st.gE.T(), pgE)
	sym := mat.NewSymDense(k, nil)
	for i := 0; i < k; i++ {
		for j := i; j < k; j++ {
			sym.SetSym(i, j, 0.25*(m.At(i, j)+m.At(j, i)))
		}
	}

	var eig mat.EigenSym
	if !eig.Factorize(sym, false) {
		return nil, fmt.Errorf("%w: eigendecomposition of the score kernel failed", ErrDegenerateCovariance)
	}
	vals := eig.Values(nil)

	var largest float64
	for _, v := range vals {
		if v > largest {
			largest = v
		}
	}
	if largest <= 0 {
		return nil, linalg.ErrRankZero
	}
	tol := largest * float64(len(vals)) * machineEps
	out := make([]float64, 0, len(vals))
	for i := len(vals) - 1; i >= 0; i-- {
		if vals[i] > tol {
			out = append(out, vals[i])
		}
	}
	return out, nil
}

const machineEps = 2.220446049250313e-16
