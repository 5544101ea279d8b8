package lmm

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"

	"github.com/adalundhe/gxemap/core/linalg"
)

// =============================================================================
// Single-trait linear mixed model
// =============================================================================
//
// Fits y ~ Normal(X @ beta, v0 * Q @ diag(S) @ Q^T + v1 * I) by maximum
// likelihood or restricted maximum likelihood. The covariance is supplied as
// an economic decomposition (Q, S) of its structured part, so the fit is
// O(n * rank) per likelihood evaluation: beta and the overall scale are
// profiled out in closed form and a single variance ratio remains, which is
// optimized numerically.
//
// The parametrization follows the usual two-component profile: with
// delta = v1 / (v0 + v1) and s = v0 + v1,
//
//   Cov = s * D,   D = (1-delta) * Q diag(S) Q^T + delta * I.
//
// D is diagonal in the eigenbasis, which makes every weighted inner product
// a rank-space sum plus a residual complement term.

var (
	// ErrNonConvergence reports that the variance-ratio optimizer did not
	// reach a usable optimum.
	ErrNonConvergence = errors.New("lmm: optimizer did not converge")

	// ErrDegenerateDesign reports a rank-deficient fixed-effect design under
	// the current covariance.
	ErrDegenerateDesign = errors.New("lmm: degenerate fixed-effect design")
)

// Model is the immutable result of one optimizer run.
type Model struct {
	// LML is the (restricted) log marginal likelihood at the optimum.
	LML float64

	// Beta holds the fixed-effect estimates.
	Beta []float64

	// V0 scales the structured covariance part, V1 the iid noise.
	V0 float64
	V1 float64

	// Delta is the fitted variance ratio V1/(V0+V1), Scale their sum.
	Delta float64
	Scale float64

	// Restricted records whether the fit used REML.
	Restricted bool

	// Refined reports whether the simplex refinement produced the final
	// variance ratio; false means the optimizer failed or regressed and
	// the fit is the coarse grid optimum itself.
	Refined bool

	mean []float64
}

// Mean returns the fitted mean X @ beta.
func (m *Model) Mean() []float64 {
	out := make([]float64, len(m.mean))
	copy(out, m.mean)
	return out
}

// ratio bounds keep D invertible when the structured part is rank deficient.
const (
	minDelta = 1e-9
	maxDelta = 1 - 1e-9
)

type profiler struct {
	n, p, r int
	s       []float64 // eigenvalues of the structured part
	qty     []float64 // Q^T y
	qtx     *mat.Dense
	yy      float64
	xty     []float64
	xtx     *mat.SymDense
	x       *mat.Dense
	y       []float64
	restr   bool
}

func newProfiler(y []float64, x *mat.Dense, qs *linalg.QS, restricted bool) (*profiler, error) {
	n := len(y)
	xr, p := x.Dims()
	if xr != n {
		return nil, fmt.Errorf("lmm: design has %d rows, trait has %d samples", xr, n)
	}
	qn, r := qs.Q.Dims()
	if qn != n {
		return nil, fmt.Errorf("lmm: decomposition has %d rows, trait has %d samples", qn, n)
	}
	if p >= n {
		return nil, fmt.Errorf("%w: %d covariates for %d samples", ErrDegenerateDesign, p, n)
	}

	yv := mat.NewVecDense(n, y)
	qty := mat.NewVecDense(r, nil)
	qty.MulVec(qs.Q.T(), yv)

	qtx := mat.NewDense(r, p, nil)
	qtx.Mul(qs.Q.T(), x)

	xty := mat.NewVecDense(p, nil)
	xty.MulVec(x.T(), yv)

	var xtx mat.SymDense
	xtx.SymOuterK(1, x.T())

	return &profiler{
		n:     n,
		p:     p,
		r:     r,
		s:     qs.S,
		qty:   qty.RawVector().Data,
		qtx:   qtx,
		yy:    mat.Dot(yv, yv),
		xty:   xty.RawVector().Data,
		xtx:   &xtx,
		x:     x,
		y:     y,
		restr: restricted,
	}, nil
}

type profileFit struct {
	lml   float64
	beta  []float64
	scale float64
}

// evaluate profiles beta and the scale at a fixed variance ratio and returns
// the resulting (restricted) log marginal likelihood.
func (pr *profiler) evaluate(delta float64) (*profileFit, error) {
	n, p, r := pr.n, pr.p, pr.r

	d := make([]float64, r)
	logdetD := float64(n-r) * math.Log(delta)
	for i := range d {
		d[i] = (1-delta)*pr.s[i] + delta
		logdetD += math.Log(d[i])
	}

	// A = X^T D^-1 X, b = X^T D^-1 y, split into rank space and complement.
	a := mat.NewSymDense(p, nil)
	b := make([]float64, p)
	for i := 0; i < p; i++ {
		for j := i; j < p; j++ {
			var core, plain float64
			for k := 0; k < r; k++ {
				core += pr.qtx.At(k, i) * pr.qtx.At(k, j) / d[k]
				plain += pr.qtx.At(k, i) * pr.qtx.At(k, j)
			}
			a.SetSym(i, j, core+(pr.xtx.At(i, j)-plain)/delta)
		}
		var core, plain float64
		for k := 0; k < r; k++ {
			core += pr.qtx.At(k, i) * pr.qty[k] / d[k]
			plain += pr.qtx.At(k, i) * pr.qty[k]
		}
		b[i] = core + (pr.xty[i]-plain)/delta
	}

	var chol mat.Cholesky
	if !chol.Factorize(a) {
		return nil, ErrDegenerateDesign
	}
	beta := mat.NewVecDense(p, nil)
	if err := chol.SolveVecTo(beta, mat.NewVecDense(p, b)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDegenerateDesign, err)
	}

	var ydy, qq float64
	for k := 0; k < r; k++ {
		ydy += pr.qty[k] * pr.qty[k] / d[k]
		qq += pr.qty[k] * pr.qty[k]
	}
	comp := pr.yy - qq
	if comp < 0 {
		comp = 0
	}
	ydy += comp / delta

	rss := ydy - mat.Dot(beta, mat.NewVecDense(p, b))
	if rss <= 0 || math.IsNaN(rss) {
		return nil, fmt.Errorf("%w: non-positive residual quadratic form", ErrDegenerateDesign)
	}

	var lml, scale float64
	if pr.restr {
		scale = rss / float64(n-p)
		lml = -0.5 * (float64(n-p)*math.Log(2*math.Pi*scale) + logdetD + chol.LogDet() + float64(n-p))
	} else {
		scale = rss / float64(n)
		lml = -0.5 * (float64(n)*math.Log(2*math.Pi*scale) + logdetD + float64(n))
	}
	return &profileFit{lml: lml, beta: beta.RawVector().Data, scale: scale}, nil
}

func logistic(x float64) float64 {
	v := 1 / (1 + math.Exp(-x))
	if v < minDelta {
		return minDelta
	}
	if v > maxDelta {
		return maxDelta
	}
	return v
}

// Fit estimates beta and the two variance components by (restricted)
// maximum likelihood. The variance ratio is located with a coarse grid pass
// followed by a simplex refinement on its logit.
func Fit(y []float64, x *mat.Dense, qs *linalg.QS, restricted bool) (*Model, error) {
	pr, err := newProfiler(y, x, qs, restricted)
	if err != nil {
		return nil, err
	}

	bestDelta := math.NaN()
	bestLML := math.Inf(-1)
	for i := 1; i < 40; i++ {
		delta := logistic(-8 + 16*float64(i)/40)
		fit, err := pr.evaluate(delta)
		if err != nil || math.IsNaN(fit.lml) {
			continue
		}
		if fit.lml > bestLML {
			bestLML = fit.lml
			bestDelta = delta
		}
	}
	if math.IsNaN(bestDelta) {
		return nil, fmt.Errorf("%w: no usable grid point", ErrNonConvergence)
	}

	problem := optimize.Problem{
		Func: func(xv []float64) float64 {
			fit, err := pr.evaluate(logistic(xv[0]))
			if err != nil || math.IsNaN(fit.lml) {
				return math.Inf(1)
			}
			return -fit.lml
		},
	}
	x0 := []float64{math.Log(bestDelta / (1 - bestDelta))}
	result, optErr := optimize.Minimize(problem, x0, &optimize.Settings{
		Converger: &optimize.FunctionConverge{Absolute: 1e-10, Iterations: 50},
	}, &optimize.NelderMead{})

	// The grid optimum is always usable, so a refinement failure falls
	// back to it rather than aborting; Refined tells the two apart.
	delta := bestDelta
	refined := false
	if optErr == nil && result != nil && !math.IsInf(result.F, 1) && -result.F >= bestLML {
		delta = logistic(result.X[0])
		refined = true
	}

	fit, err := pr.evaluate(delta)
	if err != nil {
		return nil, err
	}

	mean := make([]float64, pr.n)
	meanVec := mat.NewVecDense(pr.n, mean)
	meanVec.MulVec(x, mat.NewVecDense(pr.p, fit.beta))

	return &Model{
		LML:        fit.lml,
		Beta:       fit.beta,
		V0:         fit.scale * (1 - delta),
		V1:         fit.scale * delta,
		Delta:      delta,
		Scale:      fit.scale,
		Restricted: restricted,
		Refined:    refined,
		mean:       mean,
	}, nil
}

// Scanner refits only the fixed effects and the scale for a stream of
// augmented designs [W | g] at a frozen variance ratio, the fast-scan
// shortcut used by the association path.
type Scanner struct {
	pr    *profiler
	w     *mat.Dense
	qs    *linalg.QS
	delta float64
}

// NewScanner freezes the variance ratio of a fitted null model over the
// base design w.
func NewScanner(y []float64, w *mat.Dense, qs *linalg.QS, delta float64) (*Scanner, error) {
	pr, err := newProfiler(y, w, qs, false)
	if err != nil {
		return nil, err
	}
	return &Scanner{pr: pr, w: w, qs: qs, delta: delta}, nil
}

// LML returns the full-ML log marginal likelihood of the design [W | g]
// with beta and scale re-profiled at the frozen ratio.
func (sc *Scanner) LML(g []float64) (float64, error) {
	n, p := sc.w.Dims()
	if len(g) != n {
		return 0, fmt.Errorf("lmm: genotype length %d != %d samples", len(g), n)
	}
	x := mat.NewDense(n, p+1, nil)
	x.Slice(0, n, 0, p).(*mat.Dense).Copy(sc.w)
	x.SetCol(p, g)

	pr, err := newProfiler(sc.pr.y, x, sc.qs, false)
	if err != nil {
		return 0, err
	}
	fit, err := pr.evaluate(sc.delta)
	if err != nil {
		return 0, err
	}
	return fit.lml, nil
}
