package lmm

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"

	"github.com/adalundhe/gxemap/core/linalg"
)

func randomDense(rng *rand.Rand, r, c int) *mat.Dense {
	out := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			out.Set(i, j, rng.NormFloat64())
		}
	}
	return out
}

func testProblem(t *testing.T, seed uint64, n, p, cols int) ([]float64, *mat.Dense, *mat.Dense, *linalg.QS) {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	x := randomDense(rng, n, p)
	for i := 0; i < n; i++ {
		x.Set(i, 0, 1)
	}
	h := randomDense(rng, n, cols)
	y := make([]float64, n)
	for i := range y {
		y[i] = rng.NormFloat64()
	}
	qs, err := linalg.EconomicQS(h)
	require.NoError(t, err)
	return y, x, h, qs
}

// denseProfile evaluates the profiled likelihood directly on the dense
// covariance D = (1-delta) * H H^T + delta * I.
func denseProfile(t *testing.T, y []float64, x, h *mat.Dense, delta float64, restricted bool) (lml float64, beta []float64) {
	t.Helper()
	n := len(y)
	_, p := x.Dims()

	var d mat.Dense
	d.Mul(h, h.T())
	sym := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			v := (1 - delta) * 0.5 * (d.At(i, j) + d.At(j, i))
			if i == j {
				v += delta
			}
			sym.SetSym(i, j, v)
		}
	}
	var chol mat.Cholesky
	require.True(t, chol.Factorize(sym))

	diX := mat.NewDense(n, p, nil)
	require.NoError(t, chol.SolveTo(diX, x))
	diY := mat.NewVecDense(n, nil)
	require.NoError(t, chol.SolveVecTo(diY, mat.NewVecDense(n, y)))

	a := mat.NewDense(p, p, nil)
	a.Mul(x.T(), diX)
	asym := mat.NewSymDense(p, nil)
	for i := 0; i < p; i++ {
		for j := i; j < p; j++ {
			asym.SetSym(i, j, 0.5*(a.At(i, j)+a.At(j, i)))
		}
	}
	b := mat.NewVecDense(p, nil)
	b.MulVec(x.T(), diY)

	var achol mat.Cholesky
	require.True(t, achol.Factorize(asym))
	bv := mat.NewVecDense(p, nil)
	require.NoError(t, achol.SolveVecTo(bv, b))

	ydy := mat.Dot(mat.NewVecDense(n, y), diY)
	rss := ydy - mat.Dot(bv, b)

	if restricted {
		scale := rss / float64(n-p)
		lml = -0.5 * (float64(n-p)*math.Log(2*math.Pi*scale) + chol.LogDet() + achol.LogDet() + float64(n-p))
	} else {
		scale := rss / float64(n)
		lml = -0.5 * (float64(n)*math.Log(2*math.Pi*scale) + chol.LogDet() + float64(n))
	}
	return lml, bv.RawVector().Data
}

func TestProfileMatchesDenseML(t *testing.T) {
	y, x, h, qs := testProblem(t, 11, 20, 2, 3)
	pr, err := newProfiler(y, x, qs, false)
	require.NoError(t, err)

	for _, delta := range []float64{0.1, 0.35, 0.7, 0.95} {
		fit, err := pr.evaluate(delta)
		require.NoError(t, err, "delta=%v", delta)

		wantLML, wantBeta := denseProfile(t, y, x, h, delta, false)
		assert.InDelta(t, wantLML, fit.lml, 1e-8, "delta=%v", delta)
		for i := range wantBeta {
			assert.InDelta(t, wantBeta[i], fit.beta[i], 1e-8, "delta=%v beta[%d]", delta, i)
		}
	}
}

func TestProfileMatchesDenseREML(t *testing.T) {
	y, x, h, qs := testProblem(t, 12, 25, 3, 4)
	pr, err := newProfiler(y, x, qs, true)
	require.NoError(t, err)

	for _, delta := range []float64{0.1, 0.35, 0.7, 0.95} {
		fit, err := pr.evaluate(delta)
		require.NoError(t, err, "delta=%v", delta)

		wantLML, _ := denseProfile(t, y, x, h, delta, true)
		assert.InDelta(t, wantLML, fit.lml, 1e-8, "delta=%v", delta)
	}
}

func TestFitReachesGridOptimum(t *testing.T) {
	y, x, _, qs := testProblem(t, 13, 30, 2, 4)

	model, err := Fit(y, x, qs, false)
	require.NoError(t, err)

	pr, err := newProfiler(y, x, qs, false)
	require.NoError(t, err)
	for i := 1; i < 100; i++ {
		delta := float64(i) / 100
		fit, err := pr.evaluate(delta)
		if err != nil {
			continue
		}
		assert.GreaterOrEqual(t, model.LML+1e-6, fit.lml, "delta=%v", delta)
	}
}

func TestFitComponentIdentities(t *testing.T) {
	y, x, _, qs := testProblem(t, 14, 30, 2, 4)

	for _, restricted := range []bool{false, true} {
		model, err := Fit(y, x, qs, restricted)
		require.NoError(t, err)

		assert.Equal(t, restricted, model.Restricted)
		// A smooth profile always accepts the simplex refinement; the
		// grid fallback is for optimizer failures only.
		assert.True(t, model.Refined)
		assert.InDelta(t, model.Scale, model.V0+model.V1, 1e-12)
		assert.InDelta(t, model.Delta, model.V1/model.Scale, 1e-12)
		assert.Greater(t, model.Scale, 0.0)
		assert.Len(t, model.Beta, 2)
		assert.Len(t, model.Mean(), 30)
	}
}

func TestFitRejectsBadShapes(t *testing.T) {
	y, x, _, qs := testProblem(t, 15, 10, 2, 3)

	_, err := Fit(y[:5], x, qs, false)
	assert.Error(t, err)

	wide := mat.NewDense(10, 10, nil)
	_, err = Fit(y, wide, qs, false)
	assert.ErrorIs(t, err, ErrDegenerateDesign)
}

func TestFitDegenerateDesign(t *testing.T) {
	y, x, _, qs := testProblem(t, 16, 20, 2, 3)

	// Duplicate the intercept so the design loses rank.
	n, p := x.Dims()
	bad := mat.NewDense(n, p+1, nil)
	bad.Slice(0, n, 0, p).(*mat.Dense).Copy(x)
	col := make([]float64, n)
	mat.Col(col, 0, x)
	bad.SetCol(p, col)

	_, err := Fit(y, bad, qs, false)
	assert.Error(t, err)
}

func TestScannerMatchesFullProfile(t *testing.T) {
	y, w, _, qs := testProblem(t, 17, 25, 2, 3)

	null, err := Fit(y, w, qs, false)
	require.NoError(t, err)
	sc, err := NewScanner(y, w, qs, null.Delta)
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(18))
	g := make([]float64, 25)
	for i := range g {
		g[i] = float64(rng.Intn(3))
	}

	got, err := sc.LML(g)
	require.NoError(t, err)

	// Same augmented design evaluated through the full profile path.
	n, p := w.Dims()
	x := mat.NewDense(n, p+1, nil)
	x.Slice(0, n, 0, p).(*mat.Dense).Copy(w)
	x.SetCol(p, g)
	pr, err := newProfiler(y, x, qs, false)
	require.NoError(t, err)
	fit, err := pr.evaluate(null.Delta)
	require.NoError(t, err)

	assert.InDelta(t, fit.lml, got, 1e-12)

	// The augmented model can never fit worse than the null at the same
	// variance ratio.
	assert.GreaterOrEqual(t, got+1e-9, null.LML)
}
