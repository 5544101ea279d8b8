package quadform

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/stat/distuv"
)

func chi2SF(q, dof float64) float64 {
	return distuv.ChiSquared{K: dof}.Survival(q)
}

func TestDaviesMatchesExactChiSquared(t *testing.T) {
	cfg := DefaultDaviesConfig()

	// A single unit weight is a plain chi-squared(1).
	for _, q := range []float64{0.5, 1.0, 2.0, 5.0, 10.0} {
		p, info, err := Davies(q, []float64{1}, cfg)
		require.NoError(t, err, "q=%v", q)
		assert.InDelta(t, chi2SF(q, 1), p, 1e-7, "q=%v", q)
		assert.Greater(t, info.Terms, 0)
	}

	// Two equal weights w scale a chi-squared(2).
	for _, q := range []float64{1.0, 2.0, 4.0} {
		p, _, err := Davies(q, []float64{0.5, 0.5}, cfg)
		require.NoError(t, err, "q=%v", q)
		assert.InDelta(t, chi2SF(q/0.5, 2), p, 1e-7, "q=%v", q)
	}
}

func TestDaviesUnequalWeights(t *testing.T) {
	// 2*X1 + X2 is stochastically sandwiched between X1+X2 and 2*(X1+X2),
	// so its tail at q=3 sits between the two scaled chi-squared(2) tails.
	p, _, err := Davies(3, []float64{2, 1}, DefaultDaviesConfig())
	require.NoError(t, err)
	assert.Greater(t, p, chi2SF(3.0, 2))
	assert.Less(t, p, chi2SF(1.5, 2))
}

func TestDaviesInvalidInputs(t *testing.T) {
	cfg := DefaultDaviesConfig()

	_, _, err := Davies(1, nil, cfg)
	assert.ErrorIs(t, err, ErrBadWeights)

	_, _, err = Davies(1, []float64{0, 0}, cfg)
	assert.ErrorIs(t, err, ErrBadWeights)

	_, _, err = Davies(1, []float64{1, -0.5}, cfg)
	assert.ErrorIs(t, err, ErrBadWeights)

	_, _, err = Davies(-2, []float64{1}, cfg)
	assert.ErrorIs(t, err, ErrBadWeights)

	// A zeroed config falls back to the defaults instead of failing.
	p, _, err := Davies(2, []float64{1}, DaviesConfig{})
	require.NoError(t, err)
	assert.InDelta(t, chi2SF(2, 1), p, 1e-7)
}

func TestLiuMatchesExactChiSquared(t *testing.T) {
	// A single weight has matching skewness and kurtosis, so the moment
	// matching is exact.
	for _, q := range []float64{0.5, 1.0, 2.0, 5.0} {
		p, info, err := LiuSF(q, []float64{1})
		require.NoError(t, err, "q=%v", q)
		assert.InDelta(t, chi2SF(q, 1), p, 1e-10, "q=%v", q)
		assert.InDelta(t, 1.0, info.DofX, 1e-9)
	}

	// Equal weights reduce to a scaled chi-squared(k), also exact.
	p, info, err := LiuSF(2.0, []float64{0.5, 0.5})
	require.NoError(t, err)
	assert.InDelta(t, chi2SF(4.0, 2), p, 1e-10)
	assert.InDelta(t, 2.0, info.DofX, 1e-9)
	assert.InDelta(t, 1.0, info.MuQ, 1e-12)
}

func TestLiuRejectsBadWeights(t *testing.T) {
	_, _, err := LiuSF(1, nil)
	assert.Error(t, err)
}

func TestMixturePvalueFallsBackToLiu(t *testing.T) {
	// Deep in the left tail of a chi-squared(1) the inversion cannot meet
	// the requested accuracy; the moment approximation takes over and is
	// exact for a single weight.
	p, info, err := MixturePvalue(0.1, []float64{1}, DefaultDaviesConfig())
	require.NoError(t, err)
	assert.InDelta(t, chi2SF(0.1, 1), p, 1e-7)
	assert.InDelta(t, 1.0, info.DofX, 1e-9)
}

func TestMixturePvalueAgreement(t *testing.T) {
	// Where both methods work they agree to the moment-matching accuracy.
	weights := []float64{0.7, 0.2, 0.1}
	p, _, err := MixturePvalue(2.0, weights, DefaultDaviesConfig())
	require.NoError(t, err)
	liu, _, err := LiuSF(2.0, weights)
	require.NoError(t, err)
	assert.InDelta(t, liu, p, 5e-3)
	assert.Greater(t, p, EpsilonSuperTiny)
	assert.Less(t, p, 1-EpsilonTiny+1e-12)
}

func TestClipPvalueBounds(t *testing.T) {
	assert.Equal(t, EpsilonSuperTiny, ClipPvalue(0))
	assert.Equal(t, EpsilonSuperTiny, ClipPvalue(-1))
	assert.Equal(t, 1-EpsilonTiny, ClipPvalue(1))
	assert.Equal(t, 0.5, ClipPvalue(0.5))
}

func TestLRTPvalueMonotone(t *testing.T) {
	prev := math.Inf(1)
	for _, gain := range []float64{0, 0.1, 0.5, 1, 2, 5, 10} {
		p := LRTPvalue(-100, -100+gain, 1)
		assert.LessOrEqual(t, p, prev, "gain=%v", gain)
		assert.Greater(t, p, 0.0)
		assert.Less(t, p, 1.0)
		prev = p
	}
}

func TestLRTPvalueNoImprovement(t *testing.T) {
	// An alternative that fits worse than the null still maps inside the
	// clip bounds, never to exactly 1.
	p := LRTPvalue(-50, -60, 1)
	assert.Less(t, p, 1.0)
	assert.Greater(t, p, 0.9)
}
