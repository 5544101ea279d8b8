package quadform

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat/distuv"
)

// LiuInfo carries the moment-matching parameters behind a Liu approximation.
type LiuInfo struct {
	MuQ    float64 // mean of Q
	SigmaQ float64 // standard deviation of Q
	DofX   float64 // degrees of freedom of the surrogate chi-square
	DeltaX float64 // noncentrality of the surrogate chi-square
}

// LiuSF approximates Pr(Q >= statistic) for Q ~ sum_j weights[j]*chi-square(1)
// by matching moments against a (non)central chi-square surrogate, using the
// kurtosis-modified variant of Liu, Tang and Zhang. It is cheaper and far
// more robust than characteristic-function inversion and serves as the
// documented fallback when Davies fails on extreme statistics.
func LiuSF(statistic float64, weights []float64) (float64, LiuInfo, error) {
	var c1, c2, c3, c4 float64
	any := false
	for _, w := range weights {
		if w < 0 {
			return 0, LiuInfo{}, fmt.Errorf("%w: negative weight %v", ErrBadWeights, w)
		}
		if w > 0 {
			any = true
		}
		w2 := w * w
		c1 += w
		c2 += w2
		c3 += w2 * w
		c4 += w2 * w2
	}
	if !any {
		return 0, LiuInfo{}, fmt.Errorf("%w: all weights are zero", ErrBadWeights)
	}

	s1 := c3 / math.Pow(c2, 1.5)
	s2 := c4 / (c2 * c2)
	muQ := c1
	sigmaQ := math.Sqrt(2 * c2)

	var dofX, deltaX float64
	if s1*s1 > s2 {
		a := 1 / (s1 - math.Sqrt(s1*s1-s2))
		deltaX = s1*a*a*a - a*a
		dofX = a*a - 2*deltaX
	} else {
		// Modified Liu: match kurtosis instead of skewness.
		deltaX = 0
		dofX = 1 / s2
	}

	muX := dofX + deltaX
	sigmaX := math.Sqrt(2 * (dofX + 2*deltaX))
	t := (statistic - muQ) / sigmaQ

	p := noncentralChiSquaredSF(t*sigmaX+muX, dofX, deltaX)
	info := LiuInfo{MuQ: muQ, SigmaQ: sigmaQ, DofX: dofX, DeltaX: deltaX}
	if math.IsNaN(p) {
		return 0, info, fmt.Errorf("%w: Liu approximation returned NaN", ErrTailApprox)
	}
	return p, info, nil
}

// noncentralChiSquaredSF evaluates the survival function of a noncentral
// chi-square via its Poisson mixture of central chi-squares. The central
// case short-circuits to the gonum survival function.
func noncentralChiSquaredSF(x, dof, delta float64) float64 {
	if x <= 0 {
		return 1
	}
	if delta <= 0 {
		return distuv.ChiSquared{K: dof}.Survival(x)
	}
	half := delta / 2
	logw := -half
	var p float64
	for j := 0; j < 1000; j++ {
		w := math.Exp(logw)
		p += w * distuv.ChiSquared{K: dof + 2*float64(j)}.Survival(x)
		if w < 1e-16 && float64(j) > half {
			break
		}
		logw += math.Log(half) - math.Log(float64(j)+1)
	}
	if p > 1 {
		p = 1
	}
	return p
}
