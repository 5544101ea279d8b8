package quadform

import (
	"math"

	"gonum.org/v1/gonum/stat/distuv"
)

// Clipping bounds applied to every p-value leaving this package. The lower
// bound is the double-precision machine epsilon, the upper complement is its
// square root. Exact 0 and 1 break downstream multiple-testing corrections.
const (
	EpsilonTiny      = 1.4901161193847656e-08
	EpsilonSuperTiny = 2.220446049250313e-16
)

// ClipPvalue forces p into [EpsilonSuperTiny, 1-EpsilonTiny].
func ClipPvalue(p float64) float64 {
	if p < EpsilonSuperTiny {
		return EpsilonSuperTiny
	}
	if p > 1-EpsilonTiny {
		return 1 - EpsilonTiny
	}
	return p
}

// MixturePvalue converts a score statistic and its chi-square mixture
// weights into a clipped p-value: Davies' method first, the modified Liu
// approximation when the inversion fails or returns an unusable value.
// The returned Liu parameters are always populated as moment diagnostics.
func MixturePvalue(statistic float64, weights []float64, cfg DaviesConfig) (float64, LiuInfo, error) {
	liuP, info, liuErr := LiuSF(statistic, weights)

	p, _, err := Davies(statistic, weights, cfg)
	if err == nil {
		return ClipPvalue(p), info, nil
	}
	if liuErr != nil {
		return math.NaN(), info, liuErr
	}
	return ClipPvalue(liuP), info, nil
}

// LRTPvalue converts a likelihood ratio into a clipped p-value via the
// chi-square survival function with the given degrees of freedom. The ratio
// is floored at the machine epsilon so that alternatives that fit no better
// than the null map to a p-value just below 1 rather than exactly 1.
func LRTPvalue(nullLML, altLML, dof float64) float64 {
	lr := 2 * (altLML - nullLML)
	if lr < EpsilonSuperTiny {
		lr = EpsilonSuperTiny
	}
	return ClipPvalue(distuv.ChiSquared{K: dof}.Survival(lr))
}
