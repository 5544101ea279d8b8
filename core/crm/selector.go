package crm

import (
	"fmt"
	"log/slog"

	"gonum.org/v1/gonum/mat"

	"github.com/adalundhe/gxemap/core/linalg"
	"github.com/adalundhe/gxemap/core/lmm"
)

// candidate pairs one mixing-weight grid point with its fitted model.
type candidate struct {
	idx int
	rho float64
	fit *lmm.Model
}

// selectBest returns the candidate with the largest log marginal likelihood.
// Ties keep the earliest grid point, so repeated runs pick the same weight.
func selectBest(cands []candidate) (candidate, error) {
	if len(cands) == 0 {
		return candidate{}, ErrAllCandidatesFailed
	}
	best := cands[0]
	for _, c := range cands[1:] {
		if c.fit.LML > best.fit.LML {
			best = c
		}
	}
	return best, nil
}

// gridFit fits one model per grid point against the supplied decompositions
// and returns the best. Individual grid-point failures are logged and
// skipped; the error is returned only when every point fails.
func gridFit(y []float64, x *mat.Dense, grid []float64, qs []*linalg.QS, restricted bool, log *slog.Logger) (candidate, error) {
	cands := make([]candidate, 0, len(grid))
	var lastErr error
	for i, rho := range grid {
		fit, err := lmm.Fit(y, x, qs[i], restricted)
		if err != nil {
			lastErr = err
			log.Warn("mixing-weight grid point failed",
				slog.Float64("rho", rho),
				slog.String("error", err.Error()),
			)
			continue
		}
		cands = append(cands, candidate{idx: i, rho: rho, fit: fit})
	}
	best, err := selectBest(cands)
	if err != nil {
		return candidate{}, fmt.Errorf("%w: last failure: %v", err, lastErr)
	}
	return best, nil
}
