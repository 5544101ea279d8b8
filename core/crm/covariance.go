package crm

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/adalundhe/gxemap/core/linalg"
)

// rhoGridPoints is the fixed discretization of the mixing weight between the
// environment-only background term and the kinship-structured term.
const rhoGridPoints = 11

// RhoGrid returns the mixing-weight discretization: 11 equally spaced points
// in [0, 1] when secondary covariance structure exists, otherwise the
// singleton {1}, which collapses the background to the environment term.
func RhoGrid(hasSecondary bool) []float64 {
	if !hasSecondary {
		return []float64{1}
	}
	grid := make([]float64, rhoGridPoints)
	for i := range grid {
		grid[i] = float64(i) / float64(rhoGridPoints-1)
	}
	return grid
}

// HalfSigma assembles the covariance square root for one mixing weight:
//
//	H(rho) = [sqrt(rho)*primary | sqrt(1-rho)*sec_1 | sqrt(1-rho)*sec_2 | ...]
//
// so that H @ H^T = rho * primary @ primary^T + (1-rho) * sum_i sec_i @ sec_i^T.
// The Gram construction keeps the implied covariance positive semi-definite
// for every rho without any explicit check.
func HalfSigma(rho float64, primary *mat.Dense, secondary []*mat.Dense) (*mat.Dense, error) {
	if rho < 0 || rho > 1 {
		return nil, fmt.Errorf("%w: mixing weight %v outside [0, 1]", ErrShape, rho)
	}
	n, cols := primary.Dims()
	for _, s := range secondary {
		sn, sc := s.Dims()
		if sn != n {
			return nil, fmt.Errorf("%w: secondary factor has %d rows, primary has %d", ErrShape, sn, n)
		}
		cols += sc
	}

	a := math.Sqrt(rho)
	b := math.Sqrt(1 - rho)
	h := mat.NewDense(n, cols, nil)

	_, pc := primary.Dims()
	for i := 0; i < n; i++ {
		for j := 0; j < pc; j++ {
			h.Set(i, j, a*primary.At(i, j))
		}
	}
	off := pc
	for _, s := range secondary {
		_, sc := s.Dims()
		for i := 0; i < n; i++ {
			for j := 0; j < sc; j++ {
				h.Set(i, off+j, b*s.At(i, j))
			}
		}
		off += sc
	}
	return h, nil
}

// background holds the per-rho covariance decompositions shared by every
// variant of a scan: an ordered array indexed by grid position, built once
// at construction and read-only afterwards.
type background struct {
	grid []float64
	half []*mat.Dense
	qs   []*linalg.QS
}

func newBackground(primary *mat.Dense, secondary []*mat.Dense) (*background, error) {
	grid := RhoGrid(len(secondary) > 0)
	bg := &background{
		grid: grid,
		half: make([]*mat.Dense, len(grid)),
		qs:   make([]*linalg.QS, len(grid)),
	}
	for i, rho := range grid {
		h, err := HalfSigma(rho, primary, secondary)
		if err != nil {
			return nil, err
		}
		qs, err := linalg.EconomicQS(h)
		if err != nil {
			return nil, fmt.Errorf("decompose background at rho=%.1f: %w", rho, err)
		}
		bg.half[i] = h
		bg.qs[i] = qs
	}
	return bg, nil
}
