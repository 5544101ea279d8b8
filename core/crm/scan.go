package crm

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/mat"

	"github.com/adalundhe/gxemap/core/linalg"
	"github.com/adalundhe/gxemap/core/lmm"
	"github.com/adalundhe/gxemap/core/quadform"
)

// Scan kinds recorded on results.
const (
	KindInteraction     = "interaction"
	KindAssociation     = "association"
	KindAssociationFast = "association-fast"
)

// VariantStat carries the per-variant outcome of a scan. A failed variant
// has Pvalue NaN and a non-empty Err; its failure never aborts the scan.
type VariantStat struct {
	Index  int
	Pvalue float64

	// Rho1 is the selected mixing weight; the three variances split the
	// fitted background at that weight: environment, kinship-structured,
	// and iid noise.
	Rho1          float64
	EnvVariance   float64
	KinVariance   float64
	NoiseVariance float64

	Err string
}

// ScanResult is the ordered outcome of one scan over a genotype matrix.
type ScanResult struct {
	ScanID  string
	Kind    string
	Pvalues []float64
	Stats   []VariantStat
	Failed  int
}

// ScanOption configures a single scan call.
type ScanOption func(*scanOptions)

type scanOptions struct {
	envPerm []int
	genPerm []int
}

// WithPermutedEnvironment reorders the interaction environment rows by the
// given permutation for this scan only, the standard device for building an
// empirical null. Only full-length permutations of the samples are accepted:
// a shorter index set would subset the environment and break its row
// alignment with the trait, covariates, and background covariance, so the
// reordering form is the shape-safe one. The model itself is never modified.
func WithPermutedEnvironment(perm []int) ScanOption {
	return func(o *scanOptions) { o.envPerm = perm }
}

// WithPermutedGenotype reorders the genotype rows by the given permutation
// for this scan only. As with WithPermutedEnvironment, the permutation must
// cover all samples exactly once.
func WithPermutedGenotype(perm []int) ScanOption {
	return func(o *scanOptions) { o.genPerm = perm }
}

func validPerm(perm []int, n int) error {
	if len(perm) != n {
		return fmt.Errorf("%w: permutation has %d entries for %d samples", ErrShape, len(perm), n)
	}
	seen := make([]bool, n)
	for _, p := range perm {
		if p < 0 || p >= n || seen[p] {
			return fmt.Errorf("%w: not a permutation of %d samples", ErrShape, n)
		}
		seen[p] = true
	}
	return nil
}

func permuteRows(a *mat.Dense, perm []int) *mat.Dense {
	n, c := a.Dims()
	out := mat.NewDense(n, c, nil)
	for i, p := range perm {
		out.SetRow(i, a.RawRowView(p))
	}
	return out
}

func (m *Model) checkGenotypes(g *mat.Dense) (int, error) {
	gn, gv := g.Dims()
	if gn != len(m.y) {
		return 0, fmt.Errorf("%w: genotypes have %d rows, trait has %d samples", ErrShape, gn, len(m.y))
	}
	if gv == 0 {
		return 0, fmt.Errorf("%w: genotype matrix has no variants", ErrShape)
	}
	return gv, nil
}

// augmented returns [W | g].
func (m *Model) augmented(g []float64) *mat.Dense {
	n, p := m.w.Dims()
	x := mat.NewDense(n, p+1, nil)
	x.Slice(0, n, 0, p).(*mat.Dense).Copy(m.w)
	x.SetCol(p, g)
	return x
}

// runVariants executes fn once per variant on a bounded worker pool,
// preserving variant order in the output and isolating per-variant failures.
func (m *Model) runVariants(ctx context.Context, kind string, nv int, fn func(idx int) (VariantStat, error)) (*ScanResult, error) {
	stats := make([]VariantStat, nv)

	workers := m.workers
	if workers > nv {
		workers = nv
	}
	idxCh := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range idxCh {
				st, err := fn(idx)
				if err != nil {
					st = VariantStat{Index: idx, Pvalue: math.NaN(), Err: err.Error()}
					m.log.Warn("variant failed",
						"kind", kind,
						"variant", idx,
						"error", err.Error(),
					)
				}
				st.Index = idx
				stats[idx] = st
			}
		}()
	}

	var ctxErr error
dispatch:
	for idx := 0; idx < nv; idx++ {
		select {
		case <-ctx.Done():
			ctxErr = ctx.Err()
			break dispatch
		case idxCh <- idx:
		}
	}
	close(idxCh)
	wg.Wait()
	if ctxErr != nil {
		return nil, ctxErr
	}

	res := &ScanResult{
		ScanID:  uuid.NewString(),
		Kind:    kind,
		Pvalues: make([]float64, nv),
		Stats:   stats,
	}
	for i, st := range stats {
		res.Pvalues[i] = st.Pvalue
		if st.Err != "" {
			res.Failed++
		}
	}
	return res, nil
}

// ScanInteraction tests each variant for a genotype-by-environment
// interaction effect. Per variant it selects the background mixing weight
// by restricted maximum likelihood over the grid, then evaluates the
// variance-component score test against the chi-squared mixture null.
func (m *Model) ScanInteraction(ctx context.Context, g *mat.Dense, opts ...ScanOption) (*ScanResult, error) {
	nv, err := m.checkGenotypes(g)
	if err != nil {
		return nil, err
	}

	var so scanOptions
	for _, opt := range opts {
		opt(&so)
	}
	e0 := m.e0
	if so.envPerm != nil {
		if err := validPerm(so.envPerm, len(m.y)); err != nil {
			return nil, err
		}
		e0 = permuteRows(m.e0, so.envPerm)
	}
	geno := g
	if so.genPerm != nil {
		if err := validPerm(so.genPerm, len(m.y)); err != nil {
			return nil, err
		}
		geno = permuteRows(g, so.genPerm)
	}

	n := len(m.y)
	return m.runVariants(ctx, KindInteraction, nv, func(idx int) (VariantStat, error) {
		gcol := make([]float64, n)
		mat.Col(gcol, idx, geno)
		x := m.augmented(gcol)

		best, err := gridFit(m.y, x, m.bg.grid, m.bg.qs, true, m.log)
		if err != nil {
			return VariantStat{}, err
		}

		cov, err := NewQSCov(m.bg.qs[best.idx], best.fit.V0, best.fit.V1)
		if err != nil {
			return VariantStat{}, err
		}
		pm, err := NewPMat(cov, x)
		if err != nil {
			return VariantStat{}, err
		}
		gE, err := linalg.RowScale(gcol, e0)
		if err != nil {
			return VariantStat{}, err
		}
		st, err := NewScoreStatistic(pm, gE)
		if err != nil {
			return VariantStat{}, err
		}
		stat, err := st.Statistic(m.y)
		if err != nil {
			return VariantStat{}, err
		}
		weights, err := st.DistWeights()
		if err != nil {
			return VariantStat{}, err
		}
		pv, _, err := quadform.MixturePvalue(stat, weights, m.davies)
		if err != nil {
			return VariantStat{}, err
		}

		return VariantStat{
			Pvalue:        pv,
			Rho1:          best.rho,
			EnvVariance:   best.fit.V0 * best.rho,
			KinVariance:   best.fit.V0 * (1 - best.rho),
			NoiseVariance: best.fit.V1,
		}, nil
	})
}

// ScanAssociation tests each variant for a persistent genetic effect with a
// likelihood-ratio test: the null model selects the mixing weight by maximum
// likelihood over the covariates alone, and each variant is refit in full at
// the selected background.
func (m *Model) ScanAssociation(ctx context.Context, g *mat.Dense) (*ScanResult, error) {
	nv, err := m.checkGenotypes(g)
	if err != nil {
		return nil, err
	}

	null, err := gridFit(m.y, m.w, m.bg.grid, m.bg.qs, false, m.log)
	if err != nil {
		return nil, err
	}
	qs := m.bg.qs[null.idx]

	n := len(m.y)
	return m.runVariants(ctx, KindAssociation, nv, func(idx int) (VariantStat, error) {
		gcol := make([]float64, n)
		mat.Col(gcol, idx, g)

		alt, err := lmm.Fit(m.y, m.augmented(gcol), qs, false)
		if err != nil {
			return VariantStat{}, err
		}
		pv := quadform.LRTPvalue(null.fit.LML, alt.LML, 1)
		return VariantStat{
			Pvalue:        pv,
			Rho1:          null.rho,
			EnvVariance:   alt.V0 * null.rho,
			KinVariance:   alt.V0 * (1 - null.rho),
			NoiseVariance: alt.V1,
		}, nil
	})
}

// ScanAssociationFast is the frozen-ratio variant of ScanAssociation: the
// null variance ratio is reused for every variant and only the fixed effects
// and the scale are re-profiled. Orders of magnitude faster on large variant
// panels, at the cost of a slightly conservative alternative likelihood.
func (m *Model) ScanAssociationFast(ctx context.Context, g *mat.Dense) (*ScanResult, error) {
	nv, err := m.checkGenotypes(g)
	if err != nil {
		return nil, err
	}

	null, err := gridFit(m.y, m.w, m.bg.grid, m.bg.qs, false, m.log)
	if err != nil {
		return nil, err
	}
	scanner, err := lmm.NewScanner(m.y, m.w, m.bg.qs[null.idx], null.fit.Delta)
	if err != nil {
		return nil, err
	}

	n := len(m.y)
	return m.runVariants(ctx, KindAssociationFast, nv, func(idx int) (VariantStat, error) {
		gcol := make([]float64, n)
		mat.Col(gcol, idx, g)

		altLML, err := scanner.LML(gcol)
		if err != nil {
			return VariantStat{}, err
		}
		pv := quadform.LRTPvalue(null.fit.LML, altLML, 1)
		return VariantStat{
			Pvalue:        pv,
			Rho1:          null.rho,
			EnvVariance:   null.fit.V0 * null.rho,
			KinVariance:   null.fit.V0 * (1 - null.rho),
			NoiseVariance: null.fit.V1,
		}, nil
	})
}
