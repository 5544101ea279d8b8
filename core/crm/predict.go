package crm

import (
	"context"
	"fmt"
	"math"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/mat"

	"github.com/adalundhe/gxemap/core/linalg"
)

// mafClampMin keeps the effect-size normalization finite for monomorphic or
// near-monomorphic variants.
const mafClampMin = 1e-6

// ComputeMAF returns per-variant minor allele frequencies for a dosage
// matrix encoding 0, 1, 2 copies of the alternate allele, with NaN marking
// missing calls. Missing entries are excluded from both the allele sum and
// the sample count.
func ComputeMAF(g *mat.Dense) []float64 {
	n, nv := g.Dims()
	out := make([]float64, nv)
	for j := 0; j < nv; j++ {
		var sum float64
		var count int
		for i := 0; i < n; i++ {
			v := g.At(i, j)
			if math.IsNaN(v) {
				continue
			}
			sum += v
			count++
		}
		if count == 0 {
			out[j] = math.NaN()
			continue
		}
		freq := sum / float64(2*count)
		out[j] = math.Min(freq, 1-freq)
	}
	return out
}

// InteractionEffects holds the fitted effect sizes from PredictInteraction:
// one persistent effect per variant and one interaction effect per sample
// per variant.
type InteractionEffects struct {
	ScanID string

	// BetaG[j] is the persistent genetic effect of variant j.
	BetaG []float64

	// BetaGxE is n x variants: column j holds the per-sample interaction
	// effect of variant j.
	BetaGxE *mat.Dense

	// Errs[j] is non-empty when variant j failed; its effects are NaN.
	Errs   []string
	Failed int
}

// designWithEnv returns [W | g | E0]: the prediction mean model includes the
// environment as fixed effects alongside the variant.
func (m *Model) designWithEnv(g []float64) *mat.Dense {
	n, p := m.w.Dims()
	_, k := m.e0.Dims()
	x := mat.NewDense(n, p+1+k, nil)
	x.Slice(0, n, 0, p).(*mat.Dense).Copy(m.w)
	x.SetCol(p, g)
	x.Slice(0, n, p+1, p+1+k).(*mat.Dense).Copy(m.e0)
	return x
}

// variantBackground decomposes the per-variant covariance halves
// [sqrt(rho)*gE | sqrt(1-rho)*Ls...] over the mixing-weight grid.
func (m *Model) variantBackground(gE *mat.Dense) ([]*linalg.QS, error) {
	qs := make([]*linalg.QS, len(m.bg.grid))
	for i, rho := range m.bg.grid {
		h, err := HalfSigma(rho, gE, m.secondary)
		if err != nil {
			return nil, err
		}
		d, err := linalg.EconomicQS(h)
		if err != nil {
			return nil, fmt.Errorf("decompose variant covariance at rho=%.1f: %w", rho, err)
		}
		qs[i] = d
	}
	return qs, nil
}

// PredictInteraction estimates per-variant effect sizes: the persistent
// effect from the fixed-effect coefficient on the variant, and the
// per-sample interaction effect from the best linear unbiased predictor of
// the genotype-modulated random term. maf supplies one minor allele
// frequency per variant for the dosage-variance normalization.
func (m *Model) PredictInteraction(ctx context.Context, g *mat.Dense, maf []float64) (*InteractionEffects, error) {
	nv, err := m.checkGenotypes(g)
	if err != nil {
		return nil, err
	}
	if len(maf) != nv {
		return nil, fmt.Errorf("%w: %d allele frequencies for %d variants", ErrShape, len(maf), nv)
	}

	n := len(m.y)
	_, wp := m.w.Dims()

	eff := &InteractionEffects{
		ScanID:  uuid.NewString(),
		BetaG:   make([]float64, nv),
		BetaGxE: mat.NewDense(n, nv, nil),
		Errs:    make([]string, nv),
	}

	nan := make([]float64, n)
	for i := range nan {
		nan[i] = math.NaN()
	}

	for idx := 0; idx < nv; idx++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		gcol := make([]float64, n)
		mat.Col(gcol, idx, g)

		betaG, betaGxE, err := m.predictVariant(gcol, maf[idx], wp)
		if err != nil {
			m.log.Warn("effect-size estimation failed",
				"variant", idx,
				"error", err.Error(),
			)
			eff.BetaG[idx] = math.NaN()
			eff.BetaGxE.SetCol(idx, nan)
			eff.Errs[idx] = err.Error()
			eff.Failed++
			continue
		}
		eff.BetaG[idx] = betaG
		eff.BetaGxE.SetCol(idx, betaGxE)
	}
	return eff, nil
}

func (m *Model) predictVariant(gcol []float64, maf float64, wp int) (float64, []float64, error) {
	gE, err := linalg.RowScale(gcol, m.e0)
	if err != nil {
		return 0, nil, err
	}
	qs, err := m.variantBackground(gE)
	if err != nil {
		return 0, nil, err
	}

	x := m.designWithEnv(gcol)
	best, err := gridFit(m.y, x, m.bg.grid, qs, true, m.log)
	if err != nil {
		return 0, nil, err
	}

	cov, err := NewQSCov(qs[best.idx], best.fit.V0, best.fit.V1)
	if err != nil {
		return 0, nil, err
	}

	n := len(m.y)
	yadj := make([]float64, n)
	mean := best.fit.Mean()
	for i := range yadj {
		yadj[i] = m.y[i] - mean[i]
	}
	v, err := cov.Solve(yadj)
	if err != nil {
		return 0, nil, err
	}

	p := maf
	if p < mafClampMin {
		p = mafClampMin
	}
	if p > 0.5 {
		p = 0.5
	}
	norm := 1 / math.Sqrt(2*p*(1-p))

	_, k := gE.Dims()
	t := mat.NewVecDense(k, nil)
	t.MulVec(gE.T(), mat.NewVecDense(n, v))

	sigmaGxE := best.fit.V0 * best.rho
	betaGxE := make([]float64, n)
	bv := mat.NewVecDense(n, betaGxE)
	bv.MulVec(m.e0, t)
	for i := range betaGxE {
		betaGxE[i] *= sigmaGxE * norm
	}

	return best.fit.Beta[wp], betaGxE, nil
}

// EstimateAggregateEnvironment projects the interaction signal of one
// variant back onto the environment axes, returning the per-sample
// aggregate environment E0 @ beta_gxe that drives the variant's effect. The
// mixing weight is selected against the shared background decompositions;
// the predictor itself uses the variant-specific covariance at that weight.
func (m *Model) EstimateAggregateEnvironment(ctx context.Context, g []float64) ([]float64, error) {
	n := len(m.y)
	if len(g) != n {
		return nil, fmt.Errorf("%w: genotype has %d entries, trait has %d samples", ErrShape, len(g), n)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	x := m.designWithEnv(g)
	best, err := gridFit(m.y, x, m.bg.grid, m.bg.qs, true, m.log)
	if err != nil {
		return nil, err
	}

	gE, err := linalg.RowScale(g, m.e0)
	if err != nil {
		return nil, err
	}
	h, err := HalfSigma(best.rho, gE, m.secondary)
	if err != nil {
		return nil, err
	}
	qs, err := linalg.EconomicQS(h)
	if err != nil {
		return nil, fmt.Errorf("decompose variant covariance: %w", err)
	}
	cov, err := NewQSCov(qs, best.fit.V0, best.fit.V1)
	if err != nil {
		return nil, err
	}

	yadj := make([]float64, n)
	mean := best.fit.Mean()
	for i := range yadj {
		yadj[i] = m.y[i] - mean[i]
	}
	v, err := cov.Solve(yadj)
	if err != nil {
		return nil, err
	}

	_, k := gE.Dims()
	t := mat.NewVecDense(k, nil)
	t.MulVec(gE.T(), mat.NewVecDense(n, v))

	sigmaGxE := best.fit.V0 * best.rho
	out := make([]float64, n)
	ov := mat.NewVecDense(n, out)
	ov.MulVec(m.e0, t)
	for i := range out {
		out[i] *= sigmaGxE
	}
	return out, nil
}
