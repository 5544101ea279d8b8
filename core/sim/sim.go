package sim

import (
	"fmt"
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

// =============================================================================
// Data generators
// =============================================================================
//
// Synthetic cohorts for testing and benchmarking the scan paths: genotype
// dosages under Hardy-Weinberg sampling, a block-structured environment, a
// low-rank kinship square root, and phenotypes assembled from an explicit
// variance partition. Every generator takes its randomness source as an
// argument; nothing in this package touches global state.

// SampleMAF draws variant minor allele frequencies uniformly from
// [low, 0.5].
func SampleMAF(rng *rand.Rand, variants int, low float64) []float64 {
	out := make([]float64, variants)
	for i := range out {
		out[i] = low + rng.Float64()*(0.5-low)
	}
	return out
}

// SampleGenotype draws a samples x variants dosage matrix with entries in
// {0, 1, 2}, each allele an independent Bernoulli draw at the variant's
// frequency.
func SampleGenotype(rng *rand.Rand, samples int, maf []float64) *mat.Dense {
	g := mat.NewDense(samples, len(maf), nil)
	for j, p := range maf {
		for i := 0; i < samples; i++ {
			var d float64
			if rng.Float64() < p {
				d++
			}
			if rng.Float64() < p {
				d++
			}
			g.Set(i, j, d)
		}
	}
	return g
}

// ColumnNormalize returns a copy of a with each column centered and scaled
// to unit variance. Constant columns are centered only.
func ColumnNormalize(a *mat.Dense) *mat.Dense {
	n, c := a.Dims()
	out := mat.NewDense(n, c, nil)
	col := make([]float64, n)
	for j := 0; j < c; j++ {
		mat.Col(col, j, a)
		var mean float64
		for _, v := range col {
			mean += v
		}
		mean /= float64(n)
		var ss float64
		for i, v := range col {
			col[i] = v - mean
			ss += col[i] * col[i]
		}
		sd := math.Sqrt(ss / float64(n))
		if sd > 0 {
			for i := range col {
				col[i] /= sd
			}
		}
		out.SetCol(j, col)
	}
	return out
}

// BlockEnvironment builds a samples x groups indicator matrix assigning
// samples to contiguous groups of near-equal size, the discrete-context
// analogue of an environment matrix.
func BlockEnvironment(samples, groups int) (*mat.Dense, error) {
	if groups <= 0 || groups > samples {
		return nil, fmt.Errorf("sim: %d groups for %d samples", groups, samples)
	}
	e := mat.NewDense(samples, groups, nil)
	per := samples / groups
	rem := samples % groups
	row := 0
	for j := 0; j < groups; j++ {
		size := per
		if j < rem {
			size++
		}
		for i := 0; i < size; i++ {
			e.Set(row, j, 1)
			row++
		}
	}
	return e, nil
}

// SampleKinshipHalf draws a random samples x rank half matrix hK with
// standard normal entries, implying the Wishart-style kinship
// K = hK @ hK^T.
func SampleKinshipHalf(rng *rand.Rand, samples, rank int) *mat.Dense {
	norm := distuv.Normal{Mu: 0, Sigma: 1, Src: rng}
	h := mat.NewDense(samples, rank, nil)
	for i := 0; i < samples; i++ {
		for j := 0; j < rank; j++ {
			h.Set(i, j, norm.Rand())
		}
	}
	return h
}

// Variances splits a total variance of 1 into the five phenotype
// components. r0 divides the genetic share between persistent and
// interaction effects, v0 divides the explained share between genetic and
// background terms, and has* toggle the background components on.
type Variances struct {
	Persistent  float64 // variance of the persistent genetic term
	Interaction float64 // variance of the genotype-environment term
	Environment float64 // variance of the additive environment term
	Kinship     float64 // variance of the relatedness term
	Noise       float64
}

// PartitionVariances computes the component variances. The five components
// always sum to 1, which the tests assert.
func PartitionVariances(r0, v0 float64, hasKinship, hasEnvironment bool) (Variances, error) {
	if r0 < 0 || r0 > 1 || v0 < 0 || v0 > 1 {
		return Variances{}, fmt.Errorf("sim: variance fractions outside [0, 1]: r0=%v v0=%v", r0, v0)
	}
	v := Variances{
		Persistent:  (1 - r0) * v0,
		Interaction: r0 * v0,
	}
	rest := 1 - v0
	switch {
	case hasKinship && hasEnvironment:
		v.Environment = rest / 3
		v.Kinship = rest / 3
		v.Noise = rest / 3
	case hasEnvironment:
		v.Environment = rest / 2
		v.Noise = rest / 2
	case hasKinship:
		v.Kinship = rest / 2
		v.Noise = rest / 2
	default:
		v.Noise = rest
	}
	return v, nil
}

// SampleEffectSizes draws k effect sizes from Normal(0, variance/k), so the
// summed contribution has the requested variance.
func SampleEffectSizes(rng *rand.Rand, k int, variance float64) []float64 {
	norm := distuv.Normal{Mu: 0, Sigma: math.Sqrt(variance / float64(k)), Src: rng}
	out := make([]float64, k)
	for i := range out {
		out[i] = norm.Rand()
	}
	return out
}

// Phenotype holds a simulated trait and the ingredients used to build it.
type Phenotype struct {
	Y           []float64
	Genotype    *mat.Dense
	Env         *mat.Dense
	KinshipHalf *mat.Dense
	Variances   Variances
}

// PhenotypeConfig drives SamplePhenotype.
type PhenotypeConfig struct {
	Samples  int     `yaml:"samples"`
	Variants int     `yaml:"variants"`
	Groups   int     `yaml:"groups"`
	KinRank  int     `yaml:"kin_rank"`
	MAFLow   float64 `yaml:"maf_low"`
	R0       float64 `yaml:"r0"`
	V0       float64 `yaml:"v0"`
	Causal   int     `yaml:"causal"`
}

// DefaultPhenotypeConfig returns a small cohort suitable for tests and
// smoke runs.
func DefaultPhenotypeConfig() PhenotypeConfig {
	return PhenotypeConfig{
		Samples:  200,
		Variants: 20,
		Groups:   4,
		KinRank:  10,
		MAFLow:   0.05,
		R0:       0.5,
		V0:       0.2,
		Causal:   2,
	}
}

// SamplePhenotype assembles a trait from persistent, interaction,
// environment, relatedness, and noise components at the configured variance
// partition. The first cfg.Causal variants carry the genetic effects.
func SamplePhenotype(rng *rand.Rand, cfg PhenotypeConfig) (*Phenotype, error) {
	if cfg.Samples <= 0 || cfg.Variants <= 0 {
		return nil, fmt.Errorf("sim: need positive samples and variants, got %d x %d", cfg.Samples, cfg.Variants)
	}
	causal := cfg.Causal
	if causal <= 0 || causal > cfg.Variants {
		causal = cfg.Variants
	}

	maf := SampleMAF(rng, cfg.Variants, cfg.MAFLow)
	geno := SampleGenotype(rng, cfg.Samples, maf)
	gn := ColumnNormalize(geno)
	env, err := BlockEnvironment(cfg.Samples, cfg.Groups)
	if err != nil {
		return nil, err
	}
	hk := SampleKinshipHalf(rng, cfg.Samples, cfg.KinRank)

	vars, err := PartitionVariances(cfg.R0, cfg.V0, cfg.KinRank > 0, true)
	if err != nil {
		return nil, err
	}

	y := make([]float64, cfg.Samples)
	norm := distuv.Normal{Mu: 0, Sigma: 1, Src: rng}

	// Persistent term: normalized causal dosages times shared effects.
	bg := SampleEffectSizes(rng, causal, vars.Persistent)
	for j := 0; j < causal; j++ {
		for i := 0; i < cfg.Samples; i++ {
			y[i] += gn.At(i, j) * bg[j]
		}
	}

	// Interaction term: per-group effect for each causal variant.
	_, groups := env.Dims()
	for j := 0; j < causal; j++ {
		bgxe := SampleEffectSizes(rng, groups, vars.Interaction/float64(causal))
		for i := 0; i < cfg.Samples; i++ {
			var ctx float64
			for k := 0; k < groups; k++ {
				ctx += env.At(i, k) * bgxe[k]
			}
			y[i] += gn.At(i, j) * ctx
		}
	}

	// Additive environment term.
	be := SampleEffectSizes(rng, groups, vars.Environment)
	for i := 0; i < cfg.Samples; i++ {
		for k := 0; k < groups; k++ {
			y[i] += env.At(i, k) * be[k]
		}
	}

	// Relatedness term: hK times independent normals at the kinship share.
	if cfg.KinRank > 0 {
		u := SampleEffectSizes(rng, cfg.KinRank, vars.Kinship)
		for i := 0; i < cfg.Samples; i++ {
			var dot float64
			for k := 0; k < cfg.KinRank; k++ {
				dot += hk.At(i, k) * u[k]
			}
			y[i] += dot
		}
	}

	// Noise.
	sd := math.Sqrt(vars.Noise)
	for i := range y {
		y[i] += sd * norm.Rand()
	}

	return &Phenotype{
		Y:           y,
		Genotype:    geno,
		Env:         env,
		KinshipHalf: hk,
		Variances:   vars,
	}, nil
}
