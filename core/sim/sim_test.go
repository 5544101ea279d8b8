package sim

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
)

func TestSampleMAFRange(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	maf := SampleMAF(rng, 100, 0.05)
	require.Len(t, maf, 100)
	for _, p := range maf {
		assert.GreaterOrEqual(t, p, 0.05)
		assert.LessOrEqual(t, p, 0.5)
	}
}

func TestSampleGenotypeDosages(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	maf := []float64{0.1, 0.4}
	g := SampleGenotype(rng, 500, maf)

	n, nv := g.Dims()
	assert.Equal(t, 500, n)
	assert.Equal(t, 2, nv)
	for j := 0; j < nv; j++ {
		var sum float64
		for i := 0; i < n; i++ {
			d := g.At(i, j)
			assert.Contains(t, []float64{0, 1, 2}, d)
			sum += d
		}
		// Mean dosage concentrates around 2p.
		assert.InDelta(t, 2*maf[j], sum/float64(n), 0.1)
	}
}

func TestColumnNormalize(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	a := mat.NewDense(200, 3, nil)
	for i := 0; i < 200; i++ {
		a.Set(i, 0, 5+2*rng.NormFloat64())
		a.Set(i, 1, rng.Float64())
		a.Set(i, 2, 7) // constant column
	}

	out := ColumnNormalize(a)
	for j := 0; j < 2; j++ {
		col := make([]float64, 200)
		mat.Col(col, j, out)
		var mean, ss float64
		for _, v := range col {
			mean += v
		}
		mean /= 200
		for _, v := range col {
			ss += (v - mean) * (v - mean)
		}
		assert.InDelta(t, 0, mean, 1e-12, "col %d", j)
		assert.InDelta(t, 1, math.Sqrt(ss/200), 1e-12, "col %d", j)
	}

	// Constant columns center to zero without dividing by zero.
	for i := 0; i < 200; i++ {
		assert.Zero(t, out.At(i, 2))
	}
}

func TestBlockEnvironment(t *testing.T) {
	e, err := BlockEnvironment(10, 3)
	require.NoError(t, err)

	n, g := e.Dims()
	assert.Equal(t, 10, n)
	assert.Equal(t, 3, g)
	for i := 0; i < n; i++ {
		var sum float64
		for j := 0; j < g; j++ {
			sum += e.At(i, j)
		}
		assert.Equal(t, 1.0, sum, "row %d", i)
	}

	// Uneven split spreads the remainder over the leading groups.
	col := make([]float64, 10)
	mat.Col(col, 0, e)
	var first float64
	for _, v := range col {
		first += v
	}
	assert.Equal(t, 4.0, first)

	_, err = BlockEnvironment(5, 0)
	assert.Error(t, err)
	_, err = BlockEnvironment(5, 6)
	assert.Error(t, err)
}

func TestPartitionVariancesSumsToOne(t *testing.T) {
	cases := []struct {
		r0, v0   float64
		kin, env bool
	}{
		{0.5, 0.2, true, true},
		{0.0, 0.3, false, true},
		{1.0, 0.5, true, false},
		{0.25, 0.0, false, false},
	}
	for _, c := range cases {
		v, err := PartitionVariances(c.r0, c.v0, c.kin, c.env)
		require.NoError(t, err)
		total := v.Persistent + v.Interaction + v.Environment + v.Kinship + v.Noise
		assert.InDelta(t, 1.0, total, 1e-12, "r0=%v v0=%v", c.r0, c.v0)
		assert.InDelta(t, c.v0, v.Persistent+v.Interaction, 1e-12)
		if !c.kin {
			assert.Zero(t, v.Kinship)
		}
		if !c.env {
			assert.Zero(t, v.Environment)
		}
	}

	_, err := PartitionVariances(-0.1, 0.5, true, true)
	assert.Error(t, err)
	_, err = PartitionVariances(0.5, 1.5, true, true)
	assert.Error(t, err)
}

func TestSampleEffectSizesVariance(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	b := SampleEffectSizes(rng, 5000, 0.8)

	var ss float64
	for _, v := range b {
		ss += v * v
	}
	// k draws at variance 0.8/k sum to 0.8 in expectation.
	assert.InDelta(t, 0.8, ss, 0.1)
}

func TestSamplePhenotype(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	cfg := DefaultPhenotypeConfig()
	cfg.Samples = 100
	cfg.Variants = 5

	ph, err := SamplePhenotype(rng, cfg)
	require.NoError(t, err)
	require.Len(t, ph.Y, 100)
	for i, v := range ph.Y {
		assert.False(t, math.IsNaN(v) || math.IsInf(v, 0), "sample %d", i)
	}

	gn, gv := ph.Genotype.Dims()
	assert.Equal(t, 100, gn)
	assert.Equal(t, 5, gv)
	en, eg := ph.Env.Dims()
	assert.Equal(t, 100, en)
	assert.Equal(t, cfg.Groups, eg)
	kn, kr := ph.KinshipHalf.Dims()
	assert.Equal(t, 100, kn)
	assert.Equal(t, cfg.KinRank, kr)

	total := ph.Variances.Persistent + ph.Variances.Interaction +
		ph.Variances.Environment + ph.Variances.Kinship + ph.Variances.Noise
	assert.InDelta(t, 1.0, total, 1e-12)
}

func TestSamplePhenotypeDeterministic(t *testing.T) {
	cfg := DefaultPhenotypeConfig()
	cfg.Samples = 50
	cfg.Variants = 3

	a, err := SamplePhenotype(rand.New(rand.NewSource(9)), cfg)
	require.NoError(t, err)
	b, err := SamplePhenotype(rand.New(rand.NewSource(9)), cfg)
	require.NoError(t, err)
	assert.Equal(t, a.Y, b.Y)

	_, err = SamplePhenotype(rand.New(rand.NewSource(9)), PhenotypeConfig{})
	assert.Error(t, err)
}
