package store

import (
	"context"
	"math"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adalundhe/gxemap/core/crm"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "results.db"), DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testResult(kind string) *crm.ScanResult {
	return &crm.ScanResult{
		ScanID:  uuid.NewString(),
		Kind:    kind,
		Pvalues: []float64{0.01, math.NaN()},
		Stats: []crm.VariantStat{
			{
				Index:         0,
				Pvalue:        0.01,
				Rho1:          0.3,
				EnvVariance:   0.06,
				KinVariance:   0.14,
				NoiseVariance: 0.8,
			},
			{
				Index:         1,
				Pvalue:        math.NaN(),
				Rho1:          math.NaN(),
				EnvVariance:   math.NaN(),
				KinVariance:   math.NaN(),
				NoiseVariance: math.NaN(),
				Err:           "lmm: optimizer did not converge",
			},
		},
		Failed: 1,
	}
}

func TestSaveAndLoadScan(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	res := testResult(crm.KindInteraction)
	require.NoError(t, s.SaveScan(ctx, res))

	stats, err := s.LoadScan(ctx, res.ScanID)
	require.NoError(t, err)
	require.Len(t, stats, 2)

	assert.Equal(t, 0, stats[0].Index)
	assert.InDelta(t, 0.01, stats[0].Pvalue, 1e-12)
	assert.InDelta(t, 0.3, stats[0].Rho1, 1e-12)
	assert.InDelta(t, 0.8, stats[0].NoiseVariance, 1e-12)
	assert.Empty(t, stats[0].Err)

	// Failed variants round-trip as NaN with the failure reason intact.
	assert.True(t, math.IsNaN(stats[1].Pvalue))
	assert.True(t, math.IsNaN(stats[1].Rho1))
	assert.Equal(t, "lmm: optimizer did not converge", stats[1].Err)
}

func TestListScans(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	first := testResult(crm.KindInteraction)
	second := testResult(crm.KindAssociation)
	require.NoError(t, s.SaveScan(ctx, first))
	require.NoError(t, s.SaveScan(ctx, second))

	scans, err := s.ListScans(ctx)
	require.NoError(t, err)
	require.Len(t, scans, 2)

	byID := map[string]ScanSummary{}
	for _, sc := range scans {
		byID[sc.ScanID] = sc
	}
	assert.Equal(t, crm.KindInteraction, byID[first.ScanID].Kind)
	assert.Equal(t, 2, byID[first.ScanID].Variants)
	assert.Equal(t, 1, byID[first.ScanID].Failed)
	assert.False(t, byID[first.ScanID].CreatedAt.IsZero())
}

func TestSaveScanDuplicateID(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	res := testResult(crm.KindInteraction)
	require.NoError(t, s.SaveScan(ctx, res))
	assert.Error(t, s.SaveScan(ctx, res))

	// The failed second save must not leave partial variant rows behind.
	stats, err := s.LoadScan(ctx, res.ScanID)
	require.NoError(t, err)
	assert.Len(t, stats, 2)
}

func TestLoadMissingScan(t *testing.T) {
	s := testStore(t)
	stats, err := s.LoadScan(context.Background(), "no-such-scan")
	require.NoError(t, err)
	assert.Empty(t, stats)
}
