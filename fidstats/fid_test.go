package fidstats

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrechetDistance_IdenticalDistributions(t *testing.T) {
	st := finalizedStats(t, 5, 100, 51)

	fid, err := FrechetDistance(st, st)
	require.NoError(t, err)
	assert.InDelta(t, 0, fid, 1e-6)
}

// With identical covariances, the distance reduces to |μ₁-μ₂|².
func TestFrechetDistance_MeanShift(t *testing.T) {
	const d = 4
	r := rand.New(rand.NewSource(61))
	vectors := randomVectors(r, 500, d)

	a, err := NewRunningStats(d)
	require.NoError(t, err)
	require.NoError(t, a.Fold(vectors))
	statsA, err := a.Finalize()
	require.NoError(t, err)

	const shift = 2.5
	shifted := make([][]float32, len(vectors))
	for i, v := range vectors {
		s := make([]float32, d)
		for j := range s {
			s[j] = v[j] + shift
		}
		shifted[i] = s
	}

	b, err := NewRunningStats(d)
	require.NoError(t, err)
	require.NoError(t, b.Fold(shifted))
	statsB, err := b.Finalize()
	require.NoError(t, err)

	fid, err := FrechetDistance(statsA, statsB)
	require.NoError(t, err)
	assert.InDelta(t, d*shift*shift, fid, 1e-4)
}

func TestFrechetDistance_Symmetric(t *testing.T) {
	a := finalizedStats(t, 5, 80, 71)
	b := finalizedStats(t, 5, 90, 73)

	ab, err := FrechetDistance(a, b)
	require.NoError(t, err)
	ba, err := FrechetDistance(b, a)
	require.NoError(t, err)

	assert.InDelta(t, ab, ba, 1e-8)
	assert.Greater(t, ab, 0.0)
}

func TestFrechetDistance_DimensionMismatch(t *testing.T) {
	a := finalizedStats(t, 3, 50, 81)
	b := finalizedStats(t, 4, 50, 83)

	_, err := FrechetDistance(a, b)
	var dm *ErrDimensionMismatch
	require.ErrorAs(t, err, &dm)
}
