package fidstats

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/hupe1980/latentgo/shard"
)

func randomVectors(r *rand.Rand, n, d int) [][]float32 {
	vecs := make([][]float32, n)
	for i := range vecs {
		v := make([]float32, d)
		for j := range v {
			v[j] = float32(r.NormFloat64())
		}
		vecs[i] = v
	}
	return vecs
}

// referenceStats computes mean and sample covariance the naive two-pass
// way, as the ground truth for the one-pass accumulator.
func referenceStats(vectors [][]float32, d int) (*mat.VecDense, *mat.Dense) {
	n := len(vectors)

	mean := mat.NewVecDense(d, nil)
	for _, v := range vectors {
		for j := 0; j < d; j++ {
			mean.SetVec(j, mean.AtVec(j)+float64(v[j]))
		}
	}
	for j := 0; j < d; j++ {
		mean.SetVec(j, mean.AtVec(j)/float64(n))
	}

	cov := mat.NewDense(d, d, nil)
	for _, v := range vectors {
		for i := 0; i < d; i++ {
			di := float64(v[i]) - mean.AtVec(i)
			for j := 0; j < d; j++ {
				dj := float64(v[j]) - mean.AtVec(j)
				cov.Set(i, j, cov.At(i, j)+di*dj)
			}
		}
	}
	cov.Scale(1/float64(n-1), cov)

	return mean, cov
}

func assertStatsEqual(t *testing.T, want *Stats, got *Stats, tol float64) {
	t.Helper()

	require.Equal(t, want.N, got.N)
	d := want.Dim()
	for i := 0; i < d; i++ {
		assert.InDelta(t, want.Mean.AtVec(i), got.Mean.AtVec(i), tol)
		for j := 0; j < d; j++ {
			assert.InDelta(t, want.Cov.At(i, j), got.Cov.At(i, j), tol)
		}
	}
}

func TestRunningStats_MatchesTwoPassReference(t *testing.T) {
	const d = 6
	r := rand.New(rand.NewSource(7))
	vectors := randomVectors(r, 200, d)

	s, err := NewRunningStats(d)
	require.NoError(t, err)
	require.NoError(t, s.Fold(vectors))

	st, err := s.Finalize()
	require.NoError(t, err)
	require.Equal(t, int64(200), st.N)

	wantMean, wantCov := referenceStats(vectors, d)
	for i := 0; i < d; i++ {
		assert.InDelta(t, wantMean.AtVec(i), st.Mean.AtVec(i), 1e-10)
		for j := 0; j < d; j++ {
			assert.InDelta(t, wantCov.At(i, j), st.Cov.At(i, j), 1e-10)
		}
	}
}

// The central correctness property: merging per-shard accumulators must
// reproduce single-worker accumulation for any worker count.
func TestRunningStats_ParallelSerialEquivalence(t *testing.T) {
	const d = 8
	r := rand.New(rand.NewSource(1))
	vectors := randomVectors(r, 103, d)

	serial, err := NewRunningStats(d)
	require.NoError(t, err)
	require.NoError(t, serial.Fold(vectors))
	want, err := serial.Finalize()
	require.NoError(t, err)

	for _, workers := range []int{1, 2, 3, 5, 16, 103} {
		for _, strategy := range []shard.Strategy{shard.Interleaved, shard.Contiguous} {
			plan := shard.Plan{Total: len(vectors), Workers: workers, Strategy: strategy}
			shards, err := plan.Shards()
			require.NoError(t, err)

			merged, err := NewRunningStats(d)
			require.NoError(t, err)

			for _, sh := range shards {
				partial, err := NewRunningStats(d)
				require.NoError(t, err)
				for _, idx := range sh.Indices {
					require.NoError(t, partial.Fold(vectors[idx:idx+1]))
				}
				require.NoError(t, merged.Merge(partial))
			}

			got, err := merged.Finalize()
			require.NoError(t, err)
			assertStatsEqual(t, want, got, 1e-9)
		}
	}
}

// Merging [A,B] then C must equal merging A then [B,C].
func TestRunningStats_MergeAssociativeCommutative(t *testing.T) {
	const d = 5
	r := rand.New(rand.NewSource(3))

	parts := make([]*RunningStats, 3)
	for i := range parts {
		s, err := NewRunningStats(d)
		require.NoError(t, err)
		require.NoError(t, s.Fold(randomVectors(r, 20+i*7, d)))
		parts[i] = s
	}

	fold := func(order []int) *Stats {
		acc, err := NewRunningStats(d)
		require.NoError(t, err)
		for _, i := range order {
			clone, err := UnmarshalRunningStats(mustMarshal(t, parts[i]))
			require.NoError(t, err)
			require.NoError(t, acc.Merge(clone))
		}
		st, err := acc.Finalize()
		require.NoError(t, err)
		return st
	}

	want := fold([]int{0, 1, 2})
	assertStatsEqual(t, want, fold([]int{2, 1, 0}), 1e-9)
	assertStatsEqual(t, want, fold([]int{1, 0, 2}), 1e-9)
}

func mustMarshal(t *testing.T, s *RunningStats) []byte {
	t.Helper()
	data, err := s.MarshalBinary()
	require.NoError(t, err)
	return data
}

func TestRunningStats_MergeEmpty(t *testing.T) {
	const d = 3
	r := rand.New(rand.NewSource(5))

	full, err := NewRunningStats(d)
	require.NoError(t, err)
	require.NoError(t, full.Fold(randomVectors(r, 10, d)))

	empty, err := NewRunningStats(d)
	require.NoError(t, err)

	// empty into full and full into empty both give full's stats.
	require.NoError(t, full.Merge(empty))
	assert.Equal(t, int64(10), full.N())

	empty2, err := NewRunningStats(d)
	require.NoError(t, err)
	require.NoError(t, empty2.Merge(full))
	assert.Equal(t, int64(10), empty2.N())
}

func TestRunningStats_InvalidStateAfterFinalize(t *testing.T) {
	s, err := NewRunningStats(2)
	require.NoError(t, err)
	require.NoError(t, s.Fold([][]float32{{1, 2}, {3, 4}}))

	_, err = s.Finalize()
	require.NoError(t, err)

	require.ErrorIs(t, s.Fold([][]float32{{5, 6}}), ErrFinalized)

	other, err := NewRunningStats(2)
	require.NoError(t, err)
	require.ErrorIs(t, s.Merge(other), ErrFinalized)
	require.ErrorIs(t, other.Merge(s), ErrFinalized)

	_, err = s.Finalize()
	require.ErrorIs(t, err, ErrFinalized)

	_, err = s.MarshalBinary()
	require.ErrorIs(t, err, ErrFinalized)
}

func TestRunningStats_DimensionMismatch(t *testing.T) {
	s, err := NewRunningStats(3)
	require.NoError(t, err)

	err = s.Fold([][]float32{{1, 2}})
	var dm *ErrDimensionMismatch
	require.ErrorAs(t, err, &dm)
	assert.Equal(t, 3, dm.Expected)
	assert.Equal(t, 2, dm.Actual)

	other, err := NewRunningStats(4)
	require.NoError(t, err)
	require.NoError(t, other.Fold(randomVectors(rand.New(rand.NewSource(0)), 2, 4)))
	require.ErrorAs(t, s.Merge(other), &dm)
}

func TestRunningStats_InsufficientSamples(t *testing.T) {
	s, err := NewRunningStats(2)
	require.NoError(t, err)

	_, err = s.Finalize()
	require.ErrorIs(t, err, ErrInsufficientSamples)
}

// Five samples, batch size two, one worker yields n=5; five single-sample
// shards merge to the identical result.
func TestRunningStats_FiveSampleScenario(t *testing.T) {
	const d = 4
	r := rand.New(rand.NewSource(11))
	vectors := randomVectors(r, 5, d)

	single, err := NewRunningStats(d)
	require.NoError(t, err)
	// Batches [s0,s1], [s2,s3], [s4] — the padded slot is never folded.
	require.NoError(t, single.Fold(vectors[0:2]))
	require.NoError(t, single.Fold(vectors[2:4]))
	require.NoError(t, single.Fold(vectors[4:5]))
	require.Equal(t, int64(5), single.N())

	want, err := single.Finalize()
	require.NoError(t, err)

	merged, err := NewRunningStats(d)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		part, err := NewRunningStats(d)
		require.NoError(t, err)
		require.NoError(t, part.Fold(vectors[i:i+1]))
		require.NoError(t, merged.Merge(part))
	}

	got, err := merged.Finalize()
	require.NoError(t, err)
	assertStatsEqual(t, want, got, 1e-12)
}

func TestRunningStats_CovarianceSymmetricPSD(t *testing.T) {
	const d = 6
	r := rand.New(rand.NewSource(17))

	s, err := NewRunningStats(d)
	require.NoError(t, err)
	require.NoError(t, s.Fold(randomVectors(r, 50, d)))

	st, err := s.Finalize()
	require.NoError(t, err)

	var eig mat.EigenSym
	require.True(t, eig.Factorize(st.Cov, false))
	for _, v := range eig.Values(nil) {
		assert.GreaterOrEqual(t, v, -1e-10)
	}
}

func TestRunningStats_MarshalRoundTrip(t *testing.T) {
	const d = 5
	r := rand.New(rand.NewSource(23))

	s, err := NewRunningStats(d)
	require.NoError(t, err)
	require.NoError(t, s.Fold(randomVectors(r, 30, d)))

	data, err := s.MarshalBinary()
	require.NoError(t, err)

	restored, err := UnmarshalRunningStats(data)
	require.NoError(t, err)

	want, err := s.Finalize()
	require.NoError(t, err)
	got, err := restored.Finalize()
	require.NoError(t, err)

	assertStatsEqual(t, want, got, 0)
}

func TestUnmarshalRunningStats_Corruption(t *testing.T) {
	s, err := NewRunningStats(3)
	require.NoError(t, err)
	require.NoError(t, s.Fold([][]float32{{1, 2, 3}, {4, 5, 6}}))

	data, err := s.MarshalBinary()
	require.NoError(t, err)

	bad := append([]byte(nil), data...)
	bad[len(bad)/2] ^= 0x01
	_, err = UnmarshalRunningStats(bad)
	require.Error(t, err)

	_, err = UnmarshalRunningStats(data[:10])
	require.Error(t, err)
}
