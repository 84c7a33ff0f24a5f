// Package fidstats accumulates the mean vector and covariance matrix of
// feature vectors in a single pass, without ever materializing the full
// feature matrix, and merges per-worker partial statistics into the
// global result persisted as a FID statistics artifact.
//
// # Covariance convention
//
// Finalize divides the accumulated sum of squares by n-1 (sample
// covariance). This matches np.cov's default, which is what the standard
// FID implementations compute over Inception features; using n here
// would make artifacts incompatible with those consumers.
//
// # Merge
//
// Merge uses the parallel-variance combination (Chan et al.), not a
// naive average of per-worker covariances, so sharding the dataset into
// any number of workers produces the same result as single-process
// accumulation up to floating-point rounding.
package fidstats

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"
)

var (
	// ErrFinalized is returned when an accumulator is used after
	// Finalize. This is a programming error, not a data error.
	ErrFinalized = errors.New("running stats already finalized")

	// ErrInsufficientSamples is returned when Finalize is called with
	// fewer than two samples, for which sample covariance is undefined.
	ErrInsufficientSamples = errors.New("need at least two samples to finalize")
)

// ErrDimensionMismatch indicates folding or merging vectors of the wrong
// width.
type ErrDimensionMismatch struct {
	Expected int
	Actual   int
}

func (e *ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

// RunningStats is a single-pass accumulator for (n, mean, covariance).
//
// Internally it keeps the Welford sum-of-squares matrix M rather than the
// covariance, so floating-point error does not grow with n. It is not
// safe for concurrent use; each worker owns its accumulator.
type RunningStats struct {
	dim  int
	n    int64
	mean *mat.VecDense
	m    *mat.SymDense

	finalized bool

	delta *mat.VecDense // scratch
}

// NewRunningStats creates an accumulator for d-dimensional features.
func NewRunningStats(d int) (*RunningStats, error) {
	if d <= 0 {
		return nil, fmt.Errorf("fidstats: dimension must be positive, got %d", d)
	}
	return &RunningStats{
		dim:   d,
		mean:  mat.NewVecDense(d, nil),
		m:     mat.NewSymDense(d, nil),
		delta: mat.NewVecDense(d, nil),
	}, nil
}

// Dim returns the feature dimension.
func (s *RunningStats) Dim() int { return s.dim }

// N returns the number of folded samples.
func (s *RunningStats) N() int64 { return s.n }

// Mean returns a copy of the current mean vector.
func (s *RunningStats) Mean() *mat.VecDense {
	out := mat.NewVecDense(s.dim, nil)
	out.CopyVec(s.mean)
	return out
}

// Fold accumulates one batch of feature vectors.
//
// Callers must pass only real samples; padding entries of the final
// batch are stripped before folding.
func (s *RunningStats) Fold(vectors [][]float32) error {
	if s.finalized {
		return ErrFinalized
	}

	for _, x := range vectors {
		if len(x) != s.dim {
			return &ErrDimensionMismatch{Expected: s.dim, Actual: len(x)}
		}

		prev := s.n
		s.n++
		inv := 1 / float64(s.n)

		for j, v := range x {
			d := float64(v) - s.mean.AtVec(j)
			s.delta.SetVec(j, d)
			s.mean.SetVec(j, s.mean.AtVec(j)+d*inv)
		}

		// With delta taken against the pre-update mean, the rank-one
		// increment delta*(x-mean')^T equals (prev/n)*delta*delta^T,
		// which keeps M exactly symmetric.
		s.m.SymRankOne(s.m, float64(prev)*inv, s.delta)
	}

	return nil
}

// Merge folds the other accumulator into s using the parallel-variance
// combination. Merging is associative and commutative up to rounding.
// The other accumulator is not modified.
func (s *RunningStats) Merge(other *RunningStats) error {
	if s.finalized || other.finalized {
		return ErrFinalized
	}
	if other.dim != s.dim {
		return &ErrDimensionMismatch{Expected: s.dim, Actual: other.dim}
	}
	if other.n == 0 {
		return nil
	}
	if s.n == 0 {
		s.n = other.n
		s.mean.CopyVec(other.mean)
		s.m.CopySym(other.m)
		return nil
	}

	na := float64(s.n)
	nb := float64(other.n)
	n := na + nb

	// d = mean_b - mean_a
	s.delta.SubVec(other.mean, s.mean)

	// M = M_a + M_b + (na*nb/n) * d d^T
	s.m.AddSym(s.m, other.m)
	s.m.SymRankOne(s.m, na*nb/n, s.delta)

	// mean = mean_a + (nb/n) * d
	s.mean.AddScaledVec(s.mean, nb/n, s.delta)

	s.n += other.n
	return nil
}

// Stats is the finalized (mean, covariance, count) triple.
type Stats struct {
	Mean *mat.VecDense
	Cov  *mat.SymDense
	N    int64
}

// Dim returns the feature dimension.
func (st *Stats) Dim() int { return st.Mean.Len() }

// Finalize converts the accumulated sum of squares into the sample
// covariance (divisor n-1) and seals the accumulator: any further Fold,
// Merge or Finalize fails with ErrFinalized.
func (s *RunningStats) Finalize() (*Stats, error) {
	if s.finalized {
		return nil, ErrFinalized
	}
	if s.n < 2 {
		return nil, fmt.Errorf("%w: have %d", ErrInsufficientSamples, s.n)
	}

	s.finalized = true

	cov := mat.NewSymDense(s.dim, nil)
	cov.CopySym(s.m)

	raw := cov.RawSymmetric()
	scale := 1 / float64(s.n-1)
	for i := range raw.Data {
		raw.Data[i] *= scale
	}

	mean := mat.NewVecDense(s.dim, nil)
	mean.CopyVec(s.mean)

	return &Stats{Mean: mean, Cov: cov, N: s.n}, nil
}
