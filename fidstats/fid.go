package fidstats

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// FrechetDistance computes the Fréchet distance between two Gaussians
// fitted to feature sets:
//
//	d² = |μ₁-μ₂|² + tr(Σ₁ + Σ₂ - 2·(Σ₁^½ Σ₂ Σ₁^½)^½)
//
// Matrix square roots are taken via symmetric eigendecomposition with
// negative eigenvalues clamped to zero, which absorbs the small negative
// values rounding introduces into nearly singular covariances.
func FrechetDistance(a, b *Stats) (float64, error) {
	if a.Dim() != b.Dim() {
		return 0, &ErrDimensionMismatch{Expected: a.Dim(), Actual: b.Dim()}
	}
	d := a.Dim()

	var meanDiff float64
	for i := 0; i < d; i++ {
		diff := a.Mean.AtVec(i) - b.Mean.AtVec(i)
		meanDiff += diff * diff
	}

	sqrtA, err := sqrtSym(a.Cov)
	if err != nil {
		return 0, err
	}

	// inner = Σ₁^½ Σ₂ Σ₁^½, symmetrized to damp rounding asymmetry.
	var tmp, inner mat.Dense
	tmp.Mul(sqrtA, b.Cov)
	inner.Mul(&tmp, sqrtA)

	innerSym := mat.NewSymDense(d, nil)
	for i := 0; i < d; i++ {
		for j := i; j < d; j++ {
			innerSym.SetSym(i, j, 0.5*(inner.At(i, j)+inner.At(j, i)))
		}
	}

	sqrtInner, err := sqrtSym(innerSym)
	if err != nil {
		return 0, err
	}

	var traceA, traceB, traceMean float64
	for i := 0; i < d; i++ {
		traceA += a.Cov.At(i, i)
		traceB += b.Cov.At(i, i)
		traceMean += sqrtInner.At(i, i)
	}

	fid := meanDiff + traceA + traceB - 2*traceMean
	if fid < 0 {
		// Distances this close to zero are rounding noise.
		fid = 0
	}
	return fid, nil
}

// sqrtSym returns the PSD square root of s.
func sqrtSym(s *mat.SymDense) (*mat.SymDense, error) {
	d := s.SymmetricDim()

	var eig mat.EigenSym
	if ok := eig.Factorize(s, true); !ok {
		return nil, fmt.Errorf("fidstats: eigendecomposition failed")
	}

	values := eig.Values(nil)
	var vectors mat.Dense
	eig.VectorsTo(&vectors)

	// scaled = V · diag(sqrt(clamp(λ)))
	scaled := mat.NewDense(d, d, nil)
	for j := 0; j < d; j++ {
		root := 0.0
		if values[j] > 0 {
			root = math.Sqrt(values[j])
		}
		for i := 0; i < d; i++ {
			scaled.Set(i, j, vectors.At(i, j)*root)
		}
	}

	// V · diag(sqrt(λ)) · Vᵀ
	var full mat.Dense
	full.Mul(scaled, vectors.T())

	out := mat.NewSymDense(d, nil)
	for i := 0; i < d; i++ {
		for j := i; j < d; j++ {
			out.SetSym(i, j, full.At(i, j))
		}
	}
	return out, nil
}
