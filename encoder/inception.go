package encoder

import (
	"context"
	"fmt"
	"math"
)

const (
	// FeatureDim is the feature width of the Inception-style extractor,
	// matching the pool3 width FID consumers expect.
	FeatureDim = 2048

	inceptionGrid = 16
	histogramBins = 256
)

// Inception is a CPU reference feature extractor with the output width
// of the Inception pool3 layer (d=2048).
//
// Features are pooled image statistics: 16x16 grid channel means and
// standard deviations plus luminance and gradient-magnitude histograms.
// Like VAE, it is a deterministic stand-in with the exact output
// contract of the pretrained model; use the "onnx" backend for the real
// network.
type Inception struct {
	imageSize int
}

// NewInception creates the reference feature extractor.
func NewInception(imageSize int) (*Inception, error) {
	if imageSize%inceptionGrid != 0 {
		return nil, fmt.Errorf("encoder: image size %d not divisible by %d", imageSize, inceptionGrid)
	}
	return &Inception{imageSize: imageSize}, nil
}

// Name returns the encoder identity.
func (e *Inception) Name() string { return "inception" }

// OutputShape returns [2048].
func (e *Inception) OutputShape() []int { return []int{FeatureDim} }

// Encode extracts one feature vector per image.
func (e *Inception) Encode(ctx context.Context, images [][]float32) ([][]float32, error) {
	if err := validateBatch(e.Name(), images, e.imageSize); err != nil {
		return nil, err
	}

	out := make([][]float32, len(images))
	for i, img := range images {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = e.extractOne(img)
	}
	return out, nil
}

func (e *Inception) extractOne(img []float32) []float32 {
	s := e.imageSize
	plane := s * s
	cell := s / inceptionGrid

	features := make([]float32, FeatureDim)

	// Layout: 768 grid means, 768 grid stddevs, 256 luminance histogram
	// bins, 256 gradient histogram bins.
	const (
		meansOff   = 0
		stdsOff    = inceptionGrid * inceptionGrid * 3
		lumHistOff = 2 * stdsOff
		gradOff    = lumHistOff + histogramBins
	)

	for c := 0; c < 3; c++ {
		for gy := 0; gy < inceptionGrid; gy++ {
			for gx := 0; gx < inceptionGrid; gx++ {
				var sum, sumSq float64
				for dy := 0; dy < cell; dy++ {
					y := gy*cell + dy
					for dx := 0; dx < cell; dx++ {
						v := float64(img[c*plane+y*s+gx*cell+dx])
						sum += v
						sumSq += v * v
					}
				}

				n := float64(cell * cell)
				mean := sum / n
				variance := sumSq/n - mean*mean
				if variance < 0 {
					variance = 0
				}

				idx := (c*inceptionGrid+gy)*inceptionGrid + gx
				features[meansOff+idx] = float32(mean)
				features[stdsOff+idx] = float32(math.Sqrt(variance))
			}
		}
	}

	invArea := 1 / float64(plane)
	for y := 0; y < s; y++ {
		for x := 0; x < s; x++ {
			off := y*s + x
			lum := 0.299*float64(img[off]) + 0.587*float64(img[plane+off]) + 0.114*float64(img[2*plane+off])

			// lum is in [-1, 1]; map to a bin.
			bin := int((lum + 1) / 2 * (histogramBins - 1))
			features[lumHistOff+clampBin(bin)] += float32(invArea)

			if x+1 < s && y+1 < s {
				right := 0.299*float64(img[off+1]) + 0.587*float64(img[plane+off+1]) + 0.114*float64(img[2*plane+off+1])
				down := 0.299*float64(img[off+s]) + 0.587*float64(img[plane+off+s]) + 0.114*float64(img[2*plane+off+s])

				grad := math.Hypot(right-lum, down-lum)
				// Gradient magnitude of [-1, 1] pixels is at most 2*sqrt(2).
				bin = int(grad / (2 * math.Sqrt2) * (histogramBins - 1))
				features[gradOff+clampBin(bin)] += float32(invArea)
			}
		}
	}

	return features
}

func clampBin(b int) int {
	if b < 0 {
		return 0
	}
	if b >= histogramBins {
		return histogramBins - 1
	}
	return b
}
