package encoder

import (
	"context"
	"fmt"
	"math"
)

// vaeChannels is the latent channel count of the reference VAE encoder.
const vaeChannels = 4

// VAE is a CPU reference latent encoder with the spatial contract of a
// pretrained VAE: an 8x downsampled latent grid with 4 channels.
//
// Per 8x8 patch it emits the three channel means and the luminance
// contrast. It stands in for an accelerator-backed model in tests and
// small runs; production jobs plug a pretrained model in via the "onnx"
// backend, which has the identical output shape.
type VAE struct {
	imageSize int
	grid      int
}

// NewVAE creates the reference VAE encoder for the given image size.
func NewVAE(imageSize int) (*VAE, error) {
	if imageSize%DownsampleFactor != 0 {
		return nil, fmt.Errorf("encoder: image size %d not divisible by %d", imageSize, DownsampleFactor)
	}
	return &VAE{imageSize: imageSize, grid: imageSize / DownsampleFactor}, nil
}

// Name returns the encoder identity.
func (e *VAE) Name() string { return "vae" }

// OutputShape returns [4, S/8, S/8].
func (e *VAE) OutputShape() []int { return []int{vaeChannels, e.grid, e.grid} }

// Encode maps each image to its latent grid.
func (e *VAE) Encode(ctx context.Context, images [][]float32) ([][]float32, error) {
	if err := validateBatch(e.Name(), images, e.imageSize); err != nil {
		return nil, err
	}

	out := make([][]float32, len(images))
	for i, img := range images {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = e.encodeOne(img)
	}
	return out, nil
}

func (e *VAE) encodeOne(img []float32) []float32 {
	s := e.imageSize
	g := e.grid
	plane := s * s
	gridPlane := g * g

	latent := make([]float32, vaeChannels*gridPlane)

	for gy := 0; gy < g; gy++ {
		for gx := 0; gx < g; gx++ {
			var sumR, sumG, sumB float64
			var sumLum, sumLumSq float64

			for dy := 0; dy < DownsampleFactor; dy++ {
				y := gy*DownsampleFactor + dy
				for dx := 0; dx < DownsampleFactor; dx++ {
					x := gx*DownsampleFactor + dx
					off := y*s + x

					r := float64(img[off])
					gch := float64(img[plane+off])
					b := float64(img[2*plane+off])

					sumR += r
					sumG += gch
					sumB += b

					lum := 0.299*r + 0.587*gch + 0.114*b
					sumLum += lum
					sumLumSq += lum * lum
				}
			}

			n := float64(DownsampleFactor * DownsampleFactor)
			cell := gy*g + gx

			latent[cell] = float32(sumR / n)
			latent[gridPlane+cell] = float32(sumG / n)
			latent[2*gridPlane+cell] = float32(sumB / n)

			variance := sumLumSq/n - (sumLum/n)*(sumLum/n)
			if variance < 0 {
				variance = 0
			}
			latent[3*gridPlane+cell] = float32(math.Sqrt(variance))
		}
	}

	return latent
}
