// Package encoder applies a pretrained, deterministic batch transform to
// decoded images: a VAE-style latent encoder or an Inception-style
// feature extractor.
//
// Encoders are pure functions of their inputs: the same encoder identity,
// image size and pixels always produce the same output. The pipeline
// relies on this for resumability and for the parallel/serial equivalence
// of the statistics merge.
//
// Two CPU reference encoders ship with the package ("vae", "inception").
// Real pretrained models are plugged in through the "onnx" backend, which
// wraps an ONNX Runtime session behind the same interface.
package encoder

import (
	"context"
	"errors"
	"fmt"
)

// DownsampleFactor is the spatial downsampling of latent encoders: an
// image of size S maps to an (S/8)x(S/8) latent grid (256 -> 32x32,
// 512 -> 64x64, 1024 -> 128x128). The ratio is exact.
const DownsampleFactor = 8

// ErrUnknownType is returned for an unrecognized encoder type.
var ErrUnknownType = errors.New("unknown encoder type")

// EncodeError indicates a compute failure while encoding a batch.
// It is fatal to the worker: a deterministic compute failure rarely
// succeeds on retry without reducing the batch size, so it is surfaced
// instead of retried.
type EncodeError struct {
	Encoder string
	cause   error
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("encoder %s: %v", e.Encoder, e.cause)
}

func (e *EncodeError) Unwrap() error { return e.cause }

// Encoder transforms a batch of CHW float32 images (values in [-1, 1])
// into one fixed-shape output per image.
//
// Implementations must be stateless and deterministic and must not
// mutate the input batch.
type Encoder interface {
	// Name returns the stable encoder identity recorded in provenance.
	Name() string

	// OutputShape returns the per-sample output shape.
	OutputShape() []int

	// Encode transforms the batch. The returned slice has one entry per
	// input image, each of length Dim(OutputShape()).
	Encode(ctx context.Context, images [][]float32) ([][]float32, error)
}

// Dim returns the flattened length of a shape.
func Dim(shape []int) int {
	d := 1
	for _, s := range shape {
		d *= s
	}
	return d
}

// Config selects and parameterizes an encoder.
type Config struct {
	// Type is the encoder type: "vae", "inception" or "onnx".
	Type string

	// ImageSize is the square input image size.
	ImageSize int

	// ModelPath is the ONNX model file ("onnx" type only).
	ModelPath string

	// OutputShape is the per-sample model output shape ("onnx" type only).
	OutputShape []int

	// InputName and OutputName are the ONNX graph tensor names
	// ("onnx" type only). Defaults: "input", "output".
	InputName  string
	OutputName string
}

// New constructs the encoder selected by cfg.
func New(cfg Config) (Encoder, error) {
	if cfg.ImageSize <= 0 {
		return nil, fmt.Errorf("encoder: image size must be positive, got %d", cfg.ImageSize)
	}

	switch cfg.Type {
	case "vae":
		return NewVAE(cfg.ImageSize)
	case "inception":
		return NewInception(cfg.ImageSize)
	case "onnx":
		return NewONNX(cfg)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, cfg.Type)
	}
}

// validateBatch checks that every image has the expected CHW length.
func validateBatch(name string, images [][]float32, imageSize int) error {
	want := 3 * imageSize * imageSize
	for i, img := range images {
		if len(img) != want {
			return &EncodeError{
				Encoder: name,
				cause:   fmt.Errorf("image %d: tensor length %d, want %d", i, len(img), want),
			}
		}
	}
	return nil
}
