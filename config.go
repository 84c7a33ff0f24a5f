package latentgo

import (
	"path/filepath"
	"time"

	"github.com/hupe1980/latentgo/dataset"
)

// Config is the immutable run configuration. It is built once at the
// boundary, validated by New, and passed down unchanged; components
// never mutate or re-derive it.
type Config struct {
	// ImagenetRoot is the dataset root containing the split directories.
	ImagenetRoot string

	// OutputDir receives the statistics artifact and, unless a custom
	// record store is injected, the latent records under latents/.
	OutputDir string

	// Split selects the corpus split. The zero value is Train.
	Split dataset.Split

	// ImageSize is the square side length images are resized to.
	// Must be a positive multiple of the encoder downsample factor.
	ImageSize int

	// BatchSize is the fixed batch size per worker.
	BatchSize int

	// EncoderType names the encoder backend ("vae", "inception", "onnx").
	EncoderType string

	// ONNXModelPath locates the model file for the onnx backend.
	ONNXModelPath string

	// ComputeLatent enables persisting per-sample latent records.
	ComputeLatent bool

	// ComputeFID enables statistics accumulation and the artifact write.
	ComputeFID bool

	// Overwrite replaces existing records and an existing artifact
	// instead of skipping them.
	Overwrite bool

	// ExchangeDir is the shared directory for multi-process statistics
	// exchange. Defaults to OutputDir/exchange. Must be on storage all
	// processes can reach.
	ExchangeDir string

	// PollInterval is the cadence for cross-process waits (the leader
	// polling for partials, non-leaders polling for the artifact).
	// Defaults to 500ms.
	PollInterval time.Duration
}

// Validate checks the configuration. The returned error is always a
// *ConfigurationError.
func (c Config) Validate() error {
	if c.ImagenetRoot == "" {
		return &ConfigurationError{Field: "ImagenetRoot", Reason: "must not be empty"}
	}
	if c.OutputDir == "" {
		return &ConfigurationError{Field: "OutputDir", Reason: "must not be empty"}
	}
	if c.ImageSize <= 0 {
		return &ConfigurationError{Field: "ImageSize", Reason: "must be positive"}
	}
	if c.BatchSize <= 0 {
		return &ConfigurationError{Field: "BatchSize", Reason: "must be positive"}
	}
	if c.EncoderType == "" {
		return &ConfigurationError{Field: "EncoderType", Reason: "must not be empty"}
	}
	if !c.ComputeLatent && !c.ComputeFID {
		return &ConfigurationError{Field: "ComputeLatent", Reason: "at least one of ComputeLatent and ComputeFID must be set"}
	}
	return nil
}

func (c Config) exchangeDir() string {
	if c.ExchangeDir != "" {
		return c.ExchangeDir
	}
	return filepath.Join(c.OutputDir, "exchange")
}

func (c Config) latentDir() string {
	return filepath.Join(c.OutputDir, "latents")
}

func (c Config) pollInterval() time.Duration {
	if c.PollInterval > 0 {
		return c.PollInterval
	}
	return 500 * time.Millisecond
}
