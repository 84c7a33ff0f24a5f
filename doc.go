// Package latentgo prepares image corpora for generative-model
// evaluation and training.
//
// It enumerates an on-disk corpus deterministically, streams fixed-size
// image batches per worker shard, applies a pluggable deterministic
// encoder (a VAE-style latent encoder, an Inception-style feature
// extractor, or any ONNX model), persists per-sample latent records
// resumably, and accumulates running mean/covariance statistics that
// are merged across workers and processes into a single FID statistics
// artifact written by the leader.
//
// # Quick Start
//
// Single process, all local workers:
//
//	cfg := latentgo.Config{
//	    ImagenetRoot: "/data/imagenet",
//	    OutputDir:    "/data/out",
//	    ImageSize:    256,
//	    BatchSize:    64,
//	    EncoderType:  "vae",
//	    ComputeLatent: true,
//	    ComputeFID:    true,
//	}
//	topo := coordinator.Topology{ProcessCount: 1, ProcessIndex: 0, LocalDeviceCount: 8}
//
//	p, _ := latentgo.New(cfg, topo, latentgo.WithLogLevel(slog.LevelInfo))
//	defer p.Close()
//
//	path, _ := p.ComputeFIDStats(ctx)  // artifact path
//
// Multi-process runs launch one Pipeline per process with the same
// Config and a shared ExchangeDir; process 0 writes the artifact, the
// others block until it is visible and return the same path.
//
// # Resumability
//
// Latent records are written atomically and skipped on rerun, so an
// interrupted run continues where it stopped. An existing statistics
// artifact short-circuits ComputeFIDStats entirely unless Overwrite is
// set.
//
// # Key Properties
//
//   - Sharding is total, disjoint and deterministic; any worker count
//     produces the same statistics as a serial run (up to FP rounding).
//   - Batch padding never reaches the store or the accumulator.
//   - Persisted formats are self-describing (magic, version, codec
//     name) and checksummed.
package latentgo
