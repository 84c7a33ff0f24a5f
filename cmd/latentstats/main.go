// Command latentstats encodes an image corpus into latent records and
// computes the FID statistics artifact.
//
// One process is launched per machine; the process topology is passed
// via flags and must be identical across the fleet except for
// -process-index. Process 0 writes the artifact.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hupe1980/latentgo"
	"github.com/hupe1980/latentgo/coordinator"
	"github.com/hupe1980/latentgo/dataset"
)

func main() {
	var (
		imagenetRoot = flag.String("imagenet-root", "", "dataset root containing the split directories")
		outputDir    = flag.String("output-dir", "", "output directory for latents and the statistics artifact")
		split        = flag.String("split", "train", "corpus split: train or val")
		imageSize    = flag.Int("image-size", 256, "square image size")
		batchSize    = flag.Int("batch-size", 64, "batch size per worker")
		encoderType  = flag.String("encoder", "vae", "encoder type: vae, inception or onnx")
		onnxModel    = flag.String("onnx-model", "", "model file for the onnx encoder")
		latent       = flag.Bool("compute-latent", true, "persist per-sample latent records")
		fid          = flag.Bool("compute-fid", true, "accumulate statistics and write the artifact")
		overwrite    = flag.Bool("overwrite", false, "replace existing records and artifact")

		processCount = flag.Int("process-count", 1, "number of cooperating processes")
		processIndex = flag.Int("process-index", 0, "index of this process")
		localDevices = flag.Int("local-devices", 1, "worker count of this process")

		ioLimit  = flag.Int64("io-limit", 0, "image read limit in bytes per second, 0 for unlimited")
		jsonLogs = flag.Bool("json-logs", false, "emit JSON logs")
		verbose  = flag.Bool("verbose", false, "debug logging")
	)
	flag.Parse()

	if err := run(runParams{
		imagenetRoot: *imagenetRoot,
		outputDir:    *outputDir,
		split:        *split,
		imageSize:    *imageSize,
		batchSize:    *batchSize,
		encoderType:  *encoderType,
		onnxModel:    *onnxModel,
		latent:       *latent,
		fid:          *fid,
		overwrite:    *overwrite,
		processCount: *processCount,
		processIndex: *processIndex,
		localDevices: *localDevices,
		ioLimit:      *ioLimit,
		jsonLogs:     *jsonLogs,
		verbose:      *verbose,
	}); err != nil {
		fmt.Fprintln(os.Stderr, "latentstats:", err)
		os.Exit(1)
	}
}

type runParams struct {
	imagenetRoot string
	outputDir    string
	split        string
	imageSize    int
	batchSize    int
	encoderType  string
	onnxModel    string
	latent       bool
	fid          bool
	overwrite    bool
	processCount int
	processIndex int
	localDevices int
	ioLimit      int64
	jsonLogs     bool
	verbose      bool
}

func run(p runParams) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var sp dataset.Split
	switch p.split {
	case "train":
		sp = dataset.Train
	case "val":
		sp = dataset.Val
	default:
		return fmt.Errorf("unknown split %q", p.split)
	}

	// Only the leader logs at info level; the fleet would otherwise
	// repeat every message per process.
	level := slog.LevelWarn
	if p.processIndex == 0 {
		level = slog.LevelInfo
	}
	if p.verbose {
		level = slog.LevelDebug
	}

	logger := latentgo.NewTextLogger(level)
	if p.jsonLogs {
		logger = latentgo.NewJSONLogger(level)
	}

	cfg := latentgo.Config{
		ImagenetRoot:  p.imagenetRoot,
		OutputDir:     p.outputDir,
		Split:         sp,
		ImageSize:     p.imageSize,
		BatchSize:     p.batchSize,
		EncoderType:   p.encoderType,
		ONNXModelPath: p.onnxModel,
		ComputeLatent: p.latent,
		ComputeFID:    p.fid,
		Overwrite:     p.overwrite,
	}

	topo := coordinator.Topology{
		ProcessCount:     p.processCount,
		ProcessIndex:     p.processIndex,
		LocalDeviceCount: p.localDevices,
	}

	metrics := &latentgo.BasicMetricsCollector{}

	pipeline, err := latentgo.New(cfg, topo,
		latentgo.WithLogger(logger),
		latentgo.WithMetricsCollector(metrics),
		latentgo.WithIOLimit(p.ioLimit),
	)
	if err != nil {
		return err
	}
	defer pipeline.Close()

	if !p.fid {
		if err := pipeline.EncodeLatents(ctx); err != nil {
			return err
		}
		logStats(logger, metrics)
		return nil
	}

	path, err := pipeline.ComputeFIDStats(ctx)
	if err != nil {
		return err
	}
	logStats(logger, metrics)

	logger.InfoContext(ctx, "done", "artifact", path)
	return nil
}

func logStats(logger *latentgo.Logger, metrics *latentgo.BasicMetricsCollector) {
	st := metrics.GetStats()
	logger.Info("run metrics",
		"encoded_samples", st.EncodeSamples,
		"decode_errors", st.DecodeErrors,
		"records_written", st.WriteCount-st.WriteSkips-st.WriteErrors,
		"records_skipped", st.WriteSkips,
		"encode_avg_ns", st.EncodeAvgNanos,
	)
}
