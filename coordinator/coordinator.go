package coordinator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/latentgo/dataset"
	"github.com/hupe1980/latentgo/encoder"
	"github.com/hupe1980/latentgo/fidstats"
	"github.com/hupe1980/latentgo/latentstore"
	"github.com/hupe1980/latentgo/resource"
	"github.com/hupe1980/latentgo/shard"
)

// MetricsCollector receives operational metrics from workers.
// Implementations must be safe for concurrent use.
type MetricsCollector interface {
	// RecordDecode is called for every decode failure.
	RecordDecode(err error)

	// RecordEncode is called after each encoder invocation with the
	// number of real (non-padding) samples in the batch.
	RecordEncode(samples int, duration time.Duration, err error)

	// RecordWrite is called after each latent record write attempt;
	// written is false for idempotent skips.
	RecordWrite(written bool, duration time.Duration, err error)

	// RecordMerge is called after each statistics merge.
	RecordMerge(duration time.Duration, err error)
}

type noopMetrics struct{}

func (noopMetrics) RecordDecode(error)                      {}
func (noopMetrics) RecordEncode(int, time.Duration, error)  {}
func (noopMetrics) RecordWrite(bool, time.Duration, error)  {}
func (noopMetrics) RecordMerge(time.Duration, error)        {}

// Options configures a Coordinator.
type Options struct {
	// Corpus is the enumerated dataset. Required.
	Corpus *dataset.Corpus

	// Encoder transforms image batches. Required.
	Encoder encoder.Encoder

	// Store receives latent records. Required when ComputeLatent is set.
	Store latentstore.Store

	// BatchSize and ImageSize parameterize batch loading. Required.
	BatchSize int
	ImageSize int

	// ComputeLatent enables persisting per-sample latents.
	ComputeLatent bool

	// ComputeFID enables statistics accumulation.
	ComputeFID bool

	// Overwrite disables the idempotent skip of existing records.
	Overwrite bool

	// Strategy selects the shard partition. Defaults to interleaved.
	Strategy shard.Strategy

	// ExchangeDir is the shared directory used to move per-process
	// partial statistics to the leader. Required when ProcessCount > 1
	// and ComputeFID is set.
	ExchangeDir string

	// PollInterval is the leader's poll cadence while waiting for
	// partials. Defaults to 500ms.
	PollInterval time.Duration

	Logger    *slog.Logger
	Metrics   MetricsCollector
	Resources *resource.Controller
}

// Coordinator drives the per-process part of a run: one worker per
// local device, a barrier at shard completion, and the local merge.
type Coordinator struct {
	topo Topology
	opts Options

	// progress counts processed samples per local worker. Plain atomic
	// counters: safe to poll from an observation goroutine, eventual
	// consistency is fine.
	progress []atomic.Int64

	// runID identifies this run in the exchange directory. The leader
	// mints it in initExchange; non-leaders adopt it from the run marker.
	runID string
}

// New creates a Coordinator bound to an established topology.
func New(topo Topology, opts Options) (*Coordinator, error) {
	if err := topo.Validate(); err != nil {
		return nil, err
	}
	if opts.Corpus == nil {
		return nil, fmt.Errorf("coordinator: corpus is required")
	}
	if opts.Encoder == nil {
		return nil, fmt.Errorf("coordinator: encoder is required")
	}
	if opts.BatchSize <= 0 {
		return nil, fmt.Errorf("coordinator: batch size must be positive, got %d", opts.BatchSize)
	}
	if opts.ImageSize <= 0 {
		return nil, fmt.Errorf("coordinator: image size must be positive, got %d", opts.ImageSize)
	}
	if opts.ComputeLatent && opts.Store == nil {
		return nil, fmt.Errorf("coordinator: latent store is required when computing latents")
	}
	if opts.ComputeFID && topo.ProcessCount > 1 && opts.ExchangeDir == "" {
		return nil, fmt.Errorf("coordinator: exchange dir is required for multi-process statistics")
	}

	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Metrics == nil {
		opts.Metrics = noopMetrics{}
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}

	return &Coordinator{
		topo:     topo,
		opts:     opts,
		progress: make([]atomic.Int64, topo.LocalDeviceCount),
	}, nil
}

// Progress returns a snapshot of processed sample counts per local
// worker. Counters increase monotonically while Run executes.
func (c *Coordinator) Progress() []int64 {
	out := make([]int64, len(c.progress))
	for i := range c.progress {
		out[i] = c.progress[i].Load()
	}
	return out
}

// Run executes every local worker against its shard and merges their
// statistics after all of them finished (barrier semantics: a single
// failed worker fails the run and no merge happens).
//
// The returned accumulator is the process-local partial; it is nil when
// ComputeFID is disabled.
func (c *Coordinator) Run(ctx context.Context) (*fidstats.RunningStats, error) {
	if c.opts.ComputeFID && c.topo.ProcessCount > 1 && c.topo.IsLeader() {
		if err := c.initExchange(); err != nil {
			return nil, err
		}
	}

	plan := shard.Plan{
		Total:    c.opts.Corpus.Len(),
		Workers:  c.topo.GlobalWorkers(),
		Strategy: c.opts.Strategy,
	}

	dim := encoder.Dim(c.opts.Encoder.OutputShape())

	partials := make([]*fidstats.RunningStats, c.topo.LocalDeviceCount)

	g, ctx := errgroup.WithContext(ctx)
	for device := 0; device < c.topo.LocalDeviceCount; device++ {
		device := device
		worker := c.topo.GlobalWorkerIndex(device)

		sh, err := plan.Shard(worker)
		if err != nil {
			return nil, err
		}

		var stats *fidstats.RunningStats
		if c.opts.ComputeFID {
			stats, err = fidstats.NewRunningStats(dim)
			if err != nil {
				return nil, err
			}
		}
		partials[device] = stats

		g.Go(func() error {
			return c.runWorker(ctx, device, worker, sh, stats)
		})
	}

	// Barrier: every worker must report shard completion before the
	// merge may proceed.
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if !c.opts.ComputeFID {
		return nil, nil
	}

	merged := partials[0]
	for _, p := range partials[1:] {
		start := time.Now()
		err := merged.Merge(p)
		c.opts.Metrics.RecordMerge(time.Since(start), err)
		if err != nil {
			return nil, err
		}
	}
	return merged, nil
}

func (c *Coordinator) runWorker(ctx context.Context, device, worker int, sh shard.Shard, stats *fidstats.RunningStats) error {
	log := c.opts.Logger.With("worker", worker, "shard_size", sh.Len())
	log.InfoContext(ctx, "worker started")

	if c.opts.ComputeLatent && !c.opts.Overwrite {
		var err error
		sh, err = c.resumeShard(ctx, log, sh, stats != nil)
		if err != nil {
			return fmt.Errorf("worker %d: %w", worker, err)
		}
	}

	it, err := dataset.NewIterator(c.opts.Corpus, sh, dataset.IteratorOptions{
		BatchSize: c.opts.BatchSize,
		ImageSize: c.opts.ImageSize,
		Limiter:   c.opts.Resources.IOLimiter(),
		OnDecodeError: func(s dataset.Sample, err error) {
			c.opts.Metrics.RecordDecode(err)
			log.WarnContext(ctx, "sample skipped", "sample", s.ID, "error", err)
		},
	})
	if err != nil {
		return err
	}

	// Reserve the worker's steady-state batch memory for its lifetime.
	batchBytes := int64(c.opts.BatchSize) * int64(3*c.opts.ImageSize*c.opts.ImageSize) * 4
	if err := c.opts.Resources.AcquireMemory(batchBytes); err != nil {
		return fmt.Errorf("worker %d: %w", worker, err)
	}
	defer c.opts.Resources.ReleaseMemory(batchBytes)

	shape := c.opts.Encoder.OutputShape()

	for {
		batch, err := it.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return err
		}

		outputs, err := c.encodeBatch(ctx, batch)
		if err != nil {
			return fmt.Errorf("worker %d: %w", worker, err)
		}

		// Padding is discarded here; it never reaches the store or the
		// accumulator.
		outputs = outputs[:batch.Valid]

		if c.opts.ComputeLatent {
			if err := c.writeBatch(ctx, batch, outputs, shape); err != nil {
				return fmt.Errorf("worker %d: %w", worker, err)
			}
		}

		if stats != nil {
			if err := stats.Fold(outputs); err != nil {
				return fmt.Errorf("worker %d: %w", worker, err)
			}
		}

		c.progress[device].Add(int64(batch.Valid))
	}

	log.InfoContext(ctx, "worker finished", "processed", c.progress[device].Load())
	return nil
}

// resumeShard bulk-checks the shard's record presence in one store scan
// and reports how far a previous run got. When no statistics are being
// accumulated, already stored samples are dropped from the shard
// entirely, so a resumed latent-only run re-encodes nothing. With
// statistics enabled every sample must still be folded, so the shard is
// kept intact and presence only feeds the resume accounting.
func (c *Coordinator) resumeShard(ctx context.Context, log *slog.Logger, sh shard.Shard, folding bool) (shard.Shard, error) {
	ids := make([]string, sh.Len())
	for i, idx := range sh.Indices {
		ids[i] = c.opts.Corpus.Samples[idx].ID
	}

	present, err := c.opts.Store.Present(ctx, ids)
	if err != nil {
		return shard.Shard{}, err
	}

	stored := present.GetCardinality()
	if stored == 0 {
		return sh, nil
	}
	log.InfoContext(ctx, "resuming shard", "already_stored", stored)

	if folding {
		return sh, nil
	}

	remaining := make([]int, 0, sh.Len()-int(stored))
	for i, idx := range sh.Indices {
		if !present.Contains(uint32(i)) {
			remaining = append(remaining, idx)
		}
	}
	return shard.Shard{Worker: sh.Worker, Indices: remaining}, nil
}

func (c *Coordinator) encodeBatch(ctx context.Context, batch *dataset.Batch) ([][]float32, error) {
	if err := c.opts.Resources.AcquireEncodeSlot(ctx); err != nil {
		return nil, err
	}
	defer c.opts.Resources.ReleaseEncodeSlot()

	start := time.Now()
	outputs, err := c.opts.Encoder.Encode(ctx, batch.Images)
	c.opts.Metrics.RecordEncode(batch.Valid, time.Since(start), err)
	return outputs, err
}

func (c *Coordinator) writeBatch(ctx context.Context, batch *dataset.Batch, outputs [][]float32, shape []int) error {
	for i, sample := range batch.Samples {
		rec := &latentstore.Record{
			Index: sample.Index,
			ID:    sample.ID,
			Label: sample.Label,
			Shape: shape,
			Data:  outputs[i],
		}

		start := time.Now()
		written, err := c.opts.Store.Write(ctx, rec, c.opts.Overwrite)
		c.opts.Metrics.RecordWrite(written, time.Since(start), err)
		if err != nil {
			return err
		}
	}
	return nil
}
