package latentgo

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/hupe1980/latentgo/coordinator"
	"github.com/hupe1980/latentgo/dataset"
	"github.com/hupe1980/latentgo/encoder"
	"github.com/hupe1980/latentgo/fidstats"
	"github.com/hupe1980/latentgo/internal/fs"
	"github.com/hupe1980/latentgo/latentstore"
	"github.com/hupe1980/latentgo/resource"
)

// Pipeline runs the latent-encoding and statistics pipeline for one
// process of a (possibly multi-process) topology.
//
// A Pipeline is constructed fully validated: the corpus is enumerated,
// the encoder is built and the record store opened in New, so the
// operations only fail on runtime errors.
type Pipeline struct {
	cfg  Config
	topo coordinator.Topology
	opts options

	corpus *dataset.Corpus
	enc    encoder.Encoder
	store  latentstore.Store
	res    *resource.Controller

	cur    atomic.Pointer[coordinator.Coordinator]
	closed atomic.Bool
}

// New creates a Pipeline for cfg bound to an established topology.
func New(cfg Config, topo coordinator.Topology, optFns ...Option) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := topo.Validate(); err != nil {
		return nil, err
	}

	o := applyOptions(optFns)

	enc := o.encoder
	if enc == nil {
		var err error
		enc, err = encoder.New(encoder.Config{
			Type:      cfg.EncoderType,
			ImageSize: cfg.ImageSize,
			ModelPath: cfg.ONNXModelPath,
		})
		if err != nil {
			return nil, &ConfigurationError{Field: "EncoderType", Reason: err.Error(), cause: err}
		}
	}

	store := o.store
	if store == nil && cfg.ComputeLatent {
		var err error
		store, err = latentstore.NewLocalStore(cfg.latentDir())
		if err != nil {
			return nil, err
		}
	}

	corpus, err := dataset.Enumerate(cfg.ImagenetRoot, cfg.Split)
	if err != nil {
		return nil, &ConfigurationError{Field: "ImagenetRoot", Reason: err.Error(), cause: err}
	}

	return &Pipeline{
		cfg:    cfg,
		topo:   topo,
		opts:   o,
		corpus: corpus,
		enc:    enc,
		store:  store,
		res:    resource.NewController(o.resources),
	}, nil
}

// ArtifactPath returns where ComputeFIDStats writes (or finds) the
// statistics artifact for this configuration.
func (p *Pipeline) ArtifactPath() string {
	return fidstats.ArtifactPath(p.cfg.OutputDir, p.enc.Name(), p.cfg.ImageSize)
}

// Progress returns per-worker processed sample counts of the run in
// flight, or nil if no run started yet. Safe to call from any goroutine.
func (p *Pipeline) Progress() []int64 {
	c := p.cur.Load()
	if c == nil {
		return nil
	}
	return c.Progress()
}

// Run executes the configured work: latent encoding, statistics, or
// both in a single pass over the corpus.
func (p *Pipeline) Run(ctx context.Context) error {
	if p.cfg.ComputeFID {
		_, err := p.ComputeFIDStats(ctx)
		return err
	}
	return p.EncodeLatents(ctx)
}

// EncodeLatents encodes every shard sample and persists the latent
// records, without accumulating statistics. Reruns skip records that
// already exist unless Overwrite is set.
func (p *Pipeline) EncodeLatents(ctx context.Context) error {
	if p.store == nil {
		return &ConfigurationError{Field: "ComputeLatent", Reason: "no record store configured"}
	}

	_, err := p.run(ctx, true, false)
	return err
}

// ComputeFIDStats runs the full pipeline and returns the path of the
// statistics artifact.
//
// If the artifact already exists and Overwrite is not set, the run is a
// documented no-op: the existing path is returned and no accumulator is
// ever touched. Otherwise every process folds its shard, partials are
// reduced, and the leader finalizes and writes the artifact atomically;
// non-leader processes block until the artifact is visible and return
// the same path.
func (p *Pipeline) ComputeFIDStats(ctx context.Context) (string, error) {
	path := p.ArtifactPath()

	if !p.cfg.Overwrite {
		if _, err := os.Stat(path); err == nil {
			p.opts.logger.InfoContext(ctx, "artifact exists, skipping run", "path", path)
			return path, nil
		} else if !errors.Is(err, os.ErrNotExist) {
			return "", err
		}
	}

	local, err := p.run(ctx, p.cfg.ComputeLatent, true)
	if err != nil {
		return "", err
	}

	c := p.cur.Load()
	global, leader, err := c.Reduce(ctx, local)
	if err != nil {
		return "", err
	}

	if !leader {
		if err := p.awaitArtifact(ctx, path); err != nil {
			return "", err
		}
		return path, nil
	}

	st, err := global.Finalize()
	if err != nil {
		return "", err
	}

	artifact := fidstats.NewArtifact(st, fidstats.Provenance{
		ImageSize:   p.cfg.ImageSize,
		Encoder:     p.enc.Name(),
		DatasetRoot: p.cfg.ImagenetRoot,
		Split:       p.cfg.Split.String(),
		CreatedAt:   time.Now().UTC(),
	})

	err = fidstats.SaveArtifact(fs.Default, path, artifact, nil)
	p.opts.logger.LogArtifact(ctx, path, st.N, err)
	if err != nil {
		return "", err
	}

	if cleanupErr := c.CleanupPartials(); cleanupErr != nil {
		p.opts.logger.WarnContext(ctx, "partial cleanup failed", "error", cleanupErr)
	}
	return path, nil
}

func (p *Pipeline) run(ctx context.Context, computeLatent, computeFID bool) (*fidstats.RunningStats, error) {
	if p.closed.Load() {
		return nil, ErrClosed
	}

	log := p.opts.logger.WithProcess(p.topo.ProcessIndex).WithEncoder(p.enc.Name()).WithImageSize(p.cfg.ImageSize)

	c, err := coordinator.New(p.topo, coordinator.Options{
		Corpus:        p.corpus,
		Encoder:       p.enc,
		Store:         p.store,
		BatchSize:     p.cfg.BatchSize,
		ImageSize:     p.cfg.ImageSize,
		ComputeLatent: computeLatent,
		ComputeFID:    computeFID,
		Overwrite:     p.cfg.Overwrite,
		Strategy:      p.opts.strategy,
		ExchangeDir:   p.cfg.exchangeDir(),
		PollInterval:  p.cfg.pollInterval(),
		Logger:        log.Logger,
		Metrics:       p.opts.metricsCollector,
		Resources:     p.res,
	})
	if err != nil {
		return nil, err
	}
	p.cur.Store(c)

	log.LogRunStart(ctx, p.corpus.Len(), p.topo.GlobalWorkers())

	stats, err := c.Run(ctx)

	var processed int64
	for _, n := range c.Progress() {
		processed += n
	}
	log.LogRunFinished(ctx, processed, err)

	return stats, err
}

// awaitArtifact polls until the leader's artifact is visible. The
// artifact is written atomically, so existence implies completeness.
func (p *Pipeline) awaitArtifact(ctx context.Context, path string) error {
	ticker := time.NewTicker(p.cfg.pollInterval())
	defer ticker.Stop()

	for {
		_, err := os.Stat(path)
		if err == nil {
			return nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return err
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("latentgo: waiting for artifact %s: %w", path, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Close releases the pipeline's resources, closing the record store.
// Operations after Close fail with ErrClosed.
func (p *Pipeline) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	if p.store != nil {
		return p.store.Close()
	}
	return nil
}
