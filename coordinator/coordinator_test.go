package coordinator

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/latentgo/dataset"
	"github.com/hupe1980/latentgo/encoder"
	"github.com/hupe1980/latentgo/fidstats"
	"github.com/hupe1980/latentgo/latentstore"
)

func writeValCorpus(t *testing.T, n int) *dataset.Corpus {
	t.Helper()
	root := t.TempDir()

	for i := 0; i < n; i++ {
		img := image.NewNRGBA(image.Rect(0, 0, 8, 8))
		for y := 0; y < 8; y++ {
			for x := 0; x < 8; x++ {
				img.SetNRGBA(x, y, color.NRGBA{
					R: uint8(37 * i % 256),
					G: uint8(11 * (i + x) % 256),
					B: uint8(53 * (i + y) % 256),
					A: 255,
				})
			}
		}

		path := filepath.Join(root, "val", fmt.Sprintf("val_%05d.png", i))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))

		f, err := os.Create(path)
		require.NoError(t, err)
		require.NoError(t, png.Encode(f, img))
		require.NoError(t, f.Close())
	}

	c, err := dataset.Enumerate(root, dataset.Val)
	require.NoError(t, err)
	require.Equal(t, n, c.Len())
	return c
}

type countingMetrics struct {
	decodes  atomic.Int64
	encodes  atomic.Int64
	writes   atomic.Int64
	skips    atomic.Int64
	merges   atomic.Int64
}

func (m *countingMetrics) RecordDecode(error) { m.decodes.Add(1) }
func (m *countingMetrics) RecordEncode(samples int, _ time.Duration, _ error) {
	m.encodes.Add(1)
}
func (m *countingMetrics) RecordWrite(written bool, _ time.Duration, _ error) {
	if written {
		m.writes.Add(1)
	} else {
		m.skips.Add(1)
	}
}
func (m *countingMetrics) RecordMerge(time.Duration, error) { m.merges.Add(1) }

func testEncoder(t *testing.T) encoder.Encoder {
	t.Helper()
	enc, err := encoder.New(encoder.Config{Type: "vae", ImageSize: 16})
	require.NoError(t, err)
	return enc
}

func runOnce(t *testing.T, corpus *dataset.Corpus, topo Topology, store latentstore.Store, overwrite bool, metrics MetricsCollector) *fidstats.RunningStats {
	t.Helper()

	c, err := New(topo, Options{
		Corpus:        corpus,
		Encoder:       testEncoder(t),
		Store:         store,
		BatchSize:     2,
		ImageSize:     16,
		ComputeLatent: store != nil,
		ComputeFID:    true,
		Overwrite:     overwrite,
		Metrics:       metrics,
	})
	require.NoError(t, err)

	stats, err := c.Run(context.Background())
	require.NoError(t, err)
	return stats
}

func TestCoordinator_SingleWorker(t *testing.T) {
	corpus := writeValCorpus(t, 5)

	stats := runOnce(t, corpus, Topology{ProcessCount: 1, ProcessIndex: 0, LocalDeviceCount: 1}, nil, false, nil)

	// 5 samples, batch size 2: padding of the last batch is excluded.
	assert.Equal(t, int64(5), stats.N())
}

// Running the same corpus with several local workers must reproduce the
// single-worker statistics.
func TestCoordinator_ParallelSerialEquivalence(t *testing.T) {
	corpus := writeValCorpus(t, 13)

	serial := runOnce(t, corpus, Topology{ProcessCount: 1, ProcessIndex: 0, LocalDeviceCount: 1}, nil, false, nil)
	want, err := serial.Finalize()
	require.NoError(t, err)

	for _, devices := range []int{2, 3, 5} {
		parallel := runOnce(t, corpus, Topology{ProcessCount: 1, ProcessIndex: 0, LocalDeviceCount: devices}, nil, false, nil)
		require.Equal(t, want.N, parallel.N())

		got, err := parallel.Finalize()
		require.NoError(t, err)

		for i := 0; i < want.Dim(); i++ {
			assert.InDelta(t, want.Mean.AtVec(i), got.Mean.AtVec(i), 1e-9)
			for j := 0; j < want.Dim(); j++ {
				assert.InDelta(t, want.Cov.At(i, j), got.Cov.At(i, j), 1e-9)
			}
		}
	}
}

func TestCoordinator_LatentWriteAndResume(t *testing.T) {
	corpus := writeValCorpus(t, 6)
	topo := Topology{ProcessCount: 1, ProcessIndex: 0, LocalDeviceCount: 2}

	store, err := latentstore.NewLocalStore(t.TempDir())
	require.NoError(t, err)

	first := &countingMetrics{}
	runOnce(t, corpus, topo, store, false, first)
	assert.Equal(t, int64(6), first.writes.Load())
	assert.Zero(t, first.skips.Load())

	// Second run: every record already exists, all writes are skips, and
	// the statistics are unchanged.
	second := &countingMetrics{}
	statsA := runOnce(t, corpus, topo, store, false, second)
	assert.Zero(t, second.writes.Load())
	assert.Equal(t, int64(6), second.skips.Load())
	assert.Equal(t, int64(6), statsA.N())

	// Overwrite forces rewrites.
	third := &countingMetrics{}
	runOnce(t, corpus, topo, store, true, third)
	assert.Equal(t, int64(6), third.writes.Load())

	// Every sample has a readable record of the encoder's shape.
	ctx := context.Background()
	for _, s := range corpus.Samples {
		rec, err := store.Read(ctx, s.ID)
		require.NoError(t, err)
		assert.Equal(t, []int{4, 2, 2}, rec.Shape)
		assert.Equal(t, s.Index, rec.Index)
	}
}

func TestCoordinator_Progress(t *testing.T) {
	corpus := writeValCorpus(t, 9)

	c, err := New(Topology{ProcessCount: 1, ProcessIndex: 0, LocalDeviceCount: 3}, Options{
		Corpus:     corpus,
		Encoder:    testEncoder(t),
		BatchSize:  2,
		ImageSize:  16,
		ComputeFID: true,
	})
	require.NoError(t, err)

	_, err = c.Run(context.Background())
	require.NoError(t, err)

	var total int64
	for _, p := range c.Progress() {
		total += p
	}
	assert.Equal(t, int64(9), total)
}

type failingEncoder struct{ encoder.Encoder }

func (failingEncoder) Encode(context.Context, [][]float32) ([][]float32, error) {
	return nil, &encoder.EncodeError{Encoder: "failing"}
}

// A failed worker must fail the whole run; no merge happens.
func TestCoordinator_WorkerFailureAbortsRun(t *testing.T) {
	corpus := writeValCorpus(t, 4)

	c, err := New(Topology{ProcessCount: 1, ProcessIndex: 0, LocalDeviceCount: 2}, Options{
		Corpus:     corpus,
		Encoder:    failingEncoder{testEncoder(t)},
		BatchSize:  2,
		ImageSize:  16,
		ComputeFID: true,
	})
	require.NoError(t, err)

	_, err = c.Run(context.Background())

	var ee *encoder.EncodeError
	require.ErrorAs(t, err, &ee)
}

func TestCoordinator_MultiProcessReduce(t *testing.T) {
	corpus := writeValCorpus(t, 11)
	exchange := t.TempDir()

	newCoord := func(process int) *Coordinator {
		c, err := New(Topology{ProcessCount: 2, ProcessIndex: process, LocalDeviceCount: 2}, Options{
			Corpus:       corpus,
			Encoder:      testEncoder(t),
			BatchSize:    2,
			ImageSize:    16,
			ComputeFID:   true,
			ExchangeDir:  exchange,
			PollInterval: 10 * time.Millisecond,
		})
		require.NoError(t, err)
		return c
	}

	ctx := context.Background()

	// The leader runs first and publishes the run marker.
	c0 := newCoord(0)
	local0, err := c0.Run(ctx)
	require.NoError(t, err)

	// Process 1 runs, publishes its partial, and is not the leader.
	c1 := newCoord(1)
	local1, err := c1.Run(ctx)
	require.NoError(t, err)

	global1, leader1, err := c1.Reduce(ctx, local1)
	require.NoError(t, err)
	assert.False(t, leader1)
	assert.Nil(t, global1)

	// The leader reduces and owns the global result.
	global0, leader0, err := c0.Reduce(ctx, local0)
	require.NoError(t, err)
	assert.True(t, leader0)
	require.NotNil(t, global0)
	assert.Equal(t, int64(11), global0.N())

	// The reduced result matches a single-process run.
	single := runOnce(t, corpus, Topology{ProcessCount: 1, ProcessIndex: 0, LocalDeviceCount: 1}, nil, false, nil)
	want, err := single.Finalize()
	require.NoError(t, err)
	got, err := global0.Finalize()
	require.NoError(t, err)

	for i := 0; i < want.Dim(); i++ {
		assert.InDelta(t, want.Mean.AtVec(i), got.Mean.AtVec(i), 1e-9)
		for j := 0; j < want.Dim(); j++ {
			assert.InDelta(t, want.Cov.At(i, j), got.Cov.At(i, j), 1e-9)
		}
	}

	require.NoError(t, c0.CleanupPartials())
	entries, err := os.ReadDir(exchange)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

// Partial files left behind by an earlier run must never be merged: the
// leader only accepts partials stamped with the current run marker and
// clears unstamped leftovers before workers start.
func TestCoordinator_ReduceRejectsStalePartials(t *testing.T) {
	corpus := writeValCorpus(t, 4)
	exchange := t.TempDir()

	newCoord := func(process int) *Coordinator {
		c, err := New(Topology{ProcessCount: 2, ProcessIndex: process, LocalDeviceCount: 1}, Options{
			Corpus:       corpus,
			Encoder:      testEncoder(t),
			BatchSize:    2,
			ImageSize:    16,
			ComputeFID:   true,
			ExchangeDir:  exchange,
			PollInterval: 5 * time.Millisecond,
		})
		require.NoError(t, err)
		return c
	}

	// Leftovers of an earlier, crashed run: one unstamped partial and
	// one stamped with a foreign run marker, both carrying valid
	// accumulator data of the right dimension.
	stale, err := fidstats.NewRunningStats(16)
	require.NoError(t, err)
	fake := make([][]float32, 100)
	for i := range fake {
		fake[i] = make([]float32, 16)
		for j := range fake[i] {
			fake[i][j] = float32(i + j)
		}
	}
	require.NoError(t, stale.Fold(fake))
	staleData, err := stale.MarshalBinary()
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(exchange, "stats_0001.part"), staleData, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(exchange, "stats_deadbeefdeadbeef_0001.part"), staleData, 0o644))

	ctx := context.Background()

	// Process 1 never executes: the stale data must not stand in for it.
	c0 := newCoord(0)
	local0, err := c0.Run(ctx)
	require.NoError(t, err)

	bounded, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	_, _, err = c0.Reduce(bounded, local0)
	cancel()
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// With process 1 actually running, the merge sees only this run's
	// partials and counts exactly the corpus.
	c0 = newCoord(0)
	local0, err = c0.Run(ctx)
	require.NoError(t, err)

	c1 := newCoord(1)
	local1, err := c1.Run(ctx)
	require.NoError(t, err)
	_, leader1, err := c1.Reduce(ctx, local1)
	require.NoError(t, err)
	assert.False(t, leader1)

	global, leader0, err := c0.Reduce(ctx, local0)
	require.NoError(t, err)
	assert.True(t, leader0)
	require.NotNil(t, global)
	assert.Equal(t, int64(4), global.N())
}

// A resumed latent-only run bulk-checks record presence once per shard
// and re-encodes nothing that is already stored.
func TestCoordinator_LatentOnlyResumeSkipsStored(t *testing.T) {
	corpus := writeValCorpus(t, 6)
	topo := Topology{ProcessCount: 1, ProcessIndex: 0, LocalDeviceCount: 2}

	store, err := latentstore.NewLocalStore(t.TempDir())
	require.NoError(t, err)

	runLatentOnly := func(m MetricsCollector) {
		c, err := New(topo, Options{
			Corpus:        corpus,
			Encoder:       testEncoder(t),
			Store:         store,
			BatchSize:     2,
			ImageSize:     16,
			ComputeLatent: true,
			Metrics:       m,
		})
		require.NoError(t, err)
		_, err = c.Run(context.Background())
		require.NoError(t, err)
	}

	first := &countingMetrics{}
	runLatentOnly(first)
	assert.Equal(t, int64(6), first.writes.Load())

	// Everything is stored: the rerun encodes and writes nothing.
	second := &countingMetrics{}
	runLatentOnly(second)
	assert.Zero(t, second.encodes.Load())
	assert.Zero(t, second.writes.Load())
	assert.Zero(t, second.skips.Load())
}

func TestCoordinator_ReduceLeaderTimeout(t *testing.T) {
	corpus := writeValCorpus(t, 4)

	c, err := New(Topology{ProcessCount: 2, ProcessIndex: 0, LocalDeviceCount: 2}, Options{
		Corpus:       corpus,
		Encoder:      testEncoder(t),
		BatchSize:    2,
		ImageSize:    16,
		ComputeFID:   true,
		ExchangeDir:  t.TempDir(),
		PollInterval: 5 * time.Millisecond,
	})
	require.NoError(t, err)

	ctx := context.Background()
	local, err := c.Run(ctx)
	require.NoError(t, err)

	// Process 1 never publishes: the merge must not proceed with a
	// missing shard.
	bounded, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()

	_, _, err = c.Reduce(bounded, local)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNew_Validation(t *testing.T) {
	corpus := writeValCorpus(t, 2)
	enc := testEncoder(t)

	valid := Options{Corpus: corpus, Encoder: enc, BatchSize: 2, ImageSize: 16}
	topo := Topology{ProcessCount: 1, ProcessIndex: 0, LocalDeviceCount: 1}

	_, err := New(topo, valid)
	require.NoError(t, err)

	var te *TopologyError
	_, err = New(Topology{ProcessCount: 0, ProcessIndex: 0, LocalDeviceCount: 1}, valid)
	require.ErrorAs(t, err, &te)
	_, err = New(Topology{ProcessCount: 2, ProcessIndex: 2, LocalDeviceCount: 1}, valid)
	require.ErrorAs(t, err, &te)
	_, err = New(Topology{ProcessCount: 1, ProcessIndex: 0, LocalDeviceCount: 0}, valid)
	require.ErrorAs(t, err, &te)

	bad := valid
	bad.Corpus = nil
	_, err = New(topo, bad)
	require.Error(t, err)

	bad = valid
	bad.BatchSize = 0
	_, err = New(topo, bad)
	require.Error(t, err)

	bad = valid
	bad.ComputeLatent = true
	_, err = New(topo, bad)
	require.Error(t, err, "latent without store")

	bad = valid
	bad.ComputeFID = true
	_, err = New(Topology{ProcessCount: 2, ProcessIndex: 0, LocalDeviceCount: 1}, bad)
	require.Error(t, err, "multi-process without exchange dir")
}
