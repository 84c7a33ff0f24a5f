package coordinator

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hupe1980/latentgo/fidstats"
	"github.com/hupe1980/latentgo/internal/fs"
)

const (
	partialExt = ".part"
	runMarker  = "run.id"
)

func partialPath(exchangeDir, runID string, process int) string {
	return filepath.Join(exchangeDir, fmt.Sprintf("stats_%s_%04d%s", runID, process, partialExt))
}

// initExchange prepares the exchange directory for a new run: stale
// partials of earlier runs are removed and a fresh run marker is
// published. Leader only, before any worker starts.
//
// Partials are stamped with the marker's nonce in their filename, so
// the leader never merges a partial left behind by a crashed or
// differently-configured run: an unstamped file is invisible to
// awaitPartials and the run fails with missing partials instead of
// silently absorbing stale data.
func (c *Coordinator) initExchange() error {
	if err := fs.Default.MkdirAll(c.opts.ExchangeDir, 0o755); err != nil {
		return err
	}

	stale, err := filepath.Glob(filepath.Join(c.opts.ExchangeDir, "stats_*"+partialExt))
	if err != nil {
		return err
	}
	for _, p := range stale {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	if len(stale) > 0 {
		c.opts.Logger.Warn("removed stale partials", "count", len(stale))
	}

	var nonce [8]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return err
	}
	c.runID = hex.EncodeToString(nonce[:])

	return fs.WriteAtomic(fs.Default, filepath.Join(c.opts.ExchangeDir, runMarker), []byte(c.runID), 0o644)
}

// awaitRunID blocks until the leader published the run marker and
// returns its nonce. Non-leader processes stamp their partials with it.
//
// A marker left behind by an earlier run can at worst make this process
// publish with an outdated nonce; the leader then reports missing
// partials and the run fails, it never merges mismatched data.
func (c *Coordinator) awaitRunID(ctx context.Context) (string, error) {
	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()

	for {
		data, err := os.ReadFile(filepath.Join(c.opts.ExchangeDir, runMarker))
		if err == nil && len(data) > 0 {
			return string(data), nil
		}
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return "", err
		}

		select {
		case <-ctx.Done():
			return "", fmt.Errorf("coordinator: waiting for run marker: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

// Reduce merges the per-process partial statistics into the global
// accumulator.
//
// In a single-process topology the local accumulator already is the
// global one. Otherwise every process publishes its partial into the
// shared exchange directory (atomically, so the leader never reads a
// half-written file) and the leader blocks until all ProcessCount
// partials of the current run exist, then merges them. The merge is
// order-independent.
//
// The returned leader flag tells the caller whether this process owns
// the artifact write; non-leader processes receive a nil global
// accumulator.
func (c *Coordinator) Reduce(ctx context.Context, local *fidstats.RunningStats) (global *fidstats.RunningStats, leader bool, err error) {
	if !c.opts.ComputeFID {
		return nil, c.topo.IsLeader(), nil
	}
	if c.topo.ProcessCount == 1 {
		return local, true, nil
	}

	if c.topo.IsLeader() {
		if c.runID == "" {
			return nil, true, fmt.Errorf("coordinator: exchange not initialized")
		}
	} else {
		c.runID, err = c.awaitRunID(ctx)
		if err != nil {
			return nil, false, err
		}
	}

	data, err := local.MarshalBinary()
	if err != nil {
		return nil, c.topo.IsLeader(), err
	}
	if err := fs.WriteAtomic(fs.Default, partialPath(c.opts.ExchangeDir, c.runID, c.topo.ProcessIndex), data, 0o644); err != nil {
		return nil, c.topo.IsLeader(), fmt.Errorf("coordinator: publish partial: %w", err)
	}

	if !c.topo.IsLeader() {
		return nil, false, nil
	}

	partials, err := c.awaitPartials(ctx)
	if err != nil {
		return nil, true, err
	}

	global, err = fidstats.NewRunningStats(local.Dim())
	if err != nil {
		return nil, true, err
	}
	for _, p := range partials {
		start := time.Now()
		err := global.Merge(p)
		c.opts.Metrics.RecordMerge(time.Since(start), err)
		if err != nil {
			return nil, true, err
		}
	}
	return global, true, nil
}

// awaitPartials blocks until every process published its partial for
// the current run, then loads them. The context bounds the wait; a
// worker failure elsewhere surfaces as the caller's context being
// cancelled.
func (c *Coordinator) awaitPartials(ctx context.Context) ([]*fidstats.RunningStats, error) {
	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()

	for {
		missing := 0
		for p := 0; p < c.topo.ProcessCount; p++ {
			if _, err := os.Stat(partialPath(c.opts.ExchangeDir, c.runID, p)); err != nil {
				if !errors.Is(err, os.ErrNotExist) {
					return nil, err
				}
				missing++
			}
		}

		if missing == 0 {
			break
		}

		c.opts.Logger.DebugContext(ctx, "waiting for partials", "missing", missing)

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("coordinator: %d partials missing: %w", missing, ctx.Err())
		case <-ticker.C:
		}
	}

	partials := make([]*fidstats.RunningStats, 0, c.topo.ProcessCount)
	for p := 0; p < c.topo.ProcessCount; p++ {
		data, err := os.ReadFile(partialPath(c.opts.ExchangeDir, c.runID, p))
		if err != nil {
			return nil, err
		}
		s, err := fidstats.UnmarshalRunningStats(data)
		if err != nil {
			return nil, fmt.Errorf("coordinator: partial of process %d: %w", p, err)
		}
		partials = append(partials, s)
	}
	return partials, nil
}

// CleanupPartials removes the exchange files of a completed run. Called
// by the leader after the artifact is durably written.
func (c *Coordinator) CleanupPartials() error {
	if c.opts.ExchangeDir == "" {
		return nil
	}

	partials, err := filepath.Glob(filepath.Join(c.opts.ExchangeDir, "stats_*"+partialExt))
	if err != nil {
		return err
	}

	var firstErr error
	for _, p := range partials {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) && firstErr == nil {
			firstErr = err
		}
	}
	if err := os.Remove(filepath.Join(c.opts.ExchangeDir, runMarker)); err != nil && !errors.Is(err, os.ErrNotExist) && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
