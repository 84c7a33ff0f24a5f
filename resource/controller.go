// Package resource manages process-wide resource limits for pipeline
// workers: bounded memory for in-flight batches, a cap on concurrent
// encoder invocations, and optional IO throttling for batch loading.
package resource

import (
	"context"
	"errors"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// ErrMemoryLimitExceeded is returned when a memory reservation would
// exceed the configured limit.
var ErrMemoryLimitExceeded = errors.New("memory limit exceeded")

// Config holds resource limits. Zero values disable the corresponding
// limit.
type Config struct {
	// MemoryLimitBytes is the hard limit for in-flight batch memory.
	MemoryLimitBytes int64

	// MaxEncodeConcurrency caps concurrent encoder invocations across
	// all workers of the process. If 0, one per worker.
	MaxEncodeConcurrency int64

	// IOLimitBytesPerSec throttles raw image reads.
	IOLimitBytesPerSec int64
}

// Controller enforces the limits of a Config. A nil Controller enforces
// nothing, so callers may pass it through unconditionally.
type Controller struct {
	memSem    *semaphore.Weighted
	memUsed   atomic.Int64
	encSem    *semaphore.Weighted
	ioLimiter *rate.Limiter
}

// NewController creates a controller for cfg.
func NewController(cfg Config) *Controller {
	c := &Controller{}

	if cfg.MemoryLimitBytes > 0 {
		c.memSem = semaphore.NewWeighted(cfg.MemoryLimitBytes)
	}
	if cfg.MaxEncodeConcurrency > 0 {
		c.encSem = semaphore.NewWeighted(cfg.MaxEncodeConcurrency)
	}
	if cfg.IOLimitBytesPerSec > 0 {
		c.ioLimiter = rate.NewLimiter(rate.Limit(cfg.IOLimitBytesPerSec), int(cfg.IOLimitBytesPerSec))
	}

	return c
}

// AcquireMemory reserves bytes, or fails with ErrMemoryLimitExceeded.
// Non-blocking; callers decide whether to shrink the batch or abort.
func (c *Controller) AcquireMemory(bytes int64) error {
	if c == nil || bytes <= 0 {
		return nil
	}
	if c.memSem != nil && !c.memSem.TryAcquire(bytes) {
		return ErrMemoryLimitExceeded
	}
	c.memUsed.Add(bytes)
	return nil
}

// ReleaseMemory returns a reservation made with AcquireMemory.
func (c *Controller) ReleaseMemory(bytes int64) {
	if c == nil || bytes <= 0 {
		return
	}
	if c.memSem != nil {
		c.memSem.Release(bytes)
	}
	c.memUsed.Add(-bytes)
}

// MemoryUsed returns the currently reserved bytes.
func (c *Controller) MemoryUsed() int64 {
	if c == nil {
		return 0
	}
	return c.memUsed.Load()
}

// AcquireEncodeSlot blocks until an encoder slot is free.
func (c *Controller) AcquireEncodeSlot(ctx context.Context) error {
	if c == nil || c.encSem == nil {
		return ctx.Err()
	}
	return c.encSem.Acquire(ctx, 1)
}

// ReleaseEncodeSlot returns a slot taken with AcquireEncodeSlot.
func (c *Controller) ReleaseEncodeSlot() {
	if c == nil || c.encSem == nil {
		return
	}
	c.encSem.Release(1)
}

// IOLimiter returns the raw read limiter, or nil if unlimited.
func (c *Controller) IOLimiter() *rate.Limiter {
	if c == nil {
		return nil
	}
	return c.ioLimiter
}
