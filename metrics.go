package latentgo

import (
	"sync/atomic"
	"time"

	"github.com/hupe1980/latentgo/coordinator"
)

// NoopMetricsCollector is a no-op implementation of
// coordinator.MetricsCollector. Use this when metrics collection is not
// needed.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) RecordDecode(error)                     {}
func (NoopMetricsCollector) RecordEncode(int, time.Duration, error) {}
func (NoopMetricsCollector) RecordWrite(bool, time.Duration, error) {}
func (NoopMetricsCollector) RecordMerge(time.Duration, error)       {}

var _ coordinator.MetricsCollector = NoopMetricsCollector{}

// BasicMetricsCollector provides simple in-memory metrics collection.
// Useful for debugging and basic monitoring without external dependencies.
type BasicMetricsCollector struct {
	DecodeErrors     atomic.Int64
	EncodeCount      atomic.Int64
	EncodeErrors     atomic.Int64
	EncodeSamples    atomic.Int64
	EncodeTotalNanos atomic.Int64
	WriteCount       atomic.Int64
	WriteErrors      atomic.Int64
	WriteSkips       atomic.Int64
	WriteTotalNanos  atomic.Int64
	MergeCount       atomic.Int64
	MergeErrors      atomic.Int64
}

var _ coordinator.MetricsCollector = (*BasicMetricsCollector)(nil)

// RecordDecode implements coordinator.MetricsCollector.
func (b *BasicMetricsCollector) RecordDecode(error) {
	b.DecodeErrors.Add(1)
}

// RecordEncode implements coordinator.MetricsCollector.
func (b *BasicMetricsCollector) RecordEncode(samples int, duration time.Duration, err error) {
	b.EncodeCount.Add(1)
	b.EncodeSamples.Add(int64(samples))
	b.EncodeTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.EncodeErrors.Add(1)
	}
}

// RecordWrite implements coordinator.MetricsCollector.
func (b *BasicMetricsCollector) RecordWrite(written bool, duration time.Duration, err error) {
	b.WriteCount.Add(1)
	b.WriteTotalNanos.Add(duration.Nanoseconds())
	if !written && err == nil {
		b.WriteSkips.Add(1)
	}
	if err != nil {
		b.WriteErrors.Add(1)
	}
}

// RecordMerge implements coordinator.MetricsCollector.
func (b *BasicMetricsCollector) RecordMerge(duration time.Duration, err error) {
	b.MergeCount.Add(1)
	if err != nil {
		b.MergeErrors.Add(1)
	}
}

// GetStats returns a snapshot of current metrics.
func (b *BasicMetricsCollector) GetStats() BasicMetricsStats {
	return BasicMetricsStats{
		DecodeErrors:   b.DecodeErrors.Load(),
		EncodeCount:    b.EncodeCount.Load(),
		EncodeErrors:   b.EncodeErrors.Load(),
		EncodeSamples:  b.EncodeSamples.Load(),
		EncodeAvgNanos: avgNanos(b.EncodeTotalNanos.Load(), b.EncodeCount.Load()),
		WriteCount:     b.WriteCount.Load(),
		WriteErrors:    b.WriteErrors.Load(),
		WriteSkips:     b.WriteSkips.Load(),
		WriteAvgNanos:  avgNanos(b.WriteTotalNanos.Load(), b.WriteCount.Load()),
		MergeCount:     b.MergeCount.Load(),
		MergeErrors:    b.MergeErrors.Load(),
	}
}

func avgNanos(total, count int64) int64 {
	if count == 0 {
		return 0
	}
	return total / count
}

// BasicMetricsStats is a snapshot of BasicMetricsCollector state.
type BasicMetricsStats struct {
	DecodeErrors   int64
	EncodeCount    int64
	EncodeErrors   int64
	EncodeSamples  int64
	EncodeAvgNanos int64
	WriteCount     int64
	WriteErrors    int64
	WriteSkips     int64
	WriteAvgNanos  int64
	MergeCount     int64
	MergeErrors    int64
}
