// Package latentstore persists per-sample encoded latents to addressable,
// resumable storage.
//
// Each record is written at most once per sample identifier unless an
// overwrite is requested, and each write is atomically visible: a
// concurrent reader either sees the complete record or none at all. The
// existence of a record is the resumability checkpoint for multi-hour
// encoding jobs.
package latentstore

import (
	"context"
	"fmt"
	"os"

	"github.com/RoaringBitmap/roaring/v2"
)

// ErrNotFound is returned when a record does not exist.
//
// Implementations return an error satisfying errors.Is(err, ErrNotFound).
var ErrNotFound = os.ErrNotExist

// Compression selects the payload compression of newly written records.
// Records are self-describing; stores read any compression regardless of
// their configured default.
type Compression uint8

const (
	// Zstd compresses payloads with zstandard (default).
	Zstd Compression = iota

	// LZ4 compresses payloads with lz4, trading ratio for speed.
	LZ4

	// NoCompression stores raw float32 payloads.
	NoCompression
)

func (c Compression) String() string {
	switch c {
	case Zstd:
		return "zstd"
	case LZ4:
		return "lz4"
	case NoCompression:
		return "none"
	default:
		return fmt.Sprintf("compression(%d)", uint8(c))
	}
}

// Record is one persisted latent.
type Record struct {
	Index int
	ID    string
	Label string
	Shape []int
	Data  []float32
}

// Store is addressable, resumable latent storage keyed by sample ID.
type Store interface {
	// Has reports whether a record exists for id.
	Has(ctx context.Context, id string) (bool, error)

	// Write persists rec. If a record for rec.ID exists and overwrite is
	// false, the call is a no-op and written is false. Writes are
	// atomically visible.
	Write(ctx context.Context, rec *Record, overwrite bool) (written bool, err error)

	// Read loads the record for id, or ErrNotFound.
	Read(ctx context.Context, id string) (*Record, error)

	// Present returns a bitmap over positions of ids that already have a
	// record, for fast resume accounting.
	Present(ctx context.Context, ids []string) (*roaring.Bitmap, error)

	// Close releases store resources.
	Close() error
}
