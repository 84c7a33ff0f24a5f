package latentstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/hupe1980/latentgo/codec"
	"github.com/hupe1980/latentgo/internal/fs"
	"github.com/hupe1980/latentgo/internal/mmap"
)

const recordExt = ".lat"

// LocalStore persists records on the local filesystem, one file per
// sample, mirroring the corpus directory layout under its root.
//
// Writes go through a temporary sibling file and a rename, so records
// become visible atomically. A worker killed mid-write leaves at most a
// stale .tmp file behind, never a partial record.
type LocalStore struct {
	fsys        fs.FileSystem
	root        string
	compression Compression
	codec       codec.Codec
}

// LocalOption configures a LocalStore.
type LocalOption func(*LocalStore)

// WithFileSystem injects a filesystem, used by tests for fault injection.
func WithFileSystem(fsys fs.FileSystem) LocalOption {
	return func(s *LocalStore) { s.fsys = fsys }
}

// WithCompression sets the payload compression for new records.
func WithCompression(c Compression) LocalOption {
	return func(s *LocalStore) { s.compression = c }
}

// WithCodec sets the header codec for new records.
func WithCodec(c codec.Codec) LocalOption {
	return func(s *LocalStore) {
		if c != nil {
			s.codec = c
		}
	}
}

// NewLocalStore creates a store rooted at dir.
func NewLocalStore(dir string, opts ...LocalOption) (*LocalStore, error) {
	s := &LocalStore{
		fsys:        fs.Default,
		root:        dir,
		compression: Zstd,
		codec:       codec.Default,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.fsys.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("latentstore: create root: %w", err)
	}
	return s, nil
}

func (s *LocalStore) path(id string) string {
	return filepath.Join(s.root, filepath.FromSlash(id)+recordExt)
}

// Has reports whether a record exists for id.
func (s *LocalStore) Has(_ context.Context, id string) (bool, error) {
	_, err := s.fsys.Stat(s.path(id))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// Write persists rec, skipping existing records unless overwrite is set.
func (s *LocalStore) Write(ctx context.Context, rec *Record, overwrite bool) (bool, error) {
	if !overwrite {
		ok, err := s.Has(ctx, rec.ID)
		if err != nil {
			return false, err
		}
		if ok {
			return false, nil
		}
	}

	data, err := MarshalRecord(rec, s.compression, s.codec)
	if err != nil {
		return false, err
	}

	path := s.path(rec.ID)
	if err := s.fsys.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return false, err
	}

	if err := fs.WriteAtomic(s.fsys, path, data, 0o644); err != nil {
		return false, fmt.Errorf("latentstore: write %s: %w", rec.ID, err)
	}
	return true, nil
}

// Read loads the record for id.
func (s *LocalStore) Read(_ context.Context, id string) (*Record, error) {
	m, err := mmap.Open(s.path(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("latentstore: %s: %w", id, ErrNotFound)
		}
		return nil, err
	}
	defer m.Close()

	// UnmarshalRecord copies/decompresses into fresh buffers, so the
	// mapping may be closed on return.
	return UnmarshalRecord(m.Bytes())
}

// Present stats each id and returns the bitmap of existing positions.
func (s *LocalStore) Present(ctx context.Context, ids []string) (*roaring.Bitmap, error) {
	bm := roaring.New()
	for i, id := range ids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ok, err := s.Has(ctx, id)
		if err != nil {
			return nil, err
		}
		if ok {
			bm.Add(uint32(i))
		}
	}
	return bm, nil
}

// Close implements Store.
func (s *LocalStore) Close() error { return nil }
