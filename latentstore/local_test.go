package latentstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/latentgo/internal/fs"
)

func testRecord(id string, seed float32) *Record {
	data := make([]float32, 4*4*4)
	for i := range data {
		data[i] = seed + float32(i)*0.25
	}
	return &Record{
		Index: 7,
		ID:    id,
		Label: "n01440764",
		Shape: []int{4, 4, 4},
		Data:  data,
	}
}

func TestLocalStore_WriteReadRoundTrip(t *testing.T) {
	for _, compression := range []Compression{Zstd, LZ4, NoCompression} {
		t.Run(compression.String(), func(t *testing.T) {
			store, err := NewLocalStore(t.TempDir(), WithCompression(compression))
			require.NoError(t, err)

			ctx := context.Background()
			rec := testRecord("train/n01440764/img_001.png", 0.5)

			written, err := store.Write(ctx, rec, false)
			require.NoError(t, err)
			assert.True(t, written)

			got, err := store.Read(ctx, rec.ID)
			require.NoError(t, err)
			assert.Equal(t, rec, got)
		})
	}
}

func TestLocalStore_IdempotentWrite(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)

	ctx := context.Background()
	first := testRecord("val/img.png", 1)

	written, err := store.Write(ctx, first, false)
	require.NoError(t, err)
	require.True(t, written)

	// Second write with different data is a no-op without overwrite.
	second := testRecord("val/img.png", 99)
	written, err = store.Write(ctx, second, false)
	require.NoError(t, err)
	assert.False(t, written)

	got, err := store.Read(ctx, "val/img.png")
	require.NoError(t, err)
	assert.Equal(t, first.Data, got.Data)

	// Overwrite replaces the record.
	written, err = store.Write(ctx, second, true)
	require.NoError(t, err)
	assert.True(t, written)

	got, err = store.Read(ctx, "val/img.png")
	require.NoError(t, err)
	assert.Equal(t, second.Data, got.Data)
}

func TestLocalStore_ReadMissing(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)

	_, err = store.Read(context.Background(), "val/missing.png")
	require.ErrorIs(t, err, ErrNotFound)

	ok, err := store.Has(context.Background(), "val/missing.png")
	require.NoError(t, err)
	assert.False(t, ok)
}

// A failed write must never leave a partially visible record.
func TestLocalStore_AtomicVisibility(t *testing.T) {
	tests := []struct {
		name  string
		fault fs.Fault
	}{
		{name: "write fails midway", fault: fs.Fault{FailAfterBytes: 10}},
		{name: "sync fails", fault: fs.Fault{FailAfterBytes: -1, FailOnSync: true}},
		{name: "close fails", fault: fs.Fault{FailAfterBytes: -1, FailOnClose: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()

			ffs := fs.NewFaultyFS(nil)
			ffs.AddRule(".tmp", tt.fault)

			store, err := NewLocalStore(dir, WithFileSystem(ffs))
			require.NoError(t, err)

			ctx := context.Background()
			rec := testRecord("val/img.png", 2)

			_, err = store.Write(ctx, rec, false)
			require.Error(t, err)

			ok, err := store.Has(ctx, rec.ID)
			require.NoError(t, err)
			assert.False(t, ok, "partial record visible after failed write")

			// A retry on a healthy filesystem succeeds and reads back intact.
			healthy, err := NewLocalStore(dir)
			require.NoError(t, err)

			written, err := healthy.Write(ctx, rec, false)
			require.NoError(t, err)
			assert.True(t, written)

			got, err := healthy.Read(ctx, rec.ID)
			require.NoError(t, err)
			assert.Equal(t, rec.Data, got.Data)
		})
	}
}

func TestLocalStore_Present(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)

	ctx := context.Background()
	ids := []string{"val/a.png", "val/b.png", "val/c.png"}

	_, err = store.Write(ctx, testRecord(ids[0], 0), false)
	require.NoError(t, err)
	_, err = store.Write(ctx, testRecord(ids[2], 0), false)
	require.NoError(t, err)

	bm, err := store.Present(ctx, ids)
	require.NoError(t, err)

	assert.True(t, bm.Contains(0))
	assert.False(t, bm.Contains(1))
	assert.True(t, bm.Contains(2))
	assert.Equal(t, uint64(2), bm.GetCardinality())
}

func TestUnmarshalRecord_Corruption(t *testing.T) {
	rec := testRecord("val/img.png", 3)

	data, err := MarshalRecord(rec, Zstd, nil)
	require.NoError(t, err)

	// Round trip is intact.
	got, err := UnmarshalRecord(data)
	require.NoError(t, err)
	assert.Equal(t, rec, got)

	var corrupt *ErrCorruptRecord

	// Flipped byte fails the checksum.
	bad := append([]byte(nil), data...)
	bad[len(bad)/2] ^= 0xff
	_, err = UnmarshalRecord(bad)
	require.ErrorAs(t, err, &corrupt)

	// Truncation is rejected.
	_, err = UnmarshalRecord(data[:8])
	require.ErrorAs(t, err, &corrupt)

	// Wrong magic is rejected.
	bad = append([]byte(nil), data...)
	bad[0] = 'X'
	_, err = UnmarshalRecord(bad)
	require.ErrorAs(t, err, &corrupt)
}

func TestMarshalRecord_Validation(t *testing.T) {
	_, err := MarshalRecord(&Record{Shape: []int{2}, Data: []float32{1, 2}}, Zstd, nil)
	require.Error(t, err, "empty ID")

	_, err = MarshalRecord(&Record{ID: "x", Shape: []int{3}, Data: []float32{1, 2}}, Zstd, nil)
	require.Error(t, err, "shape mismatch")
}

func TestLocalStore_NoStaleTempFiles(t *testing.T) {
	dir := t.TempDir()
	store, err := NewLocalStore(dir)
	require.NoError(t, err)

	_, err = store.Write(context.Background(), testRecord("val/img.png", 1), false)
	require.NoError(t, err)

	err = filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		require.NoError(t, err)
		if !d.IsDir() {
			assert.NotContains(t, path, ".tmp")
		}
		return nil
	})
	require.NoError(t, err)
}
