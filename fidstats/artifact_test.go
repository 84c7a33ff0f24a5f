package fidstats

import (
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/latentgo/internal/fs"
)

func finalizedStats(t *testing.T, d, n int, seed uint64) *Stats {
	t.Helper()

	s, err := NewRunningStats(d)
	require.NoError(t, err)

	r := rand.New(rand.NewSource(int64(seed)))
	require.NoError(t, s.Fold(randomVectors(r, n, d)))

	st, err := s.Finalize()
	require.NoError(t, err)
	return st
}

func TestArtifact_SaveLoadRoundTrip(t *testing.T) {
	st := finalizedStats(t, 6, 40, 31)

	prov := Provenance{
		ImageSize:   256,
		Encoder:     "inception",
		DatasetRoot: "/data/imagenet",
		Split:       "train",
		CreatedAt:   time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC),
	}

	path := ArtifactPath(t.TempDir(), "inception", 256)
	require.NoError(t, SaveArtifact(nil, path, NewArtifact(st, prov), nil))

	loaded, err := LoadArtifact(path)
	require.NoError(t, err)

	assert.Equal(t, prov, loaded.Provenance)
	assert.Equal(t, st.N, loaded.N)

	got := loaded.Stats()
	assertStatsEqual(t, st, got, 0)
}

func TestArtifactPath(t *testing.T) {
	assert.Equal(t,
		filepath.Join("out", "fid_stats_inception_256.bin"),
		ArtifactPath("out", "inception", 256))

	// Encoder identities with path separators stay a single file name.
	assert.Equal(t,
		filepath.Join("out", "fid_stats_onnx-models-vae.onnx_512.bin"),
		ArtifactPath("out", "onnx:models/vae.onnx", 512))
}

func TestSaveArtifact_Atomic(t *testing.T) {
	st := finalizedStats(t, 4, 20, 41)
	dir := t.TempDir()
	path := ArtifactPath(dir, "vae", 256)

	ffs := fs.NewFaultyFS(nil)
	ffs.AddRule(".tmp", fs.Fault{FailAfterBytes: 16})

	err := SaveArtifact(ffs, path, NewArtifact(st, Provenance{}), nil)
	require.Error(t, err)

	_, err = os.Stat(path)
	require.ErrorIs(t, err, os.ErrNotExist, "partial artifact visible after failed save")
}

func TestLoadArtifact_Corruption(t *testing.T) {
	st := finalizedStats(t, 4, 20, 43)
	path := ArtifactPath(t.TempDir(), "vae", 256)
	require.NoError(t, SaveArtifact(nil, path, NewArtifact(st, Provenance{}), nil))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[len(data)/2] ^= 0xff
	require.NoError(t, os.WriteFile(path, data, 0o644))

	_, err = LoadArtifact(path)
	require.Error(t, err)
}
