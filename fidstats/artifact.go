package fidstats

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"math"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"gonum.org/v1/gonum/mat"

	"github.com/hupe1980/latentgo/codec"
	"github.com/hupe1980/latentgo/internal/fs"
	"github.com/hupe1980/latentgo/internal/mmap"
)

// Provenance records how a statistics artifact was produced.
type Provenance struct {
	ImageSize   int       `json:"image_size"`
	Encoder     string    `json:"encoder"`
	DatasetRoot string    `json:"dataset_root"`
	Split       string    `json:"split"`
	CreatedAt   time.Time `json:"created_at"`
}

// Artifact is the persisted (mean, covariance, n) triple plus
// provenance. Immutable once written.
type Artifact struct {
	Dim        int
	N          int64
	Mean       []float64 // dim values
	Cov        []float64 // dim*dim values, row major
	Provenance Provenance
}

// NewArtifact builds an artifact from finalized stats.
func NewArtifact(st *Stats, prov Provenance) *Artifact {
	d := st.Dim()

	a := &Artifact{
		Dim:        d,
		N:          st.N,
		Mean:       make([]float64, d),
		Cov:        make([]float64, d*d),
		Provenance: prov,
	}
	for i := 0; i < d; i++ {
		a.Mean[i] = st.Mean.AtVec(i)
		for j := 0; j < d; j++ {
			a.Cov[i*d+j] = st.Cov.At(i, j)
		}
	}
	return a
}

// Stats reconstructs the (mean, covariance, n) triple.
func (a *Artifact) Stats() *Stats {
	mean := mat.NewVecDense(a.Dim, nil)
	for i := 0; i < a.Dim; i++ {
		mean.SetVec(i, a.Mean[i])
	}

	cov := mat.NewSymDense(a.Dim, nil)
	for i := 0; i < a.Dim; i++ {
		for j := i; j < a.Dim; j++ {
			cov.SetSym(i, j, a.Cov[i*a.Dim+j])
		}
	}

	return &Stats{Mean: mean, Cov: cov, N: a.N}
}

// ArtifactPath returns the canonical artifact location for a run.
func ArtifactPath(outputDir, encoderName string, imageSize int) string {
	name := strings.NewReplacer("/", "-", ":", "-", "\\", "-").Replace(encoderName)
	return filepath.Join(outputDir, fmt.Sprintf("fid_stats_%s_%d.bin", name, imageSize))
}

// Artifact file layout (little endian):
//
//	magic "LGOFID" | version u8
//	codec name len u8 | codec name
//	meta len u32 | meta (codec-encoded: dim, n, provenance)
//	payload len u32 | zstd(mean float64[dim] || cov float64[dim*dim])
//	crc32 u32 over all preceding bytes

var artifactMagic = []byte("LGOFID")

const artifactVersion = 1

type artifactMeta struct {
	Dim        int        `json:"dim"`
	N          int64      `json:"n"`
	Provenance Provenance `json:"provenance"`
}

var (
	artifactZstdOnce sync.Once
	artifactZstdEnc  *zstd.Encoder
	artifactZstdDec  *zstd.Decoder
)

func artifactZstd() (*zstd.Encoder, *zstd.Decoder) {
	artifactZstdOnce.Do(func() {
		artifactZstdEnc, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		artifactZstdDec, _ = zstd.NewReader(nil)
	})
	return artifactZstdEnc, artifactZstdDec
}

// SaveArtifact writes the artifact atomically to path.
func SaveArtifact(fsys fs.FileSystem, path string, a *Artifact, c codec.Codec) error {
	if fsys == nil {
		fsys = fs.Default
	}
	if c == nil {
		c = codec.Default
	}
	if len(a.Mean) != a.Dim || len(a.Cov) != a.Dim*a.Dim {
		return fmt.Errorf("fidstats: artifact dimensions inconsistent")
	}

	meta, err := c.Marshal(artifactMeta{Dim: a.Dim, N: a.N, Provenance: a.Provenance})
	if err != nil {
		return err
	}

	raw := make([]byte, 8*(len(a.Mean)+len(a.Cov)))
	for i, v := range a.Mean {
		binary.LittleEndian.PutUint64(raw[8*i:], math.Float64bits(v))
	}
	covOff := 8 * len(a.Mean)
	for i, v := range a.Cov {
		binary.LittleEndian.PutUint64(raw[covOff+8*i:], math.Float64bits(v))
	}

	enc, _ := artifactZstd()
	payload := enc.EncodeAll(raw, nil)

	codecName := c.Name()

	var buf bytes.Buffer
	buf.Write(artifactMagic)
	buf.WriteByte(artifactVersion)
	buf.WriteByte(byte(len(codecName)))
	buf.WriteString(codecName)

	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(meta)))
	buf.Write(lenBuf[:])
	buf.Write(meta)

	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	buf.Write(lenBuf[:])
	buf.Write(payload)

	binary.LittleEndian.PutUint32(lenBuf[:], crc32.ChecksumIEEE(buf.Bytes()))
	buf.Write(lenBuf[:])

	if err := fsys.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return fs.WriteAtomic(fsys, path, buf.Bytes(), 0o644)
}

// LoadArtifact reads an artifact written by SaveArtifact.
func LoadArtifact(path string) (*Artifact, error) {
	m, err := mmap.Open(path)
	if err != nil {
		return nil, err
	}
	defer m.Close()

	data := m.Bytes()
	if len(data) < len(artifactMagic)+2+4 {
		return nil, fmt.Errorf("fidstats: truncated artifact")
	}
	if !bytes.Equal(data[:len(artifactMagic)], artifactMagic) {
		return nil, fmt.Errorf("fidstats: bad artifact magic")
	}

	body := data[:len(data)-4]
	wantCRC := binary.LittleEndian.Uint32(data[len(data)-4:])
	if crc32.ChecksumIEEE(body) != wantCRC {
		return nil, fmt.Errorf("fidstats: artifact checksum mismatch")
	}

	off := len(artifactMagic)
	if body[off] != artifactVersion {
		return nil, fmt.Errorf("fidstats: unsupported artifact version %d", body[off])
	}
	off++

	nameLen := int(body[off])
	off++
	if off+nameLen > len(body) {
		return nil, fmt.Errorf("fidstats: truncated codec name")
	}
	codecName := string(body[off : off+nameLen])
	off += nameLen

	c, ok := codec.ByName(codecName)
	if !ok {
		return nil, fmt.Errorf("fidstats: unknown codec %q", codecName)
	}

	if off+4 > len(body) {
		return nil, fmt.Errorf("fidstats: truncated meta length")
	}
	metaLen := int(binary.LittleEndian.Uint32(body[off:]))
	off += 4
	if off+metaLen > len(body) {
		return nil, fmt.Errorf("fidstats: truncated meta")
	}

	var meta artifactMeta
	if err := c.Unmarshal(body[off:off+metaLen], &meta); err != nil {
		return nil, fmt.Errorf("fidstats: meta decode: %w", err)
	}
	off += metaLen

	if off+4 > len(body) {
		return nil, fmt.Errorf("fidstats: truncated payload length")
	}
	payloadLen := int(binary.LittleEndian.Uint32(body[off:]))
	off += 4
	if off+payloadLen != len(body) {
		return nil, fmt.Errorf("fidstats: payload length mismatch")
	}

	_, dec := artifactZstd()
	raw, err := dec.DecodeAll(body[off:off+payloadLen], nil)
	if err != nil {
		return nil, fmt.Errorf("fidstats: payload decode: %w", err)
	}

	want := 8 * (meta.Dim + meta.Dim*meta.Dim)
	if len(raw) != want {
		return nil, fmt.Errorf("fidstats: payload has %d bytes, want %d", len(raw), want)
	}

	a := &Artifact{
		Dim:        meta.Dim,
		N:          meta.N,
		Mean:       make([]float64, meta.Dim),
		Cov:        make([]float64, meta.Dim*meta.Dim),
		Provenance: meta.Provenance,
	}
	for i := range a.Mean {
		a.Mean[i] = math.Float64frombits(binary.LittleEndian.Uint64(raw[8*i:]))
	}
	covOff := 8 * len(a.Mean)
	for i := range a.Cov {
		a.Cov[i] = math.Float64frombits(binary.LittleEndian.Uint64(raw[covOff+8*i:]))
	}

	return a, nil
}
