package fidstats

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Partial accumulator exchange format (little endian):
//
//	magic "LGOACC" | version u8 | dim u32 | n u64
//	mean float64[dim] | M float64[dim*dim] (row major)
//	crc32 u32 over all preceding bytes
//
// Used by the coordinator to move per-process partial statistics through
// the shared output directory before the leader merges them.

var accMagic = []byte("LGOACC")

const accVersion = 1

// MarshalBinary serializes the accumulator state. Finalized accumulators
// cannot be exchanged.
func (s *RunningStats) MarshalBinary() ([]byte, error) {
	if s.finalized {
		return nil, ErrFinalized
	}

	var buf bytes.Buffer
	buf.Write(accMagic)
	buf.WriteByte(accVersion)

	var b8 [8]byte
	binary.LittleEndian.PutUint32(b8[:4], uint32(s.dim))
	buf.Write(b8[:4])
	binary.LittleEndian.PutUint64(b8[:], uint64(s.n))
	buf.Write(b8[:])

	for i := 0; i < s.dim; i++ {
		binary.LittleEndian.PutUint64(b8[:], math.Float64bits(s.mean.AtVec(i)))
		buf.Write(b8[:])
	}
	for i := 0; i < s.dim; i++ {
		for j := 0; j < s.dim; j++ {
			binary.LittleEndian.PutUint64(b8[:], math.Float64bits(s.m.At(i, j)))
			buf.Write(b8[:])
		}
	}

	binary.LittleEndian.PutUint32(b8[:4], crc32.ChecksumIEEE(buf.Bytes()))
	buf.Write(b8[:4])

	return buf.Bytes(), nil
}

// UnmarshalRunningStats deserializes an accumulator produced by
// MarshalBinary.
func UnmarshalRunningStats(data []byte) (*RunningStats, error) {
	headerLen := len(accMagic) + 1 + 4 + 8
	if len(data) < headerLen+4 {
		return nil, fmt.Errorf("fidstats: truncated accumulator data")
	}

	body := data[:len(data)-4]
	wantCRC := binary.LittleEndian.Uint32(data[len(data)-4:])
	if crc32.ChecksumIEEE(body) != wantCRC {
		return nil, fmt.Errorf("fidstats: accumulator checksum mismatch")
	}

	if !bytes.Equal(body[:len(accMagic)], accMagic) {
		return nil, fmt.Errorf("fidstats: bad accumulator magic")
	}
	off := len(accMagic)
	if body[off] != accVersion {
		return nil, fmt.Errorf("fidstats: unsupported accumulator version %d", body[off])
	}
	off++

	dim := int(binary.LittleEndian.Uint32(body[off:]))
	off += 4
	n := int64(binary.LittleEndian.Uint64(body[off:]))
	off += 8

	if dim <= 0 || n < 0 {
		return nil, fmt.Errorf("fidstats: invalid accumulator header (dim=%d, n=%d)", dim, n)
	}

	want := off + 8*dim + 8*dim*dim
	if len(body) != want {
		return nil, fmt.Errorf("fidstats: accumulator data has %d bytes, want %d", len(body), want)
	}

	s, err := NewRunningStats(dim)
	if err != nil {
		return nil, err
	}
	s.n = n

	for i := 0; i < dim; i++ {
		s.mean.SetVec(i, math.Float64frombits(binary.LittleEndian.Uint64(body[off:])))
		off += 8
	}

	m := mat.NewDense(dim, dim, nil)
	for i := 0; i < dim; i++ {
		for j := 0; j < dim; j++ {
			m.Set(i, j, math.Float64frombits(binary.LittleEndian.Uint64(body[off:])))
			off += 8
		}
	}
	for i := 0; i < dim; i++ {
		for j := i; j < dim; j++ {
			s.m.SetSym(i, j, m.At(i, j))
		}
	}

	return s, nil
}
