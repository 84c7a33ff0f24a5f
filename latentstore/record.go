package latentstore

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"math"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/hupe1980/latentgo/codec"
)

// Record file layout (little endian):
//
//	magic "LGOREC" | version u8 | compression u8
//	codec name len u8 | codec name
//	header len u32 | header (codec-encoded)
//	payload len u32 | payload (compressed float32 data)
//	crc32 u32 over all preceding bytes
//
// The codec name makes the header self-describing; the CRC detects
// storage corruption, not tampering.

var recordMagic = []byte("LGOREC")

const recordVersion = 1

// ErrCorruptRecord indicates a record that fails structural or checksum
// validation.
type ErrCorruptRecord struct {
	Reason string
}

func (e *ErrCorruptRecord) Error() string {
	return fmt.Sprintf("corrupt latent record: %s", e.Reason)
}

type recordHeader struct {
	Index int    `json:"index"`
	ID    string `json:"id"`
	Label string `json:"label,omitempty"`
	Shape []int  `json:"shape"`
}

var (
	zstdEncOnce sync.Once
	zstdEnc     *zstd.Encoder
	zstdDecOnce sync.Once
	zstdDec     *zstd.Decoder
)

func zstdEncoder() *zstd.Encoder {
	zstdEncOnce.Do(func() {
		zstdEnc, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	})
	return zstdEnc
}

func zstdDecoder() *zstd.Decoder {
	zstdDecOnce.Do(func() {
		zstdDec, _ = zstd.NewReader(nil)
	})
	return zstdDec
}

func float32ToBytes(data []float32) []byte {
	b := make([]byte, 4*len(data))
	for i, v := range data {
		binary.LittleEndian.PutUint32(b[4*i:], math.Float32bits(v))
	}
	return b
}

func bytesToFloat32(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, &ErrCorruptRecord{Reason: fmt.Sprintf("payload length %d not a multiple of 4", len(b))}
	}
	data := make([]float32, len(b)/4)
	for i := range data {
		data[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return data, nil
}

func compressPayload(c Compression, raw []byte) ([]byte, error) {
	switch c {
	case Zstd:
		return zstdEncoder().EncodeAll(raw, nil), nil
	case LZ4:
		var buf bytes.Buffer
		w := lz4.NewWriter(&buf)
		if _, err := w.Write(raw); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case NoCompression:
		return raw, nil
	default:
		return nil, fmt.Errorf("latentstore: unsupported compression %v", c)
	}
}

func decompressPayload(c Compression, payload []byte) ([]byte, error) {
	switch c {
	case Zstd:
		return zstdDecoder().DecodeAll(payload, nil)
	case LZ4:
		return io.ReadAll(lz4.NewReader(bytes.NewReader(payload)))
	case NoCompression:
		return payload, nil
	default:
		return nil, &ErrCorruptRecord{Reason: fmt.Sprintf("unknown compression %d", uint8(c))}
	}
}

// MarshalRecord encodes rec into the record file format.
func MarshalRecord(rec *Record, compression Compression, c codec.Codec) ([]byte, error) {
	if c == nil {
		c = codec.Default
	}
	if rec.ID == "" {
		return nil, fmt.Errorf("latentstore: record ID is empty")
	}
	if got, want := len(rec.Data), dim(rec.Shape); got != want {
		return nil, fmt.Errorf("latentstore: data length %d does not match shape %v", got, rec.Shape)
	}

	header, err := c.Marshal(recordHeader{
		Index: rec.Index,
		ID:    rec.ID,
		Label: rec.Label,
		Shape: rec.Shape,
	})
	if err != nil {
		return nil, err
	}

	payload, err := compressPayload(compression, float32ToBytes(rec.Data))
	if err != nil {
		return nil, err
	}

	codecName := c.Name()
	if len(codecName) > 255 {
		return nil, fmt.Errorf("latentstore: codec name too long: %q", codecName)
	}

	var buf bytes.Buffer
	buf.Write(recordMagic)
	buf.WriteByte(recordVersion)
	buf.WriteByte(byte(compression))
	buf.WriteByte(byte(len(codecName)))
	buf.WriteString(codecName)

	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(header)))
	buf.Write(lenBuf[:])
	buf.Write(header)

	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	buf.Write(lenBuf[:])
	buf.Write(payload)

	binary.LittleEndian.PutUint32(lenBuf[:], crc32.ChecksumIEEE(buf.Bytes()))
	buf.Write(lenBuf[:])

	return buf.Bytes(), nil
}

// UnmarshalRecord decodes a record file.
func UnmarshalRecord(data []byte) (*Record, error) {
	if len(data) < len(recordMagic)+3+4 {
		return nil, &ErrCorruptRecord{Reason: "truncated"}
	}
	if !bytes.Equal(data[:len(recordMagic)], recordMagic) {
		return nil, &ErrCorruptRecord{Reason: "bad magic"}
	}

	body := data[:len(data)-4]
	wantCRC := binary.LittleEndian.Uint32(data[len(data)-4:])
	if crc32.ChecksumIEEE(body) != wantCRC {
		return nil, &ErrCorruptRecord{Reason: "checksum mismatch"}
	}

	off := len(recordMagic)
	version := body[off]
	if version != recordVersion {
		return nil, &ErrCorruptRecord{Reason: fmt.Sprintf("unsupported version %d", version)}
	}
	compression := Compression(body[off+1])
	nameLen := int(body[off+2])
	off += 3

	if off+nameLen > len(body) {
		return nil, &ErrCorruptRecord{Reason: "truncated codec name"}
	}
	codecName := string(body[off : off+nameLen])
	off += nameLen

	c, ok := codec.ByName(codecName)
	if !ok {
		return nil, &ErrCorruptRecord{Reason: fmt.Sprintf("unknown codec %q", codecName)}
	}

	if off+4 > len(body) {
		return nil, &ErrCorruptRecord{Reason: "truncated header length"}
	}
	headerLen := int(binary.LittleEndian.Uint32(body[off:]))
	off += 4
	if off+headerLen > len(body) {
		return nil, &ErrCorruptRecord{Reason: "truncated header"}
	}

	var header recordHeader
	if err := c.Unmarshal(body[off:off+headerLen], &header); err != nil {
		return nil, &ErrCorruptRecord{Reason: fmt.Sprintf("header decode: %v", err)}
	}
	off += headerLen

	if off+4 > len(body) {
		return nil, &ErrCorruptRecord{Reason: "truncated payload length"}
	}
	payloadLen := int(binary.LittleEndian.Uint32(body[off:]))
	off += 4
	if off+payloadLen != len(body) {
		return nil, &ErrCorruptRecord{Reason: "payload length mismatch"}
	}

	raw, err := decompressPayload(compression, body[off:off+payloadLen])
	if err != nil {
		return nil, err
	}

	values, err := bytesToFloat32(raw)
	if err != nil {
		return nil, err
	}
	if len(values) != dim(header.Shape) {
		return nil, &ErrCorruptRecord{Reason: fmt.Sprintf("payload has %d values, shape %v", len(values), header.Shape)}
	}

	return &Record{
		Index: header.Index,
		ID:    header.ID,
		Label: header.Label,
		Shape: header.Shape,
		Data:  values,
	}, nil
}

func dim(shape []int) int {
	d := 1
	for _, s := range shape {
		d *= s
	}
	return d
}
