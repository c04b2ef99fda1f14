package codec

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// maxDecodedSize bounds the decompressed size of one block.
const maxDecodedSize = 64 << 20

// Compressor is the byte-level stage applied after serialization. One store uses one Compressor for every block.
type Compressor interface {
	Compress(src []byte) ([]byte, error)
	Decompress(src []byte) ([]byte, error)
	Name() string
}

// NewCompressor returns the compressor registered under name (zstd, lz4).
// Returns nil if the name is not supported.
func NewCompressor(name string) Compressor {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "zstd":
		return NewZstdCompressor()
	case "lz4":
		return LZ4Compressor{}
	default:
		return nil
	}
}

// ZstdCompressor wraps a shared klauspost encoder/decoder pair; both are safe for concurrent EncodeAll/DecodeAll.
type ZstdCompressor struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func NewZstdCompressor() *ZstdCompressor {
	enc, err := zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedBestCompression),
		zstd.WithEncoderConcurrency(1),
	)
	if err != nil {
		panic(fmt.Sprintf("zstd encoder: %v", err))
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxDecodedSize))
	if err != nil {
		panic(fmt.Sprintf("zstd decoder: %v", err))
	}
	return &ZstdCompressor{enc: enc, dec: dec}
}

func (z *ZstdCompressor) Compress(src []byte) ([]byte, error) {
	return z.enc.EncodeAll(src, make([]byte, 0, len(src)/2)), nil
}

func (z *ZstdCompressor) Decompress(src []byte) ([]byte, error) {
	return z.dec.DecodeAll(src, nil)
}

func (z *ZstdCompressor) Name() string { return "zstd" }

// LZ4Compressor uses the lz4 frame format, which carries its own content checksum.
type LZ4Compressor struct{}

func (LZ4Compressor) Compress(src []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if err := w.Apply(lz4.ChecksumOption(true), lz4.CompressionLevelOption(lz4.Level9)); err != nil {
		return nil, err
	}
	if _, err := w.Write(src); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (LZ4Compressor) Decompress(src []byte) ([]byte, error) {
	out, err := io.ReadAll(io.LimitReader(lz4.NewReader(bytes.NewReader(src)), maxDecodedSize+1))
	if err != nil {
		return nil, err
	}
	if len(out) > maxDecodedSize {
		return nil, fmt.Errorf("lz4: decoded block exceeds %d bytes", maxDecodedSize)
	}
	return out, nil
}

func (LZ4Compressor) Name() string { return "lz4" }
