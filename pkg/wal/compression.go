package wal

import (
	"encoding/binary"
	"fmt"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Codec identifies the compression applied to an entry payload
type Codec uint8

const (
	// CodecNone stores payloads as-is
	CodecNone Codec = 0
	// CodecLZ4 uses LZ4 block compression (fast)
	CodecLZ4 Codec = 1
	// CodecZstd uses zstd (better ratio)
	CodecZstd Codec = 2
)

// ParseCodec maps a config name to a codec
func ParseCodec(name string) (Codec, error) {
	switch strings.ToLower(name) {
	case "", "none":
		return CodecNone, nil
	case "lz4":
		return CodecLZ4, nil
	case "zstd":
		return CodecZstd, nil
	}
	return CodecNone, fmt.Errorf("%w: %q", ErrUnknownCodec, name)
}

func (c Codec) String() string {
	switch c {
	case CodecNone:
		return "none"
	case CodecLZ4:
		return "lz4"
	case CodecZstd:
		return "zstd"
	}
	return fmt.Sprintf("codec(%d)", uint8(c))
}

var (
	zstdEncoderPool sync.Pool
	zstdDecoderPool sync.Pool
)

func getZstdEncoder() (*zstd.Encoder, error) {
	if v := zstdEncoderPool.Get(); v != nil {
		return v.(*zstd.Encoder), nil
	}
	return zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
}

func getZstdDecoder() (*zstd.Decoder, error) {
	if v := zstdDecoderPool.Get(); v != nil {
		return v.(*zstd.Decoder), nil
	}
	return zstd.NewReader(nil)
}

// Compress encodes a payload with the codec. LZ4 output is prefixed with
// the uncompressed length; an incompressible LZ4 block falls back to CodecNone.
func Compress(codec Codec, data []byte) (Codec, []byte, error) {
	if len(data) == 0 {
		return CodecNone, data, nil
	}
	switch codec {
	case CodecNone:
		return CodecNone, data, nil

	case CodecLZ4:
		out := make([]byte, 4+lz4.CompressBlockBound(len(data)))
		binary.LittleEndian.PutUint32(out[0:4], uint32(len(data)))
		n, err := lz4.CompressBlock(data, out[4:], nil)
		if err != nil {
			return CodecNone, nil, fmt.Errorf("lz4 compress: %w", err)
		}
		if n == 0 {
			return CodecNone, data, nil
		}
		return CodecLZ4, out[:4+n], nil

	case CodecZstd:
		enc, err := getZstdEncoder()
		if err != nil {
			return CodecNone, nil, fmt.Errorf("zstd encoder: %w", err)
		}
		defer zstdEncoderPool.Put(enc)
		return CodecZstd, enc.EncodeAll(data, nil), nil
	}
	return CodecNone, nil, fmt.Errorf("%w: %d", ErrUnknownCodec, codec)
}

// Decompress reverses Compress
func Decompress(codec Codec, data []byte) ([]byte, error) {
	switch codec {
	case CodecNone:
		return data, nil

	case CodecLZ4:
		if len(data) < 4 {
			return nil, fmt.Errorf("%w: lz4 block too small", ErrCorrupted)
		}
		size := binary.LittleEndian.Uint32(data[0:4])
		out := make([]byte, size)
		n, err := lz4.UncompressBlock(data[4:], out)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		if n != int(size) {
			return nil, fmt.Errorf("%w: lz4 size mismatch %d != %d", ErrCorrupted, n, size)
		}
		return out, nil

	case CodecZstd:
		dec, err := getZstdDecoder()
		if err != nil {
			return nil, fmt.Errorf("zstd decoder: %w", err)
		}
		defer zstdDecoderPool.Put(dec)
		out, err := dec.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: %d", ErrUnknownCodec, codec)
}
