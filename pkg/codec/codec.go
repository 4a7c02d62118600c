// Package codec compresses segment payloads. A block is self-describing:
//
//	[algo uint8][uncompressed uint32][stored uint32][payload]
//
// Blocks that do not shrink by at least 10% are stored raw with algo None.
package codec

import (
	"encoding/binary"
	"fmt"
	"sync"

	apperrors "github.com/Adithya-Monish-Kumar-K/search-index-workers/pkg/errors"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

type Algo uint8

const (
	None Algo = 0
	LZ4  Algo = 1
	Zstd Algo = 2
)

func (a Algo) String() string {
	switch a {
	case None:
		return "none"
	case LZ4:
		return "lz4"
	case Zstd:
		return "zstd"
	default:
		return fmt.Sprintf("algo(%d)", uint8(a))
	}
}

const headerSize = 9

var (
	zstdEncoderPool sync.Pool
	zstdDecoderPool sync.Pool
)

func getZstdEncoder() *zstd.Encoder {
	if v := zstdEncoderPool.Get(); v != nil {
		return v.(*zstd.Encoder)
	}
	enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	return enc
}

func getZstdDecoder() *zstd.Decoder {
	if v := zstdDecoderPool.Get(); v != nil {
		return v.(*zstd.Decoder)
	}
	dec, _ := zstd.NewReader(nil)
	return dec
}

// Compress encodes data as one block.
func Compress(data []byte, algo Algo) ([]byte, error) {
	var compressed []byte
	switch algo {
	case None:
	case LZ4:
		buf := make([]byte, lz4.CompressBlockBound(len(data)))
		n, err := lz4.CompressBlock(data, buf, nil)
		if err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		compressed = buf[:n]
	case Zstd:
		enc := getZstdEncoder()
		compressed = enc.EncodeAll(data, nil)
		zstdEncoderPool.Put(enc)
	default:
		return nil, apperrors.Newf(apperrors.ErrInvalidInput, "unknown compression algo %d", algo)
	}

	if len(compressed) == 0 || float64(len(compressed)) > float64(len(data))*0.9 {
		algo, compressed = None, data
	}
	out := make([]byte, headerSize+len(compressed))
	out[0] = byte(algo)
	binary.LittleEndian.PutUint32(out[1:], uint32(len(data)))
	binary.LittleEndian.PutUint32(out[5:], uint32(len(compressed)))
	copy(out[headerSize:], compressed)
	return out, nil
}

// Decompress decodes a block written by Compress.
func Decompress(block []byte) ([]byte, error) {
	if len(block) < headerSize {
		return nil, apperrors.New(apperrors.ErrMalformedRecord, "compressed block shorter than header")
	}
	algo := Algo(block[0])
	rawSize := binary.LittleEndian.Uint32(block[1:])
	storedSize := binary.LittleEndian.Uint32(block[5:])
	if uint64(len(block)) < uint64(headerSize)+uint64(storedSize) {
		return nil, apperrors.Newf(apperrors.ErrMalformedRecord, "compressed block truncated: have %d, want %d", len(block)-headerSize, storedSize)
	}
	payload := block[headerSize : headerSize+storedSize]

	switch algo {
	case None:
		if storedSize != rawSize {
			return nil, apperrors.New(apperrors.ErrMalformedRecord, "raw block size mismatch")
		}
		out := make([]byte, rawSize)
		copy(out, payload)
		return out, nil
	case LZ4:
		out := make([]byte, rawSize)
		n, err := lz4.UncompressBlock(payload, out)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		if uint32(n) != rawSize {
			return nil, apperrors.New(apperrors.ErrMalformedRecord, "lz4 decompressed size mismatch")
		}
		return out, nil
	case Zstd:
		dec := getZstdDecoder()
		defer zstdDecoderPool.Put(dec)
		out, err := dec.DecodeAll(payload, make([]byte, 0, rawSize))
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		if uint32(len(out)) != rawSize {
			return nil, apperrors.New(apperrors.ErrMalformedRecord, "zstd decompressed size mismatch")
		}
		return out, nil
	default:
		return nil, apperrors.Newf(apperrors.ErrMalformedRecord, "unknown compression algo %d", block[0])
	}
}
