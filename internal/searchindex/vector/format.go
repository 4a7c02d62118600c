package vector

import (
	"encoding/binary"
	"math"

	"github.com/cespare/xxhash/v2"

	"github.com/Adithya-Monish-Kumar-K/search-index-workers/pkg/codec"
	apperrors "github.com/Adithya-Monish-Kumar-K/search-index-workers/pkg/errors"
)

// Vector segment objects hold fixed-width float32 rows:
//
//	header (16) | doc ids | rows | xxhash64 footer (8)
//
// and are lz4-compressed as one codec block.
const (
	MagicBytes    uint32 = 0x53505658
	FormatVersion uint32 = 1
	headerSize           = 16
	footerSize           = 8
)

// segmentData is a decoded vector segment.
type segmentData struct {
	dims     int
	docIDs   []string
	ordinals map[string]uint32
	rows     []float32
}

func newSegmentData(dims int, docIDs []string, rows []float32) *segmentData {
	ord := make(map[string]uint32, len(docIDs))
	for i, id := range docIDs {
		ord[id] = uint32(i)
	}
	return &segmentData{dims: dims, docIDs: docIDs, ordinals: ord, rows: rows}
}

func (d *segmentData) row(ord int) []float32 {
	return d.rows[ord*d.dims : (ord+1)*d.dims]
}

func encodeSegment(dims int, docIDs []string, rows []float32) ([]byte, *segmentData, error) {
	buf := make([]byte, headerSize, headerSize+len(rows)*4+len(docIDs)*16+footerSize)
	binary.LittleEndian.PutUint32(buf[0:4], MagicBytes)
	binary.LittleEndian.PutUint32(buf[4:8], FormatVersion)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(dims))
	binary.LittleEndian.PutUint32(buf[12:16], uint32(len(docIDs)))
	for _, id := range docIDs {
		buf = binary.AppendUvarint(buf, uint64(len(id)))
		buf = append(buf, id...)
	}
	for _, v := range rows {
		buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(v))
	}
	buf = binary.LittleEndian.AppendUint64(buf, xxhash.Sum64(buf))

	block, err := codec.Compress(buf, codec.LZ4)
	if err != nil {
		return nil, nil, err
	}
	return block, newSegmentData(dims, docIDs, rows), nil
}

func decodeSegment(block []byte) (*segmentData, error) {
	buf, err := codec.Decompress(block)
	if err != nil {
		return nil, err
	}
	if len(buf) < headerSize+footerSize {
		return nil, apperrors.New(apperrors.ErrMalformedRecord, "vector segment shorter than header and footer")
	}
	body := buf[:len(buf)-footerSize]
	if sum := binary.LittleEndian.Uint64(buf[len(buf)-footerSize:]); sum != xxhash.Sum64(body) {
		return nil, apperrors.Newf(apperrors.ErrMalformedRecord, "vector segment checksum mismatch: %016x", sum)
	}
	if magic := binary.LittleEndian.Uint32(body[0:4]); magic != MagicBytes {
		return nil, apperrors.Newf(apperrors.ErrMalformedRecord, "invalid vector segment: bad magic bytes %x", magic)
	}
	if v := binary.LittleEndian.Uint32(body[4:8]); v != FormatVersion {
		return nil, apperrors.Newf(apperrors.ErrVersionMismatch, "vector segment format %d", v)
	}
	dims := int(binary.LittleEndian.Uint32(body[8:12]))
	count := int(binary.LittleEndian.Uint32(body[12:16]))

	rest := body[headerSize:]
	docIDs := make([]string, 0, count)
	for i := 0; i < count; i++ {
		n, k := binary.Uvarint(rest)
		if k <= 0 || uint64(len(rest)-k) < n {
			return nil, apperrors.New(apperrors.ErrMalformedRecord, "truncated vector doc id table")
		}
		docIDs = append(docIDs, string(rest[k:k+int(n)]))
		rest = rest[k+int(n):]
	}
	if len(rest) != count*dims*4 {
		return nil, apperrors.Newf(apperrors.ErrMalformedRecord, "vector rows: have %d bytes, want %d", len(rest), count*dims*4)
	}
	rows := make([]float32, count*dims)
	for i := range rows {
		rows[i] = math.Float32frombits(binary.LittleEndian.Uint32(rest[i*4:]))
	}
	return newSegmentData(dims, docIDs, rows), nil
}
