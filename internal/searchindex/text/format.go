package text

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"sort"
	"time"

	"github.com/Adithya-Monish-Kumar-K/search-index-workers/pkg/codec"
	apperrors "github.com/Adithya-Monish-Kumar-K/search-index-workers/pkg/errors"
)

// Segment data objects use the .spdx layout:
//
//	header (64) | doc ids | postings | dictionary | footer (32)
//
// Postings are addressed by document ordinal, the position of the id in the
// doc id table. The whole object is zstd-compressed as one codec block.
const (
	MagicBytes    uint32 = 0x53504458
	FormatVersion uint32 = 2
	HeaderSize    int    = 64
	FooterSize    int    = 32
)

// Header is the fixed-size header of a segment data object.
type Header struct {
	Magic      uint32
	Version    uint32
	TermCount  uint32
	DocCount   uint32
	CreatedAt  int64
	DocsOffset uint64
	PostOffset uint64
	PostSize   uint64
	DictOffset uint64
	DictSize   uint64
}

// DictEntry locates the postings of a term relative to the postings start.
type DictEntry struct {
	Term       string `json:"t"`
	PostOffset int64  `json:"o"`
	PostLen    int    `json:"l"`
	DocFreq    int    `json:"d"`
}

// Posting is one document containing a term.
type Posting struct {
	Ordinal   uint32
	Frequency uint32
}

// TermEntry is a term and its postings in ascending ordinal order.
type TermEntry struct {
	Term     string
	Postings []Posting
}

// segmentData is a decoded segment object.
type segmentData struct {
	header   Header
	docIDs   []string
	ordinals map[string]uint32
	dict     []DictEntry
	postings []byte
}

func newSegmentData(docIDs []string) *segmentData {
	ord := make(map[string]uint32, len(docIDs))
	for i, id := range docIDs {
		ord[id] = uint32(i)
	}
	return &segmentData{docIDs: docIDs, ordinals: ord}
}

// search returns the postings of term, or nil when the segment lacks it.
func (d *segmentData) search(term string) ([]Posting, error) {
	i := sort.Search(len(d.dict), func(i int) bool { return d.dict[i].Term >= term })
	if i >= len(d.dict) || d.dict[i].Term != term {
		return nil, nil
	}
	return d.entryPostings(d.dict[i])
}

func (d *segmentData) entryPostings(e DictEntry) ([]Posting, error) {
	end := e.PostOffset + int64(e.PostLen)
	if e.PostOffset < 0 || end > int64(len(d.postings)) {
		return nil, apperrors.Newf(apperrors.ErrMalformedRecord, "postings of %q out of range", e.Term)
	}
	return decodePostings(d.postings[e.PostOffset:end], e.DocFreq)
}

func appendPostings(buf []byte, postings []Posting) []byte {
	var prev uint32
	for _, p := range postings {
		buf = binary.AppendUvarint(buf, uint64(p.Ordinal-prev))
		buf = binary.AppendUvarint(buf, uint64(p.Frequency))
		prev = p.Ordinal
	}
	return buf
}

func decodePostings(buf []byte, n int) ([]Posting, error) {
	out := make([]Posting, 0, n)
	var ord uint64
	for i := 0; i < n; i++ {
		delta, k := binary.Uvarint(buf)
		if k <= 0 {
			return nil, apperrors.New(apperrors.ErrMalformedRecord, "truncated posting ordinal")
		}
		buf = buf[k:]
		freq, k := binary.Uvarint(buf)
		if k <= 0 {
			return nil, apperrors.New(apperrors.ErrMalformedRecord, "truncated posting frequency")
		}
		buf = buf[k:]
		ord += delta
		out = append(out, Posting{Ordinal: uint32(ord), Frequency: uint32(freq)})
	}
	return out, nil
}

// encodeSegment serialises docIDs and entries, which must be sorted by
// term, and returns the compressed object with its decoded form.
func encodeSegment(docIDs []string, entries []TermEntry, now time.Time) ([]byte, *segmentData, error) {
	buf := make([]byte, HeaderSize, HeaderSize+len(docIDs)*16)

	docsOffset := uint64(len(buf))
	for _, id := range docIDs {
		buf = binary.AppendUvarint(buf, uint64(len(id)))
		buf = append(buf, id...)
	}

	postOffset := uint64(len(buf))
	dict := make([]DictEntry, 0, len(entries))
	for _, e := range entries {
		start := len(buf)
		buf = appendPostings(buf, e.Postings)
		dict = append(dict, DictEntry{
			Term:       e.Term,
			PostOffset: int64(uint64(start) - postOffset),
			PostLen:    len(buf) - start,
			DocFreq:    len(e.Postings),
		})
	}
	postSize := uint64(len(buf)) - postOffset

	dictData, err := json.Marshal(dict)
	if err != nil {
		return nil, nil, fmt.Errorf("marshaling dictionary: %w", err)
	}
	dictOffset := uint64(len(buf))
	buf = append(buf, dictData...)

	h := Header{
		Magic:      MagicBytes,
		Version:    FormatVersion,
		TermCount:  uint32(len(entries)),
		DocCount:   uint32(len(docIDs)),
		CreatedAt:  now.Unix(),
		DocsOffset: docsOffset,
		PostOffset: postOffset,
		PostSize:   postSize,
		DictOffset: dictOffset,
		DictSize:   uint64(len(dictData)),
	}
	putHeader(buf[:HeaderSize], h)

	footer := make([]byte, FooterSize)
	binary.LittleEndian.PutUint32(footer[0:4], crc32.ChecksumIEEE(buf))
	binary.LittleEndian.PutUint32(footer[4:8], h.DocCount)
	binary.LittleEndian.PutUint64(footer[8:16], h.DictOffset)
	binary.LittleEndian.PutUint64(footer[16:24], h.DictSize)
	binary.LittleEndian.PutUint64(footer[24:32], h.PostSize)
	buf = append(buf, footer...)

	block, err := codec.Compress(buf, codec.Zstd)
	if err != nil {
		return nil, nil, err
	}
	data := newSegmentData(docIDs)
	data.header = h
	data.dict = dict
	data.postings = buf[postOffset : postOffset+postSize]
	return block, data, nil
}

func putHeader(b []byte, h Header) {
	binary.LittleEndian.PutUint32(b[0:4], h.Magic)
	binary.LittleEndian.PutUint32(b[4:8], h.Version)
	binary.LittleEndian.PutUint32(b[8:12], h.TermCount)
	binary.LittleEndian.PutUint32(b[12:16], h.DocCount)
	binary.LittleEndian.PutUint64(b[16:24], uint64(h.CreatedAt))
	binary.LittleEndian.PutUint64(b[24:32], h.DocsOffset)
	binary.LittleEndian.PutUint64(b[32:40], h.PostOffset)
	binary.LittleEndian.PutUint64(b[40:48], h.PostSize)
	binary.LittleEndian.PutUint64(b[48:56], h.DictOffset)
	binary.LittleEndian.PutUint64(b[56:64], h.DictSize)
}

func readHeader(b []byte) Header {
	return Header{
		Magic:      binary.LittleEndian.Uint32(b[0:4]),
		Version:    binary.LittleEndian.Uint32(b[4:8]),
		TermCount:  binary.LittleEndian.Uint32(b[8:12]),
		DocCount:   binary.LittleEndian.Uint32(b[12:16]),
		CreatedAt:  int64(binary.LittleEndian.Uint64(b[16:24])),
		DocsOffset: binary.LittleEndian.Uint64(b[24:32]),
		PostOffset: binary.LittleEndian.Uint64(b[32:40]),
		PostSize:   binary.LittleEndian.Uint64(b[40:48]),
		DictOffset: binary.LittleEndian.Uint64(b[48:56]),
		DictSize:   binary.LittleEndian.Uint64(b[56:64]),
	}
}

// decodeSegment verifies and parses an object written by encodeSegment.
func decodeSegment(block []byte) (*segmentData, error) {
	buf, err := codec.Decompress(block)
	if err != nil {
		return nil, err
	}
	if len(buf) < HeaderSize+FooterSize {
		return nil, apperrors.New(apperrors.ErrMalformedRecord, "segment shorter than header and footer")
	}
	body, footer := buf[:len(buf)-FooterSize], buf[len(buf)-FooterSize:]
	if sum := binary.LittleEndian.Uint32(footer[0:4]); sum != crc32.ChecksumIEEE(body) {
		return nil, apperrors.Newf(apperrors.ErrMalformedRecord, "segment checksum mismatch: %08x", sum)
	}
	h := readHeader(body)
	if h.Magic != MagicBytes {
		return nil, apperrors.Newf(apperrors.ErrMalformedRecord, "invalid segment: bad magic bytes %x", h.Magic)
	}
	if h.Version != FormatVersion {
		return nil, apperrors.Newf(apperrors.ErrVersionMismatch, "segment format %d", h.Version)
	}
	if h.DictOffset+h.DictSize > uint64(len(body)) || h.PostOffset+h.PostSize > h.DictOffset || h.DocsOffset > h.PostOffset {
		return nil, apperrors.New(apperrors.ErrMalformedRecord, "segment sections out of range")
	}

	docIDs := make([]string, 0, h.DocCount)
	docs := body[h.DocsOffset:h.PostOffset]
	for i := uint32(0); i < h.DocCount; i++ {
		n, k := binary.Uvarint(docs)
		if k <= 0 || uint64(len(docs)-k) < n {
			return nil, apperrors.New(apperrors.ErrMalformedRecord, "truncated doc id table")
		}
		docIDs = append(docIDs, string(docs[k:k+int(n)]))
		docs = docs[k+int(n):]
	}

	var dict []DictEntry
	if err := json.Unmarshal(body[h.DictOffset:h.DictOffset+h.DictSize], &dict); err != nil {
		return nil, apperrors.Newf(apperrors.ErrMalformedRecord, "parsing dictionary: %v", err)
	}
	data := newSegmentData(docIDs)
	data.header = h
	data.dict = dict
	data.postings = body[h.PostOffset : h.PostOffset+h.PostSize]
	return data, nil
}
