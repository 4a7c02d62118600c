// Package vector is the vector search index kind. Each live document
// contributes one fixed-width float32 row read from its vector field, and
// queries rank rows by cosine similarity.
package vector

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/emirpasic/gods/trees/binaryheap"
	"github.com/google/uuid"

	"github.com/Adithya-Monish-Kumar-K/search-index-workers/internal/documents"
	"github.com/Adithya-Monish-Kumar-K/search-index-workers/internal/indexmeta"
	"github.com/Adithya-Monish-Kumar-K/search-index-workers/internal/interval"
	"github.com/Adithya-Monish-Kumar-K/search-index-workers/internal/searchindex"
	"github.com/Adithya-Monish-Kumar-K/search-index-workers/internal/workermeta"
	"github.com/Adithya-Monish-Kumar-K/search-index-workers/pkg/blobstore"
	apperrors "github.com/Adithya-Monish-Kumar-K/search-index-workers/pkg/errors"
)

const (
	// Version is the segment format written by this build.
	Version = 1

	defaultLimit = 10
)

type Spec struct {
	VectorField  string
	Dimensions   int
	FilterFields []string
}

type Schema struct {
	Spec
}

// Segment is the metadata of one vector segment.
type Segment struct {
	SegmentID    string `json:"id"`
	DataKey      string `json:"data_key,omitempty"`
	DeletesKey   string `json:"deletes_key,omitempty"`
	Dimensions   int    `json:"dimensions"`
	NumDocs      uint64 `json:"num_docs"`
	NumDeleted   uint64 `json:"num_deleted"`
	DataBytes    uint64 `json:"data_bytes"`
	DeletesBytes uint64 `json:"deletes_bytes,omitempty"`
}

func (s Segment) ID() string { return s.SegmentID }

func (s Segment) Statistics() searchindex.Statistics {
	return searchindex.Statistics{NumDocs: s.NumDocs, NumDeleted: s.NumDeleted}
}

// TotalSizeBytes is the uncompressed row size, which is what a merge has to
// hold in memory, plus the deletes object.
func (s Segment) TotalSizeBytes(spec Spec) uint64 {
	return s.NumDocs*uint64(spec.Dimensions)*4 + s.DeletesBytes
}

type Kind struct {
	data    *searchindex.ObjectCache[*segmentData]
	deletes *searchindex.Deletes
}

var _ searchindex.Kind[Spec, Segment, Schema] = (*Kind)(nil)

func New(cacheSize int) *Kind {
	return &Kind{
		data:    searchindex.NewObjectCache(cacheSize, decodeSegment),
		deletes: searchindex.NewDeletes(cacheSize),
	}
}

func (k *Kind) Type() indexmeta.Kind { return indexmeta.KindVector }

func (k *Kind) WorkerType() workermeta.Type { return workermeta.VectorSearch }

// PartialDocumentOrder is descending: the newest revision of a document is
// read first.
func (k *Kind) PartialDocumentOrder() interval.Order { return interval.Desc }

func (k *Kind) Version() int { return Version }

func (k *Kind) IsVersionCurrent(v int) bool { return v == Version }

func (k *Kind) SpecFromConfig(cfg indexmeta.DeveloperConfig) (Spec, error) {
	if cfg.Vector == nil || cfg.Vector.VectorField == "" || cfg.Vector.Dimensions <= 0 {
		return Spec{}, apperrors.New(apperrors.ErrInvalidInput, "vector index needs a vector field and positive dimensions")
	}
	return Spec{
		VectorField:  cfg.Vector.VectorField,
		Dimensions:   cfg.Vector.Dimensions,
		FilterFields: cfg.Vector.FilterFields,
	}, nil
}

func (k *Kind) NewSchema(spec Spec) Schema { return Schema{Spec: spec} }

func (k *Kind) EstimateDocumentSize(schema Schema, doc *documents.Document) uint64 {
	return uint64(len(doc.ID) + schema.Dimensions*4)
}

// vectorOf reads the vector field of doc. Documents whose field is missing,
// not numeric, or of the wrong length are not indexed.
func vectorOf(doc *documents.Document, schema Schema) ([]float32, bool) {
	v, ok := doc.Field(schema.VectorField)
	if !ok {
		return nil, false
	}
	arr, ok := v.([]any)
	if !ok || len(arr) != schema.Dimensions {
		return nil, false
	}
	out := make([]float32, len(arr))
	for i, e := range arr {
		switch x := e.(type) {
		case float64:
			out[i] = float32(x)
		case json.Number:
			f, err := x.Float64()
			if err != nil {
				return nil, false
			}
			out[i] = float32(f)
		default:
			return nil, false
		}
	}
	return out, true
}

func (k *Kind) BuildDiskIndex(ctx context.Context, store blobstore.Store, schema Schema, stream []searchindex.StreamEntry) (Segment, bool, error) {
	live, _ := searchindex.LiveDocuments(stream)
	var (
		ids  []string
		rows []float32
	)
	for _, doc := range live {
		vec, ok := vectorOf(doc, schema)
		if !ok {
			continue
		}
		ids = append(ids, doc.ID)
		rows = append(rows, vec...)
	}
	if len(ids) == 0 {
		return Segment{}, false, nil
	}
	seg, err := k.write(ctx, store, schema.Dimensions, ids, rows)
	if err != nil {
		return Segment{}, false, err
	}
	return seg, true, nil
}

func (k *Kind) write(ctx context.Context, store blobstore.Store, dims int, ids []string, rows []float32) (Segment, error) {
	id := uuid.NewString()
	if len(ids) == 0 {
		return Segment{SegmentID: id, Dimensions: dims}, nil
	}
	block, data, err := encodeSegment(dims, ids, rows)
	if err != nil {
		return Segment{}, fmt.Errorf("encoding vector segment %s: %w", id, err)
	}
	key := searchindex.DataKey(id)
	if err := store.Put(ctx, key, block); err != nil {
		return Segment{}, fmt.Errorf("writing vector segment %s: %w", id, err)
	}
	k.data.Put(key, data)
	return Segment{
		SegmentID:  id,
		DataKey:    key,
		Dimensions: dims,
		NumDocs:    uint64(len(ids)),
		DataBytes:  uint64(len(block)),
	}, nil
}

func (k *Kind) load(ctx context.Context, store blobstore.Store, seg Segment) (*segmentData, *roaring.Bitmap, error) {
	data, err := k.data.Load(ctx, store, seg.DataKey)
	if err != nil {
		return nil, nil, err
	}
	deletes, err := k.deletes.Load(ctx, store, seg.DeletesKey)
	if err != nil {
		return nil, nil, err
	}
	return data, deletes, nil
}

func (k *Kind) MergeDeletes(ctx context.Context, store blobstore.Store, seg Segment, ids []string) (Segment, error) {
	if seg.DataKey == "" || len(ids) == 0 {
		return seg, nil
	}
	data, err := k.data.Load(ctx, store, seg.DataKey)
	if err != nil {
		return seg, err
	}
	var ords []uint32
	for _, id := range ids {
		if ord, ok := data.ordinals[id]; ok {
			ords = append(ords, ord)
		}
	}
	if len(ords) == 0 {
		return seg, nil
	}
	key, size, card, err := k.deletes.Merge(ctx, store, seg.SegmentID, seg.DeletesKey, ords)
	if err != nil {
		return seg, err
	}
	seg.DeletesKey, seg.DeletesBytes, seg.NumDeleted = key, size, card
	return seg, nil
}

func (k *Kind) ExecuteCompaction(ctx context.Context, store blobstore.Store, schema Schema, segs []Segment) (Segment, error) {
	var (
		ids  []string
		rows []float32
	)
	for _, seg := range segs {
		if seg.DataKey == "" {
			continue
		}
		data, deletes, err := k.load(ctx, store, seg)
		if err != nil {
			return Segment{}, err
		}
		if data.dims != schema.Dimensions {
			return Segment{}, apperrors.Newf(apperrors.ErrMalformedRecord, "segment %s has %d dimensions, index has %d", seg.SegmentID, data.dims, schema.Dimensions)
		}
		for ord, id := range data.docIDs {
			if deletes.Contains(uint32(ord)) {
				continue
			}
			ids = append(ids, id)
			rows = append(rows, data.row(ord)...)
		}
	}
	return k.write(ctx, store, schema.Dimensions, ids, rows)
}

type scored struct {
	id    string
	score float64
}

// Query returns the q.Limit live rows most similar to q.Vector by cosine.
func (k *Kind) Query(ctx context.Context, store blobstore.Store, schema Schema, segs []Segment, q searchindex.Query) ([]searchindex.Hit, error) {
	if len(q.Vector) != schema.Dimensions {
		return nil, apperrors.Newf(apperrors.ErrInvalidInput, "query vector has %d dimensions, index has %d", len(q.Vector), schema.Dimensions)
	}
	limit := q.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	qnorm := norm(q.Vector)
	if qnorm == 0 {
		return nil, apperrors.New(apperrors.ErrInvalidInput, "query vector is zero")
	}

	// Min-heap of the best rows so far; the root is the weakest kept hit.
	top := binaryheap.NewWith(func(a, b interface{}) int {
		x, y := a.(scored), b.(scored)
		switch {
		case x.score < y.score:
			return -1
		case x.score > y.score:
			return 1
		case x.id > y.id:
			return -1
		case x.id < y.id:
			return 1
		}
		return 0
	})
	for _, seg := range segs {
		if seg.DataKey == "" {
			continue
		}
		data, deletes, err := k.load(ctx, store, seg)
		if err != nil {
			return nil, err
		}
		for ord, id := range data.docIDs {
			if deletes.Contains(uint32(ord)) {
				continue
			}
			row := data.row(ord)
			rn := norm(row)
			if rn == 0 {
				continue
			}
			s := scored{id: id, score: dot(q.Vector, row) / (qnorm * rn)}
			if top.Size() < limit {
				top.Push(s)
				continue
			}
			if weakest, _ := top.Peek(); better(s, weakest.(scored)) {
				top.Pop()
				top.Push(s)
			}
		}
	}

	hits := make([]searchindex.Hit, 0, top.Size())
	for _, v := range top.Values() {
		s := v.(scored)
		hits = append(hits, searchindex.Hit{ID: s.id, Score: s.score})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})
	return hits, nil
}

func better(a, b scored) bool {
	if a.score != b.score {
		return a.score > b.score
	}
	return a.id < b.id
}

func dot(a, b []float32) float64 {
	var s float64
	for i := range a {
		s += float64(a[i]) * float64(b[i])
	}
	return s
}

func norm(v []float32) float64 {
	return math.Sqrt(dot(v, v))
}
