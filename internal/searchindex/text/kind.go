// Package text is the full-text search index kind. Documents are tokenised
// from one configured field into an inverted index stored in .spdx segment
// objects.
package text

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/google/uuid"

	"github.com/Adithya-Monish-Kumar-K/search-index-workers/internal/documents"
	"github.com/Adithya-Monish-Kumar-K/search-index-workers/internal/indexmeta"
	"github.com/Adithya-Monish-Kumar-K/search-index-workers/internal/interval"
	"github.com/Adithya-Monish-Kumar-K/search-index-workers/internal/searchindex"
	"github.com/Adithya-Monish-Kumar-K/search-index-workers/internal/workermeta"
	"github.com/Adithya-Monish-Kumar-K/search-index-workers/pkg/blobstore"
	apperrors "github.com/Adithya-Monish-Kumar-K/search-index-workers/pkg/errors"
)

// Version is the segment format written by this build.
const Version = 1

type Spec struct {
	SearchField  string
	FilterFields []string
}

type Schema struct {
	Spec
}

// Segment is the metadata of one text segment.
type Segment struct {
	SegmentID    string `json:"id"`
	DataKey      string `json:"data_key,omitempty"`
	DeletesKey   string `json:"deletes_key,omitempty"`
	NumDocs      uint64 `json:"num_docs"`
	NumDeleted   uint64 `json:"num_deleted"`
	NumTerms     uint64 `json:"num_terms"`
	DataBytes    uint64 `json:"data_bytes"`
	DeletesBytes uint64 `json:"deletes_bytes,omitempty"`
}

func (s Segment) ID() string { return s.SegmentID }

func (s Segment) Statistics() searchindex.Statistics {
	return searchindex.Statistics{NumDocs: s.NumDocs, NumDeleted: s.NumDeleted}
}

func (s Segment) TotalSizeBytes(Spec) uint64 { return s.DataBytes + s.DeletesBytes }

// Kind implements searchindex.Kind for text indexes.
type Kind struct {
	data    *searchindex.ObjectCache[*segmentData]
	deletes *searchindex.Deletes
	now     func() time.Time
}

var _ searchindex.Kind[Spec, Segment, Schema] = (*Kind)(nil)

// New returns a text kind caching up to cacheSize decoded objects of each
// type.
func New(cacheSize int) *Kind {
	return &Kind{
		data:    searchindex.NewObjectCache(cacheSize, decodeSegment),
		deletes: searchindex.NewDeletes(cacheSize),
		now:     time.Now,
	}
}

func (k *Kind) Type() indexmeta.Kind { return indexmeta.KindSearch }
func (k *Kind) WorkerType() workermeta.Type { return workermeta.TextSearch }
func (k *Kind) PartialDocumentOrder() interval.Order { return interval.Asc }
func (k *Kind) Version() int { return Version }
func (k *Kind) IsVersionCurrent(v int) bool { return v == Version }

func (k *Kind) SpecFromConfig(cfg indexmeta.DeveloperConfig) (Spec, error) {
	if cfg.Text == nil || cfg.Text.SearchField == "" {
		return Spec{}, apperrors.New(apperrors.ErrInvalidInput, "text index needs a search field")
	}
	return Spec{SearchField: cfg.Text.SearchField, FilterFields: cfg.Text.FilterFields}, nil
}

func (k *Kind) NewSchema(spec Spec) Schema { return Schema{Spec: spec} }

func (k *Kind) EstimateDocumentSize(schema Schema, doc *documents.Document) uint64 {
	return uint64(len(doc.ID) + len(searchText(doc, schema.SearchField)))
}

// searchText is the indexed text of doc: the search field if it is a
// string, or its string elements joined if it is an array.
func searchText(doc *documents.Document, field string) string {
	v, ok := doc.Field(field)
	if !ok {
		return ""
	}
	switch x := v.(type) {
	case string:
		return x
	case []any:
		parts := make([]string, 0, len(x))
		for _, e := range x {
			if s, ok := e.(string); ok {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, " ")
	default:
		return ""
	}
}

func (k *Kind) BuildDiskIndex(ctx context.Context, store blobstore.Store, schema Schema, stream []searchindex.StreamEntry) (Segment, bool, error) {
	live, _ := searchindex.LiveDocuments(stream)
	if len(live) == 0 {
		return Segment{}, false, nil
	}
	mi := newMemoryIndex()
	for _, doc := range live {
		mi.add(doc.ID, searchText(doc, schema.SearchField))
	}
	seg, err := k.write(ctx, store, mi.docIDs, mi.snapshot())
	if err != nil {
		return Segment{}, false, err
	}
	return seg, true, nil
}

func (k *Kind) write(ctx context.Context, store blobstore.Store, docIDs []string, entries []TermEntry) (Segment, error) {
	id := uuid.NewString()
	if len(docIDs) == 0 {
		return Segment{SegmentID: id}, nil
	}
	block, data, err := encodeSegment(docIDs, entries, k.now())
	if err != nil {
		return Segment{}, fmt.Errorf("encoding segment %s: %w", id, err)
	}
	key := searchindex.DataKey(id)
	if err := store.Put(ctx, key, block); err != nil {
		return Segment{}, fmt.Errorf("writing segment %s: %w", id, err)
	}
	k.data.Put(key, data)
	return Segment{
		SegmentID: id,
		DataKey:   key,
		NumDocs:   uint64(len(docIDs)),
		NumTerms:  uint64(len(entries)),
		DataBytes: uint64(len(block)),
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

func (k *Kind) ExecuteCompaction(ctx context.Context, store blobstore.Store, _ Schema, segs []Segment) (Segment, error) {
	inputs := make([]mergeInput, 0, len(segs))
	for _, seg := range segs {
		if seg.DataKey == "" {
			continue
		}
		data, deletes, err := k.load(ctx, store, seg)
		if err != nil {
			return Segment{}, err
		}
		inputs = append(inputs, mergeInput{data: data, deletes: deletes})
	}
	docIDs, entries, err := mergeSegments(inputs)
	if err != nil {
		return Segment{}, err
	}
	return k.write(ctx, store, docIDs, entries)
}

// Query returns live documents containing any term of q.Text, scored by
// summed term frequency.
func (k *Kind) Query(ctx context.Context, store blobstore.Store, _ Schema, segs []Segment, q searchindex.Query) ([]searchindex.Hit, error) {
	terms := Terms(q.Text)
	if len(terms) == 0 {
		return nil, nil
	}
	scores := make(map[string]float64)
	for _, seg := range segs {
		if seg.DataKey == "" {
			continue
		}
		data, deletes, err := k.load(ctx, store, seg)
		if err != nil {
			return nil, err
		}
		for term := range terms {
			postings, err := data.search(term)
			if err != nil {
				return nil, fmt.Errorf("searching %s: %w", seg.SegmentID, err)
			}
			for _, p := range postings {
				if deletes.Contains(p.Ordinal) || int(p.Ordinal) >= len(data.docIDs) {
					continue
				}
				scores[data.docIDs[p.Ordinal]] += float64(p.Frequency)
			}
		}
	}
	hits := make([]searchindex.Hit, 0, len(scores))
	for id, score := range scores {
		hits = append(hits, searchindex.Hit{ID: id, Score: score})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})
	if q.Limit > 0 && len(hits) > q.Limit {
		hits = hits[:q.Limit]
	}
	return hits, nil
}
