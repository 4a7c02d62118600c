// Package searchindex maintains segment-based text and vector indexes.
//
// An index is a list of immutable segments recorded in the index's on-disk
// state. Segment bytes live in the blob store; the on-disk state holds only
// segment metadata, so swapping a segment set is a single metadata write.
// The package is generic over the index Kind: the flusher, compactor and
// metadata writer are shared, and each kind supplies its segment codec and
// query evaluation.
package searchindex

import (
	"context"

	"github.com/Adithya-Monish-Kumar-K/search-index-workers/internal/documents"
	"github.com/Adithya-Monish-Kumar-K/search-index-workers/internal/indexmeta"
	"github.com/Adithya-Monish-Kumar-K/search-index-workers/internal/interval"
	"github.com/Adithya-Monish-Kumar-K/search-index-workers/internal/workermeta"
	"github.com/Adithya-Monish-Kumar-K/search-index-workers/pkg/blobstore"
)

// Statistics counts the documents of a segment. Deleted documents stay in
// the data object and are masked by the segment's deletion bitmap.
type Statistics struct {
	NumDocs    uint64 `json:"num_docs"`
	NumDeleted uint64 `json:"num_deleted"`
}

// NumLive is the number of documents not masked by deletes.
func (s Statistics) NumLive() uint64 {
	if s.NumDeleted >= s.NumDocs {
		return 0
	}
	return s.NumDocs - s.NumDeleted
}

// DeletedRatio is the fraction of documents that are deleted, 0 for an
// empty segment.
func (s Statistics) DeletedRatio() float64 {
	if s.NumDocs == 0 {
		return 0
	}
	return float64(s.NumDeleted) / float64(s.NumDocs)
}

// Segment is the metadata of one immutable segment. Implementations are
// plain JSON-serialisable values stored in the index state.
type Segment[Spec any] interface {
	ID() string
	Statistics() Statistics
	TotalSizeBytes(spec Spec) uint64
}

// Query is evaluated against every segment of an index. Text kinds read
// Text and vector kinds read Vector.
type Query struct {
	Text   string
	Vector []float32
	Limit  int
}

// Hit is one live document matching a query.
type Hit struct {
	ID    string  `json:"id"`
	Score float64 `json:"score"`
}

// Kind is the capability set of one search index family.
type Kind[Spec any, Seg Segment[Spec], Schema any] interface {
	Type() indexmeta.Kind
	WorkerType() workermeta.Type
	SpecFromConfig(cfg indexmeta.DeveloperConfig) (Spec, error)
	NewSchema(spec Spec) Schema

	// PartialDocumentOrder is the order revisions are read in for an
	// incremental flush.
	PartialDocumentOrder() interval.Order
	EstimateDocumentSize(schema Schema, doc *documents.Document) uint64

	// Version is the segment format written by BuildDiskIndex.
	Version() int
	IsVersionCurrent(version int) bool

	// BuildDiskIndex writes one segment from the live documents of stream.
	// It reports false when the stream has no live documents and nothing
	// was written.
	BuildDiskIndex(ctx context.Context, store blobstore.Store, schema Schema, stream []StreamEntry) (Seg, bool, error)
	// MergeDeletes masks the documents with the given ids in seg. It
	// returns seg unchanged when none of them is present.
	MergeDeletes(ctx context.Context, store blobstore.Store, seg Seg, ids []string) (Seg, error)
	// ExecuteCompaction merges segs into exactly one segment, dropping
	// deleted documents.
	ExecuteCompaction(ctx context.Context, store blobstore.Store, schema Schema, segs []Seg) (Seg, error)
	Query(ctx context.Context, store blobstore.Store, schema Schema, segs []Seg, q Query) ([]Hit, error)
}

// LoadGuard reports overload before memory-heavy work.
type LoadGuard interface {
	Check(ctx context.Context) error
}

func segmentIDs[Seg interface{ ID() string }](segs []Seg) []string {
	ids := make([]string, len(segs))
	for i, s := range segs {
		ids[i] = s.ID()
	}
	return ids
}
