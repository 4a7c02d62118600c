package searchindex

import (
	"context"
	"fmt"

	"github.com/Adithya-Monish-Kumar-K/search-index-workers/internal/storage"
	apperrors "github.com/Adithya-Monish-Kumar-K/search-index-workers/pkg/errors"
)

// QuerySource labels the read-only transactions of queries.
const QuerySource = "index_worker_query"

// Searcher evaluates queries against the current segments of an index.
type Searcher[Spec any, Seg Segment[Spec], Schema any] struct {
	kind   Kind[Spec, Seg, Schema]
	deps   Deps
	writer *MetadataWriter[Spec, Seg, Schema]
}

func NewSearcher[Spec any, Seg Segment[Spec], Schema any](kind Kind[Spec, Seg, Schema], deps Deps, writer *MetadataWriter[Spec, Seg, Schema]) *Searcher[Spec, Seg, Schema] {
	return &Searcher[Spec, Seg, Schema]{kind: kind, deps: deps, writer: writer}
}

// Query runs q over every segment of the index with id. Documents changed
// after the index's snapshot are not reflected until the next flush.
func (s *Searcher[Spec, Seg, Schema]) Query(ctx context.Context, id string, q Query) ([]Hit, error) {
	var (
		segs   []Seg
		schema Schema
		found  bool
	)
	_, err := s.deps.Engine.InTx(ctx, QuerySource, func(tx *storage.Transaction) error {
		ix, st, err := s.writer.Load(tx, id)
		if err != nil || ix == nil {
			return err
		}
		found = true
		cur, ok := st.Segments()
		if !ok {
			return nil
		}
		segs = cur
		spec, err := s.kind.SpecFromConfig(ix.DeveloperConfig)
		if err != nil {
			return err
		}
		schema = s.kind.NewSchema(spec)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("loading index %s: %w", id, err)
	}
	if !found {
		return nil, apperrors.Newf(apperrors.ErrNotFound, "%s index %s", s.kind.Type(), id)
	}
	if len(segs) == 0 {
		return nil, nil
	}
	return s.kind.Query(ctx, s.deps.Blobs, schema, segs, q)
}
