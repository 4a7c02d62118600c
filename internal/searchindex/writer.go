package searchindex

import (
	"context"
	"log/slog"
	"sync"

	"github.com/Adithya-Monish-Kumar-K/search-index-workers/internal/checkpoint"
	"github.com/Adithya-Monish-Kumar-K/search-index-workers/internal/documents"
	"github.com/Adithya-Monish-Kumar-K/search-index-workers/internal/events"
	"github.com/Adithya-Monish-Kumar-K/search-index-workers/internal/indexmeta"
	"github.com/Adithya-Monish-Kumar-K/search-index-workers/internal/storage"
	"github.com/Adithya-Monish-Kumar-K/search-index-workers/internal/workermeta"
	"github.com/Adithya-Monish-Kumar-K/search-index-workers/pkg/blobstore"
	apperrors "github.com/Adithya-Monish-Kumar-K/search-index-workers/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/search-index-workers/pkg/metrics"
)

// Deps are the shared services of the search index workers.
type Deps struct {
	Engine      *storage.Engine
	Documents   *documents.Store
	Model       *indexmeta.Model
	Checkpoints *checkpoint.Store
	Workers     *workermeta.Store
	Blobs       blobstore.Store
	Events      events.Publisher
	Metrics     *metrics.Metrics
	// Guard may be nil.
	Guard LoadGuard
}

func (d Deps) publisher() events.Publisher {
	if d.Events == nil {
		return events.Nop{}
	}
	return d.Events
}

func (d Deps) checkLoad(ctx context.Context) error {
	if d.Guard == nil {
		return nil
	}
	return d.Guard.Check(ctx)
}

// ErrStateChanged is returned from a commit whose preconditions no longer
// hold. It is an OCC conflict, so supervisors retry it.
var ErrStateChanged = apperrors.New(apperrors.ErrOccConflict, "search index state changed since it was read")

// MetadataWriter serialises every state change of one index kind. The
// flusher and compactor build segments concurrently but commit through the
// writer, so each commit sees the segment list the previous one left.
type MetadataWriter[Spec any, Seg Segment[Spec], Schema any] struct {
	mu     sync.Mutex
	kind   Kind[Spec, Seg, Schema]
	deps   Deps
	logger *slog.Logger
}

func NewMetadataWriter[Spec any, Seg Segment[Spec], Schema any](kind Kind[Spec, Seg, Schema], deps Deps) *MetadataWriter[Spec, Seg, Schema] {
	return &MetadataWriter[Spec, Seg, Schema]{
		kind:   kind,
		deps:   deps,
		logger: slog.Default().With("component", "metadata-writer", "kind", kind.Type().String()),
	}
}

// Load reads the index with id and decodes its state. It returns a nil
// index when the index is gone or is of another kind.
func (w *MetadataWriter[Spec, Seg, Schema]) Load(tx *storage.Transaction, id string) (*indexmeta.Index, *OnDiskState[Seg], error) {
	ix, err := w.deps.Model.Get(tx, id)
	if err != nil || ix == nil || ix.Kind != w.kind.Type() {
		return nil, nil, err
	}
	st, err := DecodeState[Seg](ix.OnDiskState)
	if err != nil {
		return nil, nil, err
	}
	return ix, st, nil
}

// Save writes st as the state of ix.
func (w *MetadataWriter[Spec, Seg, Schema]) Save(tx *storage.Transaction, ix *indexmeta.Index, st *OnDiskState[Seg]) error {
	raw, err := st.Encode()
	if err != nil {
		return err
	}
	return w.deps.Model.SetOnDiskState(tx, ix, raw)
}

// Commit runs fn on the current state of the index with id and saves the
// state fn leaves, all in one transaction under the writer lock. A missing
// index fails with ErrNotFound.
func (w *MetadataWriter[Spec, Seg, Schema]) Commit(ctx context.Context, source, id string, fn func(tx *storage.Transaction, ix *indexmeta.Index, st *OnDiskState[Seg]) error) (storage.Timestamp, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.deps.Engine.InTx(ctx, source, func(tx *storage.Transaction) error {
		ix, st, err := w.Load(tx, id)
		if err != nil {
			return err
		}
		if ix == nil {
			return apperrors.Newf(apperrors.ErrNotFound, "search index %s", id)
		}
		if err := fn(tx, ix, st); err != nil {
			return err
		}
		return w.Save(tx, ix, st)
	})
}

// CommitCompaction replaces inputs with output in the index with id.
// Segments flushed since startTS may have masked documents of the inputs
// after the merge read them; those are found in the revision log and
// masked in output before the swap. An output with no live documents is
// dropped.
func (w *MetadataWriter[Spec, Seg, Schema]) CommitCompaction(ctx context.Context, source, id string, startTS storage.Timestamp, inputs []Seg, output Seg) (storage.Timestamp, error) {
	return w.Commit(ctx, source, id, func(tx *storage.Transaction, ix *indexmeta.Index, st *OnDiskState[Seg]) error {
		current, ok := st.Segments()
		if !ok {
			return ErrStateChanged
		}
		byID := make(map[string]int, len(current))
		for i, s := range current {
			byID[s.ID()] = i
		}
		changed := false
		replaced := make(map[string]bool, len(inputs))
		for _, in := range inputs {
			i, found := byID[in.ID()]
			if !found {
				return ErrStateChanged
			}
			if current[i].Statistics().NumDeleted != in.Statistics().NumDeleted {
				changed = true
			}
			replaced[in.ID()] = true
		}

		if snapTS, ok := st.SnapshotTS(); ok && snapTS > startTS {
			changed = true
		}
		if changed {
			upper, _ := st.SnapshotTS()
			revs, err := w.deps.Documents.Revisions(tx, ix.Table, startTS, upper, w.kind.PartialDocumentOrder())
			if err != nil {
				return err
			}
			_, touched := LiveDocuments(MakePartialStream(revs))
			if len(touched) > 0 {
				merged, err := w.kind.MergeDeletes(ctx, w.deps.Blobs, output, touched)
				if err != nil {
					return err
				}
				output = merged
			}
		}

		next := make([]Seg, 0, len(current)-len(inputs)+1)
		placed := false
		keep := output.Statistics().NumLive() > 0
		for _, s := range current {
			if !replaced[s.ID()] {
				next = append(next, s)
				continue
			}
			if !placed && keep {
				next = append(next, output)
			}
			placed = true
		}
		st.SetSegments(next)
		w.logger.Debug("compaction committed",
			"index", ix.Name,
			"inputs", len(inputs),
			"output", output.ID(),
			"output_docs", output.Statistics().NumLive(),
			"replayed_deletes", changed,
		)
		return nil
	})
}
