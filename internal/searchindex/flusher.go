package searchindex

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"

	"github.com/Adithya-Monish-Kumar-K/search-index-workers/internal/documents"
	"github.com/Adithya-Monish-Kumar-K/search-index-workers/internal/events"
	"github.com/Adithya-Monish-Kumar-K/search-index-workers/internal/indexmeta"
	"github.com/Adithya-Monish-Kumar-K/search-index-workers/internal/storage"
	"github.com/Adithya-Monish-Kumar-K/search-index-workers/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/search-index-workers/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/search-index-workers/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/search-index-workers/pkg/tracing"
)

// FlushSource labels flusher commits.
const FlushSource = "index_worker_flush"

const (
	modeBackfill    = "backfill"
	modeIncremental = "incremental"
)

// Flusher builds segments for one index kind. A backfilling index gets one
// segment per page of the table; a snapshotted index gets one segment per
// batch of revisions committed after its snapshot.
type Flusher[Spec any, Seg Segment[Spec], Schema any] struct {
	kind    Kind[Spec, Seg, Schema]
	deps    Deps
	writer  *MetadataWriter[Spec, Seg, Schema]
	cfg     config.FlusherConfig
	limiter *rate.Limiter
	now     func() time.Time
	logger  *slog.Logger
}

func NewFlusher[Spec any, Seg Segment[Spec], Schema any](kind Kind[Spec, Seg, Schema], deps Deps, writer *MetadataWriter[Spec, Seg, Schema], cfg config.FlusherConfig) *Flusher[Spec, Seg, Schema] {
	if cfg.MaxSegmentDocs <= 0 {
		cfg.MaxSegmentDocs = 10000
	}
	if cfg.IncrementalThreshold <= 0 {
		cfg.IncrementalThreshold = 1
	}
	limit := rate.Inf
	if cfg.DocsPerSecond > 0 {
		limit = rate.Limit(cfg.DocsPerSecond)
	}
	burst := cfg.MaxSegmentDocs
	if cfg.DocsPerSecond > burst {
		burst = cfg.DocsPerSecond
	}
	return &Flusher[Spec, Seg, Schema]{
		kind:    kind,
		deps:    deps,
		writer:  writer,
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, burst),
		now:     time.Now,
		logger:  slog.Default().With("component", "flusher", "kind", kind.Type().String()),
	}
}

// FlushResult summarises one step.
type FlushResult struct {
	Segments   int
	Docs       int
	Backfilled []string
}

type flushOutcome struct {
	name       string
	table      string
	mode       string
	docs       int
	flushed    bool
	segment    bool
	backfilled bool
	commitTS   storage.Timestamp
}

// Step flushes every index of the kind that has work, at most one segment
// per index. Indexes whose snapshot was written by another segment format
// are skipped.
func (f *Flusher[Spec, Seg, Schema]) Step(ctx context.Context) (res FlushResult, err error) {
	ctx, span := tracing.StartStep(ctx, "flusher", attribute.String("kind", f.kind.Type().String()))
	defer func() { tracing.End(span, err) }()

	var ids []string
	_, err = f.deps.Engine.InTx(ctx, FlushSource, func(tx *storage.Transaction) error {
		indexes, err := f.deps.Model.ListByKind(tx, f.kind.Type())
		if err != nil {
			return err
		}
		ids = ids[:0]
		for _, ix := range indexes {
			ids = append(ids, ix.ID)
		}
		return nil
	})
	if err != nil {
		return res, fmt.Errorf("listing %s indexes: %w", f.kind.Type(), err)
	}

	for _, id := range ids {
		out, err := f.flushIndex(ctx, id)
		if errors.Is(err, apperrors.ErrVersionMismatch) {
			f.logger.Debug("skipping index with foreign segment version", "index_id", id, "error", err)
			continue
		}
		if err != nil {
			return res, err
		}
		if !out.flushed {
			continue
		}
		f.report(ctx, id, out)
		if out.segment {
			res.Segments++
		}
		res.Docs += out.docs
		if out.backfilled {
			res.Backfilled = append(res.Backfilled, out.name)
		}
	}
	span.SetAttributes(attribute.Int("segments", res.Segments), attribute.Int("docs", res.Docs))
	return res, nil
}

func (f *Flusher[Spec, Seg, Schema]) flushIndex(ctx context.Context, id string) (flushOutcome, error) {
	var (
		ix *indexmeta.Index
		st *OnDiskState[Seg]
	)
	_, err := f.deps.Engine.InTx(ctx, FlushSource, func(tx *storage.Transaction) (err error) {
		ix, st, err = f.writer.Load(tx, id)
		return err
	})
	if err != nil || ix == nil {
		return flushOutcome{}, err
	}
	if st.State == StateBackfilling {
		return f.backfill(ctx, ix, st)
	}
	return f.incremental(ctx, ix, st)
}

func (f *Flusher[Spec, Seg, Schema]) schema(ix *indexmeta.Index) (Schema, error) {
	spec, err := f.kind.SpecFromConfig(ix.DeveloperConfig)
	if err != nil {
		var zero Schema
		return zero, err
	}
	return f.kind.NewSchema(spec), nil
}

func (f *Flusher[Spec, Seg, Schema]) backfill(ctx context.Context, ix *indexmeta.Index, st *OnDiskState[Seg]) (flushOutcome, error) {
	out := flushOutcome{name: ix.Name, table: ix.Table, mode: modeBackfill}

	if st.Backfill.BackfillSnapshotTS == nil {
		_, err := f.writer.Commit(ctx, FlushSource, ix.ID, func(tx *storage.Transaction, cur *indexmeta.Index, cst *OnDiskState[Seg]) error {
			if cst.State != StateBackfilling {
				return ErrStateChanged
			}
			if cst.Backfill.BackfillSnapshotTS == nil {
				ts := tx.BeginTS()
				cst.Backfill.BackfillSnapshotTS = &ts
			}
			cp, err := f.deps.Checkpoints.Get(tx, cur.ID)
			if err != nil {
				return err
			}
			if cp == nil {
				_, err = f.deps.Checkpoints.InitializeBackfill(tx, cur.ID, nil, nil)
			}
			return err
		})
		if err != nil {
			return out, fmt.Errorf("fixing backfill snapshot of %s: %w", ix.Name, err)
		}
		_, err = f.deps.Engine.InTx(ctx, FlushSource, func(tx *storage.Transaction) (err error) {
			ix, st, err = f.writer.Load(tx, ix.ID)
			return err
		})
		if err != nil || ix == nil || st.State != StateBackfilling {
			return out, err
		}
	}

	cursor := st.Backfill.Cursor
	var (
		docs []*documents.Document
		more bool
	)
	_, err := f.deps.Engine.InTx(ctx, FlushSource, func(tx *storage.Transaction) error {
		page, rest, err := f.deps.Documents.Page(tx, ix.Table, documents.ResumeInterval(ix.Table, cursor), f.cfg.MaxSegmentDocs)
		docs, more = page, !rest.IsEmpty()
		return err
	})
	if err != nil {
		return out, fmt.Errorf("reading backfill page of %s: %w", ix.Name, err)
	}

	var (
		seg     Seg
		haveSeg bool
	)
	if len(docs) > 0 {
		if err := f.deps.checkLoad(ctx); err != nil {
			return out, err
		}
		schema, err := f.schema(ix)
		if err != nil {
			return out, err
		}
		seg, haveSeg, err = f.kind.BuildDiskIndex(ctx, f.deps.Blobs, schema, MakeCompleteStream(docs))
		if err != nil {
			return out, fmt.Errorf("building backfill segment of %s: %w", ix.Name, err)
		}
	}

	ts, err := f.writer.Commit(ctx, FlushSource, ix.ID, func(tx *storage.Transaction, cur *indexmeta.Index, cst *OnDiskState[Seg]) error {
		if cst.State != StateBackfilling || !sameCursor(cst.Backfill.Cursor, cursor) {
			return ErrStateChanged
		}
		bf := cst.Backfill
		if haveSeg {
			bf.Segments = append(bf.Segments, seg)
			now := tx.BeginTS()
			bf.LastSegmentTS = &now
		}
		if bf.Segments == nil {
			bf.Segments = []Seg{}
		}
		if len(docs) > 0 {
			last := docs[len(docs)-1].ID
			bf.Cursor = &last
			if err := f.deps.Checkpoints.UpdateProgress(tx, cur.ID, cur.Table, uint64(len(docs)), &last); err != nil {
				return err
			}
		}
		if more {
			return nil
		}
		cst.State = StateBackfilled
		cst.Staged = bf.Staged
		cst.Snapshot = &Snapshot[Seg]{
			TS:      *bf.BackfillSnapshotTS,
			Version: f.kind.Version(),
			Data:    MultiSegment(bf.Segments),
		}
		cst.Backfill = nil
		return f.deps.Checkpoints.DeleteBackfill(tx, cur.ID)
	})
	if err != nil {
		if haveSeg {
			f.logger.Warn("backfill segment orphaned", "index", ix.Name, "segment", seg.ID(), "error", err)
		}
		return out, fmt.Errorf("committing backfill segment of %s: %w", ix.Name, err)
	}
	out.docs = len(docs)
	out.flushed = true
	out.segment = haveSeg
	out.backfilled = !more
	out.commitTS = ts
	if len(docs) > 0 {
		if err := f.limiter.WaitN(ctx, min(len(docs), f.limiter.Burst())); err != nil {
			return out, err
		}
	}
	return out, nil
}

func sameCursor(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func (f *Flusher[Spec, Seg, Schema]) incremental(ctx context.Context, ix *indexmeta.Index, st *OnDiskState[Seg]) (flushOutcome, error) {
	out := flushOutcome{name: ix.Name, table: ix.Table, mode: modeIncremental}
	snap := st.Snapshot
	if !f.kind.IsVersionCurrent(snap.Version) {
		return out, apperrors.Newf(apperrors.ErrVersionMismatch, "index %s has segment version %d", ix.Name, snap.Version)
	}
	existing, ok := st.Segments()
	if !ok {
		return out, nil
	}

	var (
		revs  []*documents.Revision
		upper storage.Timestamp
		due   bool
	)
	_, err := f.deps.Engine.InTx(ctx, FlushSource, func(tx *storage.Transaction) error {
		pending, err := f.deps.Documents.PendingCount(tx, ix.Table, snap.TS)
		if err != nil || pending == 0 {
			return err
		}
		var ff storage.Timestamp
		if f.deps.Workers != nil {
			meta, err := f.deps.Workers.Get(tx, ix.ID)
			if err != nil {
				return err
			}
			if meta != nil {
				ff = meta.FastForwardTS()
			}
		}
		fresh := storage.MaxTS(ff, snap.TS)
		due = pending >= f.cfg.IncrementalThreshold || (f.cfg.MaxAge > 0 && fresh.Age(f.now()) >= f.cfg.MaxAge)
		if !due {
			return nil
		}
		upper = tx.BeginTS()
		revs, err = f.deps.Documents.Revisions(tx, ix.Table, snap.TS, upper, f.kind.PartialDocumentOrder())
		return err
	})
	if err != nil {
		return out, fmt.Errorf("reading revisions of %s: %w", ix.Name, err)
	}
	if !due {
		return out, nil
	}

	if err := f.deps.checkLoad(ctx); err != nil {
		return out, err
	}
	schema, err := f.schema(ix)
	if err != nil {
		return out, err
	}
	stream := MakePartialStream(revs)
	_, touched := LiveDocuments(stream)
	seg, haveSeg, err := f.kind.BuildDiskIndex(ctx, f.deps.Blobs, schema, stream)
	if err != nil {
		return out, fmt.Errorf("building incremental segment of %s: %w", ix.Name, err)
	}
	updated := make([]Seg, 0, len(existing)+1)
	for _, s := range existing {
		merged, err := f.kind.MergeDeletes(ctx, f.deps.Blobs, s, touched)
		if err != nil {
			return out, fmt.Errorf("merging deletes into %s: %w", s.ID(), err)
		}
		updated = append(updated, merged)
	}
	if haveSeg {
		updated = append(updated, seg)
	}
	wantIDs := segmentIDs(existing)

	ts, err := f.writer.Commit(ctx, FlushSource, ix.ID, func(tx *storage.Transaction, cur *indexmeta.Index, cst *OnDiskState[Seg]) error {
		if !cst.HasSnapshot() || cst.Snapshot.TS != snap.TS {
			return ErrStateChanged
		}
		curSegs, ok := cst.Segments()
		if !ok || !equalIDs(segmentIDs(curSegs), wantIDs) {
			return ErrStateChanged
		}
		cst.SetSegments(updated)
		cst.Snapshot.TS = upper
		return nil
	})
	if err != nil {
		if haveSeg {
			f.logger.Warn("incremental segment orphaned", "index", ix.Name, "segment", seg.ID(), "error", err)
		}
		return out, fmt.Errorf("committing incremental segment of %s: %w", ix.Name, err)
	}
	out.docs = len(revs)
	out.flushed = true
	out.segment = haveSeg
	out.commitTS = ts
	if err := f.limiter.WaitN(ctx, min(len(revs), f.limiter.Burst())); err != nil {
		return out, err
	}
	return out, nil
}

func equalIDs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (f *Flusher[Spec, Seg, Schema]) report(ctx context.Context, id string, out flushOutcome) {
	kind := f.kind.Type().String()
	log := logger.FromContext(logger.WithIndex(ctx, out.name))
	if m := f.deps.Metrics; m != nil {
		if out.segment {
			m.SegmentsBuiltTotal.WithLabelValues(kind, out.mode).Inc()
			m.SegmentBuildDocs.WithLabelValues(kind).Observe(float64(out.docs))
		}
		if out.mode == modeBackfill {
			m.BackfillDocsTotal.WithLabelValues(kind).Add(float64(out.docs))
			m.BackfillPagesTotal.WithLabelValues(kind).Inc()
		}
		if out.backfilled {
			m.BackfillCompletedTotal.WithLabelValues(kind).Inc()
		}
	}
	pub := f.deps.publisher()
	now := time.Now().UTC()
	log.Debug("flush committed", "mode", out.mode, "docs", out.docs, "segment", out.segment, "commit_ts", out.commitTS)
	if out.segment {
		pub.Publish(events.Event{
			Type:      events.SegmentFlushed,
			IndexID:   id,
			IndexName: out.name,
			Table:     out.table,
			Kind:      kind,
			CommitTS:  uint64(out.commitTS),
			Docs:      uint64(out.docs),
			Timestamp: now,
		})
	}
	if out.backfilled {
		log.Info("search index backfilled", "table", out.table, "commit_ts", out.commitTS)
		pub.Publish(events.Event{
			Type:      events.BackfillCompleted,
			IndexID:   id,
			IndexName: out.name,
			Table:     out.table,
			Kind:      kind,
			CommitTS:  uint64(out.commitTS),
			Timestamp: now,
		})
	}
}
