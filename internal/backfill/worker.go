// Package backfill builds ordered database indexes over existing documents.
// Each step writes one page of index entries together with the checkpoint
// that records it, so a restarted worker resumes exactly where the last
// commit left off.
package backfill

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Adithya-Monish-Kumar-K/search-index-workers/internal/checkpoint"
	"github.com/Adithya-Monish-Kumar-K/search-index-workers/internal/documents"
	"github.com/Adithya-Monish-Kumar-K/search-index-workers/internal/events"
	"github.com/Adithya-Monish-Kumar-K/search-index-workers/internal/indexmeta"
	"github.com/Adithya-Monish-Kumar-K/search-index-workers/internal/storage"
	"github.com/Adithya-Monish-Kumar-K/search-index-workers/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/search-index-workers/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/search-index-workers/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/search-index-workers/pkg/tracing"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"
)

// WriteSource labels backfill commits.
const WriteSource = "index_worker_backfill"

type Worker struct {
	engine      *storage.Engine
	docs        *documents.Store
	model       *indexmeta.Model
	checkpoints *checkpoint.Store
	events      events.Publisher
	metrics     *metrics.Metrics
	limiter     *rate.Limiter
	pageSize    int
	logger      *slog.Logger
}

type Deps struct {
	Engine      *storage.Engine
	Documents   *documents.Store
	Model       *indexmeta.Model
	Checkpoints *checkpoint.Store
	Events      events.Publisher
	Metrics     *metrics.Metrics
}

func NewWorker(deps Deps, cfg config.BackfillConfig) *Worker {
	limit := rate.Inf
	if cfg.DocsPerSecond > 0 {
		limit = rate.Limit(cfg.DocsPerSecond)
	}
	burst := cfg.PageSize
	if cfg.DocsPerSecond > burst {
		burst = cfg.DocsPerSecond
	}
	pub := deps.Events
	if pub == nil {
		pub = events.Nop{}
	}
	return &Worker{
		engine:      deps.Engine,
		docs:        deps.Documents,
		model:       deps.Model,
		checkpoints: deps.Checkpoints,
		events:      pub,
		metrics:     deps.Metrics,
		limiter:     rate.NewLimiter(limit, burst),
		pageSize:    cfg.PageSize,
		logger:      slog.Default().With("component", "backfill-worker"),
	}
}

// Result summarises one step.
type Result struct {
	Pages     int
	Docs      int
	Completed []string
}

// Step backfills one page of every database index that is still
// backfilling. Each page is its own transaction.
func (w *Worker) Step(ctx context.Context) (res Result, err error) {
	ctx, span := tracing.StartStep(ctx, "backfill")
	defer func() { tracing.End(span, err) }()

	var ids []string
	_, err = w.engine.InTx(ctx, WriteSource, func(tx *storage.Transaction) error {
		indexes, err := w.model.ListByKind(tx, indexmeta.KindDatabase)
		if err != nil {
			return err
		}
		for _, ix := range indexes {
			if ix.IsBackfilling() {
				ids = append(ids, ix.ID)
			}
		}
		return nil
	})
	if err != nil {
		return res, fmt.Errorf("listing backfilling indexes: %w", err)
	}

	for _, id := range ids {
		page, err := w.backfillPage(ctx, id)
		if err != nil {
			return res, err
		}
		if page.name == "" {
			continue
		}
		res.Pages++
		res.Docs += page.docs
		if page.completed {
			res.Completed = append(res.Completed, page.name)
		}
	}
	span.SetAttributes(attribute.Int("pages", res.Pages), attribute.Int("docs", res.Docs))
	return res, nil
}

type pageResult struct {
	name      string
	table     string
	docs      int
	completed bool
	commitTS  storage.Timestamp
}

func (w *Worker) backfillPage(ctx context.Context, id string) (pageResult, error) {
	var out pageResult
	ts, err := w.engine.InTx(ctx, WriteSource, func(tx *storage.Transaction) error {
		out = pageResult{}
		ix, err := w.model.Get(tx, id)
		if err != nil {
			return err
		}
		if ix == nil || !ix.IsBackfilling() {
			return nil
		}
		out.name, out.table = ix.Name, ix.Table

		cp, err := w.checkpoints.Get(tx, ix.ID)
		if err != nil {
			return err
		}
		if cp == nil {
			ts := tx.BeginTS()
			if _, err := w.checkpoints.InitializeBackfill(tx, ix.ID, nil, &ts); err != nil {
				return err
			}
			cp = &checkpoint.Checkpoint{Cursor: &checkpoint.Cursor{SnapshotTS: ts}}
		}
		var cursor *string
		if cp.Cursor != nil {
			cursor = cp.Cursor.Cursor
		}

		docs, rest, err := w.docs.Page(tx, ix.Table, documents.ResumeInterval(ix.Table, cursor), w.pageSize)
		if err != nil {
			return err
		}
		fields := ix.DeveloperConfig.Database.Fields
		for _, doc := range docs {
			if err := tx.Set(EntryKey(ix.ID, fields, doc), []byte(doc.ID)); err != nil {
				return err
			}
		}
		if len(docs) > 0 {
			last := docs[len(docs)-1].ID
			if err := w.checkpoints.UpdateProgress(tx, ix.ID, ix.Table, uint64(len(docs)), &last); err != nil {
				return err
			}
		}
		out.docs = len(docs)
		if rest.IsEmpty() {
			if err := w.model.MarkBackfilled(tx, ix); err != nil {
				return err
			}
			out.completed = true
		}
		return nil
	})
	if err != nil {
		return out, fmt.Errorf("backfilling index %s: %w", id, err)
	}
	if out.name == "" {
		return out, nil
	}
	out.commitTS = ts

	log := logger.FromContext(logger.WithIndex(ctx, out.name))
	if w.metrics != nil {
		w.metrics.BackfillDocsTotal.WithLabelValues(indexmeta.KindDatabase.String()).Add(float64(out.docs))
		w.metrics.BackfillPagesTotal.WithLabelValues(indexmeta.KindDatabase.String()).Inc()
	}
	log.Debug("backfill page committed", "docs", out.docs, "commit_ts", ts)
	if out.completed {
		if w.metrics != nil {
			w.metrics.BackfillCompletedTotal.WithLabelValues(indexmeta.KindDatabase.String()).Inc()
		}
		log.Info("database index backfilled", "table", out.table, "commit_ts", ts)
		w.events.Publish(events.Event{
			Type:      events.BackfillCompleted,
			IndexID:   id,
			IndexName: out.name,
			Table:     out.table,
			Kind:      indexmeta.KindDatabase.String(),
			CommitTS:  uint64(ts),
			Timestamp: time.Now().UTC(),
		})
	}
	if out.docs > 0 {
		if err := w.limiter.WaitN(ctx, out.docs); err != nil {
			return out, err
		}
	}
	return out, nil
}
