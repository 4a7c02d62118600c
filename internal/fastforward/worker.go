// Package fastforward advances the fast-forward timestamp of search and
// vector indexes. An index with no pending revisions since its snapshot is
// valid as of the newest commit, so readers can treat it as current without
// a flush. Scans are debounced on commit volume and age so an idle or
// lightly written database is not rescanned every tick.
package fastforward

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/Adithya-Monish-Kumar-K/search-index-workers/internal/events"
	"github.com/Adithya-Monish-Kumar-K/search-index-workers/internal/indexmeta"
	"github.com/Adithya-Monish-Kumar-K/search-index-workers/internal/searchindex"
	"github.com/Adithya-Monish-Kumar-K/search-index-workers/internal/storage"
	"github.com/Adithya-Monish-Kumar-K/search-index-workers/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/search-index-workers/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/search-index-workers/pkg/tracing"
)

// CommitSource labels fast-forward commits.
const CommitSource = "index_worker_commit_ff"

const (
	defaultMinCommits       = 100
	defaultMaxCheckpointAge = time.Hour
)

// LastFastForwardInfo records the last successful scan.
type LastFastForwardInfo struct {
	TS              time.Time
	ObservedCommits uint64
}

type Worker[Spec any, Seg searchindex.Segment[Spec], Schema any] struct {
	kind   searchindex.Kind[Spec, Seg, Schema]
	deps   searchindex.Deps
	cfg    config.FastForwardConfig
	now    func() time.Time
	logger *slog.Logger

	mu   sync.Mutex
	last *LastFastForwardInfo
}

func NewWorker[Spec any, Seg searchindex.Segment[Spec], Schema any](kind searchindex.Kind[Spec, Seg, Schema], deps searchindex.Deps, cfg config.FastForwardConfig) *Worker[Spec, Seg, Schema] {
	if cfg.MinCommits == 0 {
		cfg.MinCommits = defaultMinCommits
	}
	if cfg.MaxCheckpointAge <= 0 {
		cfg.MaxCheckpointAge = defaultMaxCheckpointAge
	}
	return &Worker[Spec, Seg, Schema]{
		kind:   kind,
		deps:   deps,
		cfg:    cfg,
		now:    time.Now,
		logger: slog.Default().With("component", "fast-forward-worker", "kind", kind.Type().String()),
	}
}

// Last returns the last successful scan, or nil before the first one.
func (w *Worker[Spec, Seg, Schema]) Last() *LastFastForwardInfo {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.last == nil {
		return nil
	}
	cp := *w.last
	return &cp
}

// due reports whether a scan should run given the commit counter now.
func (w *Worker[Spec, Seg, Schema]) due(commits uint64, now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.last == nil {
		return true
	}
	if commits >= w.last.ObservedCommits && commits-w.last.ObservedCommits >= w.cfg.MinCommits {
		return true
	}
	return now.Sub(w.last.TS) >= w.cfg.MaxCheckpointAge
}

// Step runs one debounced scan and returns the names of the indexes whose
// fast-forward timestamp advanced, sorted. A debounced step returns nil.
func (w *Worker[Spec, Seg, Schema]) Step(ctx context.Context) (advanced []string, err error) {
	kind := w.kind.Type().String()
	now := w.now()
	observed := w.deps.Engine.CommitsSinceLoad()
	if !w.due(observed, now) {
		w.count("debounced")
		return nil, nil
	}

	ctx, span := tracing.StartStep(ctx, "fast_forward", attribute.String("kind", kind))
	defer func() { tracing.End(span, err) }()

	advanced, err = w.scan(ctx)
	if err != nil {
		w.count("error")
		return nil, err
	}

	w.mu.Lock()
	w.last = &LastFastForwardInfo{TS: now, ObservedCommits: observed}
	w.mu.Unlock()
	w.count("scanned")
	span.SetAttributes(attribute.Int("advanced", len(advanced)))
	if len(advanced) > 0 {
		if w.deps.Metrics != nil {
			w.deps.Metrics.FastForwardAdvancedTotal.WithLabelValues(kind).Add(float64(len(advanced)))
		}
		w.logger.Info("fast-forwarded search indexes", "indexes", advanced)
	}
	return advanced, nil
}

func (w *Worker[Spec, Seg, Schema]) count(result string) {
	if w.deps.Metrics != nil {
		w.deps.Metrics.FastForwardScansTotal.WithLabelValues(w.kind.Type().String(), result).Inc()
	}
}

// scan re-validates every index of the kind and advances the eligible ones
// in a single transaction. Nothing is published unless that commit succeeds.
func (w *Worker[Spec, Seg, Schema]) scan(ctx context.Context) ([]string, error) {
	var results []ffResult
	_, err := w.deps.Engine.InTx(ctx, CommitSource, func(tx *storage.Transaction) error {
		results = results[:0]
		indexes, err := w.deps.Model.ListByKind(tx, w.kind.Type())
		if err != nil {
			return fmt.Errorf("listing %s indexes: %w", w.kind.Type(), err)
		}
		for _, ix := range indexes {
			if err := ctx.Err(); err != nil {
				return err
			}
			res, err := w.fastForward(tx, ix)
			if err != nil {
				return fmt.Errorf("fast-forwarding index %s: %w", ix.Name, err)
			}
			if res.advanced {
				results = append(results, res)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	advanced := make([]string, 0, len(results))
	for _, res := range results {
		advanced = append(advanced, res.name)
		w.publish(ctx, res)
	}
	sort.Strings(advanced)
	return advanced, nil
}

type ffResult struct {
	id       string
	name     string
	table    string
	advanced bool
	ts       storage.Timestamp
}

// fastForward checks one index and advances its timestamp within tx. The
// pending-revision read joins the read set, so a write to the table racing
// the commit fails it with a conflict.
func (w *Worker[Spec, Seg, Schema]) fastForward(tx *storage.Transaction, ix *indexmeta.Index) (ffResult, error) {
	if ix.Kind != w.kind.Type() {
		return ffResult{}, nil
	}
	st, err := searchindex.DecodeState[Seg](ix.OnDiskState)
	if err != nil {
		return ffResult{}, err
	}
	snapTS, ok := st.SnapshotTS()
	if !st.HasSnapshot() || !ok {
		return ffResult{}, nil
	}
	if !w.kind.IsVersionCurrent(st.Snapshot.Version) {
		w.logger.Debug("skipping index with foreign segment version", "index", ix.Name, "version", st.Snapshot.Version)
		return ffResult{}, nil
	}
	pending, err := w.deps.Documents.PendingCount(tx, ix.Table, snapTS)
	if err != nil || pending > 0 {
		return ffResult{}, err
	}
	meta, err := w.deps.Workers.GetOrCreate(tx, ix.ID, w.kind.WorkerType())
	if err != nil {
		return ffResult{}, err
	}
	ts := storage.MaxTS(tx.BeginTS(), meta.FastForwardTS(), snapTS)
	changed, err := w.deps.Workers.AdvanceFastForward(tx, meta, ts)
	if err != nil {
		return ffResult{}, err
	}
	return ffResult{id: ix.ID, name: ix.Name, table: ix.Table, advanced: changed, ts: ts}, nil
}

func (w *Worker[Spec, Seg, Schema]) publish(ctx context.Context, res ffResult) {
	logger.FromContext(logger.WithIndex(ctx, res.name)).Debug("fast-forward timestamp advanced", "fast_forward_ts", res.ts)
	if w.deps.Events == nil {
		return
	}
	w.deps.Events.Publish(events.Event{
		Type:      events.FastForwarded,
		IndexID:   res.id,
		IndexName: res.name,
		Table:     res.table,
		Kind:      w.kind.Type().String(),
		CommitTS:  uint64(res.ts),
		Timestamp: time.Now().UTC(),
	})
}
