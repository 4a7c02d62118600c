package backfill

import (
	"context"
	"fmt"
	"testing"

	"github.com/Adithya-Monish-Kumar-K/search-index-workers/internal/checkpoint"
	"github.com/Adithya-Monish-Kumar-K/search-index-workers/internal/documents"
	"github.com/Adithya-Monish-Kumar-K/search-index-workers/internal/events"
	"github.com/Adithya-Monish-Kumar-K/search-index-workers/internal/indexmeta"
	"github.com/Adithya-Monish-Kumar-K/search-index-workers/internal/interval"
	"github.com/Adithya-Monish-Kumar-K/search-index-workers/internal/storage"
	"github.com/Adithya-Monish-Kumar-K/search-index-workers/internal/workermeta"
	"github.com/Adithya-Monish-Kumar-K/search-index-workers/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/search-index-workers/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	engine *storage.Engine
	docs   *documents.Store
	model  *indexmeta.Model
	cps    *checkpoint.Store
	events *events.Recorder
	m      *metrics.Metrics
	worker *Worker
}

func newHarness(t *testing.T, pageSize int) *harness {
	t.Helper()
	e, err := storage.Open(config.StorageConfig{InMemory: true, CommitLogSize: 1000})
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })

	docs := documents.NewStore(documents.NewSummaries())
	cps := checkpoint.New(docs.Summaries())
	model := indexmeta.NewModel(cps, workermeta.New())
	docs.RegisterUpdater(NewMaintainer(model))
	rec := &events.Recorder{}
	m := metrics.NewWithRegistry(prometheus.NewRegistry())
	w := NewWorker(Deps{Engine: e, Documents: docs, Model: model, Checkpoints: cps, Events: rec, Metrics: m},
		config.BackfillConfig{PageSize: pageSize})
	return &harness{engine: e, docs: docs, model: model, cps: cps, events: rec, m: m, worker: w}
}

func (h *harness) tx(t *testing.T, fn func(tx *storage.Transaction) error) {
	t.Helper()
	_, err := h.engine.InTx(context.Background(), "test", fn)
	require.NoError(t, err)
}

func (h *harness) createIndex(t *testing.T, fields ...string) *indexmeta.Index {
	t.Helper()
	var ix *indexmeta.Index
	h.tx(t, func(tx *storage.Transaction) (err error) {
		ix, err = h.model.Create(tx, "users", "by_"+fields[0], indexmeta.KindDatabase,
			indexmeta.DeveloperConfig{Database: &indexmeta.DatabaseConfig{Fields: fields}})
		return err
	})
	return ix
}

func (h *harness) entries(t *testing.T, indexID string) []string {
	t.Helper()
	var ids []string
	h.tx(t, func(tx *storage.Transaction) (err error) {
		ids, err = Scan(tx, indexID, interval.Asc, 0)
		return err
	})
	return ids
}

// ---------------------------------------------------------------------------
// Key encoding
// ---------------------------------------------------------------------------

func TestEntryKeysSortByValue(t *testing.T) {
	values := []any{nil, false, true, -1e9, -2.5, 0.0, 1.0, 3.0, 1e12, "", "a", "a\x00", "ab", "b"}
	var prev interval.Key
	for i, v := range values {
		doc := &documents.Document{ID: "z", Fields: map[string]any{"f": v}}
		k := EntryKey("ix", []string{"f"}, doc)
		if i > 0 {
			assert.Greater(t, k.Compare(prev), 0, "value %v must sort after %v", v, values[i-1])
		}
		prev = k
	}

	missing := EntryKey("ix", []string{"f"}, &documents.Document{ID: "z", Fields: map[string]any{}})
	null := EntryKey("ix", []string{"f"}, &documents.Document{ID: "z", Fields: map[string]any{"f": nil}})
	assert.Less(t, missing.Compare(null), 0)
}

func TestNegativeZeroEqualsZero(t *testing.T) {
	a := EntryKey("ix", []string{"f"}, &documents.Document{ID: "d", Fields: map[string]any{"f": 0.0}})
	negZero := 0.0
	negZero = -negZero
	b := EntryKey("ix", []string{"f"}, &documents.Document{ID: "d", Fields: map[string]any{"f": negZero}})
	assert.True(t, a.Equal(b))
}

// ---------------------------------------------------------------------------
// Worker
// ---------------------------------------------------------------------------

func TestBackfillPagesToCompletion(t *testing.T) {
	h := newHarness(t, 4)
	h.tx(t, func(tx *storage.Transaction) error {
		for i := 0; i < 10; i++ {
			if err := h.docs.Put(tx, "users", fmt.Sprintf("u%02d", i), map[string]any{"age": float64(100 - i)}); err != nil {
				return err
			}
		}
		return nil
	})
	ix := h.createIndex(t, "age")

	ctx := context.Background()
	res, err := h.worker.Step(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, res.Docs)
	assert.Empty(t, res.Completed)

	h.tx(t, func(tx *storage.Transaction) error {
		cp, err := h.cps.Get(tx, ix.ID)
		require.NoError(t, err)
		assert.Equal(t, uint64(4), cp.NumDocsIndexed)
		require.NotNil(t, cp.Cursor.Cursor)
		assert.Equal(t, "u03", *cp.Cursor.Cursor)
		return nil
	})

	for i := 0; i < 5 && len(res.Completed) == 0; i++ {
		res, err = h.worker.Step(ctx)
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"by_age"}, res.Completed)

	ids := h.entries(t, ix.ID)
	require.Len(t, ids, 10)
	assert.Equal(t, "u09", ids[0], "youngest first")
	assert.Equal(t, "u00", ids[9])

	h.tx(t, func(tx *storage.Transaction) error {
		got, err := h.model.Get(tx, ix.ID)
		require.NoError(t, err)
		phase, err := got.Phase()
		require.NoError(t, err)
		assert.Equal(t, indexmeta.PhaseBackfilled, phase)
		cp, err := h.cps.Get(tx, ix.ID)
		require.NoError(t, err)
		assert.Nil(t, cp, "checkpoint removed on completion")
		return nil
	})
	require.Len(t, h.events.OfType(events.BackfillCompleted), 1)
	assert.Equal(t, 10.0, testutil.ToFloat64(h.m.BackfillDocsTotal.WithLabelValues("database")))

	res, err = h.worker.Step(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Pages, "nothing left to backfill")
}

func TestLiveWritesDuringBackfill(t *testing.T) {
	h := newHarness(t, 2)
	h.tx(t, func(tx *storage.Transaction) error {
		for _, id := range []string{"a", "b", "c", "d"} {
			if err := h.docs.Put(tx, "users", id, map[string]any{"name": id}); err != nil {
				return err
			}
		}
		return nil
	})
	ix := h.createIndex(t, "name")
	ctx := context.Background()

	_, err := h.worker.Step(ctx)
	require.NoError(t, err)

	h.tx(t, func(tx *storage.Transaction) error {
		if err := h.docs.Put(tx, "users", "a", map[string]any{"name": "zz"}); err != nil {
			return err
		}
		if err := h.docs.Delete(tx, "users", "d"); err != nil {
			return err
		}
		return h.docs.Put(tx, "users", "e", map[string]any{"name": "e"})
	})

	for i := 0; i < 5; i++ {
		_, err = h.worker.Step(ctx)
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"b", "c", "e", "a"}, h.entries(t, ix.ID))
}

func TestEmptyTableCompletesImmediately(t *testing.T) {
	h := newHarness(t, 10)
	ix := h.createIndex(t, "name")
	res, err := h.worker.Step(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{ix.Name}, res.Completed)
	assert.Empty(t, h.entries(t, ix.ID))
}

func TestCheckpointEndToEnd(t *testing.T) {
	h := newHarness(t, 10)
	ix := h.createIndex(t, "name")
	total := uint64(1000)
	h.tx(t, func(tx *storage.Transaction) error {
		ts := tx.BeginTS()
		_, err := h.cps.InitializeBackfill(tx, ix.ID, &total, &ts)
		return err
	})
	h.tx(t, func(tx *storage.Transaction) error { return h.cps.UpdateProgress(tx, ix.ID, "users", 250, nil) })
	h.tx(t, func(tx *storage.Transaction) error { return h.cps.UpdateProgress(tx, ix.ID, "users", 150, nil) })
	h.tx(t, func(tx *storage.Transaction) error {
		cp, err := h.cps.Get(tx, ix.ID)
		require.NoError(t, err)
		assert.Equal(t, uint64(400), cp.NumDocsIndexed)
		require.NotNil(t, cp.TotalDocs)
		assert.Equal(t, uint64(1000), *cp.TotalDocs)
		return nil
	})
}
