package status

import (
	"context"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/search-index-workers/internal/checkpoint"
	"github.com/Adithya-Monish-Kumar-K/search-index-workers/internal/documents"
	"github.com/Adithya-Monish-Kumar-K/search-index-workers/internal/indexmeta"
	"github.com/Adithya-Monish-Kumar-K/search-index-workers/internal/storage"
	"github.com/Adithya-Monish-Kumar-K/search-index-workers/internal/workermeta"
	"github.com/Adithya-Monish-Kumar-K/search-index-workers/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/search-index-workers/pkg/postgres"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func skipIfNoPostgres(t *testing.T) *postgres.Client {
	t.Helper()
	port, _ := strconv.Atoi(envOrDefault("TEST_POSTGRES_PORT", "5432"))
	cfg := config.PostgresConfig{
		Host:            envOrDefault("TEST_POSTGRES_HOST", "localhost"),
		Port:            port,
		Database:        envOrDefault("TEST_POSTGRES_DB", "searchplatform_test"),
		User:            envOrDefault("TEST_POSTGRES_USER", "searchplatform"),
		Password:        envOrDefault("TEST_POSTGRES_PASSWORD", "localdev"),
		SSLMode:         "disable",
		MaxOpenConns:    5,
		MaxIdleConns:    2,
		ConnMaxLifetime: 5 * time.Minute,
	}
	db, err := postgres.New(context.Background(), cfg)
	if err != nil {
		t.Skipf("skipping: postgres unavailable: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

type fixture struct {
	engine    *storage.Engine
	docs      *documents.Store
	cps       *checkpoint.Store
	model     *indexmeta.Model
	collector *Collector
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	e, err := storage.Open(config.StorageConfig{InMemory: true, CommitLogSize: 100})
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	docs := documents.NewStore(documents.NewSummaries())
	cps := checkpoint.New(docs.Summaries())
	workers := workermeta.New()
	model := indexmeta.NewModel(cps, workers)
	c := NewCollector(e, model, cps, workers)
	c.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return &fixture{engine: e, docs: docs, cps: cps, model: model, collector: c}
}

func (f *fixture) create(t *testing.T, name string, kind indexmeta.Kind, cfg indexmeta.DeveloperConfig) *indexmeta.Index {
	t.Helper()
	var ix *indexmeta.Index
	_, err := f.engine.InTx(context.Background(), "test", func(tx *storage.Transaction) (err error) {
		ix, err = f.model.Create(tx, "articles", name, kind, cfg)
		return err
	})
	require.NoError(t, err)
	return ix
}

// ---------------------------------------------------------------------------
// Collector
// ---------------------------------------------------------------------------

func TestCollectReportsEveryIndex(t *testing.T) {
	f := newFixture(t)
	db := f.create(t, "by_author", indexmeta.KindDatabase, indexmeta.DeveloperConfig{Database: &indexmeta.DatabaseConfig{Fields: []string{"author"}}})
	f.create(t, "by_body", indexmeta.KindSearch, indexmeta.DeveloperConfig{Text: &indexmeta.TextConfig{SearchField: "body"}})

	_, err := f.engine.InTx(context.Background(), "test", func(tx *storage.Transaction) error {
		if _, err := f.cps.InitializeBackfill(tx, db.ID, ptr(uint64(1000)), nil); err != nil {
			return err
		}
		return f.cps.UpdateProgress(tx, db.ID, "articles", 250, ptr("d250"))
	})
	require.NoError(t, err)

	rows, err := f.collector.Collect(context.Background())
	require.NoError(t, err)
	require.Len(t, rows, 2)

	byName := map[string]IndexStatus{}
	for _, r := range rows {
		byName[r.Name] = r
		assert.Equal(t, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), r.CapturedAt)
	}
	author := byName["by_author"]
	assert.Equal(t, "database", author.Kind)
	assert.Equal(t, "backfilling", author.Phase)
	assert.Equal(t, uint64(250), author.NumDocsIndexed)
	require.NotNil(t, author.TotalDocs)
	assert.Equal(t, uint64(1000), *author.TotalDocs)

	body := byName["by_body"]
	assert.Equal(t, "backfilling", body.Phase)
	assert.Zero(t, body.Segments)
	assert.Zero(t, body.SnapshotTS)
}

func TestCollectCountsSearchSegments(t *testing.T) {
	f := newFixture(t)
	ix := f.create(t, "by_body", indexmeta.KindSearch, indexmeta.DeveloperConfig{Text: &indexmeta.TextConfig{SearchField: "body"}})
	_, err := f.engine.InTx(context.Background(), "test", func(tx *storage.Transaction) error {
		cur, err := f.model.Get(tx, ix.ID)
		if err != nil {
			return err
		}
		return f.model.SetOnDiskState(tx, cur, []byte(`{"state":"snapshotted","snapshot":{"ts":42,"version":1,"data":{"data_type":"MultiSegment","segments":[
			{"id":"a","num_docs":10,"num_deleted":3},
			{"id":"b","num_docs":5,"num_deleted":0}]}}}`))
	})
	require.NoError(t, err)

	rows, err := f.collector.Collect(context.Background())
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 2, rows[0].Segments)
	assert.Equal(t, uint64(12), rows[0].LiveDocs)
	assert.Equal(t, uint64(42), rows[0].SnapshotTS)
}

func ptr[T any](v T) *T { return &v }

// ---------------------------------------------------------------------------
// Store
// ---------------------------------------------------------------------------

func TestStoreSaveAndPrune(t *testing.T) {
	db := skipIfNoPostgres(t)
	ctx := context.Background()
	s := NewStore(db)
	require.NoError(t, s.Migrate(ctx))
	_, err := db.DB.ExecContext(ctx, `DELETE FROM index_status`)
	require.NoError(t, err)

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rows := []IndexStatus{
		{IndexID: "i1", Table: "articles", Name: "by_author", Kind: "database", Phase: "enabled", NumDocsIndexed: 10, TotalDocs: ptr(uint64(10)), CapturedAt: at},
		{IndexID: "i2", Table: "articles", Name: "by_body", Kind: "search", Phase: "backfilled", Segments: 3, LiveDocs: 7, SnapshotTS: 1 << 60, FastForwardTS: 1<<60 + 5, CapturedAt: at},
	}
	require.NoError(t, s.Save(ctx, rows))

	got, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, uint64(1<<60), got[1].SnapshotTS)
	assert.Equal(t, uint64(1<<60+5), got[1].FastForwardTS)
	assert.Equal(t, uint64(10), *got[0].TotalDocs)

	require.NoError(t, s.Save(ctx, rows[1:]))
	got, err = s.List(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "by_body", got[0].Name)
}
