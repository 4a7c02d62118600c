package status

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"github.com/Adithya-Monish-Kumar-K/search-index-workers/pkg/postgres"
	"github.com/Adithya-Monish-Kumar-K/search-index-workers/pkg/resilience"
)

// Schema creates the projection table.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS index_status (
	    index_id         TEXT PRIMARY KEY,
	    table_name       TEXT NOT NULL,
	    name             TEXT NOT NULL,
	    kind             TEXT NOT NULL,
	    phase            TEXT NOT NULL,
	    num_docs_indexed BIGINT NOT NULL DEFAULT 0,
	    total_docs       BIGINT,
	    segments         INTEGER NOT NULL DEFAULT 0,
	    live_docs        BIGINT NOT NULL DEFAULT 0,
	    snapshot_ts      NUMERIC(20),
	    fast_forward_ts  NUMERIC(20),
	    captured_at      TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS index_status_table_idx ON index_status (table_name)`,
}

// Store persists index status rows in PostgreSQL. Rows of indexes that no
// longer exist are removed on every save.
type Store struct {
	db     *postgres.Client
	logger *slog.Logger
}

func NewStore(db *postgres.Client) *Store {
	return &Store{
		db:     db,
		logger: slog.Default().With("component", "status-store"),
	}
}

// Migrate creates the table if missing.
func (s *Store) Migrate(ctx context.Context) error {
	return s.db.Migrate(ctx, Schema...)
}

// Save replaces the projection with rows.
func (s *Store) Save(ctx context.Context, rows []IndexStatus) error {
	err := s.db.InTx(ctx, func(tx *sql.Tx) error {
		ids := make([]string, 0, len(rows))
		for _, r := range rows {
			ids = append(ids, r.IndexID)
			_, err := tx.ExecContext(ctx, `
				INSERT INTO index_status
				    (index_id, table_name, name, kind, phase, num_docs_indexed, total_docs,
				     segments, live_docs, snapshot_ts, fast_forward_ts, captured_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
				ON CONFLICT (index_id) DO UPDATE SET
				    table_name = EXCLUDED.table_name,
				    name = EXCLUDED.name,
				    kind = EXCLUDED.kind,
				    phase = EXCLUDED.phase,
				    num_docs_indexed = EXCLUDED.num_docs_indexed,
				    total_docs = EXCLUDED.total_docs,
				    segments = EXCLUDED.segments,
				    live_docs = EXCLUDED.live_docs,
				    snapshot_ts = EXCLUDED.snapshot_ts,
				    fast_forward_ts = EXCLUDED.fast_forward_ts,
				    captured_at = EXCLUDED.captured_at`,
				r.IndexID, r.Table, r.Name, r.Kind, r.Phase, int64(r.NumDocsIndexed), nullUint(r.TotalDocs),
				r.Segments, int64(r.LiveDocs), nullTS(r.SnapshotTS), nullTS(r.FastForwardTS), r.CapturedAt,
			)
			if err != nil {
				return fmt.Errorf("upserting status of %s: %w", r.Name, err)
			}
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM index_status WHERE NOT (index_id = ANY($1))`, pq.Array(ids))
		if err != nil {
			return fmt.Errorf("pruning dropped indexes: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("saving index status: %w", err)
	}
	s.logger.Debug("index status saved", "indexes", len(rows))
	return nil
}

func nullUint(v *uint64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func nullTS(v uint64) sql.NullString {
	if v == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: fmt.Sprintf("%d", v), Valid: true}
}

// List returns the saved rows ordered by table and name.
func (s *Store) List(ctx context.Context) ([]IndexStatus, error) {
	rows, err := s.db.DB.QueryContext(ctx, `
		SELECT index_id, table_name, name, kind, phase, num_docs_indexed, total_docs,
		       segments, live_docs, COALESCE(snapshot_ts, 0)::TEXT, COALESCE(fast_forward_ts, 0)::TEXT, captured_at
		FROM index_status
		ORDER BY table_name, name`)
	if err != nil {
		return nil, fmt.Errorf("listing index status: %w", err)
	}
	defer rows.Close()

	var out []IndexStatus
	for rows.Next() {
		var (
			r          IndexStatus
			docs, live int64
			total      sql.NullInt64
			snap, ff   string
		)
		if err := rows.Scan(&r.IndexID, &r.Table, &r.Name, &r.Kind, &r.Phase, &docs, &total,
			&r.Segments, &live, &snap, &ff, &r.CapturedAt); err != nil {
			return nil, fmt.Errorf("scanning index status row: %w", err)
		}
		r.NumDocsIndexed, r.LiveDocs = uint64(docs), uint64(live)
		if total.Valid {
			v := uint64(total.Int64)
			r.TotalDocs = &v
		}
		if _, err := fmt.Sscan(snap, &r.SnapshotTS); err != nil {
			return nil, fmt.Errorf("parsing snapshot_ts of %s: %w", r.Name, err)
		}
		if _, err := fmt.Sscan(ff, &r.FastForwardTS); err != nil {
			return nil, fmt.Errorf("parsing fast_forward_ts of %s: %w", r.Name, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Projector periodically collects status and saves it.
type Projector struct {
	collector *Collector
	store     *Store
	interval  time.Duration
	logger    *slog.Logger
}

func NewProjector(collector *Collector, store *Store, interval time.Duration) *Projector {
	return &Projector{
		collector: collector,
		store:     store,
		interval:  interval,
		logger:    slog.Default().With("component", "status-projector"),
	}
}

// Step collects once and saves, retrying the save.
func (p *Projector) Step(ctx context.Context) error {
	rows, err := p.collector.Collect(ctx)
	if err != nil {
		return err
	}
	return resilience.Retry(ctx, "status-save", resilience.RetryConfig{MaxAttempts: 3}, func() error {
		return p.store.Save(ctx, rows)
	})
}

// Run saves every interval until ctx is done, then saves once more.
func (p *Projector) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	p.logger.Info("status projection started", "interval", p.interval)

	for {
		select {
		case <-ticker.C:
			if err := p.Step(ctx); err != nil {
				p.logger.Error("status projection failed", "error", err)
			}
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := p.Step(shutdownCtx); err != nil {
				p.logger.Error("final status projection failed", "error", err)
			}
			return nil
		}
	}
}
