package documents

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/Adithya-Monish-Kumar-K/search-index-workers/internal/interval"
	"github.com/Adithya-Monish-Kumar-K/search-index-workers/internal/storage"
	"github.com/puzpuzpuz/xsync/v3"
)

// Summaries keeps a live document count per table. Counts are unknown until
// Bootstrap has scanned the log; commits that land while the scan runs are
// not reflected.
type Summaries struct {
	counts       *xsync.MapOf[string, int64]
	bootstrapped atomic.Bool
	bootstrapTS  atomic.Uint64
	logger       *slog.Logger
}

func NewSummaries() *Summaries {
	return &Summaries{
		counts: xsync.NewMapOf[string, int64](),
		logger: slog.Default().With("component", "table-summaries"),
	}
}

// Bootstrap counts every document once.
func (s *Summaries) Bootstrap(ctx context.Context, engine *storage.Engine) error {
	tx, err := engine.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Abort()

	kvs, err := tx.Scan(interval.Prefix(interval.Key(docRoot)), interval.Asc, 0)
	if err != nil {
		return fmt.Errorf("scanning documents: %w", err)
	}
	counts := make(map[string]int64)
	for _, kv := range kvs {
		table, _, err := ParseDocKey(kv.Key)
		if err != nil {
			return err
		}
		counts[table]++
	}
	s.counts.Clear()
	for table, n := range counts {
		s.counts.Store(table, n)
	}
	s.bootstrapTS.Store(uint64(tx.BeginTS()))
	s.bootstrapped.Store(true)
	s.logger.Info("table summaries bootstrapped", "tables", len(counts), "documents", len(kvs), "ts", tx.BeginTS())
	return nil
}

func (s *Summaries) IsBootstrapped() bool { return s.bootstrapped.Load() }

// Count returns the number of documents in table, or false before
// bootstrap.
func (s *Summaries) Count(table string) (uint64, bool) {
	if !s.bootstrapped.Load() {
		return 0, false
	}
	n, _ := s.counts.Load(table)
	if n < 0 {
		n = 0
	}
	return uint64(n), true
}

func (s *Summaries) apply(table string, delta int64, ts storage.Timestamp) {
	if !s.bootstrapped.Load() || uint64(ts) <= s.bootstrapTS.Load() {
		return
	}
	s.counts.Compute(table, func(old int64, _ bool) (int64, bool) {
		return old + delta, false
	})
}
