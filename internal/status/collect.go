// Package status projects the lifecycle state of every index into
// PostgreSQL so operators can see backfill progress and readiness without
// reading the storage engine.
package status

import (
	"context"
	"fmt"
	"time"

	"github.com/Adithya-Monish-Kumar-K/search-index-workers/internal/checkpoint"
	"github.com/Adithya-Monish-Kumar-K/search-index-workers/internal/indexmeta"
	"github.com/Adithya-Monish-Kumar-K/search-index-workers/internal/searchindex"
	"github.com/Adithya-Monish-Kumar-K/search-index-workers/internal/storage"
	"github.com/Adithya-Monish-Kumar-K/search-index-workers/internal/workermeta"
)

// IndexStatus is one row of the projection.
type IndexStatus struct {
	IndexID        string    `json:"index_id"`
	Table          string    `json:"table"`
	Name           string    `json:"name"`
	Kind           string    `json:"kind"`
	Phase          string    `json:"phase"`
	NumDocsIndexed uint64    `json:"num_docs_indexed"`
	TotalDocs      *uint64   `json:"total_docs,omitempty"`
	Segments       int       `json:"segments"`
	LiveDocs       uint64    `json:"live_docs"`
	SnapshotTS     uint64    `json:"snapshot_ts,omitempty"`
	FastForwardTS  uint64    `json:"fast_forward_ts,omitempty"`
	CapturedAt     time.Time `json:"captured_at"`
}

// segmentStats decodes just the counters shared by every segment kind.
type segmentStats struct {
	NumDocs    uint64 `json:"num_docs"`
	NumDeleted uint64 `json:"num_deleted"`
}

// Collector reads index status from the storage engine.
type Collector struct {
	engine      *storage.Engine
	model       *indexmeta.Model
	checkpoints *checkpoint.Store
	workers     *workermeta.Store
	now         func() time.Time
}

func NewCollector(engine *storage.Engine, model *indexmeta.Model, checkpoints *checkpoint.Store, workers *workermeta.Store) *Collector {
	return &Collector{
		engine:      engine,
		model:       model,
		checkpoints: checkpoints,
		workers:     workers,
		now:         time.Now,
	}
}

// Collect returns the status of every index as of one snapshot.
func (c *Collector) Collect(ctx context.Context) ([]IndexStatus, error) {
	var out []IndexStatus
	_, err := c.engine.InTx(ctx, "index_status", func(tx *storage.Transaction) error {
		out = out[:0]
		indexes, err := c.model.List(tx)
		if err != nil {
			return err
		}
		now := c.now().UTC()
		for _, ix := range indexes {
			st, err := c.indexStatus(tx, ix)
			if err != nil {
				return fmt.Errorf("index %s: %w", ix.Name, err)
			}
			st.CapturedAt = now
			out = append(out, st)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("collecting index status: %w", err)
	}
	return out, nil
}

func (c *Collector) indexStatus(tx *storage.Transaction, ix *indexmeta.Index) (IndexStatus, error) {
	st := IndexStatus{
		IndexID: ix.ID,
		Table:   ix.Table,
		Name:    ix.Name,
		Kind:    ix.Kind.String(),
	}
	phase, err := ix.Phase()
	if err != nil {
		return st, err
	}
	st.Phase = phase.String()

	cp, err := c.checkpoints.Get(tx, ix.ID)
	if err != nil {
		return st, err
	}
	if cp != nil {
		st.NumDocsIndexed = cp.NumDocsIndexed
		st.TotalDocs = cp.TotalDocs
	}
	if ix.Kind == indexmeta.KindDatabase {
		return st, nil
	}

	ds, err := searchindex.DecodeState[segmentStats](ix.OnDiskState)
	if err != nil {
		return st, err
	}
	segs, _ := ds.Segments()
	st.Segments = len(segs)
	for _, s := range segs {
		st.LiveDocs += s.NumDocs - min(s.NumDeleted, s.NumDocs)
	}
	if ts, ok := ds.SnapshotTS(); ok {
		st.SnapshotTS = uint64(ts)
	}
	meta, err := c.workers.Get(tx, ix.ID)
	if err != nil {
		return st, err
	}
	if meta != nil {
		st.FastForwardTS = uint64(meta.FastForwardTS())
	}
	return st, nil
}
