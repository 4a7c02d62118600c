// Package checkpoint stores one backfill progress row per backfilling index
// under _index_backfills/<index id>. Rows are written in the same
// transaction as the index content they describe, so a resumed backfill
// always starts from exactly what is durable.
package checkpoint

import (
	"encoding/json"
	"fmt"

	"github.com/Adithya-Monish-Kumar-K/search-index-workers/internal/documents"
	"github.com/Adithya-Monish-Kumar-K/search-index-workers/internal/interval"
	"github.com/Adithya-Monish-Kumar-K/search-index-workers/internal/storage"
	apperrors "github.com/Adithya-Monish-Kumar-K/search-index-workers/pkg/errors"
	"github.com/google/uuid"
)

const keyPrefix = "_index_backfills/"

// Cursor pins a backfill to a snapshot and records the last document it
// indexed.
type Cursor struct {
	SnapshotTS storage.Timestamp `json:"snapshot_ts"`
	Cursor     *string           `json:"cursor,omitempty"`
}

type Checkpoint struct {
	ID             string  `json:"id"`
	IndexID        string  `json:"index_id"`
	NumDocsIndexed uint64  `json:"num_docs_indexed"`
	TotalDocs      *uint64 `json:"total_docs,omitempty"`
	Cursor         *Cursor `json:"cursor,omitempty"`
}

// Store reads and writes checkpoints inside storage transactions.
type Store struct {
	summaries *documents.Summaries
}

// New returns a Store that fills unknown totals from summaries, which may
// be nil.
func New(summaries *documents.Summaries) *Store {
	return &Store{summaries: summaries}
}

func Key(indexID string) interval.Key {
	return interval.Key(keyPrefix + indexID)
}

// Get returns the checkpoint of indexID, or nil if there is none.
func (s *Store) Get(tx *storage.Transaction, indexID string) (*Checkpoint, error) {
	raw, ok, err := tx.Get(Key(indexID))
	if err != nil || !ok {
		return nil, err
	}
	var cp Checkpoint
	if err := json.Unmarshal(raw, &cp); err != nil {
		return nil, apperrors.Newf(apperrors.ErrMalformedRecord, "backfill checkpoint of %s: %v", indexID, err)
	}
	return &cp, nil
}

// List returns every checkpoint in index id order.
func (s *Store) List(tx *storage.Transaction) ([]*Checkpoint, error) {
	kvs, err := tx.Scan(interval.Prefix(interval.Key(keyPrefix)), interval.Asc, 0)
	if err != nil {
		return nil, fmt.Errorf("scanning backfill checkpoints: %w", err)
	}
	out := make([]*Checkpoint, 0, len(kvs))
	for _, kv := range kvs {
		var cp Checkpoint
		if err := json.Unmarshal(kv.Value, &cp); err != nil {
			return nil, apperrors.Newf(apperrors.ErrMalformedRecord, "backfill checkpoint %s: %v", kv.Key, err)
		}
		out = append(out, &cp)
	}
	return out, nil
}

func (s *Store) put(tx *storage.Transaction, cp *Checkpoint) error {
	raw, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("encoding backfill checkpoint: %w", err)
	}
	return tx.Set(Key(cp.IndexID), raw)
}

// InitializeBackfill starts a new backfill generation for indexID. An
// existing row is reset in place and keeps its id. snapshotTS is set only
// for indexes built from a frozen view of the table.
func (s *Store) InitializeBackfill(tx *storage.Transaction, indexID string, totalDocs *uint64, snapshotTS *storage.Timestamp) (string, error) {
	existing, err := s.Get(tx, indexID)
	if err != nil {
		return "", err
	}
	cp := &Checkpoint{IndexID: indexID, TotalDocs: totalDocs}
	if existing != nil {
		cp.ID = existing.ID
	} else {
		cp.ID = uuid.NewString()
	}
	if snapshotTS != nil {
		cp.Cursor = &Cursor{SnapshotTS: *snapshotTS}
	}
	if err := s.put(tx, cp); err != nil {
		return "", err
	}
	return cp.ID, nil
}

// UpdateProgress adds delta indexed documents. The cursor moves only for
// backfills started with a snapshot. An unknown total is filled from the
// table's live count when one is available, so it is an estimate.
func (s *Store) UpdateProgress(tx *storage.Transaction, indexID, table string, delta uint64, cursor *string) error {
	cp, err := s.Get(tx, indexID)
	if err != nil {
		return err
	}
	if cp == nil {
		return apperrors.Newf(apperrors.ErrNotFound, "no backfill checkpoint for index %s", indexID)
	}
	cp.NumDocsIndexed += delta
	if cp.TotalDocs == nil && s.summaries != nil {
		if n, ok := s.summaries.Count(table); ok {
			cp.TotalDocs = &n
		}
	}
	if cp.Cursor != nil {
		cp.Cursor.Cursor = cursor
	}
	return s.put(tx, cp)
}

// DeleteBackfill removes the checkpoint of indexID if there is one.
func (s *Store) DeleteBackfill(tx *storage.Transaction, indexID string) error {
	_, ok, err := tx.Get(Key(indexID))
	if err != nil || !ok {
		return err
	}
	return tx.Delete(Key(indexID))
}
