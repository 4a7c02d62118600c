package documents

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/Adithya-Monish-Kumar-K/search-index-workers/internal/interval"
	"github.com/Adithya-Monish-Kumar-K/search-index-workers/internal/storage"
)

// IndexUpdater keeps a secondary index in step with live writes. It runs in
// the writing transaction, so index entries commit atomically with the
// document.
type IndexUpdater interface {
	OnWrite(tx *storage.Transaction, table string, prev, next *Document) error
}

// Revision is one committed change to a document. Prev is nil for an insert
// and Next is nil for a delete.
type Revision struct {
	Table string            `json:"table"`
	ID    string            `json:"id"`
	TS    storage.Timestamp `json:"-"`
	Prev  *Document         `json:"prev"`
	Next  *Document         `json:"next"`
}

// Store reads and writes documents inside storage transactions.
type Store struct {
	summaries *Summaries
	logger    *slog.Logger

	mu       sync.RWMutex
	updaters []IndexUpdater
}

func NewStore(summaries *Summaries) *Store {
	return &Store{
		summaries: summaries,
		logger:    slog.Default().With("component", "documents"),
	}
}

// Summaries returns the table counts kept by this store. It may be nil.
func (s *Store) Summaries() *Summaries { return s.summaries }

// RegisterUpdater adds u to the updaters run on every write.
func (s *Store) RegisterUpdater(u IndexUpdater) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updaters = append(s.updaters, u)
}

func (s *Store) Get(tx *storage.Transaction, table, id string) (*Document, error) {
	if err := Validate(table, id); err != nil {
		return nil, err
	}
	raw, ok, err := tx.Get(DocKey(table, id))
	if err != nil || !ok {
		return nil, err
	}
	doc, err := decodeDocument(raw)
	if err != nil {
		return nil, fmt.Errorf("reading %s/%s: %w", table, id, err)
	}
	return doc, nil
}

// Put inserts or replaces a document.
func (s *Store) Put(tx *storage.Transaction, table, id string, fields map[string]any) error {
	if err := Validate(table, id); err != nil {
		return err
	}
	prev, err := s.Get(tx, table, id)
	if err != nil {
		return err
	}
	next := &Document{ID: id, Table: table, Fields: fields}
	raw, err := encodeValue(next)
	if err != nil {
		return err
	}
	if err := tx.Set(DocKey(table, id), raw); err != nil {
		return err
	}
	return s.record(tx, table, id, prev, next)
}

// Delete removes a document. Deleting a missing document writes nothing.
func (s *Store) Delete(tx *storage.Transaction, table, id string) error {
	prev, err := s.Get(tx, table, id)
	if err != nil || prev == nil {
		return err
	}
	if err := tx.Delete(DocKey(table, id)); err != nil {
		return err
	}
	return s.record(tx, table, id, prev, nil)
}

func (s *Store) record(tx *storage.Transaction, table, id string, prev, next *Document) error {
	rev, err := encodeValue(&Revision{Table: table, ID: id, Prev: prev, Next: next})
	if err != nil {
		return err
	}
	suffix := append([]byte(id), 0)
	if err := tx.SetAtCommit(RevisionPrefix(table), suffix, rev); err != nil {
		return err
	}

	s.mu.RLock()
	updaters := s.updaters
	s.mu.RUnlock()
	for _, u := range updaters {
		if err := u.OnWrite(tx, table, prev, next); err != nil {
			return fmt.Errorf("updating indexes for %s/%s: %w", table, id, err)
		}
	}

	if s.summaries != nil {
		var delta int64
		switch {
		case prev == nil && next != nil:
			delta = 1
		case prev != nil && next == nil:
			delta = -1
		}
		if delta != 0 {
			tx.OnCommit(func(ts storage.Timestamp) { s.summaries.apply(table, delta, ts) })
		}
	}
	return nil
}

// Page returns up to limit documents of table in key order from iv, which
// must lie inside TableInterval(table). It also returns the part of iv not
// yet read, which is empty once the table is exhausted.
func (s *Store) Page(tx *storage.Transaction, table string, iv interval.Interval, limit int) ([]*Document, interval.Interval, error) {
	kvs, err := tx.Scan(iv, interval.Asc, limit)
	if err != nil {
		return nil, interval.Empty(), fmt.Errorf("scanning %s: %w", table, err)
	}
	docs := make([]*Document, 0, len(kvs))
	for _, kv := range kvs {
		doc, err := decodeDocument(kv.Value)
		if err != nil {
			return nil, interval.Empty(), fmt.Errorf("reading %s: %w", kv.Key, err)
		}
		docs = append(docs, doc)
	}
	if limit <= 0 || len(kvs) < limit {
		return docs, interval.Empty(), nil
	}
	_, rest := iv.SplitAfter(kvs[len(kvs)-1].Key, interval.Asc)
	return docs, rest, nil
}

// ResumeInterval is the part of table's key range after the document with
// id cursor, or the whole range for a nil cursor.
func ResumeInterval(table string, cursor *string) interval.Interval {
	iv := TableInterval(table)
	if cursor == nil {
		return iv
	}
	_, rest := iv.SplitAfter(DocKey(table, *cursor), interval.Asc)
	return rest
}

// Revisions returns table's revisions committed in (lower, upper] in the
// given order.
func (s *Store) Revisions(tx *storage.Transaction, table string, lower, upper storage.Timestamp, order interval.Order) ([]*Revision, error) {
	kvs, err := tx.Scan(RevisionInterval(table, lower, upper), order, 0)
	if err != nil {
		return nil, fmt.Errorf("scanning revisions of %s: %w", table, err)
	}
	out := make([]*Revision, 0, len(kvs))
	for _, kv := range kvs {
		ts, id, err := parseRevisionKey(table, kv.Key)
		if err != nil {
			return nil, err
		}
		var rev Revision
		if err := decodeValue(kv.Value, &rev); err != nil {
			return nil, fmt.Errorf("reading revision %s@%d: %w", id, ts, err)
		}
		rev.TS = ts
		out = append(out, &rev)
	}
	return out, nil
}

// PendingCount is the number of revisions of table committed after since
// and visible to tx.
func (s *Store) PendingCount(tx *storage.Transaction, table string, since storage.Timestamp) (int, error) {
	n, err := tx.Count(RevisionInterval(table, since, tx.BeginTS()))
	if err != nil {
		return 0, fmt.Errorf("counting revisions of %s: %w", table, err)
	}
	return n, nil
}
