package indexmeta

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/Adithya-Monish-Kumar-K/search-index-workers/internal/checkpoint"
	"github.com/Adithya-Monish-Kumar-K/search-index-workers/internal/events"
	"github.com/Adithya-Monish-Kumar-K/search-index-workers/internal/interval"
	"github.com/Adithya-Monish-Kumar-K/search-index-workers/internal/storage"
	"github.com/Adithya-Monish-Kumar-K/search-index-workers/internal/workermeta"
	apperrors "github.com/Adithya-Monish-Kumar-K/search-index-workers/pkg/errors"
	"github.com/google/uuid"
)

const keyPrefix = "_index/"

func Key(id string) interval.Key {
	return interval.Key(keyPrefix + id)
}

// Model reads and writes index metadata, keeping the checkpoint and worker
// metadata rows of each index in step with its lifecycle.
type Model struct {
	checkpoints *checkpoint.Store
	workers     *workermeta.Store
	events      events.Publisher
	logger      *slog.Logger
}

func NewModel(checkpoints *checkpoint.Store, workers *workermeta.Store) *Model {
	return &Model{
		checkpoints: checkpoints,
		workers:     workers,
		events:      events.Nop{},
		logger:      slog.Default().With("component", "index-model"),
	}
}

// SetPublisher routes lifecycle events emitted by the model to p.
func (m *Model) SetPublisher(p events.Publisher) {
	if p == nil {
		p = events.Nop{}
	}
	m.events = p
}

// Create adds an index in Backfilling and starts its backfill. Database
// indexes backfill from a snapshot at the transaction's begin timestamp;
// search and vector indexes stream and also get worker metadata.
func (m *Model) Create(tx *storage.Transaction, table, name string, kind Kind, cfg DeveloperConfig) (*Index, error) {
	if table == "" || name == "" {
		return nil, apperrors.New(apperrors.ErrInvalidInput, "index needs a table and a name")
	}
	if err := cfg.Validate(kind); err != nil {
		return nil, err
	}
	existing, err := m.GetByName(tx, table, name)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, apperrors.Newf(apperrors.ErrInvalidInput, "index %s already exists on %s", name, table)
	}

	ix := &Index{ID: uuid.NewString(), Table: table, Name: name, Kind: kind, DeveloperConfig: cfg}
	var snapshotTS *storage.Timestamp
	if kind == KindDatabase {
		ix.OnDiskState, err = json.Marshal(DatabaseIndexState{Phase: PhaseBackfilling})
		if err != nil {
			return nil, err
		}
		ts := tx.BeginTS()
		snapshotTS = &ts
	} else {
		ix.OnDiskState = InitialSearchState
		typ, _ := ix.WorkerType()
		if _, err := m.workers.GetOrCreate(tx, ix.ID, typ); err != nil {
			return nil, err
		}
	}
	if err := m.put(tx, ix); err != nil {
		return nil, err
	}
	if _, err := m.checkpoints.InitializeBackfill(tx, ix.ID, nil, snapshotTS); err != nil {
		return nil, fmt.Errorf("initializing backfill of %s: %w", name, err)
	}
	m.logger.Info("index created", "index", name, "table", table, "kind", kind.String(), "id", ix.ID)
	return ix, nil
}

// Get returns the index with id, or nil if there is none.
func (m *Model) Get(tx *storage.Transaction, id string) (*Index, error) {
	raw, ok, err := tx.Get(Key(id))
	if err != nil || !ok {
		return nil, err
	}
	return decodeIndex(raw)
}

func decodeIndex(raw []byte) (*Index, error) {
	var ix Index
	if err := json.Unmarshal(raw, &ix); err != nil {
		return nil, apperrors.Newf(apperrors.ErrMalformedRecord, "index metadata: %v", err)
	}
	return &ix, nil
}

// List returns every index.
func (m *Model) List(tx *storage.Transaction) ([]*Index, error) {
	kvs, err := tx.Scan(interval.Prefix(interval.Key(keyPrefix)), interval.Asc, 0)
	if err != nil {
		return nil, fmt.Errorf("scanning indexes: %w", err)
	}
	out := make([]*Index, 0, len(kvs))
	for _, kv := range kvs {
		ix, err := decodeIndex(kv.Value)
		if err != nil {
			return nil, err
		}
		out = append(out, ix)
	}
	return out, nil
}

// ListByKind returns the indexes of one kind.
func (m *Model) ListByKind(tx *storage.Transaction, kind Kind) ([]*Index, error) {
	all, err := m.List(tx)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, ix := range all {
		if ix.Kind == kind {
			out = append(out, ix)
		}
	}
	return out, nil
}

// ListByTable returns the indexes defined on table.
func (m *Model) ListByTable(tx *storage.Transaction, table string) ([]*Index, error) {
	all, err := m.List(tx)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, ix := range all {
		if ix.Table == table {
			out = append(out, ix)
		}
	}
	return out, nil
}

func (m *Model) GetByName(tx *storage.Transaction, table, name string) (*Index, error) {
	all, err := m.ListByTable(tx, table)
	if err != nil {
		return nil, err
	}
	for _, ix := range all {
		if ix.Name == name {
			return ix, nil
		}
	}
	return nil, nil
}

// SetOnDiskState replaces the on-disk state of ix, rejecting a move to an
// earlier phase.
func (m *Model) SetOnDiskState(tx *storage.Transaction, ix *Index, state json.RawMessage) error {
	from, err := ix.Phase()
	if err != nil {
		return err
	}
	next := *ix
	next.OnDiskState = state
	to, err := next.Phase()
	if err != nil {
		return err
	}
	if to < from {
		return apperrors.Newf(apperrors.ErrInvalidTransition, "index %s cannot move from %s to %s", ix.Name, from, to)
	}
	if err := m.put(tx, &next); err != nil {
		return err
	}
	ix.OnDiskState = state
	if to != from {
		m.logger.Info("index phase changed", "index", ix.Name, "from", from.String(), "to", to.String())
	}
	return nil
}

// MarkBackfilled moves a database index from Backfilling to Backfilled and
// drops its checkpoint. Search and vector indexes reach Backfilled through
// their flusher, which records the snapshot at the same time.
func (m *Model) MarkBackfilled(tx *storage.Transaction, ix *Index) error {
	if ix.Kind != KindDatabase {
		return apperrors.Newf(apperrors.ErrInvalidInput, "index %s is a %s index", ix.Name, ix.Kind)
	}
	st, err := ix.DatabaseState()
	if err != nil {
		return err
	}
	if st.Phase != PhaseBackfilling {
		return apperrors.Newf(apperrors.ErrInvalidTransition, "index %s is %s, not backfilling", ix.Name, st.Phase)
	}
	raw, err := json.Marshal(DatabaseIndexState{Phase: PhaseBackfilled})
	if err != nil {
		return err
	}
	if err := m.SetOnDiskState(tx, ix, raw); err != nil {
		return err
	}
	return m.checkpoints.DeleteBackfill(tx, ix.ID)
}

// Enable moves a backfilled index to Enabled, which for search and vector
// indexes is SnapshottedAt their backfill snapshot. An IndexEnabled event is
// published once the transaction commits. Enabling an enabled index does
// nothing.
func (m *Model) Enable(tx *storage.Transaction, ix *Index) error {
	phase, err := ix.Phase()
	if err != nil {
		return err
	}
	switch phase {
	case PhaseEnabled:
		return nil
	case PhaseBackfilling:
		return apperrors.Newf(apperrors.ErrInvalidTransition, "index %s is still backfilling", ix.Name)
	}
	var raw json.RawMessage
	if ix.Kind == KindDatabase {
		raw, err = json.Marshal(DatabaseIndexState{Phase: PhaseEnabled})
	} else {
		raw, err = snapshotSearchState(ix.OnDiskState)
	}
	if err != nil {
		return err
	}
	if err := m.SetOnDiskState(tx, ix, raw); err != nil {
		return err
	}
	e := events.Event{Type: events.IndexEnabled, IndexID: ix.ID, IndexName: ix.Name, Table: ix.Table, Kind: ix.Kind.String()}
	tx.OnCommit(func(ts storage.Timestamp) {
		e.CommitTS = uint64(ts)
		e.Timestamp = time.Now()
		m.events.Publish(e)
	})
	return nil
}

// Drop deletes the index with id and its side rows. Segment objects are
// left for blob store garbage collection.
func (m *Model) Drop(tx *storage.Transaction, id string) error {
	ix, err := m.Get(tx, id)
	if err != nil {
		return err
	}
	if err := m.checkpoints.DeleteBackfill(tx, id); err != nil {
		return err
	}
	if err := m.workers.Delete(tx, id); err != nil {
		return err
	}
	if ix == nil {
		return nil
	}
	if err := tx.Delete(Key(id)); err != nil {
		return err
	}
	m.logger.Info("index dropped", "index", ix.Name, "table", ix.Table, "id", id)
	return nil
}

func (m *Model) put(tx *storage.Transaction, ix *Index) error {
	raw, err := json.Marshal(ix)
	if err != nil {
		return fmt.Errorf("encoding index %s: %w", ix.Name, err)
	}
	return tx.Set(Key(ix.ID), raw)
}
