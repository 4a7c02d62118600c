// Package workermeta stores per-index worker metadata under
// _index_worker_metadata/<index id>. Today that is the fast-forward
// timestamp of each search and vector index: the newest commit the index is
// known to be valid as of without having been rebuilt.
package workermeta

import (
	"encoding/json"
	"fmt"

	"github.com/Adithya-Monish-Kumar-K/search-index-workers/internal/interval"
	"github.com/Adithya-Monish-Kumar-K/search-index-workers/internal/storage"
	apperrors "github.com/Adithya-Monish-Kumar-K/search-index-workers/pkg/errors"
	"github.com/google/uuid"
)

const keyPrefix = "_index_worker_metadata/"

// Type says which worker family owns a metadata row.
type Type string

const (
	TextSearch   Type = "text_search"
	VectorSearch Type = "vector_search"
)

// FastForward is the per-type payload.
type FastForward struct {
	FastForwardTS storage.Timestamp `json:"fast_forward_ts"`
}

type Metadata struct {
	ID      string `json:"id"`
	IndexID string `json:"index_id"`
	// IndexMetadata holds exactly one key, the Type, mapped to its payload.
	IndexMetadata map[Type]*FastForward `json:"index_metadata"`
}

// Type returns the single type present in m.
func (m *Metadata) Type() (Type, error) {
	if len(m.IndexMetadata) != 1 {
		return "", apperrors.Newf(apperrors.ErrMalformedRecord, "worker metadata of %s has %d types", m.IndexID, len(m.IndexMetadata))
	}
	for t := range m.IndexMetadata {
		switch t {
		case TextSearch, VectorSearch:
			return t, nil
		default:
			return "", apperrors.Newf(apperrors.ErrMalformedRecord, "worker metadata of %s has unknown type %q", m.IndexID, t)
		}
	}
	panic("unreachable")
}

func (m *Metadata) FastForwardTS() storage.Timestamp {
	for _, ff := range m.IndexMetadata {
		if ff != nil {
			return ff.FastForwardTS
		}
	}
	return 0
}

func Key(indexID string) interval.Key {
	return interval.Key(keyPrefix + indexID)
}

type Store struct{}

func New() *Store { return &Store{} }

// Get returns the metadata of indexID, or nil if there is none.
func (s *Store) Get(tx *storage.Transaction, indexID string) (*Metadata, error) {
	raw, ok, err := tx.Get(Key(indexID))
	if err != nil || !ok {
		return nil, err
	}
	var m Metadata
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, apperrors.Newf(apperrors.ErrMalformedRecord, "worker metadata of %s: %v", indexID, err)
	}
	if _, err := m.Type(); err != nil {
		return nil, err
	}
	return &m, nil
}

// GetOrCreate returns the metadata of indexID, creating it with a zero
// fast-forward timestamp if missing.
func (s *Store) GetOrCreate(tx *storage.Transaction, indexID string, typ Type) (*Metadata, error) {
	m, err := s.Get(tx, indexID)
	if err != nil {
		return nil, err
	}
	if m != nil {
		existing, _ := m.Type()
		if existing != typ {
			return nil, apperrors.Newf(apperrors.ErrInvalidInput, "worker metadata of %s is %s, not %s", indexID, existing, typ)
		}
		return m, nil
	}
	m = &Metadata{
		ID:            uuid.NewString(),
		IndexID:       indexID,
		IndexMetadata: map[Type]*FastForward{typ: {}},
	}
	return m, s.put(tx, m)
}

// AdvanceFastForward raises the fast-forward timestamp to ts. It reports
// whether the stored value changed; it never moves backwards.
func (s *Store) AdvanceFastForward(tx *storage.Transaction, m *Metadata, ts storage.Timestamp) (bool, error) {
	typ, err := m.Type()
	if err != nil {
		return false, err
	}
	ff := m.IndexMetadata[typ]
	if ff == nil {
		ff = &FastForward{}
		m.IndexMetadata[typ] = ff
	}
	if ts <= ff.FastForwardTS {
		return false, nil
	}
	ff.FastForwardTS = ts
	return true, s.put(tx, m)
}

// Delete removes the metadata of indexID if present.
func (s *Store) Delete(tx *storage.Transaction, indexID string) error {
	_, ok, err := tx.Get(Key(indexID))
	if err != nil || !ok {
		return err
	}
	return tx.Delete(Key(indexID))
}

func (s *Store) put(tx *storage.Transaction, m *Metadata) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encoding worker metadata: %w", err)
	}
	return tx.Set(Key(m.IndexID), raw)
}
