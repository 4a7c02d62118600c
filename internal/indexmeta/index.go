// Package indexmeta holds index metadata and the index lifecycle state
// machine. Every index moves Backfilling -> Backfilled -> Enabled and never
// back; only drop and recreate starts it over.
//
// The outer kind (database, search, vector) is a closed enum. Database
// index state is fully owned here. Search and vector states are opaque JSON
// owned by the searchindex package, of which this package reads only the
// phase tag.
package indexmeta

import (
	"encoding/json"

	"github.com/Adithya-Monish-Kumar-K/search-index-workers/internal/workermeta"
	apperrors "github.com/Adithya-Monish-Kumar-K/search-index-workers/pkg/errors"
)

type Index struct {
	ID              string          `json:"id"`
	Table           string          `json:"table"`
	Name            string          `json:"name"`
	Kind            Kind            `json:"kind"`
	DeveloperConfig DeveloperConfig `json:"developer_config"`
	OnDiskState     json.RawMessage `json:"on_disk_state"`
}

// Phase decodes the lifecycle phase from the on-disk state.
func (ix *Index) Phase() (Phase, error) {
	switch ix.Kind {
	case KindDatabase:
		st, err := ix.DatabaseState()
		if err != nil {
			return 0, err
		}
		return st.Phase, nil
	case KindSearch, KindVector:
		return searchPhase(ix.OnDiskState)
	default:
		return 0, apperrors.Newf(apperrors.ErrMalformedRecord, "index %s has unknown kind %d", ix.Name, int(ix.Kind))
	}
}

// DatabaseState decodes the state of a database index.
func (ix *Index) DatabaseState() (DatabaseIndexState, error) {
	var st DatabaseIndexState
	if ix.Kind != KindDatabase {
		return st, apperrors.Newf(apperrors.ErrInvalidInput, "index %s is a %s index", ix.Name, ix.Kind)
	}
	err := json.Unmarshal(ix.OnDiskState, &st)
	return st, err
}

// IsEnabled reports whether the index is fully built and serving. A
// malformed state counts as not enabled.
func (ix *Index) IsEnabled() bool {
	p, err := ix.Phase()
	return err == nil && p == PhaseEnabled
}

func (ix *Index) IsBackfilling() bool {
	p, err := ix.Phase()
	return err == nil && p == PhaseBackfilling
}

// SameConfig reports whether other defines the same index, ignoring its
// on-disk state. An unchanged definition never needs a rebuild.
func (ix *Index) SameConfig(other *Index) bool {
	return ix.Kind == other.Kind && ix.DeveloperConfig.Equal(other.DeveloperConfig)
}

// WorkerType is the worker metadata family of a search or vector index.
func (ix *Index) WorkerType() (workermeta.Type, bool) {
	switch ix.Kind {
	case KindSearch:
		return workermeta.TextSearch, true
	case KindVector:
		return workermeta.VectorSearch, true
	default:
		return "", false
	}
}
