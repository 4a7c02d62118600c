package indexmeta

import (
	"bytes"
	"encoding/json"
	"fmt"

	apperrors "github.com/Adithya-Monish-Kumar-K/search-index-workers/pkg/errors"
)

// Phase is the coarse lifecycle position shared by every index kind. An
// index is in exactly one phase, and phases only move forward.
type Phase int

const (
	PhaseBackfilling Phase = iota + 1
	PhaseBackfilled
	PhaseEnabled
)

func (p Phase) String() string {
	switch p {
	case PhaseBackfilling:
		return "backfilling"
	case PhaseBackfilled:
		return "backfilled"
	case PhaseEnabled:
		return "enabled"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// DatabaseIndexState is the on-disk state of an ordered database index.
// Backfilling carries a marker with no fields; progress lives in the
// checkpoint store.
type DatabaseIndexState struct {
	Phase Phase
}

const (
	dbTagBackfilling = "Backfilling"
	dbTagBackfilled  = "Backfilled2"
	dbTagEnabled     = "Enabled"
)

// legacyDatabaseTags maps tags written by older releases to the state they
// mean today. Tags not listed here and not current are rejected.
var legacyDatabaseTags = map[string]Phase{
	"Disabled": PhaseBackfilling,
}

type databaseStateJSON struct {
	Type          string          `json:"type"`
	BackfillState json.RawMessage `json:"backfillState,omitempty"`
}

func (s DatabaseIndexState) MarshalJSON() ([]byte, error) {
	switch s.Phase {
	case PhaseBackfilling:
		return json.Marshal(databaseStateJSON{Type: dbTagBackfilling, BackfillState: json.RawMessage("{}")})
	case PhaseBackfilled:
		return json.Marshal(databaseStateJSON{Type: dbTagBackfilled})
	case PhaseEnabled:
		return json.Marshal(databaseStateJSON{Type: dbTagEnabled})
	default:
		return nil, fmt.Errorf("marshalling database index state: invalid %s", s.Phase)
	}
}

func (s *DatabaseIndexState) UnmarshalJSON(data []byte) error {
	var raw databaseStateJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return apperrors.Newf(apperrors.ErrMalformedRecord, "database index state: %v", err)
	}
	switch raw.Type {
	case dbTagBackfilling:
		if err := checkEmptyMarker(raw.BackfillState); err != nil {
			return err
		}
		s.Phase = PhaseBackfilling
	case dbTagBackfilled:
		s.Phase = PhaseBackfilled
	case dbTagEnabled:
		s.Phase = PhaseEnabled
	default:
		phase, ok := legacyDatabaseTags[raw.Type]
		if !ok {
			return apperrors.Newf(apperrors.ErrMalformedRecord, "unknown database index state %q", raw.Type)
		}
		s.Phase = phase
	}
	return nil
}

func checkEmptyMarker(raw json.RawMessage) error {
	if len(raw) == 0 {
		return nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return apperrors.Newf(apperrors.ErrMalformedRecord, "backfill marker: %v", err)
	}
	if len(fields) != 0 {
		return apperrors.Newf(apperrors.ErrMalformedRecord, "backfill marker must be empty, got %s", bytes.TrimSpace(raw))
	}
	return nil
}

// Search and vector on-disk states are owned by the searchindex package.
// This package only reads their tag and performs the Backfilled to
// Snapshotted flip, which needs nothing but the raw snapshot.
const (
	searchTagBackfilling = "backfilling"
	searchTagBackfilled  = "backfilled"
	searchTagSnapshotted = "snapshotted"
)

var searchPhases = map[string]Phase{
	searchTagBackfilling: PhaseBackfilling,
	searchTagBackfilled:  PhaseBackfilled,
	searchTagSnapshotted: PhaseEnabled,
}

// InitialSearchState is the on-disk state of a new search or vector index.
var InitialSearchState = json.RawMessage(`{"state":"backfilling","backfill":{"segments":[],"staged":false}}`)

func searchPhase(raw json.RawMessage) (Phase, error) {
	var tagged struct {
		State string `json:"state"`
	}
	if err := json.Unmarshal(raw, &tagged); err != nil {
		return 0, apperrors.Newf(apperrors.ErrMalformedRecord, "search index state: %v", err)
	}
	phase, ok := searchPhases[tagged.State]
	if !ok {
		return 0, apperrors.Newf(apperrors.ErrMalformedRecord, "unknown search index state %q", tagged.State)
	}
	return phase, nil
}

func snapshotSearchState(raw json.RawMessage) (json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, apperrors.Newf(apperrors.ErrMalformedRecord, "search index state: %v", err)
	}
	snapshot, ok := fields["snapshot"]
	if !ok {
		return nil, apperrors.New(apperrors.ErrMalformedRecord, "backfilled search index state has no snapshot")
	}
	return json.Marshal(map[string]json.RawMessage{
		"state":    json.RawMessage(`"` + searchTagSnapshotted + `"`),
		"snapshot": snapshot,
	})
}
