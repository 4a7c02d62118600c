package searchindex

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/Adithya-Monish-Kumar-K/search-index-workers/internal/storage"
	apperrors "github.com/Adithya-Monish-Kumar-K/search-index-workers/pkg/errors"
)

// StateTag is the serialized tag of a search index's on-disk state.
type StateTag string

const (
	StateBackfilling StateTag = "backfilling"
	StateBackfilled  StateTag = "backfilled"
	StateSnapshotted StateTag = "snapshotted"
)

const multiSegmentType = "MultiSegment"

// BackfillState tracks a search index while its segments are built from
// the table contents.
type BackfillState[Seg any] struct {
	Segments           []Seg              `json:"segments"`
	Cursor             *string            `json:"cursor,omitempty"`
	BackfillSnapshotTS *storage.Timestamp `json:"backfill_snapshot_ts,omitempty"`
	Staged             bool               `json:"staged"`
	LastSegmentTS      *storage.Timestamp `json:"last_segment_ts,omitempty"`
}

// SnapshotData is either a segment list or data written by a format this
// build does not know. Unknown data is kept byte for byte and counts as
// zero segments.
type SnapshotData[Seg any] struct {
	Segments []Seg
	Unknown  json.RawMessage
}

func MultiSegment[Seg any](segs []Seg) SnapshotData[Seg] {
	if segs == nil {
		segs = []Seg{}
	}
	return SnapshotData[Seg]{Segments: segs}
}

func (d SnapshotData[Seg]) IsUnknown() bool { return d.Unknown != nil }

func (d SnapshotData[Seg]) MarshalJSON() ([]byte, error) {
	if d.Unknown != nil {
		return d.Unknown, nil
	}
	segs := d.Segments
	if segs == nil {
		segs = []Seg{}
	}
	return json.Marshal(struct {
		DataType string `json:"data_type"`
		Segments []Seg  `json:"segments"`
	}{multiSegmentType, segs})
}

func (d *SnapshotData[Seg]) UnmarshalJSON(data []byte) error {
	var tagged struct {
		DataType string          `json:"data_type"`
		Segments json.RawMessage `json:"segments"`
	}
	if err := json.Unmarshal(data, &tagged); err != nil || tagged.DataType != multiSegmentType {
		d.Segments = nil
		d.Unknown = append(json.RawMessage(nil), data...)
		return nil
	}
	var segs []Seg
	if len(tagged.Segments) > 0 && !bytes.Equal(tagged.Segments, []byte("null")) {
		if err := json.Unmarshal(tagged.Segments, &segs); err != nil {
			return apperrors.Newf(apperrors.ErrMalformedRecord, "snapshot segments: %v", err)
		}
	}
	*d = MultiSegment(segs)
	return nil
}

// Snapshot is a consistent view of an index as of TS, written by segment
// format Version.
type Snapshot[Seg any] struct {
	TS      storage.Timestamp `json:"ts"`
	Version int               `json:"version"`
	Data    SnapshotData[Seg] `json:"data"`
}

// OnDiskState is the on-disk state of a search or vector index. Exactly one
// of Backfill and Snapshot is set, according to State.
type OnDiskState[Seg any] struct {
	State    StateTag            `json:"state"`
	Backfill *BackfillState[Seg] `json:"backfill,omitempty"`
	Snapshot *Snapshot[Seg]      `json:"snapshot,omitempty"`
	Staged   bool                `json:"staged,omitempty"`
}

// DecodeState parses raw and checks that the fields required by its tag
// are present.
func DecodeState[Seg any](raw json.RawMessage) (*OnDiskState[Seg], error) {
	var st OnDiskState[Seg]
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, apperrors.Newf(apperrors.ErrMalformedRecord, "search index state: %v", err)
	}
	switch st.State {
	case StateBackfilling:
		if st.Backfill == nil {
			return nil, apperrors.New(apperrors.ErrMalformedRecord, "backfilling search index state has no backfill")
		}
	case StateBackfilled, StateSnapshotted:
		if st.Snapshot == nil {
			return nil, apperrors.Newf(apperrors.ErrMalformedRecord, "%s search index state has no snapshot", st.State)
		}
	default:
		return nil, apperrors.Newf(apperrors.ErrMalformedRecord, "unknown search index state %q", st.State)
	}
	return &st, nil
}

// Encode serialises the state for indexmeta.Model.SetOnDiskState.
func (s *OnDiskState[Seg]) Encode() (json.RawMessage, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encoding search index state: %w", err)
	}
	return raw, nil
}

// Segments returns the current segment list. It reports false for a
// snapshot of unknown data.
func (s *OnDiskState[Seg]) Segments() ([]Seg, bool) {
	if s.State == StateBackfilling {
		return s.Backfill.Segments, true
	}
	if s.Snapshot.Data.IsUnknown() {
		return nil, false
	}
	return s.Snapshot.Data.Segments, true
}

// SetSegments replaces the current segment list.
func (s *OnDiskState[Seg]) SetSegments(segs []Seg) {
	if segs == nil {
		segs = []Seg{}
	}
	if s.State == StateBackfilling {
		s.Backfill.Segments = segs
		return
	}
	s.Snapshot.Data = MultiSegment(segs)
}

// HasSnapshot reports whether the index has a snapshot to query and
// fast-forward.
func (s *OnDiskState[Seg]) HasSnapshot() bool {
	return s.State != StateBackfilling
}

// SnapshotTS is the timestamp segments are current as of. A backfilling
// index is current as of its backfill snapshot, if it has one.
func (s *OnDiskState[Seg]) SnapshotTS() (storage.Timestamp, bool) {
	if s.State == StateBackfilling {
		if s.Backfill.BackfillSnapshotTS == nil {
			return 0, false
		}
		return *s.Backfill.BackfillSnapshotTS, true
	}
	return s.Snapshot.TS, true
}
