package documents

import (
	"context"
	"errors"
	"testing"

	"github.com/Adithya-Monish-Kumar-K/search-index-workers/internal/interval"
	"github.com/Adithya-Monish-Kumar-K/search-index-workers/internal/storage"
	"github.com/Adithya-Monish-Kumar-K/search-index-workers/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/search-index-workers/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*storage.Engine, *Store) {
	t.Helper()
	e, err := storage.Open(config.StorageConfig{InMemory: true, CommitLogSize: 1000})
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e, NewStore(NewSummaries())
}

func mustTx(t *testing.T, e *storage.Engine, fn func(tx *storage.Transaction) error) storage.Timestamp {
	t.Helper()
	ts, err := e.InTx(context.Background(), "test", fn)
	require.NoError(t, err)
	return ts
}

type recordingUpdater struct {
	writes [][2]*Document
}

func (u *recordingUpdater) OnWrite(_ *storage.Transaction, _ string, prev, next *Document) error {
	u.writes = append(u.writes, [2]*Document{prev, next})
	return nil
}

// ---------------------------------------------------------------------------
// Keys and validation
// ---------------------------------------------------------------------------

func TestDocKeyRoundTrip(t *testing.T) {
	key := DocKey("users", "u/1")
	table, id, err := ParseDocKey(key)
	require.NoError(t, err)
	assert.Equal(t, "users", table)
	assert.Equal(t, "u/1", id)
	assert.True(t, TableInterval("users").Contains(key))
	assert.False(t, TableInterval("user").Contains(key))

	_, _, err = ParseDocKey(interval.Key("_doc/users"))
	assert.ErrorIs(t, err, apperrors.ErrMalformedRecord)
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate("users", "1"))

	err := Validate("a/b", "")
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Contains(t, verr.Fields, "table")
	assert.Contains(t, verr.Fields, "id")
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)

	assert.Error(t, Validate("users", "a\x00b"))
}

func TestDocumentField(t *testing.T) {
	doc := &Document{Fields: map[string]any{"author": map[string]any{"name": "ada"}, "n": 3.0}}
	v, ok := doc.Field("author.name")
	assert.True(t, ok)
	assert.Equal(t, "ada", v)
	_, ok = doc.Field("author.age")
	assert.False(t, ok)
	_, ok = doc.Field("n.x")
	assert.False(t, ok)
}

// ---------------------------------------------------------------------------
// Writes and revisions
// ---------------------------------------------------------------------------

func TestPutGetDeleteWritesRevisions(t *testing.T) {
	e, s := newTestStore(t)
	u := &recordingUpdater{}
	s.RegisterUpdater(u)

	ts1 := mustTx(t, e, func(tx *storage.Transaction) error {
		return s.Put(tx, "users", "1", map[string]any{"name": "ada"})
	})
	ts2 := mustTx(t, e, func(tx *storage.Transaction) error {
		return s.Put(tx, "users", "1", map[string]any{"name": "grace"})
	})
	ts3 := mustTx(t, e, func(tx *storage.Transaction) error {
		return s.Delete(tx, "users", "1")
	})
	mustTx(t, e, func(tx *storage.Transaction) error {
		return s.Delete(tx, "users", "missing")
	})

	require.Len(t, u.writes, 3)
	assert.Nil(t, u.writes[0][0])
	assert.Equal(t, "ada", u.writes[1][0].Fields["name"])
	assert.Nil(t, u.writes[2][1])

	mustTx(t, e, func(tx *storage.Transaction) error {
		doc, err := s.Get(tx, "users", "1")
		require.NoError(t, err)
		assert.Nil(t, doc)

		revs, err := s.Revisions(tx, "users", 0, tx.BeginTS(), interval.Asc)
		require.NoError(t, err)
		require.Len(t, revs, 3)
		assert.Equal(t, []storage.Timestamp{ts1, ts2, ts3}, []storage.Timestamp{revs[0].TS, revs[1].TS, revs[2].TS})
		assert.Nil(t, revs[0].Prev)
		assert.Equal(t, "grace", revs[1].Next.Fields["name"])
		assert.Nil(t, revs[2].Next)

		revs, err = s.Revisions(tx, "users", ts1, ts2, interval.Desc)
		require.NoError(t, err)
		require.Len(t, revs, 1)
		assert.Equal(t, ts2, revs[0].TS)

		n, err := s.PendingCount(tx, "users", ts1)
		require.NoError(t, err)
		assert.Equal(t, 2, n)
		n, err = s.PendingCount(tx, "orders", 0)
		require.NoError(t, err)
		assert.Zero(t, n)
		return nil
	})
}

func TestPagingResumesAfterCursor(t *testing.T) {
	e, s := newTestStore(t)
	ids := []string{"a", "ab", "b", "c", "d"}
	mustTx(t, e, func(tx *storage.Transaction) error {
		for _, id := range ids {
			if err := s.Put(tx, "t", id, map[string]any{}); err != nil {
				return err
			}
		}
		return s.Put(tx, "u", "zzz", map[string]any{})
	})

	var got []string
	mustTx(t, e, func(tx *storage.Transaction) error {
		iv := ResumeInterval("t", nil)
		for !iv.IsEmpty() {
			docs, rest, err := s.Page(tx, "t", iv, 2)
			require.NoError(t, err)
			for _, d := range docs {
				got = append(got, d.ID)
			}
			iv = rest
		}
		return nil
	})
	assert.Equal(t, ids, got, "a page ending at 'a' must not skip 'ab'")

	cursor := "ab"
	mustTx(t, e, func(tx *storage.Transaction) error {
		docs, _, err := s.Page(tx, "t", ResumeInterval("t", &cursor), 0)
		require.NoError(t, err)
		require.Len(t, docs, 3)
		assert.Equal(t, "b", docs[0].ID)
		return nil
	})
}

// ---------------------------------------------------------------------------
// Summaries
// ---------------------------------------------------------------------------

func TestSummariesBootstrapAndDeltas(t *testing.T) {
	e, s := newTestStore(t)
	mustTx(t, e, func(tx *storage.Transaction) error {
		for _, id := range []string{"1", "2", "3"} {
			if err := s.Put(tx, "users", id, map[string]any{}); err != nil {
				return err
			}
		}
		return nil
	})

	_, ok := s.Summaries().Count("users")
	assert.False(t, ok, "unknown before bootstrap")

	require.NoError(t, s.Summaries().Bootstrap(context.Background(), e))
	n, ok := s.Summaries().Count("users")
	require.True(t, ok)
	assert.Equal(t, uint64(3), n)

	mustTx(t, e, func(tx *storage.Transaction) error {
		if err := s.Put(tx, "users", "4", map[string]any{}); err != nil {
			return err
		}
		if err := s.Put(tx, "users", "1", map[string]any{"x": 1}); err != nil {
			return err
		}
		return s.Delete(tx, "users", "2")
	})
	n, _ = s.Summaries().Count("users")
	assert.Equal(t, uint64(3), n)

	n, ok = s.Summaries().Count("orders")
	assert.True(t, ok)
	assert.Zero(t, n)
}
