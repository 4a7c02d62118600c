package text

import (
	"context"
	"testing"
	"time"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/search-index-workers/internal/documents"
	"github.com/Adithya-Monish-Kumar-K/search-index-workers/internal/indexmeta"
	"github.com/Adithya-Monish-Kumar-K/search-index-workers/internal/searchindex"
	"github.com/Adithya-Monish-Kumar-K/search-index-workers/pkg/blobstore"
	"github.com/Adithya-Monish-Kumar-K/search-index-workers/pkg/codec"
	apperrors "github.com/Adithya-Monish-Kumar-K/search-index-workers/pkg/errors"
)

// ---------------------------------------------------------------------------
// Tokenizer
// ---------------------------------------------------------------------------

func TestTokenize(t *testing.T) {
	tokens := Tokenize("The Running foxes, and a DOG!")
	terms := make([]string, len(tokens))
	for i, tok := range tokens {
		terms[i] = tok.Term
		assert.Equal(t, i, tok.Position)
	}
	assert.Equal(t, []string{"runn", "fox", "dog"}, terms)
}

func TestTermsCountsFrequency(t *testing.T) {
	got := Terms("search search engines")
	assert.Equal(t, map[string]uint32{"search": 2, "engin": 1}, got)
	assert.Empty(t, Terms("a an the"))
}

func TestStem(t *testing.T) {
	cases := map[string]string{
		"relational":  "relate",
		"conditional": "condition",
		"payments":    "payment",
		"happiness":   "happy",
		"cats":        "cat",
		"is":          "is",
		"glass":       "glass",
	}
	for in, want := range cases {
		assert.Equal(t, want, stem(in), in)
	}
}

// ---------------------------------------------------------------------------
// Segment format
// ---------------------------------------------------------------------------

func buildData(t *testing.T, docs map[string]string, order ...string) ([]byte, *segmentData) {
	t.Helper()
	mi := newMemoryIndex()
	for _, id := range order {
		mi.add(id, docs[id])
	}
	block, data, err := encodeSegment(mi.docIDs, mi.snapshot(), time.Unix(1700000000, 0))
	require.NoError(t, err)
	return block, data
}

func TestSegmentRoundTrip(t *testing.T) {
	block, written := buildData(t, map[string]string{
		"a": "distributed search engine",
		"b": "search analytics search",
	}, "a", "b")

	data, err := decodeSegment(block)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, data.docIDs)
	assert.Equal(t, written.header, data.header)
	assert.Equal(t, uint32(2), data.header.DocCount)
	assert.Equal(t, int64(1700000000), data.header.CreatedAt)

	postings, err := data.search("search")
	require.NoError(t, err)
	assert.Equal(t, []Posting{{Ordinal: 0, Frequency: 1}, {Ordinal: 1, Frequency: 2}}, postings)

	postings, err = data.search("missing")
	require.NoError(t, err)
	assert.Empty(t, postings)
}

func TestSegmentChecksumMismatch(t *testing.T) {
	block, _ := buildData(t, map[string]string{"a": "hello world"}, "a")
	raw, err := codec.Decompress(block)
	require.NoError(t, err)
	raw[HeaderSize] ^= 0xff
	corrupt, err := codec.Compress(raw, codec.None)
	require.NoError(t, err)

	_, err = decodeSegment(corrupt)
	assert.ErrorIs(t, err, apperrors.ErrMalformedRecord)
}

func TestSegmentTooShort(t *testing.T) {
	block, err := codec.Compress([]byte("short"), codec.None)
	require.NoError(t, err)
	_, err = decodeSegment(block)
	assert.ErrorIs(t, err, apperrors.ErrMalformedRecord)
}

// ---------------------------------------------------------------------------
// Merge
// ---------------------------------------------------------------------------

func TestMergeSegmentsRemapsLiveOrdinals(t *testing.T) {
	_, first := buildData(t, map[string]string{
		"a": "apple banana",
		"b": "banana cherry",
	}, "a", "b")
	_, second := buildData(t, map[string]string{
		"c": "cherry date",
		"d": "apple",
	}, "c", "d")

	deletes := roaring.New()
	deletes.Add(1) // b
	docIDs, entries, err := mergeSegments([]mergeInput{
		{data: first, deletes: deletes},
		{data: second, deletes: roaring.New()},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c", "d"}, docIDs)

	byTerm := make(map[string][]Posting)
	var order []string
	for _, e := range entries {
		byTerm[e.Term] = e.Postings
		order = append(order, e.Term)
	}
	assert.IsNonDecreasing(t, order)
	assert.Equal(t, []Posting{{0, 1}, {2, 1}}, byTerm["apple"])
	assert.Equal(t, []Posting{{0, 1}}, byTerm["banana"])
	assert.Equal(t, []Posting{{1, 1}}, byTerm["cherry"])
	assert.Equal(t, []Posting{{1, 1}}, byTerm["date"])
}

func TestMergeSegmentsAllDeleted(t *testing.T) {
	_, data := buildData(t, map[string]string{"a": "gone"}, "a")
	deletes := roaring.New()
	deletes.Add(0)
	docIDs, entries, err := mergeSegments([]mergeInput{{data: data, deletes: deletes}})
	require.NoError(t, err)
	assert.Empty(t, docIDs)
	assert.Empty(t, entries)
}

// ---------------------------------------------------------------------------
// Kind
// ---------------------------------------------------------------------------

func entry(id, body string) searchindex.StreamEntry {
	return searchindex.StreamEntry{ID: id, TS: 1, Next: &documents.Document{ID: id, Fields: map[string]any{"body": body}}}
}

func TestKindBuildQueryAndDelete(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()
	k := New(8)
	spec, err := k.SpecFromConfig(indexmeta.DeveloperConfig{Text: &indexmeta.TextConfig{SearchField: "body"}})
	require.NoError(t, err)
	schema := k.NewSchema(spec)

	seg, ok, err := k.BuildDiskIndex(ctx, store, schema, []searchindex.StreamEntry{
		entry("a", "red red fish"),
		entry("b", "blue fish"),
		entry("c", "no match here"),
	})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(3), seg.NumDocs)
	assert.Equal(t, searchindex.DataKey(seg.SegmentID), seg.DataKey)

	hits, err := k.Query(ctx, store, schema, []Segment{seg}, searchindex.Query{Text: "red fish"})
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "a", hits[0].ID)
	assert.Equal(t, 3.0, hits[0].Score)
	assert.Equal(t, "b", hits[1].ID)

	masked, err := k.MergeDeletes(ctx, store, seg, []string{"a", "zzz"})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), masked.NumDeleted)
	assert.NotEmpty(t, masked.DeletesKey)
	assert.Empty(t, seg.DeletesKey, "input segment is not modified")

	same, err := k.MergeDeletes(ctx, store, masked, []string{"a"})
	require.NoError(t, err)
	assert.Equal(t, masked.DeletesKey, same.DeletesKey)

	hits, err = k.Query(ctx, store, schema, []Segment{masked}, searchindex.Query{Text: "fish"})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "b", hits[0].ID)
}

func TestKindBuildSkipsDeletedOnlyStream(t *testing.T) {
	k := New(8)
	_, ok, err := k.BuildDiskIndex(context.Background(), blobstore.NewMemoryStore(), Schema{Spec{SearchField: "body"}},
		[]searchindex.StreamEntry{{ID: "a", TS: 2, Prev: &documents.Document{ID: "a"}}})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestKindCompaction(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()
	k := New(8)
	schema := Schema{Spec{SearchField: "body"}}

	one, _, err := k.BuildDiskIndex(ctx, store, schema, []searchindex.StreamEntry{entry("a", "alpha"), entry("b", "beta")})
	require.NoError(t, err)
	two, _, err := k.BuildDiskIndex(ctx, store, schema, []searchindex.StreamEntry{entry("c", "alpha gamma")})
	require.NoError(t, err)
	one, err = k.MergeDeletes(ctx, store, one, []string{"a"})
	require.NoError(t, err)

	out, err := k.ExecuteCompaction(ctx, store, schema, []Segment{one, two})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), out.NumDocs)
	assert.Zero(t, out.NumDeleted)

	// Decode from the store, not the write-through cache.
	fresh := New(8)
	hits, err := fresh.Query(ctx, store, schema, []Segment{out}, searchindex.Query{Text: "alpha"})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "c", hits[0].ID)

	empty, err := k.ExecuteCompaction(ctx, store, schema, []Segment{{SegmentID: "x"}})
	require.NoError(t, err)
	assert.Zero(t, empty.NumDocs)
	assert.Empty(t, empty.DataKey)
}

func TestSpecFromConfigRequiresField(t *testing.T) {
	_, err := New(0).SpecFromConfig(indexmeta.DeveloperConfig{})
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
}
