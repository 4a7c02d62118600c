package text

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/Adithya-Monish-Kumar-K/search-index-workers/internal/documents"
	"github.com/Adithya-Monish-Kumar-K/search-index-workers/internal/searchindex"
	"github.com/Adithya-Monish-Kumar-K/search-index-workers/pkg/blobstore"
)

var sampleTexts = map[string]string{
	"short": "The quick brown fox jumps over the lazy dog",
	"medium": `Segment based indexes keep every index as a list of immutable segments.
        Each flush writes a new segment from the revisions committed since the last
        snapshot, and compaction merges small segments back into larger ones while
        dropping the documents that were deleted in the meantime.`,
	"long": strings.Repeat(`Information retrieval systems combine tokenization, stemming and
        stop word removal to normalize text into searchable terms. The inverted index
        maps each term to the documents containing it, along with the term frequency
        used for ranking. `, 20),
}

func BenchmarkTokenize(b *testing.B) {
	for name, text := range sampleTexts {
		b.Run(name, func(b *testing.B) {
			b.ReportAllocs()
			b.SetBytes(int64(len(text)))
			for i := 0; i < b.N; i++ {
				_ = Tokenize(text)
			}
		})
	}
}

func BenchmarkTokenizeParallel(b *testing.B) {
	text := sampleTexts["medium"]
	b.ReportAllocs()
	b.SetBytes(int64(len(text)))
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			_ = Tokenize(text)
		}
	})
}

func BenchmarkMemoryIndexAdd(b *testing.B) {
	mi := newMemoryIndex()
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		mi.add(fmt.Sprintf("doc-%d", i), sampleTexts["medium"])
	}
}

func benchStream(n int) []searchindex.StreamEntry {
	stream := make([]searchindex.StreamEntry, n)
	for i := range stream {
		id := fmt.Sprintf("doc-%06d", i)
		stream[i] = searchindex.StreamEntry{ID: id, TS: 1, Next: &documents.Document{
			ID:     id,
			Fields: map[string]any{"body": sampleTexts["medium"]},
		}}
	}
	return stream
}

func BenchmarkBuildDiskIndex(b *testing.B) {
	ctx := context.Background()
	schema := Schema{Spec{SearchField: "body"}}
	stream := benchStream(1000)
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		k := New(8)
		if _, _, err := k.BuildDiskIndex(ctx, blobstore.NewMemoryStore(), schema, stream); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkQuery(b *testing.B) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()
	schema := Schema{Spec{SearchField: "body"}}
	k := New(64)
	stream := benchStream(10000)

	var segs []Segment
	for start := 0; start < len(stream); start += 1000 {
		seg, _, err := k.BuildDiskIndex(ctx, store, schema, stream[start:start+1000])
		if err != nil {
			b.Fatal(err)
		}
		segs = append(segs, seg)
	}

	q := searchindex.Query{Text: "immutable segments", Limit: 10}
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := k.Query(ctx, store, schema, segs, q); err != nil {
			b.Fatal(err)
		}
	}
}
