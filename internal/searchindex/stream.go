package searchindex

import (
	"sort"

	"github.com/Adithya-Monish-Kumar-K/search-index-workers/internal/documents"
	"github.com/Adithya-Monish-Kumar-K/search-index-workers/internal/storage"
)

// StreamEntry is one document change fed to a segment build. Prev is nil
// for an insert and Next is nil for a delete.
type StreamEntry struct {
	ID   string
	TS   storage.Timestamp
	Prev *documents.Document
	Next *documents.Document
}

// MakeCompleteStream fabricates an insert for every document. Backfill
// builds from complete streams.
func MakeCompleteStream(docs []*documents.Document) []StreamEntry {
	out := make([]StreamEntry, 0, len(docs))
	for _, d := range docs {
		out = append(out, StreamEntry{ID: d.ID, Next: d})
	}
	return out
}

// MakePartialStream turns revisions read from the revision log into
// stream entries, keeping their order.
func MakePartialStream(revs []*documents.Revision) []StreamEntry {
	out := make([]StreamEntry, 0, len(revs))
	for _, r := range revs {
		out = append(out, StreamEntry{ID: r.ID, TS: r.TS, Prev: r.Prev, Next: r.Next})
	}
	return out
}

// LiveDocuments reduces stream to the latest version of each document that
// still exists, sorted by id, and the sorted ids of every document the
// stream touched. The latest version is the one with the highest
// timestamp, whatever order the stream is in.
func LiveDocuments(stream []StreamEntry) (live []*documents.Document, touched []string) {
	latest := make(map[string]StreamEntry, len(stream))
	for _, e := range stream {
		if cur, ok := latest[e.ID]; ok && cur.TS > e.TS {
			continue
		}
		latest[e.ID] = e
	}
	touched = make([]string, 0, len(latest))
	for id, e := range latest {
		touched = append(touched, id)
		if e.Next != nil {
			live = append(live, e.Next)
		}
	}
	sort.Strings(touched)
	sort.Slice(live, func(i, j int) bool { return live[i].ID < live[j].ID })
	return live, touched
}
