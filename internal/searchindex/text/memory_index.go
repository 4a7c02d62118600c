package text

import "sort"

// memoryIndex accumulates postings for one segment build. Documents must be
// added in the order their ordinals should follow.
type memoryIndex struct {
	terms  map[string][]Posting
	docIDs []string
	size   uint64
}

func newMemoryIndex() *memoryIndex {
	return &memoryIndex{terms: make(map[string][]Posting)}
}

// add assigns docID the next ordinal and indexes the terms of text under
// it. A document with no terms still takes an ordinal.
func (m *memoryIndex) add(docID, text string) {
	ord := uint32(len(m.docIDs))
	m.docIDs = append(m.docIDs, docID)
	for term, freq := range Terms(text) {
		m.terms[term] = append(m.terms[term], Posting{Ordinal: ord, Frequency: freq})
		m.size += uint64(len(term)) + 8
	}
	m.size += uint64(len(docID))
}

// snapshot returns the term entries sorted by term. Postings are already
// in ordinal order because ordinals are assigned on add.
func (m *memoryIndex) snapshot() []TermEntry {
	entries := make([]TermEntry, 0, len(m.terms))
	for term, postings := range m.terms {
		entries = append(entries, TermEntry{Term: term, Postings: postings})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Term < entries[j].Term })
	return entries
}
