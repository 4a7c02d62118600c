package text

import (
	"strings"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/emirpasic/gods/trees/binaryheap"
)

// mergeInput is one compaction input with its deletes.
type mergeInput struct {
	data    *segmentData
	deletes *roaring.Bitmap
}

type dictCursor struct {
	input int
	pos   int
	term  string
}

// mergeSegments combines inputs into one doc id table and term list,
// dropping deleted documents. Live documents are renumbered in input order,
// so postings gathered input by input stay in ordinal order. Dictionaries
// are merged with a heap keyed by term, then input index.
func mergeSegments(inputs []mergeInput) ([]string, []TermEntry, error) {
	remap := make([][]int64, len(inputs))
	var docIDs []string
	for i, in := range inputs {
		remap[i] = make([]int64, len(in.data.docIDs))
		for ord, id := range in.data.docIDs {
			if in.deletes.Contains(uint32(ord)) {
				remap[i][ord] = -1
				continue
			}
			remap[i][ord] = int64(len(docIDs))
			docIDs = append(docIDs, id)
		}
	}
	if len(docIDs) == 0 {
		return nil, nil, nil
	}

	heap := binaryheap.NewWith(func(a, b interface{}) int {
		x, y := a.(dictCursor), b.(dictCursor)
		if c := strings.Compare(x.term, y.term); c != 0 {
			return c
		}
		return x.input - y.input
	})
	for i, in := range inputs {
		if len(in.data.dict) > 0 {
			heap.Push(dictCursor{input: i, term: in.data.dict[0].Term})
		}
	}

	var entries []TermEntry
	for !heap.Empty() {
		top, _ := heap.Peek()
		term := top.(dictCursor).term
		var postings []Posting
		for !heap.Empty() {
			v, _ := heap.Peek()
			cur := v.(dictCursor)
			if cur.term != term {
				break
			}
			heap.Pop()
			in := inputs[cur.input]
			list, err := in.data.entryPostings(in.data.dict[cur.pos])
			if err != nil {
				return nil, nil, err
			}
			for _, p := range list {
				if int(p.Ordinal) >= len(remap[cur.input]) {
					continue
				}
				if n := remap[cur.input][p.Ordinal]; n >= 0 {
					postings = append(postings, Posting{Ordinal: uint32(n), Frequency: p.Frequency})
				}
			}
			if next := cur.pos + 1; next < len(in.data.dict) {
				heap.Push(dictCursor{input: cur.input, pos: next, term: in.data.dict[next].Term})
			}
		}
		if len(postings) > 0 {
			entries = append(entries, TermEntry{Term: term, Postings: postings})
		}
	}
	return docIDs, entries, nil
}
