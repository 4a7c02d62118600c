package interval

import (
	rbt "github.com/emirpasic/gods/trees/redblacktree"
)

// Set is a set of intervals kept disjoint, non-adjacent and non-empty:
// overlapping or touching intervals are merged on Add. The storage engine
// uses it as a transaction's read set.
type Set struct {
	// start key (as string) -> End
	tree *rbt.Tree
}

func NewSet() *Set {
	return &Set{tree: rbt.NewWithStringComparator()}
}

func (s *Set) IsEmpty() bool { return s.tree.Empty() }

// Len is the number of disjoint intervals.
func (s *Set) Len() int { return s.tree.Size() }

func entry(node *rbt.Node) Interval {
	return Interval{Start: Key(node.Key.(string)), End: node.Value.(End)}
}

// Add inserts interval, merging it with every interval it overlaps or
// touches.
func (s *Set) Add(iv Interval) {
	if iv.IsEmpty() {
		return
	}
	mergedStart, mergedEnd := iv.Start, iv.End
	var remove []string

	absorb := func(other Interval) {
		if other.Start.Compare(mergedStart) < 0 {
			mergedStart = other.Start
		}
		if other.End.Compare(mergedEnd) > 0 {
			mergedEnd = other.End
		}
		remove = append(remove, string(other.Start))
	}

	// The interval starting at or before iv.Start may reach into it.
	floorKey := ""
	hasFloor := false
	if node, ok := s.tree.Floor(string(iv.Start)); ok {
		other := entry(node)
		floorKey, hasFloor = node.Key.(string), true
		if !iv.IsDisjoint(other) || iv.IsAdjacent(other) {
			absorb(other)
		}
	}
	// Every interval starting inside iv, or exactly at its end, merges.
	cursor := iv.Start
	for {
		node, ok := s.tree.Ceiling(string(cursor))
		if !ok {
			break
		}
		other := entry(node)
		cursor = other.Start.Successor()
		if hasFloor && node.Key.(string) == floorKey {
			continue
		}
		if iv.End.disjointFrom(other.Start) && !iv.End.adjacentTo(other.Start) {
			break
		}
		absorb(other)
	}

	for _, k := range remove {
		s.tree.Remove(k)
	}
	s.tree.Put(string(mergedStart), mergedEnd)
}

// AddSet adds every interval of other.
func (s *Set) AddSet(other *Set) {
	for _, iv := range other.Intervals() {
		s.Add(iv)
	}
}

// Contains reports whether point is in the set.
func (s *Set) Contains(point Key) bool {
	node, ok := s.tree.Floor(string(point))
	return ok && entry(node).Contains(point)
}

// ContainsInterval reports whether iv lies entirely in one member interval.
func (s *Set) ContainsInterval(iv Interval) bool {
	if iv.IsEmpty() {
		return true
	}
	node, ok := s.tree.Floor(string(iv.Start))
	return ok && entry(node).IsSuperset(iv)
}

// Intervals returns the members in ascending order.
func (s *Set) Intervals() []Interval {
	out := make([]Interval, 0, s.tree.Size())
	it := s.tree.Iterator()
	for it.Next() {
		out = append(out, Interval{Start: Key(it.Key().(string)), End: it.Value().(End)})
	}
	return out
}
