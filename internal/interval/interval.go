package interval

import "fmt"

// Order is a scan direction.
type Order int

const (
	Asc Order = iota
	Desc
)

func (o Order) String() string {
	if o == Desc {
		return "desc"
	}
	return "asc"
}

// CursorPosition is how far a scan has read: after a key, or to the end.
type CursorPosition struct {
	after Key
	end   bool
}

func After(k Key) CursorPosition { return CursorPosition{after: k} }

func EndCursor() CursorPosition { return CursorPosition{end: true} }

func (c CursorPosition) IsEnd() bool { return c.end }

func (c CursorPosition) Key() Key { return c.after }

// Interval is [Start, End).
type Interval struct {
	Start Key
	End   End
}

// Prefix returns the interval holding exactly the keys with prefix k.
func Prefix(k Key) Interval {
	return Interval{Start: k, End: AfterPrefix(k)}
}

func All() Interval {
	return Interval{Start: MinKey(), End: Unbounded()}
}

func Empty() Interval {
	return Interval{Start: MinKey(), End: Excluded(MinKey())}
}

func (i Interval) IsEmpty() bool {
	return !i.End.unbounded && i.Start.Compare(i.End.key) >= 0
}

func (i Interval) Contains(point Key) bool {
	return i.Start.Compare(point) <= 0 && i.End.Admits(point)
}

func (i Interval) ContainsCursor(c CursorPosition) bool {
	return c.end || i.Contains(c.after)
}

func (i Interval) IsSuperset(other Interval) bool {
	return other.IsEmpty() || (i.Start.Compare(other.Start) <= 0 && other.End.Compare(i.End) <= 0)
}

func (i Interval) IsDisjoint(other Interval) bool {
	return i.IsEmpty() || other.IsEmpty() ||
		other.End.disjointFrom(i.Start) || i.End.disjointFrom(other.Start)
}

// IsAdjacent reports whether one interval ends exactly where the other starts.
func (i Interval) IsAdjacent(other Interval) bool {
	if i.IsEmpty() || other.IsEmpty() {
		return false
	}
	return i.End.adjacentTo(other.Start) || other.End.adjacentTo(i.Start)
}

func (i Interval) Equal(other Interval) bool {
	return i.Start.Equal(other.Start) && i.End.Compare(other.End) == 0
}

// SplitAfter splits i after reading lastKey in the given order and returns
// (read, remaining). lastKey must be a complete key: no other stored key may
// have it as a proper prefix.
//
//	Asc:  [start, lastKey]  and (lastKey, end)
//	Desc: [lastKey, end)    and [start, lastKey)
func (i Interval) SplitAfter(lastKey Key, order Order) (Interval, Interval) {
	if order == Desc {
		return Interval{Start: lastKey, End: i.End},
			Interval{Start: i.Start, End: Excluded(lastKey)}
	}
	read := Interval{Start: i.Start, End: AfterPrefix(lastKey)}
	next, ok := lastKey.Increment()
	if !ok {
		return read, Empty()
	}
	return read, Interval{Start: next, End: i.End}
}

// Split is SplitAfter driven by a cursor. An End cursor means everything has
// been read.
func (i Interval) Split(cursor CursorPosition, order Order) (Interval, Interval) {
	if cursor.end {
		return i, Empty()
	}
	return i.SplitAfter(cursor.after, order)
}

func (i Interval) String() string {
	return fmt.Sprintf("[%s, %s)", i.Start, i.End)
}
