// Package interval describes ranges of binary keys. Keys are unbounded byte
// strings ordered lexicographically, which gives two useful properties: the
// empty key is the minimum, and every key has a successor (append 0x00). So
// every interval is an included start and either an excluded end or no end.
package interval

import (
	"bytes"
	"encoding/hex"
)

// Key is a binary key.
type Key []byte

// MinKey is the smallest key.
func MinKey() Key { return Key{} }

func (k Key) Compare(other Key) int { return bytes.Compare(k, other) }

func (k Key) Equal(other Key) bool { return bytes.Equal(k, other) }

func (k Key) HasPrefix(prefix Key) bool { return bytes.HasPrefix(k, prefix) }

func (k Key) Clone() Key {
	out := make(Key, len(k))
	copy(out, k)
	return out
}

// Successor returns the smallest key strictly greater than k.
func (k Key) Successor() Key {
	out := make(Key, len(k)+1)
	copy(out, k)
	return out
}

// Increment returns the smallest key greater than every key that has k as a
// prefix. It fails when k is empty or all 0xff, since then no such key
// exists.
func (k Key) Increment() (Key, bool) {
	i := len(k) - 1
	for i >= 0 && k[i] == 0xff {
		i--
	}
	if i < 0 {
		return nil, false
	}
	out := make(Key, i+1)
	copy(out, k[:i+1])
	out[i]++
	return out, true
}

func (k Key) String() string { return hex.EncodeToString(k) }

// End is the upper bound of an interval: an excluded key or unbounded.
type End struct {
	key       Key
	unbounded bool
}

func Excluded(k Key) End { return End{key: k} }

func Unbounded() End { return End{unbounded: true} }

// AfterPrefix is the end just past every key with prefix k.
func AfterPrefix(k Key) End {
	if next, ok := k.Increment(); ok {
		return Excluded(next)
	}
	return Unbounded()
}

func (e End) IsUnbounded() bool { return e.unbounded }

// Key returns the excluded key. It is nil for an unbounded end.
func (e End) Key() Key { return e.key }

// Compare orders ends; Unbounded is greater than every excluded end.
func (e End) Compare(other End) int {
	switch {
	case e.unbounded && other.unbounded:
		return 0
	case e.unbounded:
		return 1
	case other.unbounded:
		return -1
	default:
		return e.key.Compare(other.key)
	}
}

// Admits reports whether point lies below the end.
func (e End) Admits(point Key) bool {
	return e.unbounded || point.Compare(e.key) < 0
}

// disjointFrom reports whether everything below e lies before start.
func (e End) disjointFrom(start Key) bool {
	return !e.unbounded && e.key.Compare(start) <= 0
}

func (e End) adjacentTo(start Key) bool {
	return !e.unbounded && e.key.Equal(start)
}

func (e End) String() string {
	if e.unbounded {
		return "+inf"
	}
	return e.key.String()
}
