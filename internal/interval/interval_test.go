package interval

import (
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func k(s string) Key { return Key(s) }

// ---------------------------------------------------------------------------
// Keys
// ---------------------------------------------------------------------------

func TestIncrement(t *testing.T) {
	next, ok := k("ab").Increment()
	require.True(t, ok)
	assert.Equal(t, k("ac"), next)

	next, ok = Key{0x01, 0xff, 0xff}.Increment()
	require.True(t, ok)
	assert.Equal(t, Key{0x02}, next)

	_, ok = Key{0xff, 0xff}.Increment()
	assert.False(t, ok)
	_, ok = MinKey().Increment()
	assert.False(t, ok)
}

func TestSuccessor(t *testing.T) {
	assert.Equal(t, Key{'a', 0}, k("a").Successor())
	assert.Greater(t, k("a").Successor().Compare(k("a")), 0)
}

// ---------------------------------------------------------------------------
// Interval predicates
// ---------------------------------------------------------------------------

func TestPrefixContainsExactlyPrefixedKeys(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	prefixes := []Key{k("ban"), {0x02}, {0x01, 0xff}, {0xff}, MinKey()}
	for _, p := range prefixes {
		iv := Prefix(p)
		for i := 0; i < 500; i++ {
			point := randomKey(rng, 4)
			assert.Equal(t, point.HasPrefix(p), iv.Contains(point), "prefix %s point %s", p, point)
		}
		withSuffix := append(p.Clone(), 0x7f)
		assert.True(t, iv.Contains(withSuffix))
		assert.True(t, iv.Contains(p))
	}
}

func TestPrefixOfAllFFIsUnbounded(t *testing.T) {
	iv := Prefix(Key{0xff, 0xff})
	assert.True(t, iv.End.IsUnbounded())
}

func TestEmptyAndAll(t *testing.T) {
	assert.True(t, Empty().IsEmpty())
	assert.False(t, All().IsEmpty())
	assert.True(t, All().Contains(MinKey()))
	assert.False(t, Empty().Contains(MinKey()))
	assert.True(t, Interval{Start: k("b"), End: Excluded(k("a"))}.IsEmpty())
}

func TestDisjointAndAdjacent(t *testing.T) {
	ab := Interval{Start: k("a"), End: Excluded(k("b"))}
	bc := Interval{Start: k("b"), End: Excluded(k("c"))}
	ac := Interval{Start: k("a"), End: Excluded(k("c"))}
	cd := Interval{Start: k("c"), End: Excluded(k("d"))}

	assert.True(t, ab.IsDisjoint(bc))
	assert.True(t, ab.IsAdjacent(bc))
	assert.True(t, bc.IsAdjacent(ab))
	assert.False(t, ab.IsDisjoint(ac))
	assert.False(t, ab.IsAdjacent(cd))
	assert.True(t, ac.IsSuperset(ab))
	assert.False(t, ab.IsSuperset(ac))
	assert.True(t, ab.IsSuperset(Empty()))
	assert.False(t, ab.IsAdjacent(Empty()))
}

// ---------------------------------------------------------------------------
// Splitting
// ---------------------------------------------------------------------------

func TestSplitPartitions(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	base := Prefix(k("t"))
	for i := 0; i < 200; i++ {
		last := append(k("t"), randomKey(rng, 3)...)
		for _, order := range []Order{Asc, Desc} {
			read, rest := base.Split(After(last), order)
			assert.True(t, read.IsDisjoint(rest), "order %s last %s", order, last)
			for j := 0; j < 50; j++ {
				point := append(k("t"), randomKey(rng, 3)...)
				if point.HasPrefix(last) && !point.Equal(last) {
					// Keys extending the cursor key are not complete keys.
					continue
				}
				in := base.Contains(point)
				assert.Equal(t, in, read.Contains(point) || rest.Contains(point), "point %s", point)
				assert.False(t, read.Contains(point) && rest.Contains(point))
			}
			assert.True(t, read.Contains(last))
		}
	}
}

func TestSplitAfterAscending(t *testing.T) {
	iv := Interval{Start: k("a"), End: Excluded(k("z"))}
	read, rest := iv.SplitAfter(k("m"), Asc)
	assert.Equal(t, Interval{Start: k("a"), End: Excluded(k("n"))}, read)
	assert.Equal(t, Interval{Start: k("n"), End: Excluded(k("z"))}, rest)

	read, rest = All().SplitAfter(Key{0xff}, Asc)
	assert.True(t, read.End.IsUnbounded())
	assert.True(t, rest.IsEmpty())
}

func TestSplitAfterDescending(t *testing.T) {
	iv := Interval{Start: k("a"), End: Excluded(k("z"))}
	read, rest := iv.SplitAfter(k("m"), Desc)
	assert.Equal(t, Interval{Start: k("m"), End: Excluded(k("z"))}, read)
	assert.Equal(t, Interval{Start: k("a"), End: Excluded(k("m"))}, rest)
}

func TestSplitAtEnd(t *testing.T) {
	iv := Prefix(k("docs"))
	read, rest := iv.Split(EndCursor(), Asc)
	assert.True(t, read.Equal(iv))
	assert.True(t, rest.IsEmpty())
}

// ---------------------------------------------------------------------------
// Set
// ---------------------------------------------------------------------------

func TestSetMergesOverlappingAndAdjacent(t *testing.T) {
	s := NewSet()
	s.Add(Interval{Start: k("a"), End: Excluded(k("c"))})
	s.Add(Interval{Start: k("e"), End: Excluded(k("g"))})
	s.Add(Interval{Start: k("x"), End: Excluded(k("y"))})
	require.Equal(t, 3, s.Len())

	// Touches [a,c) at c and overlaps [e,g).
	s.Add(Interval{Start: k("c"), End: Excluded(k("f"))})
	assert.Equal(t, []Interval{
		{Start: k("a"), End: Excluded(k("g"))},
		{Start: k("x"), End: Excluded(k("y"))},
	}, s.Intervals())

	s.Add(Interval{Start: k("w"), End: Unbounded()})
	assert.Equal(t, []Interval{
		{Start: k("a"), End: Excluded(k("g"))},
		{Start: k("w"), End: Unbounded()},
	}, s.Intervals())

	s.Add(Empty())
	assert.Equal(t, 2, s.Len())
}

func TestSetContains(t *testing.T) {
	s := NewSet()
	s.Add(Prefix(k("_doc/users/")))
	s.Add(Interval{Start: k("_doc/users/5"), End: Excluded(k("_doc/users/5\x00"))})

	assert.True(t, s.Contains(k("_doc/users/abc")))
	assert.False(t, s.Contains(k("_doc/orders/abc")))
	assert.True(t, s.ContainsInterval(Prefix(k("_doc/users/a"))))
	assert.False(t, s.ContainsInterval(Prefix(k("_doc/"))))
	assert.Equal(t, 1, s.Len())
}

func TestSetMatchesReference(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	for round := 0; round < 50; round++ {
		s := NewSet()
		var added []Interval
		for i := 0; i < 8; i++ {
			a, b := randomKey(rng, 2), randomKey(rng, 2)
			if a.Compare(b) > 0 {
				a, b = b, a
			}
			iv := Interval{Start: a, End: Excluded(b)}
			if rng.Intn(6) == 0 {
				iv.End = Unbounded()
			}
			s.Add(iv)
			added = append(added, iv)
		}
		members := s.Intervals()
		require.True(t, sort.SliceIsSorted(members, func(i, j int) bool { return members[i].Start.Compare(members[j].Start) < 0 }))
		for i := 1; i < len(members); i++ {
			assert.True(t, members[i-1].IsDisjoint(members[i]))
			assert.False(t, members[i-1].IsAdjacent(members[i]))
		}
		for j := 0; j < 200; j++ {
			point := randomKey(rng, 3)
			want := false
			for _, iv := range added {
				want = want || iv.Contains(point)
			}
			assert.Equal(t, want, s.Contains(point), "point %s", point)
		}
	}
}

func randomKey(rng *rand.Rand, maxLen int) Key {
	n := rng.Intn(maxLen + 1)
	out := make(Key, n)
	alphabet := []byte{0x00, 0x01, 0x02, 0x7f, 0xfe, 0xff}
	for i := range out {
		out[i] = alphabet[rng.Intn(len(alphabet))]
	}
	return out
}
