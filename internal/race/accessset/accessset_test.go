package accessset

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInsertContains(t *testing.T) {
	s := New()
	require.False(t, s.Contains(1))
	s.Insert(1)
	s.Insert(1)
	require.True(t, s.Contains(1))
	require.Equal(t, 1, s.Len())
}

func TestUnionInto(t *testing.T) {
	a := New()
	a.Insert(1)
	a.Insert(2)
	b := New()
	b.Insert(2)
	b.Insert(3)

	UnionInto(a, b)

	require.Equal(t, 3, a.Len())
	for _, addr := range []Address{1, 2, 3} {
		require.True(t, a.Contains(addr))
	}
}

func TestUnionIntoSwapsToScanSmaller(t *testing.T) {
	// dst is much smaller than src: after UnionInto, dst must still end up
	// holding the full union regardless of which side got swapped.
	dst := New()
	dst.Insert(100)
	src := New()
	for i := Address(0); i < 50; i++ {
		src.Insert(i)
	}

	UnionInto(dst, src)

	require.Equal(t, 51, dst.Len())
	require.True(t, dst.Contains(100))
	require.True(t, dst.Contains(0))
	require.True(t, dst.Contains(49))
}

func TestUnionIntoEmptySrc(t *testing.T) {
	dst := New()
	dst.Insert(7)
	src := New()

	UnionInto(dst, src)

	require.Equal(t, 1, dst.Len())
	require.True(t, dst.Contains(7))
}

func TestIntersectWitness(t *testing.T) {
	a := New()
	a.Insert(1)
	a.Insert(2)
	a.Insert(3)
	b := New()
	b.Insert(2)
	b.Insert(3)
	b.Insert(4)

	witness := Intersect(a, b, nil)

	got := make([]int, len(witness))
	for i, addr := range witness {
		got[i] = int(addr)
	}
	sort.Ints(got)
	require.Equal(t, []int{2, 3}, got)
}

func TestIntersectDisjoint(t *testing.T) {
	a := New()
	a.Insert(1)
	b := New()
	b.Insert(2)

	witness := Intersect(a, b, nil)
	require.Empty(t, witness)
}

func TestIntersectEmptyOperand(t *testing.T) {
	a := New()
	a.Insert(1)
	b := New()

	require.Empty(t, Intersect(a, b, nil))
	require.Empty(t, Intersect(b, a, nil))
}

func TestIntersectAppendsToExistingWitness(t *testing.T) {
	a := New()
	a.Insert(5)
	b := New()
	b.Insert(5)

	witness := []Address{1, 2}
	witness = Intersect(a, b, witness)

	require.ElementsMatch(t, []Address{1, 2, 5}, witness)
}

func TestClear(t *testing.T) {
	s := New()
	s.Insert(1)
	s.Clear()
	require.Equal(t, 0, s.Len())
	require.False(t, s.Contains(1))
}

func TestEach(t *testing.T) {
	s := New()
	s.Insert(1)
	s.Insert(2)
	seen := map[Address]bool{}
	s.Each(func(a Address) { seen[a] = true })
	require.Equal(t, map[Address]bool{1: true, 2: true}, seen)
}
