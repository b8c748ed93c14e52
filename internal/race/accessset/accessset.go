// Package accessset implements the memory-location sets that back every
// shadow-stack frame.
//
// An AccessSet tracks the addresses touched by one strand's reads or writes.
// The only operations that matter for race detection are insertion,
// membership, union (folding a finished strand's accesses into its parent),
// and witnessing intersection (proving a race by naming the addresses two
// strands both touched). Union and intersection are both required to run in
// time proportional to the smaller of the two operands — joins happen at
// every sync point, so a quadratic union/intersect would make deep fork-join
// programs pay for every nested spawn.
package accessset

// Address identifies a byte of memory. Equality is bitwise; two Address
// values refer to the same byte iff they compare equal.
type Address uintptr

// AccessSet is a set of Address values with no duplicates.
//
// The zero value is an empty, ready-to-use set.
type AccessSet struct {
	m map[Address]struct{}
}

// New returns an empty AccessSet.
func New() *AccessSet {
	return &AccessSet{}
}

// Len reports the number of distinct addresses in the set.
func (s *AccessSet) Len() int {
	return len(s.m)
}

// Insert adds a to the set. Idempotent.
func (s *AccessSet) Insert(a Address) {
	if s.m == nil {
		s.m = make(map[Address]struct{})
	}
	s.m[a] = struct{}{}
}

// Contains reports whether a is a member of the set.
func (s *AccessSet) Contains(a Address) bool {
	_, ok := s.m[a]
	return ok
}

// Clear empties the set, releasing its backing storage.
func (s *AccessSet) Clear() {
	s.m = nil
}

// Delete removes a from the set, if present.
func (s *AccessSet) Delete(a Address) {
	delete(s.m, a)
}

// EraseRange removes every address a with lo <= a <= hi from the set.
//
// Used to implement stack-local erasure on function exit: addresses within
// a function's stack frame cannot race with anything once the function has
// returned, so they are dropped rather than folded into the caller.
func (s *AccessSet) EraseRange(lo, hi Address) {
	for a := range s.m {
		if a >= lo && a <= hi {
			delete(s.m, a)
		}
	}
}

// Each calls f once for every address in the set. Iteration order is
// unspecified. f must not mutate the set.
func (s *AccessSet) Each(f func(Address)) {
	for a := range s.m {
		f(a)
	}
}

// UnionInto merges src into dst so that, on return, dst contains every
// address that was in dst or src beforehand. src is left unspecified after
// the call (it may have been mutated or swapped with dst) — callers that
// still need src's original contents must copy it first.
//
// Size-asymmetric: iterates whichever of dst, src currently holds fewer
// elements, so the cost of a union is O(min(|dst|, |src|)) rather than
// O(|src|). When src is larger than dst, the two maps are swapped before
// merging so the smaller one is always the one walked.
func UnionInto(dst, src *AccessSet) {
	if src.Len() == 0 {
		return
	}
	if dst.Len() < src.Len() {
		*dst, *src = *src, *dst
	}
	if dst.m == nil {
		dst.m = make(map[Address]struct{}, src.Len())
	}
	for a := range src.m {
		dst.m[a] = struct{}{}
	}
}

// Intersect appends every address present in both a and b to witness, in
// unspecified order, and returns the (possibly grown) witness slice.
//
// Size-asymmetric: iterates whichever of a, b is smaller, looking each
// element up in the other, so the cost is O(min(|a|, |b|)).
func Intersect(a, b *AccessSet, witness []Address) []Address {
	if a.Len() == 0 || b.Len() == 0 {
		return witness
	}
	if b.Len() < a.Len() {
		a, b = b, a
	}
	for addr := range a.m {
		if _, ok := b.m[addr]; ok {
			witness = append(witness, addr)
		}
	}
	return witness
}
