package shadowstack

import (
	"testing"

	"github.com/kolkov/forkrace/internal/race/accessset"
	"github.com/kolkov/forkrace/internal/race/raceerr"
	"github.com/stretchr/testify/require"
)

// S1: two sibling strands under the same sync region write disjoint
// addresses. No race should be reported at either join.
func TestNoRaceDisjointSiblings(t *testing.T) {
	s := NewShadowStack()

	s.Detach(1)
	s.RegisterWrite(10)
	w, err := s.Join()
	require.NoError(t, err)
	require.Empty(t, w)

	s.Detach(1)
	s.RegisterWrite(20)
	w, err = s.Join()
	require.NoError(t, err)
	require.Empty(t, w)

	w, matched, err := s.EnterSerial(1)
	require.NoError(t, err)
	require.True(t, matched)
	require.Empty(t, w)
}

// S2: two sibling strands under the same sync region write the same
// address. The second strand's join must witness the race.
func TestSiblingRace(t *testing.T) {
	s := NewShadowStack()

	s.Detach(1)
	s.RegisterWrite(42)
	w, err := s.Join()
	require.NoError(t, err)
	require.Empty(t, w)

	s.Detach(1)
	s.RegisterWrite(42)
	w, err = s.Join()
	require.NoError(t, err)
	require.Equal(t, []accessset.Address{42}, w)
}

// S3: a strand races with the parent's own continuation work (written after
// the detach but before the sync). The race surfaces at the sync, not at
// the child's join.
func TestContinuationRace(t *testing.T) {
	s := NewShadowStack()

	s.Detach(1)
	s.RegisterWrite(7)
	w, err := s.Join()
	require.NoError(t, err)
	require.Empty(t, w)

	// Parent's continuation writes the same address the child touched.
	s.RegisterWrite(7)

	w, matched, err := s.EnterSerial(1)
	require.NoError(t, err)
	require.True(t, matched)
	require.Equal(t, []accessset.Address{7}, w)
}

// S4: nested sync regions. An inner detach/sync pair fully resolves before
// the outer sync runs, and writes made only inside the inner region don't
// leak a false race into the outer one.
func TestNestedSyncs(t *testing.T) {
	s := NewShadowStack()

	// Outer detach.
	s.Detach(1)
	s.RegisterWrite(100)

	// Inner detach/sync nested inside the outer child's task.
	s.Detach(2)
	s.RegisterWrite(200)
	w, err := s.Join()
	require.NoError(t, err)
	require.Empty(t, w)
	w, matched, err := s.EnterSerial(2)
	require.NoError(t, err)
	require.True(t, matched)
	require.Empty(t, w)

	w, err = s.Join() // outer child's task_exit
	require.NoError(t, err)
	require.Empty(t, w)

	w, matched, err = s.EnterSerial(1)
	require.NoError(t, err)
	require.True(t, matched)
	require.Empty(t, w)
}

// S5: a function-local stack allocation is written inside a spawned strand
// and never escapes; it must not be folded into the parent's parallel write
// set, so a post-join write to the same address by the parent (stack reuse
// by a different frame) is not flagged as a race.
func TestStackLocalErasureFiltersFalseRace(t *testing.T) {
	s := NewShadowStack()

	s.Detach(1)
	s.EnterFunction(1000)
	s.RecordAlloca(900)
	s.RegisterWrite(900) // local variable inside [900, 1000]
	w, err := s.Join()
	require.NoError(t, err)
	require.Empty(t, w)

	// Parent reuses the same stack address for an unrelated local.
	s.RegisterWrite(900)

	w, matched, err := s.EnterSerial(1)
	require.NoError(t, err)
	require.True(t, matched)
	require.Empty(t, w, "erased stack-local address must not be reported as a race")
}

// Addresses outside the erased range are still tracked normally.
func TestStackLocalErasureOnlyErasesRange(t *testing.T) {
	s := NewShadowStack()

	s.Detach(1)
	s.EnterFunction(1000)
	s.RecordAlloca(900)
	s.RegisterWrite(900)  // erased: local
	s.RegisterWrite(2000) // not erased: escapes the function's frame
	_, err := s.Join()
	require.NoError(t, err)

	s.RegisterWrite(2000)
	w, matched, err := s.EnterSerial(1)
	require.NoError(t, err)
	require.True(t, matched)
	require.Equal(t, []accessset.Address{2000}, w)
}

// S6: a strand migrates to another worker mid-flight (work stealing). The
// two workers' shadow stacks reduce together, and a race between the
// migrated strand and the stealing worker's own concurrent write is still
// detected after the reduce.
func TestReduceAcrossSteal(t *testing.T) {
	victim := NewShadowStack()
	victim.PushContinue(1) // victim keeps running the continuation after detaching child 1 elsewhere
	victim.RegisterWrite(55)

	thief := Identity(StrategyConcatenate)
	thief.PushTask()
	thief.RegisterWrite(55) // the migrated child, executed entirely on the thief

	_, err := Reduce(victim, thief, StrategyConcatenate)
	require.NoError(t, err)

	w, err := victim.Join() // thief's migrated task_exit, folded back into victim's continuation
	require.NoError(t, err)
	require.Equal(t, []accessset.Address{55}, w)
}

func TestReduceSoftJoinDetectsRaceImmediately(t *testing.T) {
	victim := NewShadowStack()
	victim.Detach(1)
	victim.RegisterWrite(55)

	thief := Identity(StrategySoftJoin)
	thief.top().SW.Insert(55)

	w, err := Reduce(victim, thief, StrategySoftJoin)
	require.NoError(t, err)
	require.Equal(t, []accessset.Address{55}, w)
}

func TestReduceSoftJoinRequiresSingleFrame(t *testing.T) {
	victim := NewShadowStack()
	victim.Detach(1)

	thief := Identity(StrategyConcatenate) // zero frames: wrong shape for soft-join
	require.Panics(t, func() {
		_, _ = Reduce(victim, thief, StrategySoftJoin)
	})
}

// A write in one sibling and a read of the same address in another is a
// race just as much as a write-write conflict.
func TestReadWriteRace(t *testing.T) {
	s := NewShadowStack()

	s.Detach(1)
	s.RegisterWrite(9)
	w, err := s.Join()
	require.NoError(t, err)
	require.Empty(t, w)

	s.Detach(1)
	s.RegisterRead(9)
	w, err = s.Join()
	require.NoError(t, err)
	require.Equal(t, []accessset.Address{9}, w)
}

// Two sibling strands reading the same address never race.
func TestReadReadNoRace(t *testing.T) {
	s := NewShadowStack()

	s.Detach(1)
	s.RegisterRead(9)
	w, err := s.Join()
	require.NoError(t, err)
	require.Empty(t, w)

	s.Detach(1)
	s.RegisterRead(9)
	w, err = s.Join()
	require.NoError(t, err)
	require.Empty(t, w)
}

// Invariant: stack balance. Every Detach is matched by exactly one Join
// (for the task) and, eventually, one EnterSerial (for the continuation);
// after a fully balanced sequence the stack returns to depth 1.
func TestInvariantStackBalance(t *testing.T) {
	s := NewShadowStack()
	require.Equal(t, 1, s.Depth())

	s.Detach(1)
	require.Equal(t, 3, s.Depth()) // continuation(1) + task
	_, err := s.Join()
	require.NoError(t, err)
	require.Equal(t, 2, s.Depth())

	_, matched, err := s.EnterSerial(1)
	require.NoError(t, err)
	require.True(t, matched)
	require.Equal(t, 1, s.Depth())
}

// Invariant: sibling detaches under the same sync region accumulate into a
// single continuation frame rather than pushing one per sibling.
func TestInvariantContinuationCoalescing(t *testing.T) {
	s := NewShadowStack()

	s.Detach(1)
	require.Equal(t, 3, s.Depth())
	_, err := s.Join()
	require.NoError(t, err)

	s.Detach(1) // same sync region: must reuse the existing continuation frame
	require.Equal(t, 3, s.Depth())
	_, err = s.Join()
	require.NoError(t, err)
}

// Invariant: a join on an empty stack is an instrumentation anomaly
// (non-fatal) — it can only happen from a task_exit hook firing with no
// matching detach, which the caller may log and degrade past.
func TestInvariantJoinOnEmptyStackIsNonFatal(t *testing.T) {
	s := &ShadowStack{}
	_, err := s.Join()
	require.Error(t, err)

	re, ok := err.(*raceerr.RaceError)
	require.True(t, ok)
	require.Equal(t, raceerr.CodeInstrumentationAnomaly, re.Code)
}

// Invariant: a join whose top frame isn't a Task is a broken program
// invariant (fatal) — the detach/task_exit nesting has come apart, and
// continuing would fold the wrong frame into the wrong parent.
func TestInvariantJoinRejectsBadTop(t *testing.T) {
	s := NewShadowStack()
	s.PushContinue(1)
	require.Panics(t, func() {
		_, _ = s.Join()
	})
}

// Invariant: EnterSerial on a stack whose top isn't the matching
// continuation reports a mismatch instead of corrupting the stack, but
// still degenerates to step 3: the top frame's own parallel accesses are
// folded into its serial sets so a later matching sync or join doesn't
// lose them.
func TestInvariantEnterSerialMismatch(t *testing.T) {
	s := NewShadowStack()
	s.Detach(1)
	s.RegisterWrite(42)
	_, err := s.Join()
	require.NoError(t, err)
	// Top is now Continuation(1) with PW={42}, SW={}.

	_, matched, err := s.EnterSerial(2) // wrong sync region
	require.NoError(t, err)
	require.False(t, matched)
	require.Equal(t, 2, s.Depth(), "a mismatched EnterSerial must not pop anything")

	top := s.top()
	require.True(t, top.SW.Contains(42), "step 3 must still fold PW into SW on a mismatch")
	require.Equal(t, 0, top.PW.Len(), "PW must be drained once folded into SW")
}

// S2 replayed through the detach_continue ABI: a detach_continue call for
// the same sync region as the top-of-stack Continuation frame must not
// bury that frame's already-accumulated PW under a fresh empty one, or the
// next sibling's join would race-check against nothing and miss the race.
func TestInvariantPushContinueCoalescesWithDetachContinue(t *testing.T) {
	s := NewShadowStack()

	s.Detach(0)
	s.RegisterWrite(0x100)
	_, err := s.Join()
	require.NoError(t, err) // first sibling's PW={0x100} folded into the continuation frame

	s.PushContinue(0) // detach_continue(sr=0): must reuse the existing Continuation(0)

	s.Detach(0)
	s.RegisterWrite(0x100)
	w, err := s.Join()
	require.NoError(t, err)
	require.Equal(t, []accessset.Address{0x100}, w, "second sibling's join must still see the first sibling's write")
}

// Invariant: reduce under Strategy A is a pure append — concatenating
// three single-frame stacks one after another into an empty identity keeps
// all three frames, since concatenation only appends pending frames and
// defers all checking to later pops. Only this one grouping is exercised.
func TestInvariantReduceConcatenateAssociative(t *testing.T) {
	build := func() *ShadowStack {
		s := Identity(StrategyConcatenate)
		s.PushTask()
		s.RegisterWrite(1)
		return s
	}
	a, b, c := build(), build(), build()

	left := Identity(StrategyConcatenate)
	_, err := Reduce(left, a, StrategyConcatenate)
	require.NoError(t, err)
	_, err = Reduce(left, b, StrategyConcatenate)
	require.NoError(t, err)
	_, err = Reduce(left, c, StrategyConcatenate)
	require.NoError(t, err)
	require.Equal(t, 3, left.Depth())
}
