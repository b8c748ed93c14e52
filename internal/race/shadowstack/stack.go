package shadowstack

import (
	"github.com/kolkov/forkrace/internal/race/accessset"
	"github.com/kolkov/forkrace/internal/race/raceerr"
)

// ShadowStack is one worker's ordered sequence of frames. It is not safe
// for concurrent use: exactly one goroutine owns a given stack between
// Reduce calls.
type ShadowStack struct {
	frames []*Frame
}

// NewShadowStack returns a stack holding a single empty Task frame — a
// worker's outermost serial context before any detach has occurred.
func NewShadowStack() *ShadowStack {
	return &ShadowStack{frames: []*Frame{newTaskFrame()}}
}

// Strategy selects a reducer behavior for Reduce. Both are implemented;
// the ReduceStrategy setting in internal/config (converted by
// EngineConfig.Strategy) picks one, so a deployment can choose without a
// rebuild.
type Strategy int

const (
	// StrategyConcatenate defers all race checking to later Join/EnterSerial
	// calls: reduce just appends the right stack's frames onto the left's.
	StrategyConcatenate Strategy = iota
	// StrategySoftJoin folds the right stack's single frame into the left
	// stack's top frame immediately, reporting any race at reduce time. It
	// requires the right stack to hold exactly one frame.
	StrategySoftJoin
)

// Identity returns the reducer identity element for strategy: the stack a
// freshly spun-up worker starts with before any work has been assigned to
// it. Strategy A's identity carries no frames at all (reduce is a pure
// append), while Strategy B's identity carries a single empty Task frame
// so there is always something for an early reduce to fold into.
func Identity(strategy Strategy) *ShadowStack {
	switch strategy {
	case StrategySoftJoin:
		return &ShadowStack{frames: []*Frame{newTaskFrame()}}
	default:
		return &ShadowStack{}
	}
}

// Depth reports the number of frames currently on the stack.
func (s *ShadowStack) Depth() int {
	return len(s.frames)
}

// top returns the current top frame, or nil if the stack is empty.
func (s *ShadowStack) top() *Frame {
	if len(s.frames) == 0 {
		return nil
	}
	return s.frames[len(s.frames)-1]
}

func (s *ShadowStack) push(f *Frame) {
	s.frames = append(s.frames, f)
}

// pop removes and returns the top frame. Callers must check Depth first.
func (s *ShadowStack) pop() *Frame {
	n := len(s.frames)
	f := s.frames[n-1]
	s.frames[n-1] = nil
	s.frames = s.frames[:n-1]
	return f
}

// PushTask unconditionally pushes a new Task frame.
func (s *ShadowStack) PushTask() {
	s.push(newTaskFrame())
}

// PushContinue pushes a new Continuation frame tagged sr, unless the
// current top is already a Continuation frame tagged sr — in which case it
// is a no-op. Without this guard, a detach_continue immediately following a
// task_exit under the same sync region would bury the sibling's just-folded
// PW under a fresh empty Continuation frame, losing the accumulated
// parallel accesses the next sibling's join needs to race-check against.
func (s *ShadowStack) PushContinue(sr int64) {
	top := s.top()
	if top != nil && top.Kind == Continuation && top.SyncRegion == sr {
		return
	}
	s.push(newContinuationFrame(sr))
}

// Detach records a go statement detaching a child strand under sync
// region sr. The parent's remaining work after the go statement
// is a continuation of sr; PushContinue only pushes a fresh Continuation
// frame when the current top isn't already one tagged sr, so that a run of
// sibling detaches under the same sync region accumulates into a single
// continuation frame rather than one per sibling. Detach then
// unconditionally pushes the child's Task frame.
func (s *ShadowStack) Detach(sr int64) {
	s.PushContinue(sr)
	s.PushTask()
}

// RegisterWrite records a write to addr in the current top frame's serial
// write set.
func (s *ShadowStack) RegisterWrite(addr accessset.Address) {
	s.top().SW.Insert(addr)
}

// RegisterRead records a read of addr in the current top frame's serial
// read set.
func (s *ShadowStack) RegisterRead(addr accessset.Address) {
	s.top().SR.Insert(addr)
}

// EnterFunction marks the current top frame as a function-entry point for
// stack-local erasure: initSP is the stack pointer on entry, and every
// subsequent RecordAlloca call on this frame lowers the
// tracked low-water mark. On the frame's eventual Join, the
// [low_mark, init_sp] range is erased from SW before folding into the
// caller.
func (s *ShadowStack) EnterFunction(initSP accessset.Address) {
	f := s.top()
	f.erasure = true
	f.initSP = initSP
	f.lowMark = initSP
}

// RecordAlloca records a stack allocation at addr in the current top
// frame's low-water mark, for later erasure. A no-op if the top frame never
// called EnterFunction.
func (s *ShadowStack) RecordAlloca(addr accessset.Address) {
	s.top().recordAlloca(addr)
}

// raceCheck appends to witness every address that is both written by one
// side and accessed (written or read) by the other. Two reads never race,
// so read-read is deliberately excluded.
func raceCheck(writes, reads, otherWrites, otherReads *accessset.AccessSet, witness []accessset.Address) []accessset.Address {
	witness = accessset.Intersect(writes, otherWrites, witness)
	witness = accessset.Intersect(writes, otherReads, witness)
	witness = accessset.Intersect(reads, otherWrites, witness)
	return witness
}

// foldChildIntoParent implements the fold/witness/union steps shared by
// Join and the soft-join reducer strategy: child's stack-local addresses
// are erased, child's PW and PR are folded into its own SW/SR, and the
// combined access set is checked against everything the parent has done so
// far — both its already-closed serial accesses (SW/SR) and whatever
// earlier siblings have already contributed (PW/PR) — before being unioned
// into parent's PW/PR. Parent accesses made *after* this call are not
// covered here; those are caught when the parent's own frame is later
// closed (see EnterSerial).
func foldChildIntoParent(parent, child *Frame, witness []accessset.Address) []accessset.Address {
	child.eraseStackLocal()
	accessset.UnionInto(&child.SW, &child.PW)
	accessset.UnionInto(&child.SR, &child.PR)
	witness = raceCheck(&parent.SW, &parent.SR, &child.SW, &child.SR, witness)
	witness = raceCheck(&parent.PW, &parent.PR, &child.SW, &child.SR, witness)
	accessset.UnionInto(&parent.PW, &child.SW)
	accessset.UnionInto(&parent.PR, &child.SR)
	return witness
}

// Join implements the end of a spawned strand (task_exit). Returns the
// addresses, if any, that prove a determinacy race between the finished
// child and its parent's accumulated parallel writes.
//
// A task_exit on an empty stack is an instrumentation anomaly: it can only
// come from the runtime collaborator invoking the hook with no matching
// detach, a condition the caller may log and degrade past rather than
// abort on. A mismatched frame kind at the top — popping something other
// than a Task frame — is a broken program invariant instead: the
// detach/task_exit nesting the engine relies on has come apart, and
// continuing would fold the wrong frame into the wrong parent, so this
// aborts immediately.
func (s *ShadowStack) Join() ([]accessset.Address, error) {
	if s.Depth() == 0 {
		return nil, raceerr.New(raceerr.CodeInstrumentationAnomaly, "join: stack underflow")
	}
	if s.top().Kind != Task {
		raceerr.Fatal("join: top frame is not a Task")
	}
	child := s.pop()
	if s.Depth() == 0 {
		raceerr.Fatal("join: no parent frame to fold into")
	}
	parent := s.top()
	return foldChildIntoParent(parent, child, nil), nil
}

// EnterSerial implements a sync statement closing sync region sr
// (after_sync). Every Continuation frame tagged sr sitting on top
// of the stack is popped and merged into the frame beneath it.
//
// Unlike Join, the race check here is intra-frame first: a continuation
// frame's own serial writes (SW, made by the parent between its detaches
// and the sync) are checked against PW, the writes its joined children
// already contributed — this is where a race between a detached child and
// its parent's own continuation surfaces, since the parent may not have
// made those writes yet at the moment the child itself was joined. The
// combined write set is then checked against the next frame down exactly as
// Join checks a child against its parent, and merged into that frame's SW
// (the work is serial again once its sync region has closed).
//
// matched is false when the top frame was not a Continuation tagged sr at
// entry — an instrumentation anomaly (a sync with no matching detach) that
// the caller may choose to log and continue past rather than treat as
// fatal. A mismatch still degenerates to folding the current top frame's
// own parallel writes/reads into its serial sets (step 3 of the sync
// algorithm runs regardless of whether a matching Continuation was found),
// so accesses accumulated from already-joined children are not silently
// dropped just because this particular sync didn't close anything.
func (s *ShadowStack) EnterSerial(sr int64) (witness []accessset.Address, matched bool, err error) {
	if s.Depth() == 0 {
		raceerr.Fatal("enter_serial: stack underflow")
	}
	if s.top().Kind != Continuation || s.top().SyncRegion != sr {
		top := s.top()
		accessset.UnionInto(&top.SW, &top.PW)
		accessset.UnionInto(&top.SR, &top.PR)
		return nil, false, nil
	}
	for s.Depth() > 0 && s.top().Kind == Continuation && s.top().SyncRegion == sr {
		top := s.top()
		witness = raceCheck(&top.SW, &top.SR, &top.PW, &top.PR, witness)
		top.eraseStackLocal()
		accessset.UnionInto(&top.SW, &top.PW)
		accessset.UnionInto(&top.SR, &top.PR)

		frame := s.pop()
		if s.Depth() == 0 {
			raceerr.Fatal("enter_serial: no parent frame to fold into")
		}
		parent := s.top()
		witness = raceCheck(&parent.SW, &parent.SR, &frame.SW, &frame.SR, witness)
		accessset.UnionInto(&parent.SW, &frame.SW)
		accessset.UnionInto(&parent.SR, &frame.SR)
	}
	return witness, true, nil
}

// Reduce merges right into left according to strategy, as invoked by the
// runtime collaborator when a work-stealing worker's strand migrates onto
// another worker's deque. right is left empty
// afterward; callers must not reuse it.
func Reduce(left, right *ShadowStack, strategy Strategy) ([]accessset.Address, error) {
	switch strategy {
	case StrategySoftJoin:
		return reduceSoftJoin(left, right)
	default:
		return reduceConcatenate(left, right)
	}
}

// reduceConcatenate implements Strategy A: right's frames are appended
// after left's, with no race checking performed here. Any race these frames
// could reveal is instead found later, when an ordinary Join or EnterSerial
// eventually pops them.
func reduceConcatenate(left, right *ShadowStack) ([]accessset.Address, error) {
	left.frames = append(left.frames, right.frames...)
	right.frames = nil
	return nil, nil
}

// reduceSoftJoin implements Strategy B: right must carry exactly one frame
// (its reducer identity invariant), which is folded directly into left's
// top frame. If left is empty (the reducer identity case), right's frame is
// simply adopted with no fold.
func reduceSoftJoin(left, right *ShadowStack) ([]accessset.Address, error) {
	if len(right.frames) != 1 {
		raceerr.Fatal("reduce: soft-join right operand must carry exactly one frame")
	}
	child := right.frames[0]
	right.frames = nil
	if left.Depth() == 0 {
		left.frames = []*Frame{child}
		return nil, nil
	}
	parent := left.top()
	witness := foldChildIntoParent(parent, child, nil)
	return witness, nil
}
