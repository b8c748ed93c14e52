// Package shadowstack implements the per-worker shadow stack: an ordered
// sequence of frames summarizing a fork-join computation's writes (and
// optionally reads) at the granularity of serial vs. parallel work,
// together with the reducer protocol that merges stacks across
// work-stealing workers.
//
// A ShadowStack is a single-owner, single-threaded view: no locking is
// needed because exactly one worker goroutine operates on a given stack
// between reduce points, and the runtime collaborator guarantees a
// happens-before edge around every reduce.
package shadowstack

import "github.com/kolkov/forkrace/internal/race/accessset"

// FrameKind discriminates the two shapes of shadow-stack frame.
type FrameKind int

const (
	// Task is a spawned child strand's frame.
	Task FrameKind = iota
	// Continuation is the parent's post-detach work for a sync region.
	Continuation
)

// String renders the frame kind for diagnostics.
func (k FrameKind) String() string {
	switch k {
	case Task:
		return "Task"
	case Continuation:
		return "Continuation"
	default:
		return "FrameKind(?)"
	}
}

// noSyncRegion is the sentinel sync_reg carried by Task frames, for which
// the tag is meaningless: meaningful only for Continuation frames.
const noSyncRegion int64 = -1

// Frame is one element of a ShadowStack: kind, sync_reg, and the four
// access sets (SR, SW, PR, PW).
type Frame struct {
	Kind       FrameKind
	SyncRegion int64 // valid only when Kind == Continuation

	SR, SW, PR, PW accessset.AccessSet

	// erasure tracks the stack-pointer low-water mark for a function-entry
	// Task frame. Only set on frames created via ShadowStack.EnterFunction;
	// zero value elsewhere means no erasure.
	erasure bool
	initSP  accessset.Address
	lowMark accessset.Address
}

func newTaskFrame() *Frame {
	return &Frame{Kind: Task, SyncRegion: noSyncRegion}
}

func newContinuationFrame(sr int64) *Frame {
	return &Frame{Kind: Continuation, SyncRegion: sr}
}

// recordAlloca lowers the frame's stack-pointer low-water mark to addr if
// addr is below the current mark (the stack grows down).
func (f *Frame) recordAlloca(addr accessset.Address) {
	if !f.erasure {
		return
	}
	if f.lowMark == 0 || addr < f.lowMark {
		f.lowMark = addr
	}
}

// eraseStackLocal drops, from SW and SR, every address in this frame's
// recorded [low_mark, init_sp] range. A no-op for frames that never
// called EnterFunction.
func (f *Frame) eraseStackLocal() {
	if !f.erasure || f.lowMark == 0 {
		return
	}
	f.SW.EraseRange(f.lowMark, f.initSP)
	f.SR.EraseRange(f.lowMark, f.initSP)
}
