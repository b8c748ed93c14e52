// Package engine dispatches the instrumentation callback ABI onto
// per-worker shadow stacks, owns the sampler and report sink, and applies
// the configured reducer strategy when work steals merge two workers'
// stacks.
package engine

import (
	"fmt"
	"sync"

	"github.com/kolkov/forkrace/internal/race/accessset"
	"github.com/kolkov/forkrace/internal/race/raceerr"
	"github.com/kolkov/forkrace/internal/race/report"
	"github.com/kolkov/forkrace/internal/race/shadowstack"
	"github.com/kolkov/forkrace/internal/race/stackdepot"
	"github.com/kolkov/forkrace/internal/telemetry"
)

// Options configures a new Engine. Mirrors internal/config.EngineConfig
// field-for-field so callers can pass a loaded config straight through.
type Options struct {
	ReadTrackingEnabled bool
	FatalOnFirstRace    bool
	SyncRegionWarnings  bool
	Strategy            shadowstack.Strategy
	SamplingEnabled     bool
	SamplingRate        uint64
}

// Engine owns one ShadowStack per worker and the shared report sink.
//
// A given worker ID's stack is only ever touched by that worker's own
// goroutine, so the mutex here guards only the stacks map itself —
// concurrent registration/lookup of distinct workers — not concurrent
// operations on the same stack.
type Engine struct {
	opts Options
	log  telemetry.Logger

	mu          sync.Mutex
	stacks      map[int]*shadowstack.ShadowStack
	stackHashes map[accessset.Address]uint64

	sampler *Sampler
	sink    *report.Sink
}

// New creates an Engine reporting races to sink.
func New(opts Options, log telemetry.Logger, sink *report.Sink) *Engine {
	if log == nil {
		log = telemetry.NullLogger{}
	}
	return &Engine{
		opts:        opts,
		log:         log,
		stacks:      make(map[int]*shadowstack.ShadowStack),
		stackHashes: make(map[accessset.Address]uint64),
		sampler:     NewSampler(opts.SamplingEnabled, opts.SamplingRate),
		sink:        sink,
	}
}

// Workers returns the IDs of every worker currently registered with the
// engine (i.e. that has had at least one hook called against it and hasn't
// since been torn down via Fini or folded away via Reduce). The order is
// unspecified.
func (e *Engine) Workers() []int {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]int, 0, len(e.stacks))
	for id := range e.stacks {
		ids = append(ids, id)
	}
	return ids
}

// stackFor returns worker's stack, creating a fresh one (a worker begins
// with a single empty Task frame) the first time it's seen.
func (e *Engine) stackFor(worker int) *shadowstack.ShadowStack {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.stacks[worker]
	if !ok {
		s = shadowstack.NewShadowStack()
		e.stacks[worker] = s
	}
	return s
}

// Task implements the "task" callback: an unconditional task frame push,
// used to seed a worker's outermost frame when the runtime hands it fresh
// work with no detach involved (e.g. the program's initial goroutine).
func (e *Engine) Task(worker int) {
	e.stackFor(worker).PushTask()
}

// Detach records a go statement detaching a child strand under sync
// region sr.
func (e *Engine) Detach(worker int, sr int64) {
	e.stackFor(worker).Detach(sr)
}

// DetachContinue implements the raw "detach_continue" callback: a
// continuation push for sr that is a no-op when the top frame is already a
// Continuation tagged sr (see ShadowStack.PushContinue).
func (e *Engine) DetachContinue(worker int, sr int64) {
	e.stackFor(worker).PushContinue(sr)
}

// TaskExit implements the task_exit hook (Join) and reports any race it
// finds.
func (e *Engine) TaskExit(worker int) error {
	witness, err := e.stackFor(worker).Join()
	if err != nil {
		return e.handleAnomaly("task_exit", worker, err)
	}
	e.reportIfRace(report.PhaseJoin, worker, 0, witness)
	return nil
}

// BeforeSync implements the after_sync hook (EnterSerial) and reports any
// race it finds. race.AfterSync calls it once the instrumented program's
// sync.WaitGroup.Wait() has returned.
func (e *Engine) BeforeSync(worker int, sr int64) error {
	witness, matched, err := e.stackFor(worker).EnterSerial(sr)
	if err != nil {
		return e.handleAnomaly("sync", worker, err)
	}
	if !matched {
		if e.opts.SyncRegionWarnings {
			e.log.Warn("sync with no matching continuation frame: worker=%d sync_region=%d", worker, sr)
		}
		return nil
	}
	e.reportIfRace(report.PhaseSync, worker, sr, witness)
	return nil
}

// FuncEntry implements the function-entry hook: it pushes a fresh Task
// frame for the function body and marks it for stack-local erasure, with
// initSP as the stack pointer to erase down to when that frame is joined.
func (e *Engine) FuncEntry(worker int, initSP accessset.Address) {
	s := e.stackFor(worker)
	s.PushTask()
	s.EnterFunction(initSP)
}

// AfterAlloca implements the stack-allocation hook.
func (e *Engine) AfterAlloca(worker int, addr accessset.Address) {
	e.stackFor(worker).RecordAlloca(addr)
}

// FuncExit is a no-op hook kept for ABI symmetry with FuncEntry: the
// function's Task frame is popped, and its stack-local range erased, by the
// TaskExit call that race.FuncExit makes right after it.
func (e *Engine) FuncExit(worker int) {}

// BeforeStore implements the before_store hook: a sampled write access.
func (e *Engine) BeforeStore(worker int, addr accessset.Address) {
	if !e.sampler.ShouldSample() {
		return
	}
	e.recordStackHash(addr)
	e.stackFor(worker).RegisterWrite(addr)
}

// AfterStore is a no-op hook kept for ABI symmetry with BeforeStore; the
// write is already recorded before the store executes.
func (e *Engine) AfterStore(worker int, addr accessset.Address) {}

// BeforeLoad implements the before_load hook: a sampled read access. A
// no-op unless ReadTrackingEnabled, since the default
// configuration only tracks writes.
func (e *Engine) BeforeLoad(worker int, addr accessset.Address) {
	if !e.opts.ReadTrackingEnabled {
		return
	}
	if !e.sampler.ShouldSample() {
		return
	}
	e.recordStackHash(addr)
	e.stackFor(worker).RegisterRead(addr)
}

// recordStackHash captures the caller's current stack and associates it with
// addr, so a later race report naming addr can print real call sites instead
// of a bare address. The shadow stack's access sets track presence only, so
// the hash is kept here rather than threaded through Frame/AccessSet; a
// confirmed race's witness addresses are looked back up against this map
// when the report is built.
func (e *Engine) recordStackHash(addr accessset.Address) {
	h := stackdepot.CaptureStack(1)
	if h == 0 {
		return
	}
	e.mu.Lock()
	e.stackHashes[addr] = h
	e.mu.Unlock()
}

func (e *Engine) stackHashFor(addr accessset.Address) uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stackHashes[addr]
}

// Reduce merges the stolen worker's stack into victim's, per the
// configured strategy, and reports any race the merge itself reveals
// (Strategy B only; Strategy A defers to a later TaskExit/BeforeSync).
func (e *Engine) Reduce(victim, thief int) error {
	left := e.stackFor(victim)
	right := e.stackFor(thief)
	witness, err := shadowstack.Reduce(left, right, e.opts.Strategy)
	if err != nil {
		return e.handleAnomaly("reduce", victim, err)
	}
	e.reportIfRace(report.PhaseReduce, victim, 0, witness)

	e.mu.Lock()
	delete(e.stacks, thief)
	e.mu.Unlock()
	return nil
}

// Fini validates that worker's stack has unwound back to its initial
// single-frame state (a non-empty stack at teardown is an invariant
// violation) and releases its entry.
func (e *Engine) Fini(worker int) error {
	s := e.stackFor(worker)
	if s.Depth() != 1 {
		return raceerr.New(raceerr.CodeInvariantViolation,
			fmt.Sprintf("worker %d: stack depth %d at teardown, want 1", worker, s.Depth()))
	}
	e.mu.Lock()
	delete(e.stacks, worker)
	e.mu.Unlock()
	return nil
}

// RaceCount returns the number of unique races reported so far.
func (e *Engine) RaceCount() int {
	return e.sink.Count()
}

func (e *Engine) reportIfRace(phase report.Phase, worker int, sr int64, witness []accessset.Address) {
	if len(witness) == 0 {
		return
	}
	race := report.Race{Phase: phase, SyncRegion: sr, WorkerID: worker, Addrs: witness}
	for _, a := range witness {
		if h := e.stackHashFor(a); h != 0 {
			race.StackHash = h
			break
		}
	}
	e.sink.Report(race)
	if e.opts.FatalOnFirstRace {
		raceerr.Fatal(fmt.Sprintf("race detected: phase=%s worker=%d sync_region=%d", phase, worker, sr))
	}
}

// handleAnomaly applies non-fatal handling to an instrumentation anomaly:
// log it and let the caller continue, rather than propagating a hard
// failure up through the instrumented program.
func (e *Engine) handleAnomaly(op string, worker int, err error) error {
	var re *raceerr.RaceError
	if rerr, ok := err.(*raceerr.RaceError); ok {
		re = rerr
	}
	if re != nil && re.Code == raceerr.CodeInstrumentationAnomaly {
		e.log.Warn("%s: worker=%d: %v", op, worker, err)
		return nil
	}
	return err
}
