// Package race is the public runtime collaborator that instrumented code
// imports: the instrumentation front-end only ever emits calls against this
// package's callback ABI, never against internal/race/engine directly. It
// is the thin glue between the compiler-emitted callback stream and the
// shadow-stack engine in internal/race/engine: it resolves "which worker is
// calling" to a stable int key and forwards every hook to a single
// process-wide Engine.
//
// Retargeted from a happens-before RaceRead/RaceWrite/RaceAcquire/
// RaceRelease API to the fork-join callback names this engine actually
// specifies.
package race

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/kolkov/forkrace/internal/config"
	"github.com/kolkov/forkrace/internal/race/accessset"
	"github.com/kolkov/forkrace/internal/race/engine"
	"github.com/kolkov/forkrace/internal/race/report"
	"github.com/kolkov/forkrace/internal/telemetry"
)

var (
	initOnce sync.Once
	enabled  atomic.Bool
	eng      *engine.Engine
)

// Init starts the race detector runtime. It has to run before any
// instrumented access; the instrumenter appends to every instrumented file
// an init function that calls it (instrument.InstrumentFile).
//
// Init is idempotent: subsequent calls are no-ops, safe to call multiple
// times.
func Init() {
	initOnce.Do(func() {
		cfg, err := config.Load("")
		if err != nil {
			// A malformed config must not crash the instrumented program;
			// fall back to the engine's safe defaults and say why.
			fmt.Fprintf(os.Stderr, "forkrace: config load failed, using defaults: %v\n", err)
			cfg = &config.Config{}
			cfg.Engine.ReduceStrategy = "concatenate"
			cfg.Engine.SamplingRate = 1
			cfg.Engine.SyncRegionWarnings = true
		}

		out := os.Stderr
		var sinkWriter = io.Writer(out)
		if cfg.Output.Path != "" && cfg.Output.Path != "-" {
			f, ferr := os.Create(cfg.Output.Path)
			if ferr != nil {
				fmt.Fprintf(os.Stderr, "forkrace: cannot open %s, reporting to stderr: %v\n", cfg.Output.Path, ferr)
			} else {
				sinkWriter = f
			}
		}

		log := telemetry.NewDefaultLogger(telemetry.ParseLogLevel(cfg.Log.Level), os.Stderr)
		telemetry.SetGlobal(log)

		eng = engine.New(engine.Options{
			ReadTrackingEnabled: cfg.Engine.ReadTrackingEnabled,
			FatalOnFirstRace:    cfg.Engine.FatalOnFirstRace,
			SyncRegionWarnings:  cfg.Engine.SyncRegionWarnings,
			Strategy:            cfg.Engine.Strategy(),
			SamplingEnabled:     cfg.Engine.SamplingEnabled,
			SamplingRate:        cfg.Engine.SamplingRate,
		}, log, report.NewSink(sinkWriter))
		enabled.Store(true)
	})
}

// Fini finalizes the race detector: every worker it ever saw must have
// unwound back to a single frame, and the final race count is printed.
// The forkrace instrumenter does not insert a call to Fini.
//
// A worker whose shadow stack hasn't unwound to a single frame by program
// exit means some detach or func_entry never reached its matching
// task_exit — a broken program invariant, not something to silently let the
// process exit past.
func Fini() {
	if !enabled.Load() {
		return
	}
	for _, worker := range eng.Workers() {
		if err := eng.Fini(worker); err != nil {
			panic(err)
		}
	}
	n := eng.RaceCount()
	fmt.Fprintf(os.Stderr, "forkrace: %d determinacy race(s) reported\n", n)
}

func currentWorker() int {
	return goroutineID()
}

// goroutineID recovers the calling goroutine's runtime ID by parsing the
// header line of runtime.Stack() ("goroutine 123 [running]:..."). It is
// not on any hot path that matters for correctness — only for which
// worker's shadow stack an access lands on — so the extra cost is accepted
// here rather than reaching for an assembly getg() stub.
func goroutineID() int {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	// "goroutine 123 [running]:\n..."
	const prefix = "goroutine "
	s := string(buf[:n])
	if len(s) <= len(prefix) || s[:len(prefix)] != prefix {
		return 0
	}
	s = s[len(prefix):]
	i := 0
	for i < len(s) && s[i] != ' ' {
		i++
	}
	id, err := strconv.Atoi(s[:i])
	if err != nil {
		return 0
	}
	return id
}

// FuncEntry implements the func_entry hook: pushes a fresh Task frame
// modeling the function body as a strand joining its caller at exit.
// initSP marks the stack pointer low-water mark for stack-local erasure.
func FuncEntry(initSP uintptr) {
	if !enabled.Load() {
		return
	}
	eng.FuncEntry(currentWorker(), accessset.Address(initSP))
}

// FuncExit implements the func_exit hook.
func FuncExit() {
	if !enabled.Load() {
		return
	}
	eng.FuncExit(currentWorker())
	if err := eng.TaskExit(currentWorker()); err != nil {
		panic(err)
	}
}

// BeforeStore implements the before_store hook.
func BeforeStore(addr uintptr) {
	if !enabled.Load() {
		return
	}
	eng.BeforeStore(currentWorker(), accessset.Address(addr))
}

// BeforeLoad implements the before_load hook (optional read tracking).
func BeforeLoad(addr uintptr) {
	if !enabled.Load() {
		return
	}
	eng.BeforeLoad(currentWorker(), accessset.Address(addr))
}

// AfterAlloca implements the after_alloca hook.
func AfterAlloca(addr uintptr) {
	if !enabled.Load() {
		return
	}
	eng.AfterAlloca(currentWorker(), accessset.Address(addr))
}

// Detach implements the detach hook: syncReg is the address of the
// sync.WaitGroup (or equivalent barrier) the spawned goroutine will
// eventually be awaited on, doubling as its sync-region tag.
func Detach(syncReg uintptr) {
	if !enabled.Load() {
		return
	}
	eng.Detach(currentWorker(), int64(syncReg))
}

// DetachContinue implements the detach_continue hook: it pushes a
// continuation frame for syncReg unless the top frame already is one
// tagged syncReg.
func DetachContinue(syncReg uintptr) {
	if !enabled.Load() {
		return
	}
	eng.DetachContinue(currentWorker(), int64(syncReg))
}

// Task implements the task hook: seeds a freshly scheduled goroutine's
// outermost Task frame.
func Task() {
	if !enabled.Load() {
		return
	}
	eng.Task(currentWorker())
}

// TaskExit implements the task_exit hook: a detached strand's body has
// finished. Instrumentation wraps a detached body in
// defer TaskExit() immediately after the Detach call that pushed its Task
// frame, the same way FuncExit wraps an ordinary function body in a Join.
func TaskExit() {
	if !enabled.Load() {
		return
	}
	if err := eng.TaskExit(currentWorker()); err != nil {
		panic(err)
	}
}

// AfterSync implements the after_sync hook: the goroutine that just
// returned from WaitGroup.Wait() collapses every Continuation frame tagged
// syncReg.
func AfterSync(syncReg uintptr) {
	if !enabled.Load() {
		return
	}
	if err := eng.BeforeSync(currentWorker(), int64(syncReg)); err != nil {
		panic(err)
	}
}
