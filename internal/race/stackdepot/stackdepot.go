// Package stackdepot stores and deduplicates stack traces captured for race
// reports.
//
// Capturing a full stack trace on every memory access would add far too much
// overhead to the instrumented hot path. Instead the engine records only a
// cheap hash at access time and defers the actual runtime.Callers() walk
// until a race is confirmed and a report needs to be formatted — a loop that
// races on the same line a thousand times still only pays for one capture.
package stackdepot

import (
	"fmt"
	"hash/fnv"
	"runtime"
	"strings"
	"sync"
	"unsafe"
)

// MaxFrames bounds how many program counters a captured trace keeps.
const MaxFrames = 16

// StackTrace is a captured call stack, stored once per unique hash.
type StackTrace struct {
	PC [MaxFrames]uintptr
}

// depot is the global deduplication store: hash(PCs) -> *StackTrace.
var depot sync.Map

// CaptureStack captures the caller's current stack and returns a hash
// identifying it. skip follows runtime.Callers' convention (skip=0 starts
// at CaptureStack's own caller).
func CaptureStack(skip int) uint64 {
	var pcs [MaxFrames]uintptr
	n := runtime.Callers(skip+2, pcs[:])
	if n == 0 {
		return 0
	}
	h := hashStack(pcs[:n])
	if _, exists := depot.Load(h); exists {
		return h
	}
	depot.Store(h, &StackTrace{PC: pcs})
	return h
}

// GetStack retrieves a previously captured stack by hash, or nil if hash is
// zero or unknown.
func GetStack(hash uint64) *StackTrace {
	if hash == 0 {
		return nil
	}
	v, ok := depot.Load(hash)
	if !ok {
		return nil
	}
	return v.(*StackTrace)
}

func hashStack(pcs []uintptr) uint64 {
	h := fnv.New64a()
	for _, pc := range pcs {
		b := (*[8]byte)(unsafe.Pointer(&pc))[:]
		_, _ = h.Write(b)
	}
	return h.Sum64()
}

// FormatStack renders st one "func()" line plus one "file:line" line per
// frame, skipping runtime-internal frames, similar to Go's own race
// detector output.
func (st *StackTrace) FormatStack() string {
	if st == nil {
		return "  <unknown>\n"
	}
	frames := runtime.CallersFrames(st.PC[:])
	var buf strings.Builder
	for {
		frame, more := frames.Next()
		if frame.PC == 0 {
			break
		}
		if strings.HasPrefix(frame.Function, "runtime.") {
			if !more {
				break
			}
			continue
		}
		fmt.Fprintf(&buf, "  %s()\n", frame.Function)
		fmt.Fprintf(&buf, "      %s:%d\n", frame.File, frame.Line)
		if !more {
			break
		}
	}
	if buf.Len() == 0 {
		return "  <runtime internal>\n"
	}
	return buf.String()
}

// Reset clears the depot. Test-only; never call from production code.
func Reset() {
	depot = sync.Map{}
}
