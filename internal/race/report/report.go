// Package report formats and deduplicates determinacy-race findings
// surfaced by the shadow-stack engine.
//
// A race is reported once per distinct (phase, sync region, worker, address
// set) key: the same tight loop racing on every iteration must not spam the
// output sink with one line per iteration. Worker is part of the key so two
// races that happen to touch the same addresses under the same phase and
// sync region, but surfaced from different workers' shadow stacks, are
// still reported separately.
package report

import (
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/kolkov/forkrace/internal/race/accessset"
	"github.com/kolkov/forkrace/internal/race/stackdepot"
)

// Phase names the shadow-stack operation that surfaced the race: the
// engine's three merge points.
type Phase string

const (
	PhaseJoin   Phase = "join"   // task_exit
	PhaseSync   Phase = "sync"   // after_sync
	PhaseReduce Phase = "reduce" // work-stealing reducer merge
)

// Race is one confirmed determinacy race: a set of addresses that two
// strands both accessed, at least one as a write, with no sync between
// them.
type Race struct {
	Phase      Phase
	SyncRegion int64
	WorkerID   int
	Addrs      []accessset.Address
	StackHash  uint64 // captured lazily, only once the race is confirmed
}

// key returns the deduplication key for r: phase, sync region, worker and
// the sorted address set identify a race location independent of what order
// addresses were appended to the witness slice. Worker is included because
// two different workers folding the same address under the same phase and
// sync region are two distinct races, not one repeated finding.
func (r Race) key() string {
	addrs := make([]accessset.Address, len(r.Addrs))
	copy(addrs, r.Addrs)
	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })
	return fmt.Sprintf("%s:%d:%d:%v", r.Phase, r.SyncRegion, r.WorkerID, addrs)
}

// Format writes a human-readable race report to w, in the shape of Go's
// own race detector output.
func (r Race) Format(w io.Writer) {
	fmt.Fprintf(w, "==================\n")
	fmt.Fprintf(w, "WARNING: DETERMINACY RACE\n")
	fmt.Fprintf(w, "phase: %s  sync_region: %d  worker: %d\n", r.Phase, r.SyncRegion, r.WorkerID)
	for _, a := range r.Addrs {
		fmt.Fprintf(w, "  conflicting access at 0x%016x\n", a)
	}
	if stack := stackdepot.GetStack(r.StackHash); stack != nil {
		fmt.Fprint(w, stack.FormatStack())
	} else {
		fmt.Fprintf(w, "  (stack trace not captured)\n")
	}
	fmt.Fprintf(w, "==================\n")
}

// Sink collects and deduplicates races before writing them out.
type Sink struct {
	mu       sync.Mutex
	out      io.Writer
	seen     map[string]struct{}
	reported int
}

// NewSink returns a Sink that formats unique races to out.
func NewSink(out io.Writer) *Sink {
	return &Sink{out: out, seen: make(map[string]struct{})}
}

// Report records race if it hasn't already been reported under the same
// key, formatting it to the sink's writer. Returns true if this call was
// the one that actually reported it (false means it was a duplicate).
func (s *Sink) Report(r Race) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := r.key()
	if _, dup := s.seen[k]; dup {
		return false
	}
	s.seen[k] = struct{}{}
	s.reported++
	r.Format(s.out)
	return true
}

// Count returns the number of unique races reported so far.
func (s *Sink) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reported
}
