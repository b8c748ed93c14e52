package report

import (
	"bytes"
	"sync"
	"testing"

	"github.com/kolkov/forkrace/internal/race/accessset"
	"github.com/stretchr/testify/require"
)

func TestReportDeduplicates(t *testing.T) {
	var buf bytes.Buffer
	sink := NewSink(&buf)

	r := Race{Phase: PhaseJoin, SyncRegion: 1, Addrs: []accessset.Address{42}}

	require.True(t, sink.Report(r))
	require.False(t, sink.Report(r))
	require.Equal(t, 1, sink.Count())
}

func TestReportKeyIgnoresAddressOrder(t *testing.T) {
	var buf bytes.Buffer
	sink := NewSink(&buf)

	a := Race{Phase: PhaseSync, SyncRegion: 2, Addrs: []accessset.Address{1, 2}}
	b := Race{Phase: PhaseSync, SyncRegion: 2, Addrs: []accessset.Address{2, 1}}

	require.True(t, sink.Report(a))
	require.False(t, sink.Report(b), "same address set in different order must dedup")
	require.Equal(t, 1, sink.Count())
}

func TestReportDistinguishesPhaseAndSyncRegion(t *testing.T) {
	var buf bytes.Buffer
	sink := NewSink(&buf)

	base := Race{Phase: PhaseJoin, SyncRegion: 1, Addrs: []accessset.Address{5}}
	otherPhase := Race{Phase: PhaseReduce, SyncRegion: 1, Addrs: []accessset.Address{5}}
	otherRegion := Race{Phase: PhaseJoin, SyncRegion: 2, Addrs: []accessset.Address{5}}

	require.True(t, sink.Report(base))
	require.True(t, sink.Report(otherPhase))
	require.True(t, sink.Report(otherRegion))
	require.Equal(t, 3, sink.Count())
}

func TestReportDistinguishesWorker(t *testing.T) {
	var buf bytes.Buffer
	sink := NewSink(&buf)

	a := Race{Phase: PhaseJoin, SyncRegion: 1, WorkerID: 1, Addrs: []accessset.Address{5}}
	b := Race{Phase: PhaseJoin, SyncRegion: 1, WorkerID: 2, Addrs: []accessset.Address{5}}

	require.True(t, sink.Report(a))
	require.True(t, sink.Report(b), "same phase/region/addresses from a different worker is a distinct race")
	require.Equal(t, 2, sink.Count())
}

func TestFormatIncludesAddresses(t *testing.T) {
	var buf bytes.Buffer
	r := Race{Phase: PhaseJoin, SyncRegion: 1, Addrs: []accessset.Address{0xdead}}
	r.Format(&buf)

	require.Contains(t, buf.String(), "WARNING: DETERMINACY RACE")
	require.Contains(t, buf.String(), "0x000000000000dead")
}

func TestReportConcurrentSafe(t *testing.T) {
	var buf bytes.Buffer
	sink := NewSink(&buf)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sink.Report(Race{Phase: PhaseJoin, SyncRegion: 1, Addrs: []accessset.Address{99}})
		}()
	}
	wg.Wait()

	require.Equal(t, 1, sink.Count())
}
