package engine

import (
	"bytes"
	"testing"

	"github.com/kolkov/forkrace/internal/race/accessset"
	"github.com/kolkov/forkrace/internal/race/report"
	"github.com/kolkov/forkrace/internal/race/shadowstack"
	"github.com/kolkov/forkrace/internal/telemetry"
	"github.com/stretchr/testify/require"
)

func newTestEngine(opts Options) *Engine {
	return New(opts, telemetry.NullLogger{}, report.NewSink(&bytes.Buffer{}))
}

func newTestEngineWithSink(opts Options) (*Engine, *bytes.Buffer) {
	var buf bytes.Buffer
	return New(opts, telemetry.NullLogger{}, report.NewSink(&buf)), &buf
}

func TestEngine_DetachJoinNoRace(t *testing.T) {
	e := newTestEngine(Options{})
	const worker = 1

	e.Detach(worker, 9)
	e.BeforeStore(worker, accessset.Address(10))
	require.NoError(t, e.TaskExit(worker))
	require.NoError(t, e.BeforeSync(worker, 9))
	require.Equal(t, 0, e.RaceCount())
}

func TestEngine_SiblingWriteRaceReportedAtJoin(t *testing.T) {
	e := newTestEngine(Options{})
	const worker = 1

	e.Detach(worker, 9)
	e.BeforeStore(worker, accessset.Address(42))
	require.NoError(t, e.TaskExit(worker))

	e.Detach(worker, 9)
	e.BeforeStore(worker, accessset.Address(42))
	require.NoError(t, e.TaskExit(worker))

	require.Equal(t, 1, e.RaceCount())
}

func TestEngine_BeforeLoad_NoOpUnlessReadTrackingEnabled(t *testing.T) {
	e := newTestEngine(Options{ReadTrackingEnabled: false})
	const worker = 1

	e.Detach(worker, 1)
	e.BeforeLoad(worker, accessset.Address(5))
	require.NoError(t, e.TaskExit(worker))

	e.Detach(worker, 1)
	e.BeforeStore(worker, accessset.Address(5))
	require.NoError(t, e.TaskExit(worker))

	require.Equal(t, 0, e.RaceCount(), "a read that was never tracked can't race with a later write")
}

func TestEngine_BeforeLoad_TrackedReadRacesWithWrite(t *testing.T) {
	e := newTestEngine(Options{ReadTrackingEnabled: true})
	const worker = 1

	e.Detach(worker, 1)
	e.BeforeLoad(worker, accessset.Address(5))
	require.NoError(t, e.TaskExit(worker))

	e.Detach(worker, 1)
	e.BeforeStore(worker, accessset.Address(5))
	require.NoError(t, e.TaskExit(worker))

	require.Equal(t, 1, e.RaceCount())
}

func TestEngine_FatalOnFirstRacePanics(t *testing.T) {
	e := newTestEngine(Options{FatalOnFirstRace: true})
	const worker = 1

	e.Detach(worker, 9)
	e.BeforeStore(worker, accessset.Address(42))
	require.NoError(t, e.TaskExit(worker))

	e.Detach(worker, 9)
	e.BeforeStore(worker, accessset.Address(42))

	require.Panics(t, func() {
		_ = e.TaskExit(worker)
	})
}

func TestEngine_BeforeSync_UnmatchedSyncRegionIsNonFatal(t *testing.T) {
	e := newTestEngine(Options{SyncRegionWarnings: true})
	const worker = 1

	require.NoError(t, e.BeforeSync(worker, 404))
}

func TestEngine_ReduceConcatenateDefersRaceToJoin(t *testing.T) {
	e := newTestEngine(Options{Strategy: shadowstack.StrategyConcatenate})
	const victim, thief = 1, 2

	e.Detach(victim, 1)
	e.BeforeStore(victim, accessset.Address(7))

	e.Detach(thief, 1)
	e.BeforeStore(thief, accessset.Address(7))

	require.NoError(t, e.Reduce(victim, thief))
	require.Equal(t, 0, e.RaceCount(), "strategy A appends frames with no race checking of its own")
}

// S2 replayed through the engine's detach_continue ABI: the sibling
// accumulated under Detach must survive an intervening DetachContinue call
// for the same sync region, so the second sibling's join still finds it.
func TestEngine_DetachContinueCoalescesWithDetach(t *testing.T) {
	e := newTestEngine(Options{})
	const worker = 1

	e.Detach(worker, 0)
	e.BeforeStore(worker, accessset.Address(0x100))
	require.NoError(t, e.TaskExit(worker))

	e.DetachContinue(worker, 0)

	e.Detach(worker, 0)
	e.BeforeStore(worker, accessset.Address(0x100))
	require.NoError(t, e.TaskExit(worker))

	require.Equal(t, 1, e.RaceCount())
}

// A confirmed race's report names a real call site instead of a bare
// address: BeforeStore must capture a stack hash for the racing address and
// thread it into the reported Race.
func TestEngine_RaceReportCapturesStackHash(t *testing.T) {
	e, buf := newTestEngineWithSink(Options{})
	const worker = 1

	e.Detach(worker, 9)
	e.BeforeStore(worker, accessset.Address(42))
	require.NoError(t, e.TaskExit(worker))

	e.Detach(worker, 9)
	e.BeforeStore(worker, accessset.Address(42))
	require.NoError(t, e.TaskExit(worker))

	require.Equal(t, 1, e.RaceCount())
	require.NotContains(t, buf.String(), "stack trace not captured")
}

func TestEngine_FiniRejectsUnwoundStack(t *testing.T) {
	e := newTestEngine(Options{})
	const worker = 1

	e.Detach(worker, 1)
	require.Error(t, e.Fini(worker))
}

func TestEngine_FiniAcceptsFullyUnwoundStack(t *testing.T) {
	e := newTestEngine(Options{})
	const worker = 1

	e.BeforeStore(worker, accessset.Address(1))
	require.NoError(t, e.Fini(worker))
}

func TestEngine_TaskPushesAdditionalFrame(t *testing.T) {
	e := newTestEngine(Options{})
	const worker = 1

	// A worker's stack starts with a single frame already (stackFor); an
	// explicit Task() call seeds another one on top, as when the runtime
	// hands the worker fresh work with no detach involved.
	e.Task(worker)
	require.Error(t, e.Fini(worker), "extra Task frame must still be unwound before teardown")
}
