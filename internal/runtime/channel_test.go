package runtime

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/retrovue/retrovue/internal/asrun"
	"github.com/retrovue/retrovue/internal/clock"
	"github.com/retrovue/retrovue/internal/models"
	"github.com/retrovue/retrovue/internal/producer"
	"github.com/retrovue/retrovue/internal/schedule"
)

// testStart is a Friday evening, well past the 06:00 broadcast day roll.
var testStart = time.Date(2026, 1, 16, 22, 0, 0, 0, time.UTC)

func testFormat() producer.Format {
	return producer.Format{
		Width: 1280, Height: 720,
		FPSNum: 30, FPSDen: 1,
		SampleRate: 48000, Channels: 2,
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// actBlock builds a block whose single act segment spans the whole block.
func actBlock(assetID, uri string, start time.Time, d time.Duration) *schedule.ScheduledBlock {
	return &schedule.ScheduledBlock{
		ID: models.NewULIDAt(start), ChannelID: "retro-one", Day: "2026-01-16",
		AssetID: assetID, Title: assetID,
		StartUTC: start.UnixMilli(), EndUTC: start.Add(d).UnixMilli(),
		Segments: []schedule.ScheduledSegment{
			{Type: schedule.SegmentAct, AssetURI: uri, DurationMs: d.Milliseconds()},
		},
	}
}

// scriptedPlanner projects join plans from a fixed block list the way the
// schedule service does.
type scriptedPlanner struct {
	mu     sync.Mutex
	blocks []*schedule.ScheduledBlock
}

func (p *scriptedPlanner) PlanAt(_ string, at time.Time) (*schedule.PlayoutPlan, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, block := range p.blocks {
		if block.Contains(at.UnixMilli()) {
			return schedule.ProjectPlan(block, at), nil
		}
	}
	return nil, schedule.ErrNoCoverage
}

type stubRunway struct{ behind atomic.Bool }

func (r *stubRunway) BehindSchedule(string) bool { return r.behind.Load() }

// noAckProducer arms switches but never commits them, modeling a pipeline
// that loses the swap request.
type noAckProducer struct {
	*producer.Synthetic
}

func (p *noAckProducer) SwitchToLive(time.Time) error { return nil }

// channelFixture drives one channel runtime on a controllable clock. The
// dispatcher goroutine stays off; tests advance time and tick by hand.
type channelFixture struct {
	t       *testing.T
	clk     *clock.Controllable
	planner *scriptedPlanner
	runway  *stubRunway
	writer  *asrun.Writer
	ch      *Channel

	// wrap, when set before start, decorates each built producer.
	wrap func(*producer.Synthetic) producer.Producer

	mu    sync.Mutex
	prods []*producer.Synthetic
}

func newFixture(t *testing.T, at time.Time, timing Config, blocks ...*schedule.ScheduledBlock) *channelFixture {
	t.Helper()

	writer, err := asrun.NewWriter(t.TempDir(), "retro-one", time.UTC, 6, quietLogger())
	require.NoError(t, err)

	f := &channelFixture{
		t:       t,
		clk:     clock.NewControllable(at),
		planner: &scriptedPlanner{blocks: blocks},
		runway:  &stubRunway{},
		writer:  writer,
	}

	ch, err := NewChannel(ChannelConfig{
		ChannelID:   "retro-one",
		Planner:     f.planner,
		NewProducer: f.newProducer,
		AsRun:       writer,
		Runway:      f.runway,
		Clock:       f.clk,
		Timing:      timing,
		Format:      testFormat(),
		Logger:      quietLogger(),
	})
	require.NoError(t, err)
	f.ch = ch

	t.Cleanup(func() {
		_ = ch.Stop()
		_ = writer.Close()
	})
	return f
}

func (f *channelFixture) newProducer() producer.Producer {
	prod := producer.NewSynthetic(producer.SyntheticConfig{
		ChannelID: "retro-one",
		Format:    testFormat(),
		Logger:    quietLogger(),
	})
	f.mu.Lock()
	f.prods = append(f.prods, prod)
	wrap := f.wrap
	f.mu.Unlock()
	if wrap != nil {
		return wrap(prod)
	}
	return prod
}

func (f *channelFixture) prod(i int) *producer.Synthetic {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.prods[i]
}

func (f *channelFixture) producers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.prods)
}

// start brings the channel up without the dispatcher.
func (f *channelFixture) start() {
	f.t.Helper()
	require.NoError(f.t, f.ch.start(context.Background(), false))
}

// step advances the clock one dispatcher interval and ticks once.
func (f *channelFixture) step() {
	now := f.clk.Advance(100 * time.Millisecond)
	f.ch.tick(now, 100*time.Millisecond)
}

// stepUntil ticks up to deadline, stopping early once cond holds.
func (f *channelFixture) stepUntil(deadline time.Time, cond func() bool) {
	for f.clk.Now().Before(deadline) {
		f.step()
		if cond != nil && cond() {
			return
		}
	}
}

func (f *channelFixture) records() []asrun.Record {
	return f.writer.Log().Records
}

func recordsOf(recs []asrun.Record, event asrun.EventType) []asrun.Record {
	var out []asrun.Record
	for _, rec := range recs {
		if rec.Event == event {
			out = append(out, rec)
		}
	}
	return out
}

func blockRecords(recs []asrun.Record, id models.ULID) []asrun.Record {
	var out []asrun.Record
	for _, rec := range recs {
		if rec.BlockID == id {
			out = append(out, rec)
		}
	}
	return out
}

func TestChannel_StartAcceptsViewersBeforeConvergence(t *testing.T) {
	blockA := actBlock("cheers-s01e01", "/media/cheers-s01e01.ts", testStart, time.Minute)
	blockB := actBlock("cheers-s01e02", "/media/cheers-s01e02.ts", testStart.Add(time.Minute), 30*time.Second)
	f := newFixture(t, testStart, Config{}, blockA, blockB)

	f.start()
	assert.Equal(t, StateRunning, f.ch.State())
	assert.False(t, f.ch.Converged())

	// TS viewers join immediately, long before the first boundary swap.
	viewer, err := f.ch.Attach("10.0.0.7:51234", "vlc/3.0")
	require.NoError(t, err)
	assert.Equal(t, 1, f.ch.Stats().Viewers)
	f.ch.Detach(viewer.ID)
	assert.Equal(t, 0, f.ch.Stats().Viewers)

	// A few seconds of paced output finalizes the first HLS segment.
	f.stepUntil(testStart.Add(8*time.Second), func() bool {
		return f.ch.Stats().HLSSegments > 0
	})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	playlist, err := f.ch.WaitPlaylist(ctx)
	require.NoError(t, err)
	assert.Contains(t, playlist, "#EXTM3U")
	assert.Contains(t, playlist, "seg_00000.ts")

	assert.False(t, f.ch.Converged())
	assert.Equal(t, "running", f.ch.Stats().ProducerHealth)
}

func TestChannel_BoundarySwapWritesFence(t *testing.T) {
	blockA := actBlock("cheers-s01e01", "/media/cheers-s01e01.ts", testStart, time.Minute)
	blockB := actBlock("cheers-s01e02", "/media/cheers-s01e02.ts", testStart.Add(time.Minute), 30*time.Second)
	f := newFixture(t, testStart, Config{}, blockA, blockB)

	f.start()
	f.stepUntil(testStart.Add(62*time.Second), f.ch.Converged)
	require.True(t, f.ch.Converged())

	stats := f.ch.Stats()
	assert.Equal(t, int64(1), stats.SwapCount)
	assert.Equal(t, int64(1800), stats.LastSwapTick)
	assert.Equal(t, BoundaryPlanned, stats.BoundaryState)
	assert.Equal(t, testStart.Add(90*time.Second).UnixMilli(), stats.NextBoundaryUTCMs)

	recs := f.records()
	require.Len(t, recs, 4)

	assert.Equal(t, asrun.EventSegStart, recs[0].Event)
	assert.Equal(t, blockA.ID, recs[0].BlockID)
	assert.Equal(t, testStart.UnixMilli(), recs[0].ActualStartUTCMs)
	assert.Equal(t, testStart.UnixMilli(), recs[0].ScheduledStartUTCMs)

	aired := recs[1]
	assert.Equal(t, asrun.EventAired, aired.Event)
	assert.Equal(t, int64(1800), aired.FramesEmitted)
	assert.Equal(t, int64(60_000), aired.DurationMs)
	assert.False(t, aired.RuntimeRecovery)

	fence := recs[2]
	assert.Equal(t, asrun.EventFence, fence.Event)
	assert.Equal(t, int64(1800), fence.SwapTick)
	assert.Equal(t, int64(1800), fence.FenceTick)
	assert.Equal(t, int64(0), fence.FrameBudgetRemaining)
	assert.Equal(t, testStart.Add(time.Minute).UnixMilli(), fence.ActualStartUTCMs)

	// The incoming block starts on the exact scheduled millisecond.
	next := recs[3]
	assert.Equal(t, asrun.EventSegStart, next.Event)
	assert.Equal(t, blockB.ID, next.BlockID)
	assert.Equal(t, testStart.Add(time.Minute).UnixMilli(), next.ActualStartUTCMs)
	assert.Equal(t, next.ScheduledStartUTCMs, next.ActualStartUTCMs)

	require.NoError(t, f.ch.Stop())
	planned := asrun.Plan("retro-one", "2026-01-16", []*schedule.ScheduledBlock{blockA, blockB})
	report := asrun.Reconcile(planned, f.writer.Log())
	assert.True(t, report.Success)
	assert.Empty(t, report.Errors)
	assert.Equal(t, 2, report.Counts[asrun.ClassMatch])
}

func TestChannel_StartupSkipsInfeasibleFirstBoundary(t *testing.T) {
	blockA := actBlock("cheers-s01e01", "/media/cheers-s01e01.ts", testStart, 30*time.Second)
	blockB := actBlock("cheers-s01e02", "/media/cheers-s01e02.ts", testStart.Add(30*time.Second), 30*time.Second)
	blockC := actBlock("cheers-s01e03", "/media/cheers-s01e03.ts", testStart.Add(60*time.Second), 30*time.Second)

	// Joining 27s in leaves under 3s to the first boundary, below the
	// minimum prefeed lead. The boundary is skipped, not fatal.
	joinAt := testStart.Add(27 * time.Second)
	f := newFixture(t, joinAt, Config{}, blockA, blockB, blockC)

	f.start()
	f.step()

	stats := f.ch.Stats()
	assert.Equal(t, 1, stats.SkippedBoundaries)
	assert.Equal(t, testStart.Add(60*time.Second).UnixMilli(), stats.NextBoundaryUTCMs)
	assert.Equal(t, BoundaryPlanned, stats.BoundaryState)
	assert.Equal(t, StateRunning, f.ch.State())
	assert.False(t, f.ch.Converged())

	f.stepUntil(testStart.Add(62*time.Second), f.ch.Converged)
	require.True(t, f.ch.Converged())

	stats = f.ch.Stats()
	assert.Equal(t, int64(1), stats.SwapCount)
	assert.Equal(t, int64(990), stats.LastSwapTick)
	assert.Equal(t, 1, stats.SkippedBoundaries)

	recs := f.records()
	require.Len(t, recs, 4)
	assert.Equal(t, asrun.EventSegStart, recs[0].Event)
	assert.Equal(t, joinAt.UnixMilli(), recs[0].ActualStartUTCMs)
	assert.Equal(t, joinAt.UnixMilli(), recs[0].ScheduledStartUTCMs)

	aired := recs[1]
	assert.Equal(t, asrun.EventAired, aired.Event)
	assert.Equal(t, blockA.ID, aired.BlockID)
	assert.Equal(t, int64(90), aired.FramesEmitted)
	assert.Equal(t, int64(3_000), aired.DurationMs)

	fence := recs[2]
	assert.Equal(t, asrun.EventFence, fence.Event)
	assert.Equal(t, int64(990), fence.SwapTick)
	assert.Equal(t, testStart.Add(60*time.Second).UnixMilli(), fence.ActualStartUTCMs)

	// The skipped block never airs a frame and never reaches the log.
	assert.Empty(t, blockRecords(recs, blockB.ID))
	next := recs[3]
	assert.Equal(t, blockC.ID, next.BlockID)
	assert.Equal(t, testStart.Add(60*time.Second).UnixMilli(), next.ActualStartUTCMs)
}

func TestChannel_PostConvergenceInfeasibleBoundaryFatal(t *testing.T) {
	blockA := actBlock("cheers-s01e01", "/media/cheers-s01e01.ts", testStart, 30*time.Second)
	// A three-second block cannot be prefed: its end is already inside
	// the minimum lead when it goes live.
	blockB := actBlock("station-id", "/media/station-id.ts", testStart.Add(30*time.Second), 3*time.Second)
	blockC := actBlock("cheers-s01e02", "/media/cheers-s01e02.ts", testStart.Add(33*time.Second), 30*time.Second)
	f := newFixture(t, testStart, Config{}, blockA, blockB, blockC)

	f.start()
	f.stepUntil(testStart.Add(40*time.Second), func() bool {
		return f.ch.State() == StateFailed
	})

	require.Equal(t, StateFailed, f.ch.State())
	stats := f.ch.Stats()
	assert.Equal(t, BoundaryFailedTerminal, stats.BoundaryState)
	assert.True(t, stats.Converged)
	assert.Equal(t, int64(1), stats.SwapCount)
	assert.Equal(t, 0, stats.SkippedBoundaries)

	_, err := f.ch.Attach("10.0.0.7:51234", "vlc/3.0")
	assert.ErrorIs(t, err, ErrChannelFailed)
	_, err = f.ch.WaitPlaylist(context.Background())
	assert.ErrorIs(t, err, ErrChannelFailed)

	recs := f.records()
	require.Len(t, recs, 5)
	assert.Equal(t, asrun.EventAired, recs[1].Event)
	assert.Equal(t, int64(900), recs[1].FramesEmitted)
	assert.Equal(t, asrun.EventFence, recs[2].Event)

	// The live block's open segment is truncated at the failure instant.
	last := recs[4]
	assert.Equal(t, asrun.EventTruncated, last.Event)
	assert.Equal(t, blockB.ID, last.BlockID)
	assert.Equal(t, int64(6), last.FramesEmitted)
	assert.False(t, last.RuntimeRecovery)

	assert.Empty(t, f.writer.Log().Validate())
}

func TestChannel_ConvergenceTimeoutFatal(t *testing.T) {
	blockA := actBlock("cheers-s01e01", "/media/cheers-s01e01.ts", testStart, time.Minute)
	blockB := actBlock("cheers-s01e02", "/media/cheers-s01e02.ts", testStart.Add(time.Minute), 30*time.Second)
	f := newFixture(t, testStart, Config{MaxStartupConvergenceWindow: 2 * time.Second}, blockA, blockB)

	f.start()
	f.stepUntil(testStart.Add(3*time.Second), func() bool {
		return f.ch.State() == StateFailed
	})

	require.Equal(t, StateFailed, f.ch.State())
	assert.False(t, f.ch.Converged())
	assert.Equal(t, BoundaryFailedTerminal, f.ch.Stats().BoundaryState)

	recs := f.records()
	require.Len(t, recs, 2)
	assert.Equal(t, asrun.EventTruncated, recs[1].Event)
	assert.Equal(t, int64(66), recs[1].FramesEmitted)

	_, err := f.ch.Attach("10.0.0.7:51234", "vlc/3.0")
	assert.ErrorIs(t, err, ErrChannelFailed)
}

func TestChannel_ContentDeficitPadsToBoundary(t *testing.T) {
	blockA := actBlock("cheers-s01e01", "/media/cheers-s01e01.ts", testStart, time.Minute)
	blockB := actBlock("cheers-s01e02", "/media/cheers-s01e02.ts", testStart.Add(time.Minute), 30*time.Second)
	f := newFixture(t, testStart, Config{}, blockA, blockB)

	f.start()
	// The episode runs out 400ms before the boundary; pad covers the rest.
	f.prod(0).SimulateEOF(0, 400*time.Millisecond)

	f.stepUntil(testStart.Add(59800*time.Millisecond), nil)
	assert.True(t, f.ch.Stats().InDeficit)
	assert.Equal(t, StateRunning, f.ch.State())

	f.stepUntil(testStart.Add(61*time.Second), f.ch.Converged)
	require.True(t, f.ch.Converged())
	assert.False(t, f.ch.Stats().InDeficit)

	recs := f.records()
	require.Len(t, recs, 4)
	terminal := recs[1]
	assert.Equal(t, asrun.EventTruncated, terminal.Event)
	assert.Equal(t, int64(1788), terminal.FramesEmitted)
	// Pad occupancy still fills the slot wall to wall.
	assert.Equal(t, int64(60_000), terminal.DurationMs)
	assert.True(t, terminal.RuntimeRecovery)
	assert.False(t, terminal.RunwayDegradation)

	fence := recs[2]
	assert.Equal(t, asrun.EventFence, fence.Event)
	assert.Equal(t, int64(1800), fence.SwapTick)
	assert.Equal(t, testStart.Add(time.Minute).UnixMilli(), fence.ActualStartUTCMs)

	require.NoError(t, f.ch.Stop())
	planned := asrun.Plan("retro-one", "2026-01-16", []*schedule.ScheduledBlock{blockA, blockB})
	report := asrun.Reconcile(planned, f.writer.Log())
	assert.True(t, report.Success)
	assert.Empty(t, report.Errors)
	assert.Equal(t, 1, report.Counts[asrun.ClassRuntimeRecovery])
	assert.Equal(t, 1, report.Counts[asrun.ClassMatch])
}

func TestChannel_RecoverInPlaceOnceThenFatal(t *testing.T) {
	blockA := actBlock("cheers-s01e01", "/media/cheers-s01e01.ts", testStart, time.Minute)
	blockB := actBlock("cheers-s01e02", "/media/cheers-s01e02.ts", testStart.Add(time.Minute), 30*time.Second)
	f := newFixture(t, testStart, Config{}, blockA, blockB)
	f.runway.behind.Store(true)

	f.start()
	f.stepUntil(testStart.Add(time.Second), nil)
	f.prod(0).SimulateDegraded()
	f.step()
	f.step()

	assert.Equal(t, 2, f.producers())
	assert.Equal(t, StateRunning, f.ch.State())
	assert.True(t, f.ch.Stats().Recovered)

	recs := f.records()
	starts := recordsOf(recs, asrun.EventSegStart)
	require.Len(t, starts, 2)
	assert.Equal(t, starts[0].SegmentIndex, starts[1].SegmentIndex)

	truncated := recordsOf(recs, asrun.EventTruncated)
	require.Len(t, truncated, 1)
	assert.Equal(t, int64(33), truncated[0].FramesEmitted)
	assert.True(t, truncated[0].RuntimeRecovery)
	assert.True(t, truncated[0].RunwayDegradation)

	// A second pipeline failure after the one allowed recovery is fatal.
	f.stepUntil(testStart.Add(2*time.Second), nil)
	f.prod(1).SimulateDegraded()
	f.stepUntil(testStart.Add(3*time.Second), func() bool {
		return f.ch.State() == StateFailed
	})

	require.Equal(t, StateFailed, f.ch.State())
	assert.Equal(t, 2, f.producers())

	recs = f.records()
	last := recs[len(recs)-1]
	assert.Equal(t, asrun.EventTruncated, last.Event)
	assert.Equal(t, int64(33), last.FramesEmitted)
	assert.False(t, last.RuntimeRecovery)
	assert.Empty(t, f.writer.Log().Validate())
}

func TestChannel_SwapAckTimeoutSkipsDuringStartup(t *testing.T) {
	blockA := actBlock("cheers-s01e01", "/media/cheers-s01e01.ts", testStart, time.Minute)
	blockB := actBlock("cheers-s01e02", "/media/cheers-s01e02.ts", testStart.Add(time.Minute), 30*time.Second)
	blockC := actBlock("cheers-s01e03", "/media/cheers-s01e03.ts", testStart.Add(90*time.Second), 30*time.Second)
	f := newFixture(t, testStart, Config{}, blockA, blockB, blockC)
	f.wrap = func(s *producer.Synthetic) producer.Producer { return &noAckProducer{s} }

	f.start()
	f.stepUntil(testStart.Add(60700*time.Millisecond), nil)

	stats := f.ch.Stats()
	assert.Equal(t, 1, stats.SkippedBoundaries)
	assert.Equal(t, BoundaryPlanned, stats.BoundaryState)
	assert.Equal(t, testStart.Add(90*time.Second).UnixMilli(), stats.NextBoundaryUTCMs)
	assert.False(t, f.ch.Converged())

	f.stepUntil(testStart.Add(90700*time.Millisecond), nil)

	stats = f.ch.Stats()
	assert.Equal(t, 2, stats.SkippedBoundaries)
	assert.Equal(t, testStart.Add(120*time.Second).UnixMilli(), stats.NextBoundaryUTCMs)
	assert.Equal(t, int64(0), stats.SwapCount)
	assert.Equal(t, StateRunning, f.ch.State())

	recs := f.records()
	assert.Empty(t, recordsOf(recs, asrun.EventFence))
	aired := recordsOf(recs, asrun.EventAired)
	require.Len(t, aired, 1)
	assert.Equal(t, blockA.ID, aired[0].BlockID)
	assert.Equal(t, int64(1800), aired[0].FramesEmitted)
	assert.Empty(t, f.writer.Log().Validate())
}

func TestChannel_StopReturnsToIdleAndRestarts(t *testing.T) {
	blockA := actBlock("cheers-s01e01", "/media/cheers-s01e01.ts", testStart, time.Minute)
	blockB := actBlock("cheers-s01e02", "/media/cheers-s01e02.ts", testStart.Add(time.Minute), 30*time.Second)
	f := newFixture(t, testStart, Config{}, blockA, blockB)

	f.start()
	f.stepUntil(testStart.Add(time.Second), nil)
	require.NoError(t, f.ch.Stop())

	assert.Equal(t, StateIdle, f.ch.State())
	_, err := f.ch.Attach("10.0.0.7:51234", "vlc/3.0")
	assert.ErrorIs(t, err, ErrChannelNotRunning)

	recs := f.records()
	require.Len(t, recs, 2)
	assert.Equal(t, asrun.EventTruncated, recs[1].Event)
	assert.Equal(t, int64(30), recs[1].FramesEmitted)

	// A stopped channel restarts cleanly at the current wall clock.
	f.start()
	assert.Equal(t, StateRunning, f.ch.State())
	assert.Equal(t, 2, f.producers())
	f.step()
	require.NoError(t, f.ch.Stop())

	assert.Equal(t, StateIdle, f.ch.State())
	assert.Empty(t, f.writer.Log().Validate())
	assert.Len(t, recordsOf(f.records(), asrun.EventSegStart), 2)
}

func TestChannel_StartFailsWithoutCoverage(t *testing.T) {
	f := newFixture(t, testStart, Config{})

	err := f.ch.start(context.Background(), false)
	require.Error(t, err)
	assert.ErrorIs(t, err, schedule.ErrNoCoverage)
	assert.Equal(t, StateFailed, f.ch.State())

	_, err = f.ch.Attach("10.0.0.7:51234", "vlc/3.0")
	assert.ErrorIs(t, err, ErrChannelFailed)
}

func TestNewChannel_Validation(t *testing.T) {
	planner := &scriptedPlanner{}
	factory := func() producer.Producer {
		return producer.NewSynthetic(producer.SyntheticConfig{ChannelID: "retro-one"})
	}

	tests := []struct {
		name string
		cfg  ChannelConfig
	}{
		{"missing id", ChannelConfig{Planner: planner, NewProducer: factory}},
		{"missing planner", ChannelConfig{ChannelID: "retro-one", NewProducer: factory}},
		{"missing factory", ChannelConfig{ChannelID: "retro-one", Planner: planner}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewChannel(tc.cfg)
			assert.Error(t, err)
		})
	}
}
