package asrun

import (
	"testing"
	"time"

	"github.com/retrovue/retrovue/internal/models"
	"github.com/retrovue/retrovue/internal/schedule"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fps = 30

// plannedFixture is two half-hour blocks from 06:00: an episode with
// trailing filler, then an episode with filler and a pad tail.
func plannedFixture() *TransmissionLog {
	start := time.Date(2026, 1, 15, 6, 0, 0, 0, time.UTC)

	b1 := &schedule.ScheduledBlock{
		ID: models.NewULIDAt(start), ChannelID: "retro-one", Day: "2026-01-15",
		AssetID: "cheers-s01e01", Title: "Give Me a Ring Sometime",
		StartUTC: start.UnixMilli(), EndUTC: start.Add(30 * time.Minute).UnixMilli(),
		Segments: []schedule.ScheduledSegment{
			{Type: schedule.SegmentAct, AssetURI: "/media/cheers-s01e01.ts", DurationMs: 1_320_000},
			{Type: schedule.SegmentFiller, AssetURI: "/media/fill/psa.ts", DurationMs: 480_000},
		},
	}
	b2start := start.Add(30 * time.Minute)
	b2 := &schedule.ScheduledBlock{
		ID: models.NewULIDAt(b2start), ChannelID: "retro-one", Day: "2026-01-15",
		AssetID: "cheers-s01e02", Title: "Sam's Women",
		StartUTC: b2start.UnixMilli(), EndUTC: b2start.Add(30 * time.Minute).UnixMilli(),
		Segments: []schedule.ScheduledSegment{
			{Type: schedule.SegmentAct, AssetURI: "/media/cheers-s01e02.ts", DurationMs: 1_290_000},
			{Type: schedule.SegmentFiller, AssetURI: "/media/fill/promo.ts", DurationMs: 210_000},
			{Type: schedule.SegmentPad, DurationMs: 300_000},
		},
	}
	return Plan("retro-one", "2026-01-15", []*schedule.ScheduledBlock{b1, b2})
}

// simulate builds the as-run log a perfect transmission of the plan would
// produce: SEG_START and AIRED per segment, FENCE per boundary.
func simulate(planned *TransmissionLog) *Log {
	log := &Log{ChannelID: planned.ChannelID}
	for _, block := range planned.Blocks {
		var frames int64
		for _, seg := range block.Segments {
			segFrames := seg.DurationMs * fps / 1000
			frames += segFrames
			log.Records = append(log.Records,
				Record{
					ChannelID: planned.ChannelID, Event: EventSegStart,
					BlockID: block.BlockID, SegmentIndex: seg.Index,
					SegmentType: seg.Type, AssetURI: seg.AssetURI,
					ActualStartUTCMs: seg.StartUTCMs, DurationMs: seg.DurationMs,
				},
				Record{
					ChannelID: planned.ChannelID, Event: EventAired,
					BlockID: block.BlockID, SegmentIndex: seg.Index,
					SegmentType: seg.Type, AssetURI: seg.AssetURI,
					ActualStartUTCMs: seg.StartUTCMs, DurationMs: seg.DurationMs,
					FramesEmitted: segFrames,
				},
			)
		}
		log.Records = append(log.Records, Record{
			ChannelID: planned.ChannelID, Event: EventFence,
			BlockID: block.BlockID, ActualStartUTCMs: block.EndUTCMs,
			FramesEmitted: frames, SwapTick: frames, FenceTick: frames,
			Reason: "boundary_swap",
		})
	}
	return log
}

// simulateRuntime builds the as-run log the channel runtime actually
// emits: the plan projection drops pad segments before the producer sees
// them and the channel covers the pad window with synthesized fill, so
// pads leave no SEG_START or terminal of their own. Fence frame counts
// still span the whole block, pad included.
func simulateRuntime(planned *TransmissionLog) *Log {
	log := &Log{ChannelID: planned.ChannelID}
	for _, block := range planned.Blocks {
		var frames int64
		for _, seg := range block.Segments {
			segFrames := seg.DurationMs * fps / 1000
			frames += segFrames
			if seg.Type == schedule.SegmentPad {
				continue
			}
			log.Records = append(log.Records,
				Record{
					ChannelID: planned.ChannelID, Event: EventSegStart,
					BlockID: block.BlockID, SegmentIndex: seg.Index,
					SegmentType: seg.Type, AssetURI: seg.AssetURI,
					ActualStartUTCMs: seg.StartUTCMs, DurationMs: seg.DurationMs,
				},
				Record{
					ChannelID: planned.ChannelID, Event: EventAired,
					BlockID: block.BlockID, SegmentIndex: seg.Index,
					SegmentType: seg.Type, AssetURI: seg.AssetURI,
					ActualStartUTCMs: seg.StartUTCMs, DurationMs: seg.DurationMs,
					FramesEmitted: segFrames,
				},
			)
		}
		log.Records = append(log.Records, Record{
			ChannelID: planned.ChannelID, Event: EventFence,
			BlockID: block.BlockID, ActualStartUTCMs: block.EndUTCMs,
			FramesEmitted: frames, SwapTick: frames, FenceTick: frames,
			Reason: "boundary_swap",
		})
	}
	return log
}

func classifications(report *Report) map[models.ULID]Classification {
	out := make(map[models.ULID]Classification, len(report.Blocks))
	for _, br := range report.Blocks {
		out[br.BlockID] = br.Classification
	}
	return out
}

func TestReconcile_Identity(t *testing.T) {
	planned := plannedFixture()
	report := Reconcile(planned, simulate(planned))

	assert.True(t, report.Success)
	assert.Empty(t, report.Errors)
	require.Len(t, report.Blocks, 2)
	for _, br := range report.Blocks {
		assert.Equal(t, ClassMatch, br.Classification)
	}
	assert.Equal(t, 2, report.Counts[ClassMatch])
}

func TestReconcile_PadTailWithoutRecordMatches(t *testing.T) {
	planned := plannedFixture()
	report := Reconcile(planned, simulateRuntime(planned))

	assert.True(t, report.Success)
	assert.Empty(t, report.Errors)
	require.Len(t, report.Blocks, 2)
	assert.Equal(t, 2, report.Counts[ClassMatch])
	// The pad-tailed block reconciles clean with no record for its pad.
	assert.Equal(t, ClassMatch, classifications(report)[planned.Blocks[1].BlockID])
}

func TestReconcile_PadAiredOutOfOrderStillMismatches(t *testing.T) {
	planned := plannedFixture()
	actual := simulate(planned)

	// Swap the pad's terminal ahead of the filler's in block two: a pad
	// record is optional but not free to break plan order.
	target := planned.Blocks[1].BlockID
	var fillerAt, padAt int
	for i, rec := range actual.Records {
		if rec.BlockID != target || rec.Event != EventAired {
			continue
		}
		switch rec.SegmentIndex {
		case 1:
			fillerAt = i
		case 2:
			padAt = i
		}
	}
	actual.Records[fillerAt], actual.Records[padAt] = actual.Records[padAt], actual.Records[fillerAt]

	report := Reconcile(planned, actual)
	assert.False(t, report.Success)
	assert.Equal(t, ClassSequenceMismatch, classifications(report)[target])
}

func TestReconcile_MissingBlock(t *testing.T) {
	planned := plannedFixture()
	actual := simulate(planned)

	// Strip every record of the second block.
	missing := planned.Blocks[1].BlockID
	var kept []Record
	for _, rec := range actual.Records {
		if rec.BlockID != missing {
			kept = append(kept, rec)
		}
	}
	actual.Records = kept

	report := Reconcile(planned, actual)
	assert.False(t, report.Success)
	assert.Equal(t, ClassMissingBlock, classifications(report)[missing])
	assert.Equal(t, 1, report.Counts[ClassMatch])
}

func TestReconcile_ExtraBlock(t *testing.T) {
	planned := plannedFixture()
	actual := simulate(planned)

	rogue := models.NewULID()
	actual.Records = append(actual.Records,
		Record{
			ChannelID: "retro-one", Event: EventSegStart,
			BlockID: rogue, SegmentIndex: 0, SegmentType: schedule.SegmentAct,
			ActualStartUTCMs: planned.Blocks[1].EndUTCMs,
		},
		Record{
			ChannelID: "retro-one", Event: EventAired,
			BlockID: rogue, SegmentIndex: 0, SegmentType: schedule.SegmentAct,
			ActualStartUTCMs: planned.Blocks[1].EndUTCMs, DurationMs: 1000,
			FramesEmitted: 30,
		},
	)

	report := Reconcile(planned, actual)
	assert.False(t, report.Success)
	assert.Equal(t, ClassExtraBlock, classifications(report)[rogue])
	assert.Equal(t, 2, report.Counts[ClassMatch])
}

func TestReconcile_DuplicateBlockIsExtra(t *testing.T) {
	planned := plannedFixture()
	actual := simulate(planned)

	// The first block's records appear a second time after the rest.
	first := planned.Blocks[0].BlockID
	var again []Record
	for _, rec := range actual.Records {
		if rec.BlockID == first && rec.Event != EventFence {
			again = append(again, rec)
		}
	}
	actual.Records = append(actual.Records, again...)

	report := Reconcile(planned, actual)
	assert.False(t, report.Success)
	assert.Equal(t, 1, report.Counts[ClassExtraBlock])
	// The first run still reconciles cleanly.
	assert.Equal(t, ClassMatch, classifications(report)[first])
}

func TestReconcile_BlockTimeMismatch(t *testing.T) {
	planned := plannedFixture()
	actual := simulate(planned)

	// Shift the second block's start past the tolerance.
	target := planned.Blocks[1].BlockID
	for i := range actual.Records {
		if actual.Records[i].BlockID == target && actual.Records[i].Event == EventSegStart {
			actual.Records[i].ActualStartUTCMs += StartToleranceMs + 500
		}
	}

	report := Reconcile(planned, actual)
	assert.False(t, report.Success)
	assert.Equal(t, ClassTimeMismatch, classifications(report)[target])
}

func TestReconcile_StartDriftWithinToleranceMatches(t *testing.T) {
	planned := plannedFixture()
	actual := simulate(planned)

	target := planned.Blocks[0].BlockID
	for i := range actual.Records {
		if actual.Records[i].BlockID == target && actual.Records[i].Event == EventSegStart {
			actual.Records[i].ActualStartUTCMs += StartToleranceMs / 2
		}
	}

	report := Reconcile(planned, actual)
	assert.True(t, report.Success)
	assert.Equal(t, ClassMatch, classifications(report)[target])
}

func TestReconcile_SegmentSequenceMismatch(t *testing.T) {
	planned := plannedFixture()
	actual := simulate(planned)

	// Drop the second block's filler terminal: one planned segment never
	// resolved.
	target := planned.Blocks[1].BlockID
	var kept []Record
	for _, rec := range actual.Records {
		if rec.BlockID == target && rec.Event == EventAired && rec.SegmentIndex == 1 {
			continue
		}
		kept = append(kept, rec)
	}
	actual.Records = kept

	report := Reconcile(planned, actual)
	assert.False(t, report.Success)
	assert.Equal(t, ClassSequenceMismatch, classifications(report)[target])

	// The dangling SEG_START also shows up as a structural error.
	assert.NotEmpty(t, report.Errors)
}

func TestReconcile_PhantomSegment(t *testing.T) {
	planned := plannedFixture()
	actual := simulate(planned)

	// An unplanned, non-recovery segment airs inside block one.
	target := planned.Blocks[0].BlockID
	phantom := Record{
		ChannelID: "retro-one", Event: EventAired,
		BlockID: target, SegmentIndex: 9, SegmentType: schedule.SegmentFiller,
		ActualStartUTCMs: planned.Blocks[0].EndUTCMs - 1000, DurationMs: 1000,
		FramesEmitted: 30,
	}
	// Insert before the block's fence so it lands in the same run.
	var out []Record
	for _, rec := range actual.Records {
		if rec.Event == EventFence && rec.BlockID == target {
			out = append(out, phantom)
		}
		out = append(out, rec)
	}
	actual.Records = out

	report := Reconcile(planned, actual)
	assert.False(t, report.Success)
	assert.Equal(t, ClassPhantomSegment, classifications(report)[target])
}

func TestReconcile_RuntimeRecovery(t *testing.T) {
	planned := plannedFixture()
	actual := simulate(planned)

	// Scenario: producer EOF 400ms early; the act is truncated with
	// recovery pad covering the deficit.
	target := planned.Blocks[0].BlockID
	for i := range actual.Records {
		rec := &actual.Records[i]
		if rec.BlockID == target && rec.Event == EventAired && rec.SegmentIndex == 0 {
			rec.Event = EventTruncated
			rec.DurationMs -= 400
			rec.FramesEmitted -= 12
			rec.RuntimeRecovery = true
		}
	}

	report := Reconcile(planned, actual)
	assert.True(t, report.Success)
	assert.Equal(t, ClassRuntimeRecovery, classifications(report)[target])
	assert.Zero(t, report.Counts[ClassPhantomSegment])
}

func TestReconcile_RecoveryRestartReairsSegment(t *testing.T) {
	planned := plannedFixture()
	actual := simulate(planned)

	// Scenario: the producer died mid-act and recovery restarted the same
	// segment. The partial airing and its re-air share the run.
	target := planned.Blocks[0].BlockID
	var out []Record
	for _, rec := range actual.Records {
		if rec.BlockID == target && rec.Event == EventSegStart && rec.SegmentIndex == 0 {
			partial := rec
			partial.Event = EventTruncated
			partial.DurationMs = 90_000
			partial.FramesEmitted = 2700
			partial.RuntimeRecovery = true

			restart := rec
			restart.ActualStartUTCMs += 90_000
			out = append(out, rec, partial, restart)
			continue
		}
		out = append(out, rec)
	}
	actual.Records = out

	report := Reconcile(planned, actual)
	assert.True(t, report.Success)
	assert.Empty(t, report.Errors)
	assert.Equal(t, ClassRuntimeRecovery, classifications(report)[target])
	assert.Zero(t, report.Counts[ClassSequenceMismatch])
}

func TestReconcile_RunwayDegradation(t *testing.T) {
	planned := plannedFixture()
	actual := simulate(planned)

	// An unplanned recovery pad flagged as runway-driven.
	target := planned.Blocks[1].BlockID
	pad := Record{
		ChannelID: "retro-one", Event: EventTruncated,
		BlockID: target, SegmentIndex: 99, SegmentType: schedule.SegmentPad,
		ActualStartUTCMs: planned.Blocks[1].EndUTCMs - 2000, DurationMs: 2000,
		FramesEmitted: 60, RuntimeRecovery: true, RunwayDegradation: true,
	}
	var out []Record
	for _, rec := range actual.Records {
		if rec.Event == EventFence && rec.BlockID == target {
			out = append(out, pad)
		}
		out = append(out, rec)
	}
	actual.Records = out

	report := Reconcile(planned, actual)
	assert.True(t, report.Success)
	assert.Equal(t, ClassRunwayDegradation, classifications(report)[target])
}

func TestTransmissionLogRender(t *testing.T) {
	planned := plannedFixture()
	dayStart := time.Date(2026, 1, 15, 6, 0, 0, 0, time.UTC)

	text := planned.Render(dayStart)
	assert.Contains(t, text, "# transmission log channel=retro-one broadcast_day=2026-01-15")
	assert.Contains(t, text, "00:00:00 1320s act "+planned.Blocks[0].BlockID.String())
	assert.Contains(t, text, "00:22:00 480s filler ")
	assert.Contains(t, text, `title="Give Me a Ring Sometime"`)
	// The pad tail of block two starts 25 minutes into its slot.
	assert.Contains(t, text, "00:55:00 300s pad ")
}

func TestPlanResolvesSegmentStarts(t *testing.T) {
	planned := plannedFixture()

	require.Len(t, planned.Blocks, 2)
	b2 := planned.Blocks[1]
	require.Len(t, b2.Segments, 3)

	assert.Equal(t, b2.StartUTCMs, b2.Segments[0].StartUTCMs)
	assert.Equal(t, b2.StartUTCMs+1_290_000, b2.Segments[1].StartUTCMs)
	assert.Equal(t, b2.StartUTCMs+1_500_000, b2.Segments[2].StartUTCMs)

	got, ok := planned.Block(b2.BlockID)
	require.True(t, ok)
	assert.Equal(t, "cheers-s01e02", got.AssetID)

	_, ok = planned.Block(models.NewULID())
	assert.False(t, ok)
}
