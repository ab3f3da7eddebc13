package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// planBlock is a half-hour block with a 22-minute act, 3 minutes of
// filler, and 5 minutes of trailing pad.
func planBlock(t *testing.T) *ScheduledBlock {
	t.Helper()
	pb := halfHourBlock("cheers-s01e01", time.Date(2026, 1, 15, 6, 0, 0, 0, time.UTC))
	block, err := BuildBlock("retro-one", "2026-01-15", pb, []ScheduledSegment{
		{Type: SegmentAct, AssetURI: "/media/cheers-s01e01.ts", DurationMs: 1_320_000},
		{Type: SegmentFiller, AssetURI: "/media/fill/psa.ts", AssetStartOffsetMs: 5_000, DurationMs: 180_000},
		{Type: SegmentPad, DurationMs: 300_000},
	})
	require.NoError(t, err)
	return block
}

func TestProjectPlan_AtBlockStart(t *testing.T) {
	block := planBlock(t)
	plan := ProjectPlan(block, block.Start())

	assert.Equal(t, "retro-one", plan.ChannelID)
	assert.Equal(t, block.ID, plan.BlockID)
	assert.Equal(t, block.End(), plan.Boundary())

	// Pad segments never reach the producer.
	require.Len(t, plan.Segments, 2)

	first := plan.Segments[0]
	assert.Equal(t, 0, first.Index)
	assert.Equal(t, "/media/cheers-s01e01.ts", first.AssetPath)
	assert.Equal(t, int64(0), first.StartPtsMs)
	assert.Equal(t, block.Start(), first.StartTimeUTC)
	assert.Equal(t, float64(1320), first.DurationSeconds)

	second := plan.Segments[1]
	assert.Equal(t, 1, second.Index)
	assert.Equal(t, int64(5_000), second.StartPtsMs)
	assert.Equal(t, float64(180), second.DurationSeconds)
}

func TestProjectPlan_MidSegmentJoinClips(t *testing.T) {
	block := planBlock(t)
	at := block.Start().Add(10 * time.Minute)

	plan := ProjectPlan(block, at)
	require.Len(t, plan.Segments, 2)

	// The covering act is clipped so the seek offset lands on the join.
	first := plan.Segments[0]
	assert.Equal(t, 0, first.Index)
	assert.Equal(t, int64(600_000), first.StartPtsMs)
	assert.Equal(t, at, first.StartTimeUTC)
	assert.Equal(t, float64(720), first.DurationSeconds)

	// Later segments are untouched.
	assert.Equal(t, int64(5_000), plan.Segments[1].StartPtsMs)
}

func TestProjectPlan_DropsEndedSegments(t *testing.T) {
	block := planBlock(t)

	// 23 minutes in: the act is over, the join lands inside the filler.
	at := block.Start().Add(23 * time.Minute)
	plan := ProjectPlan(block, at)
	require.Len(t, plan.Segments, 1)

	seg := plan.Segments[0]
	assert.Equal(t, 1, seg.Index)
	assert.Equal(t, SegmentFiller, seg.Type)
	assert.Equal(t, int64(5_000+60_000), seg.StartPtsMs)
	assert.Equal(t, float64(120), seg.DurationSeconds)
}

func TestProjectPlan_PadRemainderIsEmptyPlan(t *testing.T) {
	block := planBlock(t)

	// 26 minutes in, only pad remains: the producer synthesizes to the
	// boundary on its own.
	at := block.Start().Add(26 * time.Minute)
	plan := ProjectPlan(block, at)
	assert.Empty(t, plan.Segments)
	assert.Equal(t, block.End(), plan.Boundary())
}

func TestProjectPlan_SegmentBoundaryInstant(t *testing.T) {
	block := planBlock(t)

	// Exactly at the act/filler seam: the act has ended, the filler
	// starts unclipped.
	at := block.Start().Add(22 * time.Minute)
	plan := ProjectPlan(block, at)
	require.Len(t, plan.Segments, 1)
	assert.Equal(t, 1, plan.Segments[0].Index)
	assert.Equal(t, int64(5_000), plan.Segments[0].StartPtsMs)
	assert.Equal(t, at, plan.Segments[0].StartTimeUTC)
}
