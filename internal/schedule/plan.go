package schedule

import (
	"fmt"
	"time"

	"github.com/retrovue/retrovue/internal/models"
)

// PlanSegment is one playable entry of a playout plan: a local media path,
// where to seek inside it, and when it airs.
type PlanSegment struct {
	// Index is the segment's position in the scheduled block, preserved
	// across the projection so as-run records line up with the plan.
	Index int `json:"segment_index"`

	AssetPath       string      `json:"asset_path"`
	StartPtsMs      int64       `json:"start_pts_ms"`
	Type            SegmentType `json:"segment_type"`
	StartTimeUTC    time.Time   `json:"start_time_utc"`
	EndTimeUTC      time.Time   `json:"end_time_utc"`
	DurationSeconds float64     `json:"duration_seconds"`
}

// PlayoutPlan is the mid-stream join projection the producer consumes: the
// covering block's remaining playable segments from a given instant.
type PlayoutPlan struct {
	ChannelID  string        `json:"channel_id"`
	BlockID    models.ULID   `json:"block_id"`
	BlockStart time.Time     `json:"block_start_utc"`
	BlockEnd   time.Time     `json:"block_end_utc"`
	Segments   []PlanSegment `json:"segments"`
}

// Boundary returns the wall-clock instant the plan runs out, which is the
// covering block's end.
func (p *PlayoutPlan) Boundary() time.Time { return p.BlockEnd }

// PlanAt resolves the block covering at and projects its playout plan.
// Returns ErrNoCoverage when the window has no block there.
func (s *Service) PlanAt(channelID string, at time.Time) (*PlayoutPlan, error) {
	state, err := s.channel(channelID)
	if err != nil {
		return nil, err
	}
	block, ok := state.store.BlockAt(at.UnixMilli())
	if !ok {
		return nil, fmt.Errorf("channel %q at %s: %w",
			channelID, at.UTC().Format(time.RFC3339), ErrNoCoverage)
	}
	return ProjectPlan(block, at), nil
}

// ProjectPlan walks a block's segments from the block start, dropping pad
// segments and segments that already ended; the segment containing at is
// clipped so its seek offset lands exactly on the join instant. A block
// whose remainder is all pad projects to an empty segment list, and the
// producer pads to the boundary on its own.
func ProjectPlan(block *ScheduledBlock, at time.Time) *PlayoutPlan {
	atMs := at.UnixMilli()

	segments := make([]PlanSegment, 0, len(block.Segments))
	cursor := block.StartUTC
	for i, seg := range block.Segments {
		segStart := cursor
		segEnd := cursor + seg.DurationMs
		cursor = segEnd

		if seg.Type == SegmentPad || segEnd <= atMs {
			continue
		}

		entry := PlanSegment{
			Index:           i,
			AssetPath:       seg.AssetURI,
			StartPtsMs:      seg.AssetStartOffsetMs,
			Type:            seg.Type,
			StartTimeUTC:    time.UnixMilli(segStart).UTC(),
			EndTimeUTC:      time.UnixMilli(segEnd).UTC(),
			DurationSeconds: float64(seg.DurationMs) / 1000,
		}
		if segStart < atMs {
			elapsed := atMs - segStart
			entry.StartPtsMs += elapsed
			entry.StartTimeUTC = time.UnixMilli(atMs).UTC()
			entry.DurationSeconds = float64(segEnd-atMs) / 1000
		}
		segments = append(segments, entry)
	}

	return &PlayoutPlan{
		ChannelID:  block.ChannelID,
		BlockID:    block.ID,
		BlockStart: block.Start(),
		BlockEnd:   block.End(),
		Segments:   segments,
	}
}
