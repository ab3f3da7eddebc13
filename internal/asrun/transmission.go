package asrun

import (
	"fmt"
	"strings"
	"time"

	"github.com/retrovue/retrovue/internal/models"
	"github.com/retrovue/retrovue/internal/schedule"
	"github.com/retrovue/retrovue/pkg/timefmt"
)

// PlannedSegment is one scheduled segment of the transmission log, with
// its absolute air time resolved.
type PlannedSegment struct {
	Index      int                  `json:"segment_index"`
	Type       schedule.SegmentType `json:"segment_type"`
	AssetURI   string               `json:"asset_uri,omitempty"`
	StartUTCMs int64                `json:"scheduled_start_utc_ms"`
	DurationMs int64                `json:"duration_ms"`
}

// PlannedBlock is one scheduled block of the transmission log.
type PlannedBlock struct {
	BlockID    models.ULID      `json:"block_id"`
	AssetID    string           `json:"asset_id"`
	Title      string           `json:"title,omitempty"`
	StartUTCMs int64            `json:"scheduled_start_utc_ms"`
	EndUTCMs   int64            `json:"scheduled_end_utc_ms"`
	Segments   []PlannedSegment `json:"segments"`
}

// TransmissionLog is the planned side of reconciliation: what the channel
// was supposed to air for one broadcast day, in air order.
type TransmissionLog struct {
	ChannelID    string         `json:"channel_id"`
	BroadcastDay string         `json:"broadcast_day"`
	Blocks       []PlannedBlock `json:"blocks"`
}

// Plan builds the transmission log for a set of scheduled blocks, already
// in air order. Segment start times are resolved by tiling each block from
// its start.
func Plan(channelID, broadcastDay string, blocks []*schedule.ScheduledBlock) *TransmissionLog {
	log := &TransmissionLog{ChannelID: channelID, BroadcastDay: broadcastDay}
	for _, block := range blocks {
		planned := PlannedBlock{
			BlockID:    block.ID,
			AssetID:    block.AssetID,
			Title:      block.Title,
			StartUTCMs: block.StartUTC,
			EndUTCMs:   block.EndUTC,
			Segments:   make([]PlannedSegment, 0, len(block.Segments)),
		}
		cursor := block.StartUTC
		for i, seg := range block.Segments {
			planned.Segments = append(planned.Segments, PlannedSegment{
				Index:      i,
				Type:       seg.Type,
				AssetURI:   seg.AssetURI,
				StartUTCMs: cursor,
				DurationMs: seg.DurationMs,
			})
			cursor += seg.DurationMs
		}
		log.Blocks = append(log.Blocks, planned)
	}
	return log
}

// Render prints the transmission log as rows of
//
//	SCHEDULED DUR TYPE BLOCK_ID NOTES
//
// with SCHEDULED on the broadcast clock relative to dayStart. This is the
// planned-side counterpart of the as-run text log, used by the compile CLI.
func (t *TransmissionLog) Render(dayStart time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# transmission log channel=%s broadcast_day=%s\n", t.ChannelID, t.BroadcastDay)
	for _, block := range t.Blocks {
		for _, seg := range block.Segments {
			clock := timefmt.BroadcastClock(dayStart, time.UnixMilli(seg.StartUTCMs))
			notes := fmt.Sprintf("segment_index=%d", seg.Index)
			if seg.Index == 0 {
				notes += " asset_id=" + block.AssetID
				if block.Title != "" {
					notes += fmt.Sprintf(" title=%q", block.Title)
				}
			}
			if seg.AssetURI != "" {
				notes += " asset=" + seg.AssetURI
			}
			fmt.Fprintf(&b, "%s %s %s %s %s\n",
				clock, timefmt.DurationSeconds(seg.DurationMs), seg.Type, block.BlockID, notes)
		}
	}
	return b.String()
}

// Block returns the planned block with the given ID.
func (t *TransmissionLog) Block(id models.ULID) (*PlannedBlock, bool) {
	for i := range t.Blocks {
		if t.Blocks[i].BlockID == id {
			return &t.Blocks[i], true
		}
	}
	return nil, false
}
