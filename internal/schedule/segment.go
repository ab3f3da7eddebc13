// Package schedule turns compiled program blocks into concrete playout
// schedules and maintains the per-channel rolling execution window.
//
// The pipeline: dsl.Compile produces the day's ProgramBlocks; ExpandBlock
// splits each block into act and ad-break segments using the asset's
// chapter markers; TrafficFiller replaces the ad breaks with filler
// material; the resulting ScheduledBlocks are inserted into the channel's
// WindowStore, which guards the millisecond-exact coverage invariant the
// runtime depends on.
package schedule

import (
	"errors"
	"fmt"
	"time"

	"github.com/retrovue/retrovue/internal/dsl"
	"github.com/retrovue/retrovue/internal/models"
)

// ErrBlockDurationMismatch is returned when a block's segments do not sum
// exactly to its slot duration.
var ErrBlockDurationMismatch = errors.New("segment durations do not sum to slot duration")

// SegmentType classifies a scheduled segment.
type SegmentType string

const (
	// SegmentAct is episode content between chapter markers.
	SegmentAct SegmentType = "act"

	// SegmentAdBreak is an unfilled placeholder between acts. Traffic fill
	// replaces every ad break before a block enters the window.
	SegmentAdBreak SegmentType = "ad_break"

	// SegmentFiller is interstitial material drawn from the filler pool.
	SegmentFiller SegmentType = "filler"

	// SegmentPad is synthesized black video and silence, emitted only when
	// the filler pool is empty.
	SegmentPad SegmentType = "pad"
)

// ScheduledSegment is one contiguous stretch of output drawn from a single
// source. AssetStartOffsetMs tells the producer where to seek inside the
// source file. Pad segments carry no offset; their URI is the configured
// pad asset, or empty when the producer should synthesize the pad itself.
type ScheduledSegment struct {
	Type               SegmentType `json:"segment_type"`
	AssetURI           string      `json:"asset_uri,omitempty"`
	AssetStartOffsetMs int64       `json:"asset_start_offset_ms"`
	DurationMs         int64       `json:"segment_duration_ms"`
}

// ScheduledBlock is a fully materialized programming slot: an exact
// [StartUTCMs, EndUTCMs) interval tiled by its segments. Blocks are
// immutable once inserted into a WindowStore.
type ScheduledBlock struct {
	ID        models.ULID        `json:"block_id"`
	ChannelID string             `json:"channel_id"`
	Day       string             `json:"programming_day_date"`
	AssetID   string             `json:"asset_id"`
	Title     string             `json:"title"`
	Season    *int               `json:"season,omitempty"`
	Episode   *int               `json:"episode,omitempty"`
	StartUTC  int64              `json:"start_utc_ms"`
	EndUTC    int64              `json:"end_utc_ms"`
	Segments  []ScheduledSegment `json:"segments"`
}

// DurationMs returns the block's scheduled length.
func (b *ScheduledBlock) DurationMs() int64 {
	return b.EndUTC - b.StartUTC
}

// Start returns the block start as a UTC instant.
func (b *ScheduledBlock) Start() time.Time {
	return time.UnixMilli(b.StartUTC).UTC()
}

// End returns the block end as a UTC instant.
func (b *ScheduledBlock) End() time.Time {
	return time.UnixMilli(b.EndUTC).UTC()
}

// Contains reports whether utcMs falls inside [StartUTC, EndUTC).
func (b *ScheduledBlock) Contains(utcMs int64) bool {
	return utcMs >= b.StartUTC && utcMs < b.EndUTC
}

// EpisodeDurationMs returns the summed act time, the length of the program
// content inside the slot.
func (b *ScheduledBlock) EpisodeDurationMs() int64 {
	var total int64
	for _, seg := range b.Segments {
		if seg.Type == SegmentAct {
			total += seg.DurationMs
		}
	}
	return total
}

// BuildBlock binds a compiled program block to its filled segment list,
// verifying that the segments tile the slot exactly. The block ID is
// derived from the start instant so IDs sort in air order.
func BuildBlock(channelID, day string, pb dsl.ProgramBlock, segments []ScheduledSegment) (*ScheduledBlock, error) {
	var sum int64
	for _, seg := range segments {
		if seg.DurationMs < 0 {
			return nil, fmt.Errorf("segment %q has negative duration %dms: %w",
				seg.Type, seg.DurationMs, ErrBlockDurationMismatch)
		}
		sum += seg.DurationMs
	}

	slotMs := int64(pb.SlotDurationSec) * 1000
	if sum != slotMs {
		return nil, fmt.Errorf("block %s at %s: segments sum %dms, slot is %dms: %w",
			pb.AssetID, pb.StartAt.Format(time.RFC3339), sum, slotMs, ErrBlockDurationMismatch)
	}

	startMs := pb.StartAt.UnixMilli()
	return &ScheduledBlock{
		ID:        models.NewULIDAt(pb.StartAt),
		ChannelID: channelID,
		Day:       day,
		AssetID:   pb.AssetID,
		Title:     pb.Title,
		Season:    pb.Season,
		Episode:   pb.Episode,
		StartUTC:  startMs,
		EndUTC:    startMs + sum,
		Segments:  segments,
	}, nil
}
