package schedule

import (
	"errors"
	"fmt"

	"github.com/retrovue/retrovue/internal/dsl"
	"github.com/retrovue/retrovue/internal/models"
)

// Expansion errors.
var (
	ErrNoMediaDuration      = errors.New("asset has no media duration")
	ErrMarkerOutOfRange     = errors.New("chapter marker outside episode")
	ErrMarkersNotIncreasing = errors.New("chapter markers not strictly increasing")
)

// ExpandBlock splits a program block into its playout segments.
//
// Chapter markers cut the episode into acts: [0,c1), [c1,c2), ...,
// [cn, media end). A zero-width ad-break placeholder sits between each
// pair of acts, and a final placeholder after the last act carries the
// slot time the episode does not use. Without markers the result is one
// act covering the whole episode plus the trailing placeholder.
//
// The acts use the asset's exact media duration, not the block's
// second-rounded episode duration, so segment sums stay millisecond
// exact. The returned segments always sum to the slot duration.
func ExpandBlock(pb dsl.ProgramBlock, assetURI string, mediaDurationMs int64, markersMs []int64) ([]ScheduledSegment, error) {
	if mediaDurationMs <= 0 {
		return nil, fmt.Errorf("asset %q: %w", pb.AssetID, ErrNoMediaDuration)
	}
	slotMs := int64(pb.SlotDurationSec) * 1000
	if slotMs < mediaDurationMs {
		return nil, fmt.Errorf("asset %q runs %dms, longer than the %dms slot: %w",
			pb.AssetID, mediaDurationMs, slotMs, ErrBlockDurationMismatch)
	}

	var prev int64
	for i, m := range markersMs {
		if m <= prev {
			return nil, fmt.Errorf("asset %q marker %d at %dms after %dms: %w",
				pb.AssetID, i, m, prev, ErrMarkersNotIncreasing)
		}
		if m >= mediaDurationMs {
			return nil, fmt.Errorf("asset %q marker %d at %dms, media ends at %dms: %w",
				pb.AssetID, i, m, mediaDurationMs, ErrMarkerOutOfRange)
		}
		prev = m
	}

	segments := make([]ScheduledSegment, 0, 2*len(markersMs)+2)
	actStart := int64(0)
	for _, m := range markersMs {
		segments = append(segments,
			ScheduledSegment{
				Type:               SegmentAct,
				AssetURI:           assetURI,
				AssetStartOffsetMs: actStart,
				DurationMs:         m - actStart,
			},
			// Interior break; traffic fill decides how much time it gets.
			ScheduledSegment{Type: SegmentAdBreak},
		)
		actStart = m
	}
	segments = append(segments,
		ScheduledSegment{
			Type:               SegmentAct,
			AssetURI:           assetURI,
			AssetStartOffsetMs: actStart,
			DurationMs:         mediaDurationMs - actStart,
		},
		// The trailing break absorbs whatever slot time the episode leaves.
		ScheduledSegment{Type: SegmentAdBreak, DurationMs: slotMs - mediaDurationMs},
	)
	return segments, nil
}

// MarkerOffsets extracts millisecond offsets from catalog chapter markers,
// already ordered by index.
func MarkerOffsets(markers []models.ChapterMarker) []int64 {
	offsets := make([]int64, len(markers))
	for i, m := range markers {
		offsets[i] = m.OffsetMs
	}
	return offsets
}
