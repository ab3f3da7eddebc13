package schedule

import (
	"errors"
	"fmt"
)

// ErrNegativeBreak is returned when an ad-break placeholder carries a
// negative duration, which indicates a corrupted expansion.
var ErrNegativeBreak = errors.New("ad break has negative duration")

// FillerAsset is one entry in a channel's filler pool.
type FillerAsset struct {
	URI        string
	DurationMs int64
}

// TrafficFiller replaces ad-break placeholders with filler segments.
//
// The pool is one virtual looping strip: each break picks up where the
// previous break stopped, across blocks. The cursor is scoped to a single
// broadcast day (the schedule service constructs a fresh filler per day
// compile) so a recompile reproduces the same fill.
type TrafficFiller struct {
	pool   []FillerAsset
	padURI string
	index  int
	offset int64
}

// NewTrafficFiller builds a filler over the given pool. Entries without a
// positive duration are discarded; with nothing usable left, every break
// becomes a single pad segment backed by padURI.
func NewTrafficFiller(pool []FillerAsset, padURI string) *TrafficFiller {
	usable := make([]FillerAsset, 0, len(pool))
	for _, f := range pool {
		if f.DurationMs > 0 {
			usable = append(usable, f)
		}
	}
	return &TrafficFiller{pool: usable, padURI: padURI}
}

// Fill replaces every ad break in segments with filler material summing to
// exactly the break's duration. Zero-width breaks vanish; other segments
// pass through unchanged.
func (t *TrafficFiller) Fill(segments []ScheduledSegment) ([]ScheduledSegment, error) {
	out := make([]ScheduledSegment, 0, len(segments))
	for i, seg := range segments {
		if seg.Type != SegmentAdBreak {
			out = append(out, seg)
			continue
		}
		if seg.DurationMs < 0 {
			return nil, fmt.Errorf("segment %d: %dms: %w", i, seg.DurationMs, ErrNegativeBreak)
		}
		out = append(out, t.fillBreak(seg.DurationMs)...)
	}
	return out, nil
}

// fillBreak takes contiguous slices off the looping strip until the break
// is covered. A slice that crosses a filler boundary becomes two segments.
func (t *TrafficFiller) fillBreak(remaining int64) []ScheduledSegment {
	if remaining == 0 {
		return nil
	}
	if len(t.pool) == 0 {
		return []ScheduledSegment{{
			Type:       SegmentPad,
			AssetURI:   t.padURI,
			DurationMs: remaining,
		}}
	}

	var out []ScheduledSegment
	for remaining > 0 {
		cur := t.pool[t.index]
		take := cur.DurationMs - t.offset
		if take > remaining {
			take = remaining
		}
		out = append(out, ScheduledSegment{
			Type:               SegmentFiller,
			AssetURI:           cur.URI,
			AssetStartOffsetMs: t.offset,
			DurationMs:         take,
		})
		t.offset += take
		remaining -= take
		if t.offset == cur.DurationMs {
			t.index = (t.index + 1) % len(t.pool)
			t.offset = 0
		}
	}
	return out
}

// Cursor returns the strip position the next break will continue from.
func (t *TrafficFiller) Cursor() (index int, offsetMs int64) {
	return t.index, t.offset
}
