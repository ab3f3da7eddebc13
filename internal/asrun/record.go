// Package asrun records what a channel actually transmitted and checks it
// against what was planned.
//
// The channel manager appends one record per playout event: a SEG_START
// when a segment's first frame goes out, one terminal record (AIRED,
// TRUNCATED or SKIPPED) when the segment resolves, and a FENCE at every
// block boundary swap. Records land in an append-only per-channel text log
// and an in-memory structured log; Reconcile compares the structured log
// against the planned transmission log after the fact.
package asrun

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/retrovue/retrovue/internal/models"
	"github.com/retrovue/retrovue/internal/schedule"
	"github.com/retrovue/retrovue/pkg/timefmt"
)

// EventType is the STATUS column of the text log.
type EventType string

const (
	// EventSegStart marks a segment's first emitted frame.
	EventSegStart EventType = "SEG_START"

	// EventAired closes a segment that played to its planned end.
	EventAired EventType = "AIRED"

	// EventTruncated closes a segment cut short, for instance by a
	// content deficit before a boundary.
	EventTruncated EventType = "TRUNCATED"

	// EventSkipped closes a segment that never started, for instance one
	// behind a mid-block join point.
	EventSkipped EventType = "SKIPPED"

	// EventFence marks a block boundary swap.
	EventFence EventType = "FENCE"
)

// Record validation errors.
var (
	ErrAiredWithoutFrames = errors.New("AIRED record without emitted frames")
	ErrFenceTickMismatch  = errors.New("FENCE ticks must be equal and positive, or both absent")
	ErrFenceBudget        = errors.New("FENCE frame budget remaining must be zero")
	ErrRecordChannel      = errors.New("record has no channel id")
	ErrRecordBlock        = errors.New("record has no block id")
)

// Record is one as-run event. Segment events carry the segment fields;
// fences carry the tick fields and leave the segment fields zero.
// ScheduledStartUTCMs exists only on the structured record: scheduled
// times belong to the planned transmission log and never appear in the
// text log.
type Record struct {
	EventID   models.ULID `json:"event_id"`
	ChannelID string      `json:"channel_id"`
	Event     EventType   `json:"event_type"`
	BlockID   models.ULID `json:"block_id"`

	SegmentIndex        int                  `json:"segment_index"`
	SegmentType         schedule.SegmentType `json:"segment_type,omitempty"`
	AssetURI            string               `json:"asset_uri,omitempty"`
	ScheduledStartUTCMs int64                `json:"scheduled_start_utc_ms,omitempty"`
	ActualStartUTCMs    int64                `json:"actual_start_utc_ms"`
	DurationMs          int64                `json:"duration_ms"`
	FramesEmitted       int64                `json:"frames_emitted"`
	RuntimeRecovery     bool                 `json:"runtime_recovery,omitempty"`
	RunwayDegradation   bool                 `json:"runway_degradation,omitempty"`

	SwapTick             int64  `json:"swap_tick,omitempty"`
	FenceTick            int64  `json:"fence_tick,omitempty"`
	FrameBudgetRemaining int64  `json:"frame_budget_remaining"`
	Reason               string `json:"reason,omitempty"`

	Notes string `json:"notes,omitempty"`
}

// IsTerminal reports whether the record closes a segment.
func (r *Record) IsTerminal() bool {
	switch r.Event {
	case EventAired, EventTruncated, EventSkipped:
		return true
	}
	return false
}

// Validate checks the per-record as-run invariants.
func (r *Record) Validate() error {
	if r.ChannelID == "" {
		return ErrRecordChannel
	}
	switch r.Event {
	case EventFence:
		if (r.SwapTick == 0) != (r.FenceTick == 0) {
			return fmt.Errorf("swap_tick %d, fence_tick %d: %w", r.SwapTick, r.FenceTick, ErrFenceTickMismatch)
		}
		if r.SwapTick != r.FenceTick || r.SwapTick < 0 {
			return fmt.Errorf("swap_tick %d, fence_tick %d: %w", r.SwapTick, r.FenceTick, ErrFenceTickMismatch)
		}
		if r.FrameBudgetRemaining != 0 {
			return fmt.Errorf("frame budget %d: %w", r.FrameBudgetRemaining, ErrFenceBudget)
		}
	case EventAired:
		if r.FramesEmitted <= 0 {
			return fmt.Errorf("block %s segment %d: %w", r.BlockID, r.SegmentIndex, ErrAiredWithoutFrames)
		}
		fallthrough
	case EventSegStart, EventTruncated, EventSkipped:
		if r.BlockID.IsZero() {
			return fmt.Errorf("%s record: %w", r.Event, ErrRecordBlock)
		}
		if r.SegmentIndex < 0 {
			return fmt.Errorf("%s record: segment index %d negative", r.Event, r.SegmentIndex)
		}
	default:
		return fmt.Errorf("unknown event type %q", r.Event)
	}
	return nil
}

// eventInstant is the wall-clock moment the row logs: segment start for
// SEG_START, segment end for terminals, the boundary for fences.
func (r *Record) eventInstant() int64 {
	if r.IsTerminal() {
		return r.ActualStartUTCMs + r.DurationMs
	}
	return r.ActualStartUTCMs
}

// TextRow renders the record as one whitespace-delimited log row:
//
//	ACTUAL DUR STATUS TYPE EVENT_ID NOTES
//
// ACTUAL is the broadcast clock relative to dayStart and may exceed
// 23:59:59 past the rollover.
func (r *Record) TextRow(dayStart time.Time) string {
	actual := timefmt.BroadcastClock(dayStart, time.UnixMilli(r.eventInstant()))
	dur := timefmt.DurationSeconds(r.DurationMs)

	kind := string(r.SegmentType)
	if r.Event == EventFence {
		kind = "boundary"
	}
	if kind == "" {
		kind = "-"
	}

	notes := r.notes()
	if notes == "" {
		notes = "-"
	}
	return fmt.Sprintf("%s %s %s %s %s %s", actual, dur, r.Event, kind, r.EventID, notes)
}

func (r *Record) notes() string {
	var parts []string
	switch r.Event {
	case EventSegStart:
		parts = append(parts, "block="+r.BlockID.String(),
			fmt.Sprintf("segment_index=%d", r.SegmentIndex))
		if r.AssetURI != "" {
			parts = append(parts, "asset="+r.AssetURI)
		}
	case EventFence:
		if r.SwapTick != 0 {
			parts = append(parts,
				fmt.Sprintf("swap_tick=%d", r.SwapTick),
				fmt.Sprintf("fence_tick=%d", r.FenceTick))
		}
		parts = append(parts,
			fmt.Sprintf("frames_emitted=%d", r.FramesEmitted),
			fmt.Sprintf("frame_budget_remaining=%d", r.FrameBudgetRemaining))
		if r.Reason != "" {
			parts = append(parts, "reason="+r.Reason)
		}
	default:
		parts = append(parts,
			fmt.Sprintf("segment_index=%d", r.SegmentIndex),
			fmt.Sprintf("frames=%d", r.FramesEmitted))
		if r.RuntimeRecovery {
			parts = append(parts, "runtime_recovery=true")
		}
		if r.RunwayDegradation {
			parts = append(parts, "runway_degradation=true")
		}
	}
	if r.Notes != "" {
		parts = append(parts, r.Notes)
	}
	return strings.Join(parts, " ")
}

// Log is one channel's structured as-run history, in emission order.
type Log struct {
	ChannelID string   `json:"channel_id"`
	Records   []Record `json:"records"`
}

// Validate checks the cross-record invariants and returns every problem
// found: each record valid on its own, and every SEG_START closed by
// exactly one terminal record for the same block and segment. A recovery
// restart may legitimately re-air a segment, so starts and terminals are
// compared by count rather than capped at one.
func (l *Log) Validate() []string {
	var problems []string

	type segKey struct {
		block models.ULID
		index int
	}
	starts := make(map[segKey]int)
	terminals := make(map[segKey]int)

	for i := range l.Records {
		rec := &l.Records[i]
		if err := rec.Validate(); err != nil {
			problems = append(problems, fmt.Sprintf("record %d: %v", i, err))
			continue
		}
		key := segKey{rec.BlockID, rec.SegmentIndex}
		switch {
		case rec.Event == EventSegStart:
			starts[key]++
		case rec.IsTerminal():
			terminals[key]++
		}
	}

	for key, n := range starts {
		switch {
		case terminals[key] == n:
		case terminals[key] < n:
			problems = append(problems, fmt.Sprintf(
				"block %s segment %d: SEG_START without a terminal record", key.block, key.index))
		default:
			problems = append(problems, fmt.Sprintf(
				"block %s segment %d: %d terminal records", key.block, key.index, terminals[key]))
		}
	}
	for key, n := range terminals {
		if starts[key] == 0 {
			problems = append(problems, fmt.Sprintf(
				"block %s segment %d: %d terminal records without a SEG_START", key.block, key.index, n))
		}
	}
	return problems
}
