// Package producer abstracts the per-channel content pipeline that emits
// MPEG-TS bytes. The channel runtime drives a producer through the
// start / load_preview / switch_to_live / stop contract; everything the
// runtime learns back (segment terminals, EOF, swap commits) arrives as
// drained events so all state transitions stay on the dispatcher goroutine.
package producer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/retrovue/retrovue/internal/schedule"
)

// TSChunkBytes is the canonical read granularity for producer streams:
// seven 188-byte transport packets.
const TSChunkBytes = 7 * 188

// Health is the producer's coarse liveness signal.
type Health string

const (
	HealthRunning  Health = "running"
	HealthDegraded Health = "degraded"
	HealthStopped  Health = "stopped"
)

var (
	ErrNotRunning = errors.New("producer not running")
	ErrNoPreview  = errors.New("no preview loaded")
	ErrNoPlan     = errors.New("playout plan required")
)

// Format is the program output format a channel emits. FPS is carried as a
// rational so NTSC rates survive frame math without drift.
type Format struct {
	Width      int
	Height     int
	FPSNum     int
	FPSDen     int
	SampleRate int
	Channels   int
}

// DefaultFormat matches the bootstrap channel profile.
func DefaultFormat() Format {
	return Format{
		Width:      1280,
		Height:     720,
		FPSNum:     30,
		FPSDen:     1,
		SampleRate: 48000,
		Channels:   2,
	}
}

// FPS returns the frame rate as a float for display surfaces.
func (f Format) FPS() float64 {
	if f.FPSDen == 0 {
		return 0
	}
	return float64(f.FPSNum) / float64(f.FPSDen)
}

// FrameDuration returns the duration of one frame period.
func (f Format) FrameDuration() time.Duration {
	if f.FPSNum == 0 {
		return 0
	}
	return time.Duration(int64(time.Second) * int64(f.FPSDen) / int64(f.FPSNum))
}

func (f Format) String() string {
	return fmt.Sprintf("%dx%d@%d/%d", f.Width, f.Height, f.FPSNum, f.FPSDen)
}

// TickFor returns the first frame tick whose presentation time is at or
// after target, counting from start. Integer math on microseconds keeps
// rational rates exact.
func TickFor(start, target time.Time, f Format) int64 {
	if f.FPSNum == 0 || f.FPSDen == 0 {
		return 0
	}
	deltaUs := target.Sub(start).Microseconds()
	if deltaUs <= 0 {
		return 0
	}
	denUs := int64(1_000_000) * int64(f.FPSDen)
	return (deltaUs*int64(f.FPSNum) + denUs - 1) / denUs
}

// FramesPresented returns how many frames a pipeline pacing itself from
// start has presented by now. Frame k is presented at start + k periods,
// so the count is floor(elapsed/period) + 1 once start has passed.
func FramesPresented(start, now time.Time, f Format) int64 {
	if f.FPSNum == 0 || f.FPSDen == 0 {
		return 0
	}
	deltaUs := now.Sub(start).Microseconds()
	if deltaUs < 0 {
		return 0
	}
	denUs := int64(1_000_000) * int64(f.FPSDen)
	return deltaUs*int64(f.FPSNum)/denUs + 1
}

// TickTime returns the presentation time of frame tick counted from start.
func TickTime(start time.Time, tick int64, f Format) time.Time {
	if f.FPSNum == 0 {
		return start
	}
	us := tick * 1_000_000 * int64(f.FPSDen) / int64(f.FPSNum)
	return start.Add(time.Duration(us) * time.Microsecond)
}

// Preview describes the arm payload for the next block: the full plan the
// pipeline will play after the swap, plus the first-frame coordinates the
// decoder pre-rolls while the current block is still live.
type Preview struct {
	Plan       *schedule.PlayoutPlan
	AssetPath  string
	StartFrame int64
	FrameCount int64
	FPSNum     int
	FPSDen     int
}

// EventKind identifies a producer lifecycle event.
type EventKind int

const (
	// EventSegmentStart fires when the pipeline begins emitting a segment.
	EventSegmentStart EventKind = iota + 1
	// EventEOF fires when segment content is exhausted before its scheduled
	// end; pad emission starts on the next frame and output keeps flowing.
	EventEOF
	// EventSegmentEnd fires when a segment reaches its scheduled end.
	// Truncated marks segments that ran out of content along the way.
	EventSegmentEnd
	// EventSwapped fires when an armed boundary swap commits. Tick carries
	// the frame index of the first frame of the new block.
	EventSwapped
	// EventStopped fires once when the pipeline shuts down.
	EventStopped
)

func (k EventKind) String() string {
	switch k {
	case EventSegmentStart:
		return "segment_start"
	case EventEOF:
		return "eof"
	case EventSegmentEnd:
		return "segment_end"
	case EventSwapped:
		return "swapped"
	case EventStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Event reports a pipeline transition back to the channel runtime. Frames
// counts content frames only; PadFrames counts deficit pad emitted inside
// the segment after EOF.
type Event struct {
	Kind         EventKind
	SegmentIndex int
	SegmentType  schedule.SegmentType
	AssetPath    string
	Frames       int64
	PadFrames    int64
	Truncated    bool
	Tick         int64
	At           time.Time
}

// Producer is the opaque per-channel content pipeline.
//
// SwitchToLive arms the swap; it never blocks until the boundary. The
// commit is reported via an EventSwapped carrying the swap tick, because
// the synthetic pipeline is paced by the caller's own tick goroutine and a
// blocking handshake would deadlock it.
type Producer interface {
	// Start launches the pipeline on a playout plan, seeking into the first
	// segment. Idempotent once running.
	Start(ctx context.Context, plan *schedule.PlayoutPlan, startAt time.Time) error

	// LoadPreview pre-rolls the next block without disturbing live output.
	LoadPreview(preview Preview) error

	// SwitchToLive commits the loaded preview at the target boundary.
	SwitchToLive(targetBoundary time.Time) error

	// Stop ends output and releases pipeline resources. Readers of the
	// stream endpoint drain what is buffered and then see EOF.
	Stop() error

	// StreamEndpoint returns the TS byte stream. One consumer.
	StreamEndpoint() io.ReadCloser

	// Health reports pipeline liveness.
	Health() Health

	// OnPacedTick advances pipeline timers. Called at the dispatcher
	// cadence from a single goroutine.
	OnPacedTick(now time.Time, dt time.Duration)

	// DrainEvents returns and clears the pending lifecycle events in
	// emission order.
	DrainEvents() []Event
}
