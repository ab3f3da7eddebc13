package producer

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/retrovue/retrovue/internal/observability"
	"github.com/retrovue/retrovue/internal/schedule"
)

// Synthetic AU payloads. The muxer does not inspect slice contents beyond
// the NALU header byte, so short deterministic payloads keep tests fast
// while producing structurally valid TS.
var (
	naluSPS = []byte{
		0x67, 0x64, 0x00, 0x1f, 0xac, 0xd9, 0x40, 0x50,
		0x05, 0xbb, 0x01, 0x10, 0x00, 0x00, 0x03, 0x00,
		0x10, 0x00, 0x00, 0x03, 0x03, 0xc0, 0xf1, 0x83,
		0x19, 0x60,
	}
	naluPPS = []byte{0x68, 0xeb, 0xe3, 0xcb, 0x22, 0xc0}
	aacAU   = []byte{0x21, 0x10, 0x04, 0x60, 0x8c, 0x1c}
)

const (
	naluHeaderIDR    = 0x65
	naluHeaderNonIDR = 0x41

	idrPayloadBytes   = 960
	framePayloadBytes = 240

	// writeWindowFrames bounds how far back catch-up emission writes real
	// bytes after a clock leap. Earlier frames still advance the tick
	// geometry so segment and swap accounting stays exact.
	writeWindowFrames = 300
)

// SyntheticConfig configures the in-process pipeline.
type SyntheticConfig struct {
	ChannelID string
	Format    Format
	Logger    *slog.Logger
}

// Synthetic is an in-process producer that muxes generated H.264 and AAC
// access units into MPEG-TS at the channel format's cadence. Emission is
// paced entirely by OnPacedTick so tests drive it with a controllable
// clock; it honors the preview/switch contract at frame ticks and models
// content deficits via SimulateEOF.
type Synthetic struct {
	channelID string
	format    Format
	logger    *slog.Logger
	gop       int64

	mu     sync.Mutex
	health Health
	buf    *streamBuffer
	mux    *tsMux

	plan  *schedule.PlayoutPlan
	start time.Time
	tick  int64

	segIdx         int
	segStartTick   int64
	segEndTick     int64
	contentEndTick int64
	eofNotified    bool
	padTick        int64

	preview    *Preview
	switchTick int64

	deficits map[int]time.Duration
	events   []Event
}

// NewSynthetic creates a stopped pipeline. Start begins emission.
func NewSynthetic(cfg SyntheticConfig) *Synthetic {
	format := cfg.Format
	if format.FPSNum == 0 {
		format = DefaultFormat()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	den := int64(format.FPSDen)
	if den < 1 {
		den = 1
	}
	gop := int64(format.FPSNum) / den
	if gop < 1 {
		gop = 1
	}
	return &Synthetic{
		channelID:  cfg.ChannelID,
		format:     format,
		logger:     observability.WithComponent(logger, "producer"),
		gop:        gop,
		health:     HealthStopped,
		buf:        newStreamBuffer(),
		switchTick: -1,
		deficits:   make(map[int]time.Duration),
	}
}

// Start launches emission on the plan, seeking into its first segment.
func (s *Synthetic) Start(_ context.Context, plan *schedule.PlayoutPlan, startAt time.Time) error {
	if plan == nil || len(plan.Segments) == 0 {
		return ErrNoPlan
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.health == HealthRunning {
		return nil
	}

	mux, err := newTSMux(s.buf, s.format.SampleRate, s.format.Channels)
	if err != nil {
		return err
	}

	s.mux = mux
	s.plan = plan
	s.start = startAt
	s.tick = 0
	s.health = HealthRunning
	s.switchTick = -1
	s.preview = nil
	s.deficits = make(map[int]time.Duration)
	s.openSegmentLocked(0, startAt)

	s.logger.Info("producer started",
		slog.String("channel_id", s.channelID),
		slog.String("block_id", plan.BlockID.String()),
		slog.Time("start_at", startAt))
	return nil
}

// LoadPreview holds the next block's plan ready without touching output.
func (s *Synthetic) LoadPreview(preview Preview) error {
	if preview.Plan == nil || len(preview.Plan.Segments) == 0 {
		return ErrNoPlan
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.health != HealthRunning {
		return ErrNotRunning
	}
	p := preview
	s.preview = &p

	s.logger.Debug("preview loaded",
		slog.String("channel_id", s.channelID),
		slog.String("asset", preview.AssetPath),
		slog.Int64("start_frame", preview.StartFrame))
	return nil
}

// SwitchToLive arms the swap at the target boundary. The commit lands on
// the first frame tick at or after the boundary and is acked with an
// EventSwapped carrying that tick.
func (s *Synthetic) SwitchToLive(targetBoundary time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.health != HealthRunning {
		return ErrNotRunning
	}
	if s.preview == nil {
		return ErrNoPreview
	}

	tick := TickFor(s.start, targetBoundary, s.format)
	if tick < s.tick {
		tick = s.tick
	}
	s.switchTick = tick
	return nil
}

// Stop ends emission. The stream endpoint drains and then EOFs.
func (s *Synthetic) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.health == HealthStopped {
		return nil
	}
	s.health = HealthStopped
	s.events = append(s.events, Event{Kind: EventStopped, Tick: s.tick, At: time.Now()})
	return s.buf.Close()
}

// StreamEndpoint returns the TS byte stream. Single consumer.
func (s *Synthetic) StreamEndpoint() io.ReadCloser {
	return s.buf
}

// Health reports pipeline liveness.
func (s *Synthetic) Health() Health {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.health
}

// DrainEvents returns pending lifecycle events in emission order.
func (s *Synthetic) DrainEvents() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	events := s.events
	s.events = nil
	return events
}

// SimulateEOF exhausts the content of one live-plan segment early, as a
// decoder hitting end of file would. Pad emission covers the remainder.
func (s *Synthetic) SimulateEOF(segmentIndex int, early time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deficits[segmentIndex] = early
	if s.plan != nil && s.segIdx < len(s.plan.Segments) &&
		s.plan.Segments[s.segIdx].Index == segmentIndex {
		s.applyDeficitLocked()
	}
}

// SimulateDegraded marks the pipeline degraded without stopping emission.
func (s *Synthetic) SimulateDegraded() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.health == HealthRunning {
		s.health = HealthDegraded
	}
}

// Tick returns the number of frames presented since start.
func (s *Synthetic) Tick() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tick
}

// Buffered reports bytes waiting at the stream endpoint.
func (s *Synthetic) Buffered() int {
	return s.buf.Buffered()
}

// OnPacedTick advances emission to the frame the wall clock has reached.
// Degraded pipelines keep emitting; only stop ends output.
func (s *Synthetic) OnPacedTick(now time.Time, _ time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.health == HealthStopped {
		return
	}

	target := FramesPresented(s.start, now, s.format)
	for s.tick < target {
		s.emitFrameLocked(now, target)
	}
}

// emitFrameLocked advances one frame tick: segment close/open and swap
// commit first, then one muxed video+audio frame.
func (s *Synthetic) emitFrameLocked(now time.Time, target int64) {
	s.advanceSegmentsLocked(now)

	if s.switchTick >= 0 && s.tick >= s.switchTick && s.preview != nil {
		s.commitSwapLocked(now)
	}

	inSegment := s.plan != nil && s.segIdx < len(s.plan.Segments)
	padFrame := !inSegment
	keyframe := false

	if inSegment {
		if s.tick >= s.contentEndTick {
			if !s.eofNotified {
				s.eofNotified = true
				seg := s.plan.Segments[s.segIdx]
				s.events = append(s.events, Event{
					Kind:         EventEOF,
					SegmentIndex: seg.Index,
					SegmentType:  seg.Type,
					AssetPath:    seg.AssetPath,
					Frames:       s.contentEndTick - s.segStartTick,
					Tick:         s.tick,
					At:           now,
				})
			}
			padFrame = true
		}
		keyframe = (s.tick-s.segStartTick)%s.gop == 0
	} else {
		keyframe = (s.tick-s.padTick)%s.gop == 0
	}

	// Frames far behind the write window advance accounting only.
	if target-s.tick <= writeWindowFrames {
		s.writeFrameLocked(keyframe, padFrame)
	}
	s.tick++
}

// advanceSegmentsLocked closes segments whose scheduled end the tick has
// reached and opens their successors.
func (s *Synthetic) advanceSegmentsLocked(now time.Time) {
	for s.plan != nil && s.segIdx < len(s.plan.Segments) && s.tick >= s.segEndTick {
		s.closeSegmentLocked(now)
		next := s.segIdx + 1
		if next < len(s.plan.Segments) {
			s.openSegmentLocked(next, now)
		} else {
			s.segIdx = next
			s.padTick = s.tick
		}
	}
}

func (s *Synthetic) openSegmentLocked(idx int, now time.Time) {
	seg := s.plan.Segments[idx]
	s.segIdx = idx
	s.segStartTick = TickFor(s.start, seg.StartTimeUTC, s.format)
	s.segEndTick = TickFor(s.start, seg.EndTimeUTC, s.format)
	s.contentEndTick = s.segEndTick
	s.eofNotified = false
	s.applyDeficitLocked()

	s.events = append(s.events, Event{
		Kind:         EventSegmentStart,
		SegmentIndex: seg.Index,
		SegmentType:  seg.Type,
		AssetPath:    seg.AssetPath,
		Tick:         s.tick,
		At:           now,
	})
}

func (s *Synthetic) applyDeficitLocked() {
	seg := s.plan.Segments[s.segIdx]
	early, ok := s.deficits[seg.Index]
	if !ok {
		return
	}
	earlyFrames := early.Microseconds() * int64(s.format.FPSNum) /
		(1_000_000 * int64(s.format.FPSDen))
	cut := s.segEndTick - earlyFrames
	if cut < s.segStartTick {
		cut = s.segStartTick
	}
	s.contentEndTick = cut
}

func (s *Synthetic) closeSegmentLocked(now time.Time) {
	seg := s.plan.Segments[s.segIdx]
	end := s.segEndTick
	if s.tick < end {
		end = s.tick
	}
	content := s.contentEndTick
	if content > end {
		content = end
	}

	s.events = append(s.events, Event{
		Kind:         EventSegmentEnd,
		SegmentIndex: seg.Index,
		SegmentType:  seg.Type,
		AssetPath:    seg.AssetPath,
		Frames:       content - s.segStartTick,
		PadFrames:    end - content,
		Truncated:    content < end,
		Tick:         s.tick,
		At:           now,
	})
}

// commitSwapLocked swaps the live plan to the loaded preview. The first
// frame of the new block presents at the armed tick.
func (s *Synthetic) commitSwapLocked(now time.Time) {
	if s.plan != nil && s.segIdx < len(s.plan.Segments) {
		s.closeSegmentLocked(now)
	}

	swapTick := s.switchTick
	s.events = append(s.events, Event{Kind: EventSwapped, Tick: swapTick, At: now})

	s.plan = s.preview.Plan
	s.preview = nil
	s.switchTick = -1
	s.deficits = make(map[int]time.Duration)
	s.openSegmentLocked(0, now)

	s.logger.Debug("boundary swap committed",
		slog.String("channel_id", s.channelID),
		slog.Int64("swap_tick", swapTick),
		slog.String("block_id", s.plan.BlockID.String()))
}

func (s *Synthetic) writeFrameLocked(keyframe, pad bool) {
	pts := s.tick * 90000 * int64(s.format.FPSDen) / int64(s.format.FPSNum)

	var au [][]byte
	if keyframe {
		au = [][]byte{naluSPS, naluPPS, videoSlice(naluHeaderIDR, idrPayloadBytes, pad)}
	} else {
		au = [][]byte{videoSlice(naluHeaderNonIDR, framePayloadBytes, pad)}
	}

	if err := s.mux.writeVideo(pts, au); err != nil {
		s.failLocked(err)
		return
	}
	if err := s.mux.writeAudio(pts, [][]byte{aacAU}); err != nil {
		s.failLocked(err)
	}
}

func (s *Synthetic) failLocked(err error) {
	if s.health == HealthRunning {
		s.health = HealthDegraded
		s.logger.Error("mux write failed",
			slog.String("channel_id", s.channelID),
			slog.String("error", err.Error()))
	}
}

// videoSlice builds a synthetic slice NALU. Pad frames carry a zeroed
// payload, standing in for the black frame a real pipeline emits.
func videoSlice(header byte, size int, pad bool) []byte {
	b := make([]byte, size)
	b[0] = header
	if !pad {
		for i := 1; i < size; i++ {
			b[i] = byte(i)
		}
	}
	return b
}
