// Package hls cuts a live MPEG-TS byte stream into a bounded ring of
// HLS segments and renders the media playlist. The segmenter is a
// pure byte consumer: it accepts arbitrarily sized chunks from the
// fanout, re-synchronizes on the TS sync byte, and finalizes segments
// on keyframe packets once the target duration is reached.
package hls

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/retrovue/retrovue/internal/observability"
)

const (
	packetLen = 188

	// DefaultTargetDuration is the minimum segment length before a
	// keyframe may finalize it.
	DefaultTargetDuration = 2 * time.Second

	// DefaultMaxSegments bounds the segment ring; finalizing into a
	// full ring evicts the oldest and advances the media sequence.
	DefaultMaxSegments = 10
)

// Segment is one finalized ring entry.
type Segment struct {
	Name     string
	Data     []byte
	Duration time.Duration
}

// Config tunes a channel segmenter.
type Config struct {
	TargetDuration time.Duration
	MaxSegments    int
	Logger         *slog.Logger
	Metrics        *observability.Metrics
	Now            func() time.Time
}

// Segmenter buffers the building segment and the finalized ring.
// Playlist and segment reads are O(ring) under the same lock as Feed.
type Segmenter struct {
	channelID string
	target    time.Duration
	maxSegs   int
	logger    *slog.Logger
	metrics   *observability.Metrics
	now       func() time.Time

	mu       sync.Mutex
	leftover []byte
	cur      []byte
	curStart time.Time
	firstPCR int64
	lastPCR  int64
	pcrValid bool

	segments  []Segment
	mediaSeq  int
	nextIndex int
	maxSecs   float64

	ready     chan struct{}
	readyOnce sync.Once
}

// New builds a segmenter for one channel stream.
func New(channelID string, cfg Config) *Segmenter {
	if cfg.TargetDuration <= 0 {
		cfg.TargetDuration = DefaultTargetDuration
	}
	if cfg.MaxSegments <= 0 {
		cfg.MaxSegments = DefaultMaxSegments
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Segmenter{
		channelID: channelID,
		target:    cfg.TargetDuration,
		maxSegs:   cfg.MaxSegments,
		logger:    observability.WithComponent(logger, "hls"),
		metrics:   cfg.Metrics,
		now:       now,
		firstPCR:  -1,
		ready:     make(chan struct{}),
	}
}

// Feed consumes a chunk of stream bytes. Chunks need not be packet
// aligned; a partial trailing packet is carried into the next call.
func (s *Segmenter) Feed(p []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.leftover = append(s.leftover, p...)
	buf := s.leftover
	for len(buf) >= packetLen {
		if buf[0] != 0x47 {
			i := bytes.IndexByte(buf[1:], 0x47)
			if i < 0 {
				buf = buf[len(buf):]
				break
			}
			buf = buf[1+i:]
			continue
		}
		s.consumeLocked(buf[:packetLen])
		buf = buf[packetLen:]
	}
	s.leftover = append(s.leftover[:0], buf...)
}

// consumeLocked handles one aligned packet: finalize-on-keyframe,
// open, append, then advance the duration estimate.
func (s *Segmenter) consumeLocked(pkt []byte) {
	key := isKeyframe(pkt)

	if len(s.cur) > 0 && key && s.durationLocked() >= s.target {
		s.finalizeLocked()
	}
	if len(s.cur) == 0 {
		s.curStart = s.now()
		s.firstPCR = -1
		s.lastPCR = -1
		s.pcrValid = true
	}
	s.cur = append(s.cur, pkt...)

	pcr, ok := pktPCR(pkt)
	if !ok {
		return
	}
	if s.firstPCR < 0 {
		s.firstPCR = pcr
		s.lastPCR = pcr
		return
	}
	delta := pcr - s.lastPCR
	limit := 10 * s.target
	if limit < 120*time.Second {
		limit = 120 * time.Second
	}
	if delta < 0 || pcrDuration(delta) > limit {
		// PCR wrap or splice: this segment times out on the wall clock.
		s.pcrValid = false
		return
	}
	s.lastPCR = pcr
}

// durationLocked estimates the building segment's duration, PCR-based
// when a sane PCR span exists, wall clock otherwise.
func (s *Segmenter) durationLocked() time.Duration {
	if s.pcrValid && s.firstPCR >= 0 && s.lastPCR > s.firstPCR {
		return pcrDuration(s.lastPCR - s.firstPCR)
	}
	return s.now().Sub(s.curStart)
}

func (s *Segmenter) finalizeLocked() {
	dur := s.durationLocked()
	if dur < 0 {
		dur = 0
	}
	seg := Segment{
		Name:     fmt.Sprintf("seg_%05d.ts", s.nextIndex),
		Data:     s.cur,
		Duration: dur,
	}
	s.nextIndex++
	s.cur = nil

	s.segments = append(s.segments, seg)
	if len(s.segments) > s.maxSegs {
		s.segments = s.segments[1:]
		s.mediaSeq++
	}
	if secs := dur.Seconds(); secs > s.maxSecs {
		s.maxSecs = secs
	}

	s.readyOnce.Do(func() { close(s.ready) })
	s.metrics.HLSSegmentFinalized(s.channelID)
	s.logger.Debug("segment finalized",
		slog.String("channel_id", s.channelID),
		slog.String("segment", seg.Name),
		slog.Float64("duration_s", dur.Seconds()),
		slog.Int("bytes", len(seg.Data)))
}

// Ready reports whether at least one segment has finalized.
func (s *Segmenter) Ready() bool {
	select {
	case <-s.ready:
		return true
	default:
		return false
	}
}

// WaitReady blocks until the first segment finalizes or the context
// is done.
func (s *Segmenter) WaitReady(ctx context.Context) error {
	select {
	case <-s.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Playlist renders the live media playlist.
func (s *Segmenter) Playlist() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var b strings.Builder
	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:3\n")
	fmt.Fprintf(&b, "#EXT-X-TARGETDURATION:%d\n", int(math.Ceil(s.maxSecs))+1)
	fmt.Fprintf(&b, "#EXT-X-MEDIA-SEQUENCE:%d\n", s.mediaSeq)
	for _, seg := range s.segments {
		fmt.Fprintf(&b, "#EXTINF:%.3f,\n%s\n", seg.Duration.Seconds(), seg.Name)
	}
	return b.String()
}

// Segment returns the named segment's bytes, or false if it was never
// produced or has been evicted.
func (s *Segmenter) Segment(name string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, seg := range s.segments {
		if seg.Name == name {
			return seg.Data, true
		}
	}
	return nil, false
}

// MediaSequence returns the sequence number of the oldest ring entry.
func (s *Segmenter) MediaSequence() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mediaSeq
}

// SegmentCount returns the number of segments in the ring.
func (s *Segmenter) SegmentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.segments)
}

// pcrDuration converts a 27 MHz PCR tick span to a duration.
func pcrDuration(ticks int64) time.Duration {
	return time.Duration(ticks * 1000 / 27)
}

func pktPUSI(p []byte) bool { return p[1]&0x40 != 0 }

func pktHasAF(p []byte) bool { return p[3]&0x20 != 0 }

func pktHasPayload(p []byte) bool { return p[3]&0x10 != 0 }

// pktRAI reports the adaptation field's random_access_indicator.
func pktRAI(p []byte) bool {
	return pktHasAF(p) && p[4] > 0 && p[5]&0x40 != 0
}

// pktPCR extracts the program clock reference in 27 MHz ticks.
func pktPCR(p []byte) (int64, bool) {
	if !pktHasAF(p) {
		return 0, false
	}
	afLen := int(p[4])
	if afLen < 7 || p[5]&0x10 == 0 {
		return 0, false
	}
	base := uint64(p[6])<<25 | uint64(p[7])<<17 | uint64(p[8])<<9 |
		uint64(p[9])<<1 | uint64(p[10])>>7
	ext := uint64(p[10]&0x01)<<8 | uint64(p[11])
	return int64(base*300 + ext), true
}

// pktPayload returns the packet payload after the header and any
// adaptation field, or nil.
func pktPayload(p []byte) []byte {
	if !pktHasPayload(p) {
		return nil
	}
	start := 4
	if pktHasAF(p) {
		start = 5 + int(p[4])
	}
	if start >= len(p) {
		return nil
	}
	return p[start:]
}

// isKeyframe detects a keyframe start: either the adaptation field
// flags random access, or a PES-leading packet whose first visible
// NALUs include an H.264 IDR or SPS.
func isKeyframe(p []byte) bool {
	if pktRAI(p) {
		return true
	}
	if !pktPUSI(p) {
		return false
	}
	pay := pktPayload(p)
	if len(pay) < 9 || pay[0] != 0x00 || pay[1] != 0x00 || pay[2] != 0x01 {
		return false
	}
	// Video elementary streams only.
	if pay[3] < 0xE0 || pay[3] > 0xEF {
		return false
	}
	hdrLen := int(pay[8])
	if 9+hdrLen >= len(pay) {
		return false
	}
	return esHasIDROrSPS(pay[9+hdrLen:])
}

// esHasIDROrSPS scans the Annex-B NALUs visible in one packet. The
// access unit may open with an AUD or SEI before the IDR, so every
// start code in the window is checked.
func esHasIDROrSPS(es []byte) bool {
	for i := 0; i+3 < len(es); i++ {
		if es[i] != 0x00 || es[i+1] != 0x00 {
			continue
		}
		var b byte
		switch {
		case es[i+2] == 0x01:
			b = es[i+3]
		case es[i+2] == 0x00 && i+4 < len(es) && es[i+3] == 0x01:
			b = es[i+4]
		default:
			continue
		}
		switch h264.NALUType(b & 0x1F) {
		case h264.NALUTypeIDR, h264.NALUTypeSPS:
			return true
		}
	}
	return false
}
