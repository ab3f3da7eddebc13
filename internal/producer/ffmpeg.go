package producer

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/retrovue/retrovue/internal/ffmpeg"
	"github.com/retrovue/retrovue/internal/observability"
	"github.com/retrovue/retrovue/internal/schedule"
)

// FFmpegConfig configures the process-backed producer.
type FFmpegConfig struct {
	ChannelID string
	Format    Format
	// BinaryPath skips binary detection when set.
	BinaryPath string
	// WorkDir holds generated concat lists. Defaults to the OS temp dir.
	WorkDir string
	Logger  *slog.Logger
}

// FFmpeg runs one FFmpeg process per block, concatenating the plan's
// segments with seek offsets and piping MPEG-TS to the stream endpoint.
// Boundary swaps are process handovers: the armed plan's process replaces
// the live one at the boundary tick. Segment accounting is derived from
// the plan geometry; a process that exits before its plan is done reports
// EOF and degrades, leaving recovery to the channel runtime.
type FFmpeg struct {
	channelID string
	format    Format
	binary    string
	workDir   string
	logger    *slog.Logger

	mu         sync.Mutex
	health     Health
	buf        *streamBuffer
	proc       *ffmpeg.Command
	pumpDone   chan struct{}
	exited     chan error
	expectExit bool

	ctx   context.Context
	plan  *schedule.PlayoutPlan
	start time.Time

	segIdx      int
	preview     *Preview
	switchAt    time.Time
	eofNotified bool

	events []Event
	lists  []string
}

// NewFFmpeg creates a stopped process producer.
func NewFFmpeg(cfg FFmpegConfig) *FFmpeg {
	format := cfg.Format
	if format.FPSNum == 0 {
		format = DefaultFormat()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	workDir := cfg.WorkDir
	if workDir == "" {
		workDir = os.TempDir()
	}
	return &FFmpeg{
		channelID: cfg.ChannelID,
		format:    format,
		binary:    cfg.BinaryPath,
		workDir:   workDir,
		logger:    observability.WithComponent(logger, "producer"),
		health:    HealthStopped,
		buf:       newStreamBuffer(),
	}
}

// Start spawns the first process on the plan.
func (f *FFmpeg) Start(ctx context.Context, plan *schedule.PlayoutPlan, startAt time.Time) error {
	if plan == nil || len(plan.Segments) == 0 {
		return ErrNoPlan
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.health == HealthRunning {
		return nil
	}

	if f.binary == "" {
		info, err := ffmpeg.NewBinaryDetector().Detect(ctx)
		if err != nil {
			return err
		}
		f.binary = info.FFmpegPath
	}

	f.ctx = ctx
	if err := f.spawnLocked(plan); err != nil {
		return err
	}

	f.plan = plan
	f.start = startAt
	f.health = HealthRunning
	f.preview = nil
	f.switchAt = time.Time{}
	f.openSegmentLocked(0, startAt)

	f.logger.Info("ffmpeg producer started",
		slog.String("channel_id", f.channelID),
		slog.String("block_id", plan.BlockID.String()),
		slog.String("command", f.proc.String()))
	return nil
}

// LoadPreview holds the next block's plan for the boundary handover.
func (f *FFmpeg) LoadPreview(preview Preview) error {
	if preview.Plan == nil || len(preview.Plan.Segments) == 0 {
		return ErrNoPlan
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.health != HealthRunning {
		return ErrNotRunning
	}
	p := preview
	f.preview = &p
	return nil
}

// SwitchToLive arms the process handover at the target boundary.
func (f *FFmpeg) SwitchToLive(targetBoundary time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.health != HealthRunning {
		return ErrNotRunning
	}
	if f.preview == nil {
		return ErrNoPreview
	}
	f.switchAt = targetBoundary
	return nil
}

// Stop kills the process and EOFs the endpoint after drain.
func (f *FFmpeg) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.health == HealthStopped {
		return nil
	}
	f.health = HealthStopped
	f.expectExit = true
	if f.proc != nil {
		_ = f.proc.Kill()
	}
	for _, list := range f.lists {
		_ = os.Remove(list)
	}
	f.lists = nil
	f.events = append(f.events, Event{Kind: EventStopped, At: time.Now()})
	return f.buf.Close()
}

// StreamEndpoint returns the TS byte stream. Single consumer.
func (f *FFmpeg) StreamEndpoint() io.ReadCloser {
	return f.buf
}

// Health reports pipeline liveness.
func (f *FFmpeg) Health() Health {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.health
}

// DrainEvents returns pending lifecycle events in emission order.
func (f *FFmpeg) DrainEvents() []Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	events := f.events
	f.events = nil
	return events
}

// OnPacedTick advances segment accounting, commits armed handovers and
// notices process death.
func (f *FFmpeg) OnPacedTick(now time.Time, _ time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.health == HealthStopped {
		return
	}

	select {
	case err := <-f.exited:
		if !f.expectExit {
			f.noteExitLocked(now, err)
		}
		f.expectExit = false
	default:
	}

	f.advanceSegmentsLocked(now)

	if !f.switchAt.IsZero() && !now.Before(f.switchAt) && f.preview != nil {
		f.commitSwapLocked(now)
	}
}

// noteExitLocked handles an unexpected process exit: content ran out or
// the process crashed. Output has stopped, so the pipeline degrades and
// waits for the runtime to recover it.
func (f *FFmpeg) noteExitLocked(now time.Time, err error) {
	if f.health != HealthRunning {
		return
	}
	// With a handover armed the concat is expected to run dry at the plan
	// end; the swap respawns output.
	if !f.switchAt.IsZero() {
		return
	}
	f.health = HealthDegraded

	if !f.eofNotified && f.plan != nil && f.segIdx < len(f.plan.Segments) {
		f.eofNotified = true
		seg := f.plan.Segments[f.segIdx]
		startTick := TickFor(f.start, seg.StartTimeUTC, f.format)
		f.events = append(f.events, Event{
			Kind:         EventEOF,
			SegmentIndex: seg.Index,
			SegmentType:  seg.Type,
			AssetPath:    seg.AssetPath,
			Frames:       TickFor(f.start, now, f.format) - startTick,
			Tick:         TickFor(f.start, now, f.format),
			At:           now,
		})
	}

	msg := "process exited before plan end"
	if err != nil {
		msg = err.Error()
	}
	f.logger.Warn("ffmpeg producer degraded",
		slog.String("channel_id", f.channelID),
		slog.String("reason", msg))
}

func (f *FFmpeg) advanceSegmentsLocked(now time.Time) {
	for f.plan != nil && f.segIdx < len(f.plan.Segments) {
		seg := f.plan.Segments[f.segIdx]
		if now.Before(seg.EndTimeUTC) {
			return
		}
		f.closeSegmentLocked(f.segIdx, now)
		if f.segIdx+1 < len(f.plan.Segments) {
			f.openSegmentLocked(f.segIdx+1, now)
		} else {
			f.segIdx++
		}
	}
}

func (f *FFmpeg) openSegmentLocked(idx int, now time.Time) {
	seg := f.plan.Segments[idx]
	f.segIdx = idx
	f.eofNotified = false
	f.events = append(f.events, Event{
		Kind:         EventSegmentStart,
		SegmentIndex: seg.Index,
		SegmentType:  seg.Type,
		AssetPath:    seg.AssetPath,
		Tick:         TickFor(f.start, seg.StartTimeUTC, f.format),
		At:           now,
	})
}

func (f *FFmpeg) closeSegmentLocked(idx int, now time.Time) {
	seg := f.plan.Segments[idx]
	startTick := TickFor(f.start, seg.StartTimeUTC, f.format)
	endTick := TickFor(f.start, seg.EndTimeUTC, f.format)
	f.events = append(f.events, Event{
		Kind:         EventSegmentEnd,
		SegmentIndex: seg.Index,
		SegmentType:  seg.Type,
		AssetPath:    seg.AssetPath,
		Frames:       endTick - startTick,
		Truncated:    f.eofNotified,
		Tick:         endTick,
		At:           now,
	})
}

// commitSwapLocked hands the endpoint over to a process playing the armed
// plan. The old process is killed; its pump drains into the buffer first.
func (f *FFmpeg) commitSwapLocked(now time.Time) {
	next := f.preview.Plan
	f.preview = nil
	target := f.switchAt
	f.switchAt = time.Time{}

	f.expectExit = true
	if f.proc != nil {
		_ = f.proc.Kill()
	}
	if f.pumpDone != nil {
		<-f.pumpDone
	}

	if err := f.spawnLocked(next); err != nil {
		f.health = HealthDegraded
		f.logger.Error("boundary handover failed",
			slog.String("channel_id", f.channelID),
			slog.String("error", err.Error()))
		return
	}

	swapTick := TickFor(f.start, target, f.format)
	f.events = append(f.events, Event{Kind: EventSwapped, Tick: swapTick, At: now})

	f.plan = next
	f.openSegmentLocked(0, now)

	f.logger.Debug("boundary handover committed",
		slog.String("channel_id", f.channelID),
		slog.Int64("swap_tick", swapTick),
		slog.String("block_id", next.BlockID.String()))
}

// spawnLocked builds and starts one process for the plan, wiring its
// stdout pump and exit watcher.
func (f *FFmpeg) spawnLocked(plan *schedule.PlayoutPlan) error {
	list, err := f.writeConcatList(plan)
	if err != nil {
		return err
	}
	f.lists = append(f.lists, list)

	cmd := ffmpeg.NewCommandBuilder(f.binary).
		HideBanner().
		LogLevel("error").
		RealTime().
		ConcatInput(list).
		VideoCodec("libx264").
		VideoPreset("veryfast").
		VideoBitrate("4000k").
		VideoFilter(fmt.Sprintf("scale=%d:%d,fps=%d/%d",
			f.format.Width, f.format.Height, f.format.FPSNum, f.format.FPSDen)).
		AudioCodec("aac").
		AudioBitrate("192k").
		AudioRate(f.format.SampleRate).
		AudioChannels(f.format.Channels).
		MpegtsArgs().
		FlushPackets().
		MuxDelay("0").
		Output("pipe:1").
		Build()

	stdout, err := cmd.Stdout(f.ctx)
	if err != nil {
		return fmt.Errorf("opening producer stdout: %w", err)
	}
	stderr, err := cmd.Stderr(f.ctx)
	if err != nil {
		return fmt.Errorf("opening producer stderr: %w", err)
	}
	if err := cmd.Start(f.ctx); err != nil {
		return fmt.Errorf("starting ffmpeg: %w", err)
	}

	f.proc = cmd
	f.pumpDone = make(chan struct{})
	f.exited = make(chan error, 1)

	go f.pump(stdout, f.pumpDone)
	go f.drainStderr(stderr)
	go func(c *ffmpeg.Command, exited chan error) {
		exited <- c.Wait()
	}(cmd, f.exited)

	return nil
}

func (f *FFmpeg) pump(r io.Reader, done chan struct{}) {
	defer close(done)
	buf := make([]byte, 8*TSChunkBytes)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if _, werr := f.buf.Write(buf[:n]); werr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func (f *FFmpeg) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		f.logger.Debug("ffmpeg stderr",
			slog.String("channel_id", f.channelID),
			slog.String("line", line))
	}
}

// writeConcatList renders the plan as an ffconcat list with per-segment
// seek and duration bounds.
func (f *FFmpeg) writeConcatList(plan *schedule.PlayoutPlan) (string, error) {
	var sb strings.Builder
	sb.WriteString("ffconcat version 1.0\n")
	for _, seg := range plan.Segments {
		inpoint := float64(seg.StartPtsMs) / 1000
		sb.WriteString(fmt.Sprintf("file '%s'\n", escapeConcatPath(seg.AssetPath)))
		sb.WriteString(fmt.Sprintf("inpoint %.3f\n", inpoint))
		sb.WriteString(fmt.Sprintf("outpoint %.3f\n", inpoint+seg.DurationSeconds))
	}

	name := fmt.Sprintf("retrovue-%s-%s.ffconcat", f.channelID, plan.BlockID)
	path := filepath.Join(f.workDir, name)
	if err := os.WriteFile(path, []byte(sb.String()), 0o644); err != nil {
		return "", fmt.Errorf("writing concat list: %w", err)
	}
	return path, nil
}

func escapeConcatPath(path string) string {
	return strings.ReplaceAll(path, "'", `'\''`)
}
