// Package runtime drives one channel's playout: it owns the producer,
// walks block boundaries through their prefeed/switch handover, keeps
// bytes flowing across content deficits, and emits the as-run record of
// what actually aired.
//
// All state transitions happen on a single tick dispatcher goroutine per
// channel. Other goroutines read snapshots through accessors; none of
// them mutate boundary, switch or convergence state.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/retrovue/retrovue/internal/asrun"
	"github.com/retrovue/retrovue/internal/clock"
	"github.com/retrovue/retrovue/internal/fanout"
	"github.com/retrovue/retrovue/internal/hls"
	"github.com/retrovue/retrovue/internal/models"
	"github.com/retrovue/retrovue/internal/observability"
	"github.com/retrovue/retrovue/internal/producer"
	"github.com/retrovue/retrovue/internal/schedule"
)

// Channel runtime errors.
var (
	ErrChannelFailed     = errors.New("channel failed")
	ErrChannelNotRunning = errors.New("channel not running")
	ErrAlreadyStarted    = errors.New("channel already started")
)

// Planner resolves mid-stream join projections. schedule.Service
// implements it.
type Planner interface {
	PlanAt(channelID string, at time.Time) (*schedule.PlayoutPlan, error)
}

// RunwayReporter tells the channel whether horizon extension is behind
// schedule. Recoveries that happen while behind are classified as runway
// degradations in the as-run log.
type RunwayReporter interface {
	BehindSchedule(channelID string) bool
}

// ProducerFactory builds a fresh producer pipeline. The channel calls it
// at start and once more on recover-in-place.
type ProducerFactory func() producer.Producer

// Config carries the boundary timing tunables. Zero values fall back to
// the documented defaults.
type Config struct {
	// TickInterval is the dispatcher cadence. Must stay at or under
	// 100ms so boundary decisions land within one frame budget.
	TickInterval time.Duration

	// MaxStartupConvergenceWindow bounds how long a fresh channel may
	// take to land its first frame-accurate swap.
	MaxStartupConvergenceWindow time.Duration

	// PrefeedLeadTime is how far before a boundary the next block's
	// preview is loaded.
	PrefeedLeadTime time.Duration

	// MinPrefeedLeadTime is the feasibility cutoff: a boundary closer
	// than this when first planned cannot be served.
	MinPrefeedLeadTime time.Duration

	// SwitchLeadTime is how far before the boundary the swap is armed.
	SwitchLeadTime time.Duration

	// SwapAckTimeout bounds the wait for the producer's swap
	// acknowledgement past the boundary.
	SwapAckTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = 100 * time.Millisecond
	}
	if c.MaxStartupConvergenceWindow <= 0 {
		c.MaxStartupConvergenceWindow = 120 * time.Second
	}
	if c.PrefeedLeadTime <= 0 {
		c.PrefeedLeadTime = 5 * time.Second
	}
	if c.MinPrefeedLeadTime <= 0 {
		c.MinPrefeedLeadTime = 5 * time.Second
	}
	if c.SwitchLeadTime <= 0 {
		c.SwitchLeadTime = 200 * time.Millisecond
	}
	if c.SwapAckTimeout <= 0 {
		c.SwapAckTimeout = 500 * time.Millisecond
	}
	return c
}

// ChannelConfig wires one channel runtime.
type ChannelConfig struct {
	ChannelID   string
	Planner     Planner
	NewProducer ProducerFactory
	AsRun       *asrun.Writer
	Runway      RunwayReporter
	Clock       clock.Clock
	Timing      Config
	Format      producer.Format
	Fanout      fanout.Config
	HLS         hls.Config
	Logger      *slog.Logger
	Metrics     *observability.Metrics
}

// Channel is one channel's playout runtime.
type Channel struct {
	id      string
	cfg     Config
	format  producer.Format
	planner Planner
	factory ProducerFactory
	runway  RunwayReporter
	clk     clock.Clock
	asrun   *asrun.Writer
	metrics *observability.Metrics

	baseLogger *slog.Logger
	logger     *slog.Logger

	fanCfg fanout.Config
	hlsCfg hls.Config

	mu    sync.RWMutex
	state ChannelState

	boundaryState BoundaryState
	switchState   SwitchState

	converged           bool
	convergenceDeadline time.Time
	pendingFatal        string

	producer      producer.Producer
	producerStart time.Time
	fan           *fanout.Fanout
	segmenter     *hls.Segmenter

	current  *schedule.PlayoutPlan
	next     *schedule.PlayoutPlan
	armed    *schedule.PlayoutPlan
	boundary time.Time

	// feasibilityPending marks a freshly installed boundary whose lead
	// time has not been checked yet. The check runs exactly once.
	feasibilityPending bool

	// advancePending means a skipped boundary is waiting for coverage to
	// advance past, retried each tick without re-logging.
	advancePending bool

	planMissingLogged bool
	switchIssuedAt    time.Time

	inDeficit      bool
	deficitSegment int

	recovered         bool
	swapCount         int64
	lastSwapTick      int64
	skippedBoundaries int

	openSegs map[int]*segStart

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// segStart tracks a SEG_START awaiting its terminal record.
type segStart struct {
	blockID     models.ULID
	index       int
	segType     schedule.SegmentType
	assetURI    string
	startTick   int64
	startMs     int64
	scheduledMs int64
}

// NewChannel builds a stopped channel runtime.
func NewChannel(cfg ChannelConfig) (*Channel, error) {
	if cfg.ChannelID == "" {
		return nil, errors.New("runtime: channel id required")
	}
	if cfg.Planner == nil {
		return nil, errors.New("runtime: planner required")
	}
	if cfg.NewProducer == nil {
		return nil, errors.New("runtime: producer factory required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewSystem()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	format := cfg.Format
	if format.FPSNum == 0 {
		format = producer.DefaultFormat()
	}

	return &Channel{
		id:            cfg.ChannelID,
		cfg:           cfg.Timing.withDefaults(),
		format:        format,
		planner:       cfg.Planner,
		factory:       cfg.NewProducer,
		runway:        cfg.Runway,
		clk:           cfg.Clock,
		asrun:         cfg.AsRun,
		metrics:       cfg.Metrics,
		baseLogger:    logger,
		logger:        observability.WithChannel(observability.WithComponent(logger, "runtime"), cfg.ChannelID),
		fanCfg:        cfg.Fanout,
		hlsCfg:        cfg.HLS,
		state:         StateIdle,
		boundaryState: BoundaryPlanned,
		switchState:   SwitchIdle,
		openSegs:      make(map[int]*segStart),
	}, nil
}

// ID returns the channel id.
func (c *Channel) ID() string { return c.id }

// Start resolves the join plan, brings the producer pipeline up and
// launches the tick dispatcher. Viewer joins are accepted immediately,
// before the first boundary converges.
func (c *Channel) Start(ctx context.Context) error {
	return c.start(ctx, true)
}

// start is Start minus the dispatcher when dispatch is false; tests
// drive tick directly.
func (c *Channel) start(ctx context.Context, dispatch bool) error {
	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return fmt.Errorf("channel %s: %w", c.id, ErrAlreadyStarted)
	}
	c.state = StateLoading
	now := c.clk.Now()
	deadline := now.Add(c.cfg.MaxStartupConvergenceWindow)
	c.converged = false
	c.convergenceDeadline = deadline
	c.pendingFatal = ""
	c.recovered = false
	c.swapCount = 0
	c.lastSwapTick = 0
	c.skippedBoundaries = 0
	c.inDeficit = false
	c.openSegs = make(map[int]*segStart)
	c.mu.Unlock()

	plan, err := c.planner.PlanAt(c.id, now)
	if err != nil {
		c.mu.Lock()
		c.state = StateFailed
		c.mu.Unlock()
		return fmt.Errorf("channel %s has no playable coverage: %w", c.id, err)
	}

	prod := c.factory()
	if err := prod.Start(ctx, plan, now); err != nil {
		c.mu.Lock()
		c.state = StateFailed
		c.mu.Unlock()
		return fmt.Errorf("starting producer: %w", err)
	}

	hlsCfg := c.hlsCfg
	if hlsCfg.Logger == nil {
		hlsCfg.Logger = c.baseLogger
	}
	if hlsCfg.Metrics == nil {
		hlsCfg.Metrics = c.metrics
	}
	if hlsCfg.Now == nil {
		hlsCfg.Now = c.clk.Now
	}
	seg := hls.New(c.id, hlsCfg)

	fan := c.newFanout(prod, seg)
	fan.Start()

	runCtx, cancel := context.WithCancel(ctx)

	c.mu.Lock()
	c.ctx = runCtx
	c.cancel = cancel
	c.producer = prod
	c.producerStart = now
	c.segmenter = seg
	c.fan = fan
	c.current = plan
	c.boundary = plan.Boundary()
	c.boundaryState = BoundaryPlanned
	c.switchState = SwitchIdle
	c.feasibilityPending = true
	c.advancePending = false
	c.planMissingLogged = false
	c.armed = nil
	c.next = nil
	c.state = StateRunning
	c.mu.Unlock()

	c.metrics.ProducerStart(c.id)
	c.logger.Info("channel started",
		slog.String("block_id", plan.BlockID.String()),
		slog.Time("next_boundary", plan.Boundary()),
		slog.Time("convergence_deadline", deadline))

	if dispatch {
		c.wg.Add(1)
		go c.run(runCtx)
	}
	return nil
}

func (c *Channel) newFanout(prod producer.Producer, sink fanout.Sink) *fanout.Fanout {
	fanCfg := c.fanCfg
	fanCfg.Sink = sink
	if fanCfg.Logger == nil {
		fanCfg.Logger = c.baseLogger
	}
	if fanCfg.Metrics == nil {
		fanCfg.Metrics = c.metrics
	}
	return fanout.New(c.id, prod.StreamEndpoint(), fanCfg)
}

func (c *Channel) run(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.TickInterval)
	defer ticker.Stop()

	last := c.clk.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := c.clk.Now()
			c.tick(now, now.Sub(last))
			last = now
		}
	}
}

// Stop shuts the dispatcher and producer down cleanly. Open segments get
// terminal records so the as-run log stays valid. A failed channel stays
// FAILED; a running one returns to IDLE.
func (c *Channel) Stop() error {
	c.mu.Lock()
	switch c.state {
	case StateIdle, StateStopping:
		c.mu.Unlock()
		return nil
	}
	failed := c.state == StateFailed
	if !failed {
		c.state = StateStopping
	}
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.wg.Wait()

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clk.Now()
	if c.producer != nil {
		c.drainEventsLocked(now)
		_ = c.producer.Stop()
		c.drainEventsLocked(now)
		c.closeOpenSegmentsLocked(now, false)
	}
	c.endDeficitLocked("channel stopped")
	if c.fan != nil {
		c.fan.Close()
	}
	if !failed {
		c.state = StateIdle
	}
	c.logger.Info("channel stopped")
	return nil
}

// tick is the single driver of all channel state. It runs on the
// dispatcher goroutine at the configured cadence.
func (c *Channel) tick(now time.Time, dt time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateRunning {
		return
	}

	if c.pendingFatal != "" {
		c.failLocked(now)
		return
	}

	// Acknowledgements ride producer events; a swap that landed before
	// the deadline must count even when this tick runs after it.
	c.drainEventsLocked(now)

	if !c.converged && now.After(c.convergenceDeadline) {
		c.logger.Error("INV-STARTUP-CONVERGENCE-001 FATAL: Convergence timeout expired",
			slog.Time("deadline", c.convergenceDeadline),
			slog.Time("now", now))
		c.pendingFatal = "convergence timeout expired"
		c.boundaryState = BoundaryFailedTerminal
		return
	}

	c.evaluateBoundaryLocked(now)
	c.checkProducerLocked(now)
	c.producer.OnPacedTick(now, dt)
}

// failLocked emits the terminal state for a pending fatal: producer
// stopped, viewers drained, joins refused until external restart.
func (c *Channel) failLocked(now time.Time) {
	reason := c.pendingFatal
	c.state = StateFailed
	c.boundaryState = BoundaryFailedTerminal
	c.switchState = SwitchIdle
	c.endDeficitLocked("channel failed")

	if c.producer != nil {
		c.drainEventsLocked(now)
		_ = c.producer.Stop()
		c.drainEventsLocked(now)
	}
	c.closeOpenSegmentsLocked(now, false)
	if c.fan != nil {
		c.fan.Close()
	}
	if c.cancel != nil {
		c.cancel()
	}

	c.logger.Error("channel failed", slog.String("reason", reason))
}

// drainEventsLocked applies the producer's pending lifecycle events in
// emission order: as-run rows, deficit bookkeeping and swap rotation.
func (c *Channel) drainEventsLocked(now time.Time) {
	if c.producer == nil {
		return
	}
	for _, ev := range c.producer.DrainEvents() {
		switch ev.Kind {
		case producer.EventSegmentStart:
			c.onSegmentStartLocked(ev)
		case producer.EventEOF:
			c.onEOFLocked(ev)
		case producer.EventSegmentEnd:
			c.onSegmentEndLocked(ev)
		case producer.EventSwapped:
			c.onSwappedLocked(ev)
		case producer.EventStopped:
		}
	}
}

func (c *Channel) onSegmentStartLocked(ev producer.Event) {
	if c.current == nil {
		return
	}
	if c.inDeficit && ev.SegmentIndex != c.deficitSegment {
		c.endDeficitLocked("next segment started")
	}

	var scheduledMs int64
	for i := range c.current.Segments {
		if c.current.Segments[i].Index == ev.SegmentIndex {
			scheduledMs = c.current.Segments[i].StartTimeUTC.UnixMilli()
			break
		}
	}

	open := &segStart{
		blockID:     c.current.BlockID,
		index:       ev.SegmentIndex,
		segType:     ev.SegmentType,
		assetURI:    ev.AssetPath,
		startTick:   ev.Tick,
		startMs:     producer.TickTime(c.producerStart, ev.Tick, c.format).UnixMilli(),
		scheduledMs: scheduledMs,
	}
	c.openSegs[ev.SegmentIndex] = open

	c.appendAsRunLocked(asrun.Record{
		Event:               asrun.EventSegStart,
		BlockID:             open.blockID,
		SegmentIndex:        open.index,
		SegmentType:         open.segType,
		AssetURI:            open.assetURI,
		ScheduledStartUTCMs: open.scheduledMs,
		ActualStartUTCMs:    open.startMs,
	})
}

func (c *Channel) onEOFLocked(ev producer.Event) {
	if c.inDeficit {
		return
	}
	c.inDeficit = true
	c.deficitSegment = ev.SegmentIndex
	c.metrics.PadFill(c.id)
	c.logger.Warn("CONTENT_DEFICIT_FILL_START",
		slog.Int("segment_index", ev.SegmentIndex),
		slog.String("asset", ev.AssetPath),
		slog.Int64("content_frames", ev.Frames))
}

func (c *Channel) endDeficitLocked(reason string) {
	if !c.inDeficit {
		return
	}
	c.inDeficit = false
	c.logger.Info("CONTENT_DEFICIT_FILL_END",
		slog.Int("segment_index", c.deficitSegment),
		slog.String("reason", reason))
}

func (c *Channel) onSegmentEndLocked(ev producer.Event) {
	open, ok := c.openSegs[ev.SegmentIndex]
	if !ok {
		return
	}
	delete(c.openSegs, ev.SegmentIndex)

	occupancy := ev.Frames + ev.PadFrames
	status := asrun.EventAired
	recovery := false
	switch {
	case occupancy == 0:
		status = asrun.EventSkipped
	case ev.Truncated || ev.Frames == 0:
		status = asrun.EventTruncated
		recovery = true
	}

	c.appendAsRunLocked(asrun.Record{
		Event:             status,
		BlockID:           open.blockID,
		SegmentIndex:      open.index,
		SegmentType:       open.segType,
		AssetURI:          open.assetURI,
		ActualStartUTCMs:  open.startMs,
		DurationMs:        c.framesToMs(occupancy),
		FramesEmitted:     ev.Frames,
		RuntimeRecovery:   recovery,
		RunwayDegradation: recovery && c.runwayBehindLocked(),
	})
	c.metrics.SegmentAired(c.id, string(status))
}

// onSwappedLocked handles the producer's boundary acknowledgement: fence
// record, plan rotation and convergence.
func (c *Channel) onSwappedLocked(ev producer.Event) {
	if c.armed == nil {
		c.logger.Warn("swap acknowledged with no armed plan",
			slog.Int64("swap_tick", ev.Tick))
		return
	}
	c.endDeficitLocked("boundary swap committed")

	c.appendAsRunLocked(asrun.Record{
		Event:                asrun.EventFence,
		SwapTick:             ev.Tick,
		FenceTick:            ev.Tick,
		FramesEmitted:        ev.Tick,
		FrameBudgetRemaining: 0,
		Reason:               "boundary swap",
		ActualStartUTCMs:     producer.TickTime(c.producerStart, ev.Tick, c.format).UnixMilli(),
	})

	target := c.boundary
	c.current = c.armed
	c.armed = nil
	c.next = nil
	c.boundary = c.current.Boundary()
	c.boundaryState = BoundaryLive
	c.switchState = SwitchCommitted
	c.feasibilityPending = true
	c.advancePending = false
	c.planMissingLogged = false
	c.lastSwapTick = ev.Tick
	c.swapCount++
	c.metrics.BoundarySwap(c.id, "committed")

	if !c.converged {
		c.converged = true
		c.convergenceDeadline = time.Time{}
		c.logger.Info("startup converged",
			slog.Int64("swap_tick", ev.Tick),
			slog.Time("boundary", target))
	}

	c.logger.Debug("boundary live",
		slog.String("block_id", c.current.BlockID.String()),
		slog.Int64("swap_tick", ev.Tick),
		slog.Time("next_boundary", c.boundary))
}

// evaluateBoundaryLocked advances the boundary state machine for the
// current tick.
func (c *Channel) evaluateBoundaryLocked(now time.Time) {
	if c.boundaryState == BoundaryFailedTerminal {
		return
	}
	if c.boundaryState == BoundaryLive {
		// Previous handover complete; the next boundary begins planned.
		c.boundaryState = BoundaryPlanned
		c.switchState = SwitchIdle
	}

	lead := c.boundary.Sub(now)

	switch c.boundaryState {
	case BoundaryPlanned:
		if c.advancePending {
			c.tryAdvanceLocked()
			return
		}
		if c.feasibilityPending {
			c.feasibilityPending = false
			if lead < c.cfg.MinPrefeedLeadTime {
				c.boundaryInfeasibleLocked(now, lead, "lead time below minimum")
				return
			}
		}
		if lead <= c.cfg.SwitchLeadTime {
			// Prefeed never landed and the switch point is here.
			c.boundaryInfeasibleLocked(now, lead, "prefeed window exhausted")
			return
		}
		if lead > c.cfg.PrefeedLeadTime {
			return
		}
		c.issuePrefeedLocked(now)

	case BoundaryPrefeedIssued:
		if lead > c.cfg.SwitchLeadTime {
			return
		}
		c.issueSwitchLocked(now)

	case BoundarySwitchIssued:
		if now.After(c.boundary.Add(c.cfg.SwapAckTimeout)) {
			c.swapTimeoutLocked(now)
		}
	}
}

// boundaryInfeasibleLocked handles a boundary that cannot be served:
// skipped during startup, fatal after convergence.
func (c *Channel) boundaryInfeasibleLocked(now time.Time, lead time.Duration, cause string) {
	if c.converged {
		c.logger.Error("INV-STARTUP-BOUNDARY-FEASIBILITY-001 FATAL: boundary infeasible after convergence",
			slog.Time("boundary", c.boundary),
			slog.Duration("lead_time", lead),
			slog.Duration("min_required", c.cfg.MinPrefeedLeadTime),
			slog.String("cause", cause))
		c.boundaryState = BoundaryFailedTerminal
		c.pendingFatal = fmt.Sprintf("boundary %s infeasible: %s",
			c.boundary.UTC().Format(time.RFC3339), cause)
		c.metrics.BoundarySwap(c.id, "fatal")
		return
	}

	c.logger.Warn("STARTUP_BOUNDARY_SKIPPED",
		slog.Time("boundary", c.boundary),
		slog.Duration("lead_time", lead),
		slog.Duration("min_required", c.cfg.MinPrefeedLeadTime),
		slog.String("cause", cause))
	c.skippedBoundaries++
	c.metrics.BoundarySwap(c.id, "skipped")
	c.advancePending = true
	c.next = nil
	c.tryAdvanceLocked()
}

// tryAdvanceLocked moves a skipped boundary to the next block's end. With
// no coverage past the boundary yet it leaves advancePending set and the
// next tick retries, while the horizon manager extends.
func (c *Channel) tryAdvanceLocked() {
	skipped, err := c.planner.PlanAt(c.id, c.boundary)
	if err != nil {
		return
	}
	c.advancePending = false
	c.boundary = skipped.Boundary()
	c.boundaryState = BoundaryPlanned
	c.switchState = SwitchIdle
	c.feasibilityPending = true
	c.planMissingLogged = false

	c.logger.Info("boundary advanced",
		slog.String("skipped_block_id", skipped.BlockID.String()),
		slog.Time("next_boundary", c.boundary))
}

// issuePrefeedLocked loads the next block's preview. Missing coverage is
// retried every tick until the switch point forces a decision.
func (c *Channel) issuePrefeedLocked(now time.Time) {
	next, err := c.planner.PlanAt(c.id, c.boundary)
	if err != nil || len(next.Segments) == 0 {
		if !c.planMissingLogged {
			c.planMissingLogged = true
			c.logger.Warn("no plan at boundary, retrying",
				slog.Time("boundary", c.boundary),
				slog.String("error", errString(err)))
		}
		return
	}
	c.planMissingLogged = false

	first := next.Segments[0]
	preview := producer.Preview{
		Plan:       next,
		AssetPath:  first.AssetPath,
		StartFrame: msToFrames(first.StartPtsMs, c.format),
		FrameCount: framesPerSecond(c.format),
		FPSNum:     c.format.FPSNum,
		FPSDen:     c.format.FPSDen,
	}
	if err := c.producer.LoadPreview(preview); err != nil {
		c.logger.Error("prefeed failed",
			slog.Time("boundary", c.boundary),
			slog.String("error", err.Error()))
		return
	}

	c.next = next
	c.boundaryState = BoundaryPrefeedIssued
	c.logger.Debug("prefeed issued",
		slog.Time("boundary", c.boundary),
		slog.String("block_id", next.BlockID.String()),
		slog.Duration("lead_time", c.boundary.Sub(now)))
}

// issueSwitchLocked arms the producer swap at the boundary tick.
func (c *Channel) issueSwitchLocked(now time.Time) {
	if err := c.producer.SwitchToLive(c.boundary); err != nil {
		c.logger.Error("switch arm failed",
			slog.Time("boundary", c.boundary),
			slog.String("error", err.Error()))
		c.boundaryInfeasibleLocked(now, c.boundary.Sub(now), "switch arm failed")
		return
	}
	c.armed = c.next
	c.next = nil
	c.boundaryState = BoundarySwitchIssued
	c.switchState = SwitchArmed
	c.switchIssuedAt = now

	c.logger.Debug("switch armed",
		slog.Time("boundary", c.boundary),
		slog.String("block_id", c.armed.BlockID.String()))
}

// swapTimeoutLocked handles a missing swap acknowledgement. During
// startup the boundary is abandoned like a skip; a late producer commit
// still rotates correctly because the armed plan stays in place.
func (c *Channel) swapTimeoutLocked(now time.Time) {
	if c.converged {
		c.logger.Error("INV-STARTUP-BOUNDARY-FEASIBILITY-001 FATAL: swap not acknowledged",
			slog.Time("boundary", c.boundary),
			slog.Time("armed_at", c.switchIssuedAt),
			slog.Duration("timeout", c.cfg.SwapAckTimeout))
		c.boundaryState = BoundaryFailedTerminal
		c.pendingFatal = fmt.Sprintf("swap at boundary %s not acknowledged within %s",
			c.boundary.UTC().Format(time.RFC3339), c.cfg.SwapAckTimeout)
		c.metrics.BoundarySwap(c.id, "timeout")
		return
	}

	c.logger.Warn("STARTUP_BOUNDARY_SKIPPED",
		slog.Time("boundary", c.boundary),
		slog.Duration("lead_time", c.boundary.Sub(now)),
		slog.Duration("min_required", c.cfg.MinPrefeedLeadTime),
		slog.String("cause", "swap acknowledgement timeout"))
	c.skippedBoundaries++
	c.metrics.BoundarySwap(c.id, "timeout")

	if c.armed != nil {
		c.boundary = c.armed.Boundary()
	}
	c.boundaryState = BoundaryPlanned
	c.switchState = SwitchIdle
	c.next = nil
	c.feasibilityPending = true
}

// checkProducerLocked watches pipeline health. One recover-in-place is
// attempted per channel lifetime; a second failure is fatal.
func (c *Channel) checkProducerLocked(now time.Time) {
	health := c.producer.Health()
	if health == producer.HealthRunning {
		return
	}
	if c.recovered {
		c.pendingFatal = fmt.Sprintf("producer %s after recovery", health)
		return
	}
	c.recovered = true
	c.recoverLocked(now, health)
}

// recoverLocked restarts playout at the current wall-clock point with a
// fresh producer. The HLS ring survives; TS viewers drain the dead
// stream and reconnect.
func (c *Channel) recoverLocked(now time.Time, health producer.Health) {
	c.logger.Warn("producer unhealthy, recovering in place",
		slog.String("health", string(health)))

	plan, err := c.planner.PlanAt(c.id, now)
	if err != nil {
		c.pendingFatal = "no coverage for recovery: " + err.Error()
		return
	}

	c.endDeficitLocked("producer recovery")
	c.drainEventsLocked(now)
	_ = c.producer.Stop()
	c.drainEventsLocked(now)
	c.closeOpenSegmentsLocked(now, true)

	prod := c.factory()
	if err := prod.Start(c.ctx, plan, now); err != nil {
		c.pendingFatal = "producer restart failed: " + err.Error()
		return
	}

	if c.fan != nil {
		c.fan.Close()
	}
	fan := c.newFanout(prod, c.segmenter)
	fan.Start()

	c.producer = prod
	c.producerStart = now
	c.fan = fan
	c.current = plan
	c.boundary = plan.Boundary()
	c.next = nil
	c.armed = nil
	c.boundaryState = BoundaryPlanned
	c.switchState = SwitchIdle
	c.feasibilityPending = true
	c.advancePending = false
	c.planMissingLogged = false
	c.metrics.ProducerStart(c.id)

	c.logger.Info("producer recovered in place",
		slog.String("block_id", plan.BlockID.String()),
		slog.Time("next_boundary", c.boundary))
}

// closeOpenSegmentsLocked synthesizes terminal records for segments whose
// producer will never close them (stop, failure, recovery).
func (c *Channel) closeOpenSegmentsLocked(now time.Time, recovery bool) {
	if len(c.openSegs) == 0 {
		return
	}
	indexes := make([]int, 0, len(c.openSegs))
	for idx := range c.openSegs {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)

	tick := producer.TickFor(c.producerStart, now, c.format)
	for _, idx := range indexes {
		open := c.openSegs[idx]
		delete(c.openSegs, idx)

		frames := tick - open.startTick
		if frames < 0 {
			frames = 0
		}
		status := asrun.EventTruncated
		if frames == 0 {
			status = asrun.EventSkipped
		}
		c.appendAsRunLocked(asrun.Record{
			Event:             status,
			BlockID:           open.blockID,
			SegmentIndex:      open.index,
			SegmentType:       open.segType,
			AssetURI:          open.assetURI,
			ActualStartUTCMs:  open.startMs,
			DurationMs:        c.framesToMs(frames),
			FramesEmitted:     frames,
			RuntimeRecovery:   recovery,
			RunwayDegradation: recovery && c.runwayBehindLocked(),
		})
		c.metrics.SegmentAired(c.id, string(status))
	}
}

func (c *Channel) appendAsRunLocked(rec asrun.Record) {
	if c.asrun == nil {
		return
	}
	if err := c.asrun.Append(rec); err != nil {
		c.logger.Error("as-run append failed", slog.String("error", err.Error()))
	}
}

func (c *Channel) runwayBehindLocked() bool {
	return c.runway != nil && c.runway.BehindSchedule(c.id)
}

func (c *Channel) framesToMs(frames int64) int64 {
	if c.format.FPSNum == 0 {
		return 0
	}
	return frames * 1000 * int64(c.format.FPSDen) / int64(c.format.FPSNum)
}

func msToFrames(ms int64, f producer.Format) int64 {
	if f.FPSDen == 0 {
		return 0
	}
	return ms * int64(f.FPSNum) / (1000 * int64(f.FPSDen))
}

func framesPerSecond(f producer.Format) int64 {
	den := int64(f.FPSDen)
	if den < 1 {
		den = 1
	}
	fps := int64(f.FPSNum) / den
	if fps < 1 {
		fps = 1
	}
	return fps
}

func errString(err error) string {
	if err == nil {
		return "plan has no segments"
	}
	return err.Error()
}

// State returns the channel lifecycle state.
func (c *Channel) State() ChannelState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Converged reports whether the first frame-accurate swap has landed.
func (c *Channel) Converged() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.converged
}

// Attach joins a viewer to the live TS stream. Joins are ungated during
// startup; only a FAILED channel refuses them.
func (c *Channel) Attach(remoteAddr, userAgent string) (*fanout.Viewer, error) {
	c.mu.RLock()
	state := c.state
	fan := c.fan
	c.mu.RUnlock()

	if state == StateFailed {
		return nil, ErrChannelFailed
	}
	if fan == nil || state != StateRunning {
		return nil, ErrChannelNotRunning
	}
	return fan.Attach(remoteAddr, userAgent)
}

// Detach removes a viewer. Detaching from a replaced fanout is a no-op.
func (c *Channel) Detach(id uuid.UUID) {
	c.mu.RLock()
	fan := c.fan
	c.mu.RUnlock()
	if fan != nil {
		fan.Detach(id)
	}
}

// WaitPlaylist blocks until the HLS playlist has its first segment, then
// renders it. ctx bounds the wait.
func (c *Channel) WaitPlaylist(ctx context.Context) (string, error) {
	c.mu.RLock()
	state := c.state
	seg := c.segmenter
	c.mu.RUnlock()

	if state == StateFailed {
		return "", ErrChannelFailed
	}
	if seg == nil {
		return "", ErrChannelNotRunning
	}
	if err := seg.WaitReady(ctx); err != nil {
		return "", err
	}
	return seg.Playlist(), nil
}

// HLSSegment returns one finalized segment by name.
func (c *Channel) HLSSegment(name string) ([]byte, bool) {
	c.mu.RLock()
	seg := c.segmenter
	c.mu.RUnlock()
	if seg == nil {
		return nil, false
	}
	return seg.Segment(name)
}

// Stats is the channel's observable snapshot for the status API.
type Stats struct {
	ChannelID         string        `json:"channel_id"`
	State             ChannelState  `json:"state"`
	BoundaryState     BoundaryState `json:"boundary_state"`
	SwitchState       SwitchState   `json:"switch_state"`
	Converged         bool          `json:"converged"`
	NextBoundaryUTCMs int64         `json:"next_boundary_utc_ms,omitempty"`
	CurrentBlockID    string        `json:"current_block_id,omitempty"`
	ProducerHealth    string        `json:"producer_health,omitempty"`
	Viewers           int           `json:"viewers"`
	BytesIn           uint64        `json:"bytes_in"`
	SwapCount         int64         `json:"swap_count"`
	LastSwapTick      int64         `json:"last_swap_tick,omitempty"`
	SkippedBoundaries int           `json:"skipped_boundaries,omitempty"`
	Recovered         bool          `json:"recovered,omitempty"`
	InDeficit         bool          `json:"in_deficit,omitempty"`
	HLSMediaSequence  int           `json:"hls_media_sequence"`
	HLSSegments       int           `json:"hls_segments"`
}

// Stats snapshots the channel. Values may lag the tick thread by one
// transition but are never torn.
func (c *Channel) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	stats := Stats{
		ChannelID:         c.id,
		State:             c.state,
		BoundaryState:     c.boundaryState,
		SwitchState:       c.switchState,
		Converged:         c.converged,
		SwapCount:         c.swapCount,
		LastSwapTick:      c.lastSwapTick,
		SkippedBoundaries: c.skippedBoundaries,
		Recovered:         c.recovered,
		InDeficit:         c.inDeficit,
	}
	if !c.boundary.IsZero() {
		stats.NextBoundaryUTCMs = c.boundary.UnixMilli()
	}
	if c.current != nil {
		stats.CurrentBlockID = c.current.BlockID.String()
	}
	if c.producer != nil {
		stats.ProducerHealth = string(c.producer.Health())
	}
	if c.fan != nil {
		stats.Viewers = c.fan.ViewerCount()
		stats.BytesIn = c.fan.BytesIn()
	}
	if c.segmenter != nil {
		stats.HLSMediaSequence = c.segmenter.MediaSequence()
		stats.HLSSegments = c.segmenter.SegmentCount()
	}
	return stats
}
