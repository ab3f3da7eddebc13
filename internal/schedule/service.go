package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/retrovue/retrovue/internal/clock"
	"github.com/retrovue/retrovue/internal/dsl"
)

// Service errors.
var (
	ErrChannelUnknown    = errors.New("channel not scheduled")
	ErrExtensionInFlight = errors.New("horizon extension already running")
	ErrNoCompiledBlocks  = errors.New("no broadcast day compiled")
	ErrNoCoverage        = errors.New("no block covers the requested time")
)

// Pipeline error codes, stable strings the horizon manager reports.
const (
	PipelineCompile    = "COMPILE_ERROR"
	PipelineValidation = "VALIDATION_ERROR"
	PipelineResolution = "ASSET_RESOLUTION_ERROR"
	PipelineExpansion  = "EXPANSION_ERROR"
	PipelineSeam       = "SEAM_VIOLATION"
)

// PipelineError wraps a failed day build with a stable code. A seam
// failure carries the violation that stopped the insert.
type PipelineError struct {
	Code      string
	Day       string
	Violation *SeamViolation
	Err       error
}

func (e *PipelineError) Error() string {
	if e.Violation != nil {
		return fmt.Sprintf("pipeline %s for day %s: %s", e.Code, e.Day, e.Violation)
	}
	return fmt.Sprintf("pipeline %s for day %s: %v", e.Code, e.Day, e.Err)
}

func (e *PipelineError) Unwrap() error { return e.Err }

// AssetResolver is the catalog surface scheduling needs: compile-time
// lookups plus URI resolution to local media paths.
type AssetResolver interface {
	dsl.AssetSource
	ResolveURI(ctx context.Context, uri string) string
}

// Config carries the scheduling tunables. Zero values fall back to the
// documented defaults, except DayStartHour, which is taken literally
// (zero means the broadcast day rolls over at midnight).
type Config struct {
	// HorizonDays is the initial compile depth.
	HorizonDays int

	// DayStartHour is the channel-local broadcast-day rollover hour.
	DayStartHour int

	// GridMinutes is the default slot grid for channels that do not set
	// their own.
	GridMinutes int

	// RecompileThreshold is the hard minimum execution horizon; at or
	// below this remaining coverage the service extends by one day.
	RecompileThreshold time.Duration

	// Epoch anchors sequential-counter arithmetic.
	Epoch time.Time

	// PruneAfter is how long ended blocks stay in the window.
	PruneAfter time.Duration
}

func (c Config) withDefaults() Config {
	if c.HorizonDays <= 0 {
		c.HorizonDays = 3
	}
	if c.GridMinutes <= 0 {
		c.GridMinutes = 30
	}
	if c.RecompileThreshold <= 0 {
		c.RecompileThreshold = 6 * time.Hour
	}
	if c.Epoch.IsZero() {
		c.Epoch = time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC)
	}
	if c.PruneAfter <= 0 {
		c.PruneAfter = 24 * time.Hour
	}
	return c
}

// ChannelPlan is everything the service needs to schedule one channel.
type ChannelPlan struct {
	ChannelID string
	Doc       *dsl.Document

	// Fillers is the channel's ad-break pool, in strip order.
	Fillers []FillerAsset

	// PadURI backs pad segments when the pool is empty. Empty means the
	// producer synthesizes black and silence.
	PadURI string

	// GridMinutes overrides the service default when positive.
	GridMinutes int
}

type channelState struct {
	plan        ChannelPlan
	store       *WindowStore
	loc         *time.Location
	grid        int
	slotsPerDay int
	extending   atomic.Bool

	mu         sync.Mutex
	nextDay    time.Time // next uncompiled broadcast day, UTC-midnight date carrier
	failedDays map[string]string
}

func (c *channelState) recordFailure(day string, err error) {
	c.mu.Lock()
	c.failedDays[day] = err.Error()
	c.mu.Unlock()
}

func (c *channelState) advanceDay() {
	c.mu.Lock()
	c.nextDay = c.nextDay.AddDate(0, 0, 1)
	c.mu.Unlock()
}

func (c *channelState) pendingDay() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nextDay
}

// Service owns the per-channel execution windows: it compiles broadcast
// days through the DSL, expands and fills the blocks, and keeps each
// window deep enough for the runtime. Lookups are lock-light; compilation
// never runs under a store lock.
type Service struct {
	resolver AssetResolver
	clock    clock.Clock
	cfg      Config
	logger   *slog.Logger

	mu       sync.RWMutex
	channels map[string]*channelState
}

// NewService creates a schedule service.
func NewService(resolver AssetResolver, clk clock.Clock, cfg Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		resolver: resolver,
		clock:    clk,
		cfg:      cfg.withDefaults(),
		logger:   logger.With(slog.String("component", "schedule")),
		channels: make(map[string]*channelState),
	}
}

// AddChannel compiles the initial horizon for a channel and registers it.
// Individual days that fail to compile are recorded and skipped; the
// channel is only rejected when no day at all produced blocks. Re-adding
// an existing channel rebuilds it from scratch.
func (s *Service) AddChannel(ctx context.Context, plan ChannelPlan) error {
	if plan.ChannelID == "" {
		return fmt.Errorf("channel plan has no channel id")
	}
	if plan.Doc == nil {
		return fmt.Errorf("channel %q has no programming document", plan.ChannelID)
	}
	loc, err := time.LoadLocation(plan.Doc.Timezone)
	if err != nil {
		return fmt.Errorf("channel %q timezone %q: %w", plan.ChannelID, plan.Doc.Timezone, err)
	}

	grid := plan.GridMinutes
	if grid <= 0 {
		grid = s.cfg.GridMinutes
	}

	state := &channelState{
		plan:        plan,
		store:       NewWindowStore(),
		loc:         loc,
		grid:        grid,
		slotsPerDay: (24 * 60) / grid,
		failedDays:  make(map[string]string),
		nextDay:     BroadcastDay(s.clock.Now(), loc, s.cfg.DayStartHour),
	}

	for i := 0; i < s.cfg.HorizonDays; i++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, err := s.buildDay(ctx, state); err != nil {
			var perr *PipelineError
			if errors.As(err, &perr) && perr.Code == PipelineSeam {
				// Later days cannot attach behind a seam break.
				break
			}
			continue
		}
	}
	if state.store.Len() == 0 {
		return fmt.Errorf("channel %q: %w", plan.ChannelID, ErrNoCompiledBlocks)
	}

	s.mu.Lock()
	_, replaced := s.channels[plan.ChannelID]
	s.channels[plan.ChannelID] = state
	s.mu.Unlock()

	start, end, _ := state.store.Bounds()
	s.logger.Info("channel scheduled",
		slog.String("channel_id", plan.ChannelID),
		slog.Int("blocks", state.store.Len()),
		slog.Time("window_start", time.UnixMilli(start).UTC()),
		slog.Time("window_end", time.UnixMilli(end).UTC()),
		slog.Bool("replaced", replaced),
	)
	return nil
}

// RemoveChannel drops a channel's window.
func (s *Service) RemoveChannel(channelID string) {
	s.mu.Lock()
	delete(s.channels, channelID)
	s.mu.Unlock()
}

// Channels returns the scheduled channel IDs, sorted.
func (s *Service) Channels() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.channels))
	for id := range s.channels {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s *Service) channel(channelID string) (*channelState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.channels[channelID]
	if !ok {
		return nil, fmt.Errorf("channel %q: %w", channelID, ErrChannelUnknown)
	}
	return state, nil
}

// BlockAt returns the block covering utcMs on the given channel.
func (s *Service) BlockAt(channelID string, utcMs int64) (*ScheduledBlock, bool) {
	state, err := s.channel(channelID)
	if err != nil {
		return nil, false
	}
	return state.store.BlockAt(utcMs)
}

// Store exposes a channel's window for read-side consumers.
func (s *Service) Store(channelID string) (*WindowStore, bool) {
	state, err := s.channel(channelID)
	if err != nil {
		return nil, false
	}
	return state.store, true
}

// ExtensionResult reports one successful horizon extension.
type ExtensionResult struct {
	ChannelID    string
	BroadcastDay string
	Blocks       int
	Hash         string
	WindowEndMs  int64
}

// ExtendOneDay compiles and inserts the channel's next broadcast day.
// Extensions are single-flight per channel; a concurrent attempt gets
// ErrExtensionInFlight. Failures are returned as *PipelineError and never
// disturb the blocks already stored.
func (s *Service) ExtendOneDay(ctx context.Context, channelID string) (*ExtensionResult, error) {
	state, err := s.channel(channelID)
	if err != nil {
		return nil, err
	}
	if !state.extending.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("channel %q: %w", channelID, ErrExtensionInFlight)
	}
	defer state.extending.Store(false)
	return s.buildDay(ctx, state)
}

// NeedsExtension reports whether remaining coverage has fallen to the
// recompile threshold.
func (s *Service) NeedsExtension(channelID string, now time.Time) bool {
	remaining, ok := s.Remaining(channelID, now)
	return ok && remaining <= s.cfg.RecompileThreshold
}

// Remaining returns how much coverage is left after now. ok is false for
// unknown channels; an empty window reports zero remaining.
func (s *Service) Remaining(channelID string, now time.Time) (time.Duration, bool) {
	state, err := s.channel(channelID)
	if err != nil {
		return 0, false
	}
	end, ok := state.store.WindowEnd()
	if !ok {
		return 0, true
	}
	remaining := time.Duration(end-now.UnixMilli()) * time.Millisecond
	if remaining < 0 {
		remaining = 0
	}
	return remaining, true
}

// SeamViolations re-checks the channel's stored window.
func (s *Service) SeamViolations(channelID string) []SeamViolation {
	state, err := s.channel(channelID)
	if err != nil {
		return nil
	}
	return state.store.CheckContiguity()
}

// EPGDepthDays returns how many broadcast days of guide data exist from
// the current broadcast day forward: max stored date minus today plus one.
func (s *Service) EPGDepthDays(channelID string, now time.Time) int {
	state, err := s.channel(channelID)
	if err != nil {
		return 0
	}
	days := state.store.Days()
	if len(days) == 0 {
		return 0
	}
	maxDay, err := dsl.ParseDay(days[len(days)-1])
	if err != nil {
		return 0
	}
	today := BroadcastDay(now, state.loc, s.cfg.DayStartHour)
	depth := int(maxDay.Sub(today)/(24*time.Hour)) + 1
	if depth < 0 {
		return 0
	}
	return depth
}

// GuideDay recompiles one broadcast day for guide output. The compile
// seeds the same sequential counter the window build uses, so the guide
// reports exactly what airs without consulting the execution window.
func (s *Service) GuideDay(ctx context.Context, channelID, day string) (*dsl.CompiledDay, error) {
	state, err := s.channel(channelID)
	if err != nil {
		return nil, err
	}
	date, err := dsl.ParseDay(day)
	if err != nil {
		return nil, err
	}
	counter := int64(state.slotsPerDay) * daysBetween(s.cfg.Epoch, date)
	return dsl.Compile(ctx, state.plan.Doc, s.resolver, dsl.CompileRequest{
		Day:               day,
		GridMinutes:       state.grid,
		DayStartHour:      s.cfg.DayStartHour,
		SequentialCounter: counter,
	})
}

// MaterializeDay compiles one broadcast day for a plan and materializes
// its blocks without touching any execution window. Compilation seeds the
// same deterministic counters as the window build, so the result is the
// planned transmission log for that day no matter when it runs.
func (s *Service) MaterializeDay(ctx context.Context, plan ChannelPlan, day string) (*dsl.CompiledDay, []*ScheduledBlock, error) {
	if plan.ChannelID == "" {
		return nil, nil, fmt.Errorf("channel plan has no channel id")
	}
	if plan.Doc == nil {
		return nil, nil, fmt.Errorf("channel %q has no programming document", plan.ChannelID)
	}
	date, err := dsl.ParseDay(day)
	if err != nil {
		return nil, nil, err
	}
	grid := plan.GridMinutes
	if grid <= 0 {
		grid = s.cfg.GridMinutes
	}
	state := &channelState{
		plan:        plan,
		grid:        grid,
		slotsPerDay: (24 * 60) / grid,
	}
	counter := int64(state.slotsPerDay) * daysBetween(s.cfg.Epoch, date)

	compiled, err := dsl.Compile(ctx, plan.Doc, s.resolver, dsl.CompileRequest{
		Day:               day,
		GridMinutes:       grid,
		DayStartHour:      s.cfg.DayStartHour,
		SequentialCounter: counter,
	})
	if err != nil {
		return nil, nil, err
	}
	blocks, err := s.materialize(ctx, state, compiled)
	if err != nil {
		return nil, nil, err
	}
	return compiled, blocks, nil
}

// DayBlocks returns the stored blocks of one broadcast day, in air order.
func (s *Service) DayBlocks(channelID, day string) ([]*ScheduledBlock, error) {
	state, err := s.channel(channelID)
	if err != nil {
		return nil, err
	}
	var blocks []*ScheduledBlock
	for _, b := range state.store.Snapshot() {
		if b.Day == day {
			blocks = append(blocks, b)
		}
	}
	return blocks, nil
}

// CompileFailure returns the recorded failure for a broadcast day, if any.
func (s *Service) CompileFailure(channelID, day string) (string, bool) {
	state, err := s.channel(channelID)
	if err != nil {
		return "", false
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	msg, ok := state.failedDays[day]
	return msg, ok
}

// PruneExpired drops blocks that ended more than the configured retention
// before now, plus stale compile-failure records. Returns how many blocks
// were removed across all channels.
func (s *Service) PruneExpired(now time.Time) int {
	cutoff := now.Add(-s.cfg.PruneAfter)
	cutoffMs := cutoff.UnixMilli()

	s.mu.RLock()
	states := make([]*channelState, 0, len(s.channels))
	for _, state := range s.channels {
		states = append(states, state)
	}
	s.mu.RUnlock()

	total := 0
	for _, state := range states {
		pruned := state.store.PruneBefore(cutoffMs)
		total += pruned

		cutoffDay := dsl.FormatDay(BroadcastDay(cutoff, state.loc, s.cfg.DayStartHour))
		state.mu.Lock()
		for day := range state.failedDays {
			if day < cutoffDay {
				delete(state.failedDays, day)
			}
		}
		state.mu.Unlock()

		if pruned > 0 {
			s.logger.Debug("pruned expired blocks",
				slog.String("channel_id", state.plan.ChannelID),
				slog.Int("blocks", pruned),
			)
		}
	}
	return total
}

// ChannelStatus is the per-channel scheduling snapshot for the status API.
type ChannelStatus struct {
	ChannelID     string            `json:"channel_id"`
	Blocks        int               `json:"blocks"`
	WindowStartMs int64             `json:"window_start_utc_ms"`
	WindowEndMs   int64             `json:"window_end_utc_ms"`
	Days          []string          `json:"days"`
	FailedDays    map[string]string `json:"failed_days,omitempty"`
	Extending     bool              `json:"extending"`
}

// Status returns the scheduling snapshot for one channel.
func (s *Service) Status(channelID string) (*ChannelStatus, bool) {
	state, err := s.channel(channelID)
	if err != nil {
		return nil, false
	}
	start, end, _ := state.store.Bounds()

	state.mu.Lock()
	failed := make(map[string]string, len(state.failedDays))
	for day, msg := range state.failedDays {
		failed[day] = msg
	}
	state.mu.Unlock()

	return &ChannelStatus{
		ChannelID:     channelID,
		Blocks:        state.store.Len(),
		WindowStartMs: start,
		WindowEndMs:   end,
		Days:          state.store.Days(),
		FailedDays:    failed,
		Extending:     state.extending.Load(),
	}, true
}

// buildDay compiles the channel's next broadcast day, materializes it and
// appends it to the window. On compile or materialization failure the day
// is recorded as un-compiled and skipped; on a seam rejection the pending
// day is left in place, since nothing later can attach either.
func (s *Service) buildDay(ctx context.Context, state *channelState) (*ExtensionResult, error) {
	pending := state.pendingDay()
	day := dsl.FormatDay(pending)
	counter := int64(state.slotsPerDay) * daysBetween(s.cfg.Epoch, pending)

	compiled, err := dsl.Compile(ctx, state.plan.Doc, s.resolver, dsl.CompileRequest{
		Day:               day,
		GridMinutes:       state.grid,
		DayStartHour:      s.cfg.DayStartHour,
		SequentialCounter: counter,
	})
	if err != nil {
		s.logger.Error("broadcast day failed to compile",
			slog.String("channel_id", state.plan.ChannelID),
			slog.String("broadcast_day", day),
			slog.String("error", err.Error()),
		)
		state.recordFailure(day, err)
		state.advanceDay()
		return nil, &PipelineError{Code: classifyPipeline(err), Day: day, Err: err}
	}

	blocks, err := s.materialize(ctx, state, compiled)
	if err != nil {
		s.logger.Error("broadcast day failed to materialize",
			slog.String("channel_id", state.plan.ChannelID),
			slog.String("broadcast_day", day),
			slog.String("error", err.Error()),
		)
		state.recordFailure(day, err)
		state.advanceDay()
		return nil, &PipelineError{Code: PipelineExpansion, Day: day, Err: err}
	}

	accepted, violation := state.store.Insert(blocks)
	if violation != nil {
		s.logger.Error("broadcast day rejected at window seam",
			slog.String("channel_id", state.plan.ChannelID),
			slog.String("broadcast_day", day),
			slog.Int("accepted", accepted),
			slog.Int("rejected", len(blocks)-accepted),
			slog.String("violation", violation.String()),
		)
		state.recordFailure(day, errors.New(violation.String()))
		return nil, &PipelineError{Code: PipelineSeam, Day: day, Violation: violation}
	}
	state.advanceDay()

	end, _ := state.store.WindowEnd()
	s.logger.Info("broadcast day scheduled",
		slog.String("channel_id", state.plan.ChannelID),
		slog.String("broadcast_day", day),
		slog.Int("blocks", accepted),
		slog.String("hash", compiled.Hash),
		slog.Time("window_end", time.UnixMilli(end).UTC()),
	)
	return &ExtensionResult{
		ChannelID:    state.plan.ChannelID,
		BroadcastDay: day,
		Blocks:       accepted,
		Hash:         compiled.Hash,
		WindowEndMs:  end,
	}, nil
}

// materialize expands and traffic-fills every compiled block. The filler
// strip cursor runs across the whole day so breaks continue where the
// previous one stopped.
func (s *Service) materialize(ctx context.Context, state *channelState, compiled *dsl.CompiledDay) ([]*ScheduledBlock, error) {
	filler := NewTrafficFiller(state.plan.Fillers, state.plan.PadURI)
	blocks := make([]*ScheduledBlock, 0, len(compiled.Blocks))

	for _, pb := range compiled.Blocks {
		asset, err := s.resolver.Lookup(ctx, pb.AssetID)
		if err != nil {
			return nil, fmt.Errorf("block at %s: %w", pb.StartAt.Format(time.RFC3339), err)
		}
		uri := s.resolver.ResolveURI(ctx, asset.URI)

		segments, err := ExpandBlock(pb, uri, asset.DurationMs, MarkerOffsets(asset.Markers))
		if err != nil {
			return nil, err
		}
		segments, err = filler.Fill(segments)
		if err != nil {
			return nil, err
		}

		block, err := BuildBlock(state.plan.ChannelID, compiled.BroadcastDay, pb, segments)
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, block)
	}
	return blocks, nil
}

// classifyPipeline maps compiler errors onto stable pipeline codes.
func classifyPipeline(err error) string {
	var (
		compileErr    *dsl.CompileError
		validationErr *dsl.ValidationError
		resolutionErr *dsl.AssetResolutionError
	)
	switch {
	case errors.As(err, &validationErr):
		return PipelineValidation
	case errors.As(err, &resolutionErr):
		return PipelineResolution
	case errors.As(err, &compileErr):
		return PipelineCompile
	default:
		return PipelineCompile
	}
}

// BroadcastDay returns the broadcast day owning the given instant as a
// UTC-midnight date carrier: local instants before the rollover hour
// belong to the previous calendar date.
func BroadcastDay(now time.Time, loc *time.Location, dayStartHour int) time.Time {
	local := now.In(loc)
	day := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, time.UTC)
	if local.Hour() < dayStartHour {
		day = day.AddDate(0, 0, -1)
	}
	return day
}

// BroadcastDayStart returns the instant a broadcast day begins: the
// rollover hour on the day's date in the channel's location.
func BroadcastDayStart(day time.Time, loc *time.Location, dayStartHour int) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), dayStartHour, 0, 0, 0, loc)
}

// daysBetween counts whole days from epoch to day; both are UTC-midnight
// date carriers, so the division is exact. Negative before the epoch.
func daysBetween(epoch, day time.Time) int64 {
	return int64(day.Sub(epoch) / (24 * time.Hour))
}
