// Package horizon keeps every channel's execution window deep enough to
// play out. The manager sweeps all channels at a fixed cadence, extends
// windows that have fallen to the proactive threshold, and publishes a
// per-channel health report consumed by the HTTP surface and the channel
// runtime.
package horizon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/retrovue/retrovue/internal/clock"
	"github.com/retrovue/retrovue/internal/observability"
	"github.com/retrovue/retrovue/internal/schedule"
)

// ScheduleExtender is the planning surface the manager drives. It is
// satisfied by schedule.Service; tests substitute a scripted fake.
type ScheduleExtender interface {
	Channels() []string
	Remaining(channelID string, now time.Time) (time.Duration, bool)
	ExtendOneDay(ctx context.Context, channelID string) (*schedule.ExtensionResult, error)
	SeamViolations(channelID string) []schedule.SeamViolation
	EPGDepthDays(channelID string, now time.Time) int
	PruneExpired(now time.Time) int
}

// Config carries the horizon tunables. Zero values fall back to the
// documented defaults.
type Config struct {
	// ProactiveExtendThreshold is the soft floor: at or below this much
	// remaining coverage the manager extends one broadcast day. Clamped
	// up to HardMinimum.
	ProactiveExtendThreshold time.Duration

	// HardMinimum is the execution floor. Below it the channel runtime
	// treats recoveries as runway degradations.
	HardMinimum time.Duration

	// MinEPGDays is the guide-depth floor reported on health.
	MinEPGDays int

	// EvaluateInterval is the sweep cadence of the run loop.
	EvaluateInterval time.Duration

	// MaintenanceSpec is a five-field cron expression (server-local) for
	// the nightly prune of expired blocks and archived as-run logs.
	MaintenanceSpec string

	// AttemptHistory bounds the per-channel extension attempt ring.
	AttemptHistory int
}

func (c Config) withDefaults() Config {
	if c.HardMinimum <= 0 {
		c.HardMinimum = 6 * time.Hour
	}
	if c.ProactiveExtendThreshold < c.HardMinimum {
		c.ProactiveExtendThreshold = c.HardMinimum
	}
	if c.MinEPGDays <= 0 {
		c.MinEPGDays = 3
	}
	if c.EvaluateInterval <= 0 {
		c.EvaluateInterval = time.Second
	}
	if c.MaintenanceSpec == "" {
		c.MaintenanceSpec = "45 4 * * *"
	}
	if c.AttemptHistory <= 0 {
		c.AttemptHistory = 32
	}
	return c
}

// ExtensionAttempt records one proactive extension, successful or not.
type ExtensionAttempt struct {
	ChannelID     string    `json:"channel_id"`
	AttemptNumber int       `json:"attempt_number"`
	BroadcastDay  string    `json:"broadcast_day,omitempty"`
	Success       bool      `json:"success"`
	ErrorCode     string    `json:"error_code,omitempty"`
	Blocks        int       `json:"blocks,omitempty"`
	At            time.Time `json:"at"`
}

// HealthReport is the per-channel depth snapshot published after each
// evaluation.
type HealthReport struct {
	ChannelID                   string                   `json:"channel_id"`
	CoverageCompliant           bool                     `json:"coverage_compliant"`
	SeamViolations              []schedule.SeamViolation `json:"seam_violations,omitempty"`
	EPGDepthDays                int                      `json:"epg_depth_days"`
	EPGCompliant                bool                     `json:"epg_compliant"`
	ExecutionRemainingMs        int64                    `json:"execution_remaining_ms"`
	BehindSchedule              bool                     `json:"behind_schedule"`
	ProactiveExtensionTriggered bool                     `json:"proactive_extension_triggered"`
	ExtensionAttemptCount       int                      `json:"extension_attempt_count"`
	ExtensionSuccessCount       int                      `json:"extension_success_count"`
	EvaluatedAtMs               int64                    `json:"evaluated_at_utc_ms"`
}

// channelHealth is the manager's private per-channel bookkeeping. All
// fields are guarded by Manager.mu.
type channelHealth struct {
	attempts      int
	successes     int
	lastAttemptMs int64
	lastSeamCount int
	history       []ExtensionAttempt
	report        *HealthReport
}

// Manager owns the horizon sweep. One instance serves all channels.
type Manager struct {
	extender ScheduleExtender
	clk      clock.Clock
	cfg      Config
	logger   *slog.Logger
	metrics  *observability.Metrics

	// janitor runs after the nightly prune, for as-run archive cleanup.
	janitor func(now time.Time)

	mu       sync.RWMutex
	channels map[string]*channelHealth

	runMu  sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup

	maintenance  cron.Schedule
	lastMaintain time.Time
}

// NewManager creates a horizon manager. metrics may be nil.
func NewManager(extender ScheduleExtender, clk clock.Clock, cfg Config, logger *slog.Logger, metrics *observability.Metrics) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	maintenance, err := parser.Parse(cfg.MaintenanceSpec)
	if err != nil {
		return nil, fmt.Errorf("parsing maintenance schedule %q: %w", cfg.MaintenanceSpec, err)
	}

	return &Manager{
		extender:    extender,
		clk:         clk,
		cfg:         cfg,
		logger:      observability.WithComponent(logger, "horizon"),
		metrics:     metrics,
		channels:    make(map[string]*channelHealth),
		maintenance: maintenance,
	}, nil
}

// WithJanitor registers a maintenance hook run after the nightly prune.
func (m *Manager) WithJanitor(fn func(now time.Time)) *Manager {
	m.janitor = fn
	return m
}

// Start begins the background sweep loop.
func (m *Manager) Start(ctx context.Context) error {
	m.runMu.Lock()
	defer m.runMu.Unlock()

	if m.cancel != nil {
		return errors.New("horizon manager already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.lastMaintain = m.clk.Now()

	m.wg.Add(1)
	go m.loop(ctx)

	m.logger.Info("horizon manager started",
		slog.Duration("evaluate_interval", m.cfg.EvaluateInterval),
		slog.Duration("proactive_threshold", m.cfg.ProactiveExtendThreshold),
		slog.Duration("hard_minimum", m.cfg.HardMinimum))
	return nil
}

// Stop halts the sweep loop and waits for it to exit.
func (m *Manager) Stop() {
	m.runMu.Lock()
	if m.cancel != nil {
		m.cancel()
	}
	m.runMu.Unlock()

	m.wg.Wait()

	m.runMu.Lock()
	m.cancel = nil
	m.runMu.Unlock()

	m.logger.Info("horizon manager stopped")
}

func (m *Manager) loop(ctx context.Context) {
	defer m.wg.Done()

	// Sweep immediately so channels registered before Start are covered
	// without waiting one interval.
	m.EvaluateOnce(ctx)

	ticker := time.NewTicker(m.cfg.EvaluateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.EvaluateOnce(ctx)
			m.maintainDue()
		}
	}
}

// EvaluateOnce sweeps every channel once: depth check, proactive
// extension, seam check, health publication. Reports are returned in
// channel order.
func (m *Manager) EvaluateOnce(ctx context.Context) []HealthReport {
	now := m.clk.Now()
	ids := m.extender.Channels()
	sort.Strings(ids)

	reports := make([]HealthReport, 0, len(ids))
	for _, id := range ids {
		if report, ok := m.evaluateChannel(ctx, id, now); ok {
			reports = append(reports, report)
		}
	}
	return reports
}

// evaluateChannel runs the §depth tick for a single channel. ok is false
// when the channel was removed between listing and evaluation.
func (m *Manager) evaluateChannel(ctx context.Context, channelID string, now time.Time) (HealthReport, bool) {
	remaining, ok := m.extender.Remaining(channelID, now)
	if !ok {
		return HealthReport{}, false
	}

	state := m.health(channelID)

	triggered := false
	if remaining <= m.cfg.ProactiveExtendThreshold && m.markAttempt(state, now) {
		triggered = true
		m.extend(ctx, state, channelID, now)
		// Extension moved window_end; re-read so the report reflects it.
		remaining, _ = m.extender.Remaining(channelID, now)
	}

	violations := m.extender.SeamViolations(channelID)
	depth := m.extender.EPGDepthDays(channelID, now)

	m.mu.Lock()
	if len(violations) > state.lastSeamCount {
		for i := state.lastSeamCount; i < len(violations); i++ {
			m.metrics.SeamViolation(channelID)
		}
	}
	state.lastSeamCount = len(violations)

	report := HealthReport{
		ChannelID:                   channelID,
		CoverageCompliant:           len(violations) == 0,
		SeamViolations:              violations,
		EPGDepthDays:                depth,
		EPGCompliant:                depth >= m.cfg.MinEPGDays,
		ExecutionRemainingMs:        remaining.Milliseconds(),
		BehindSchedule:              remaining < m.cfg.HardMinimum,
		ProactiveExtensionTriggered: triggered,
		ExtensionAttemptCount:       state.attempts,
		ExtensionSuccessCount:       state.successes,
		EvaluatedAtMs:               now.UnixMilli(),
	}
	state.report = &report
	m.mu.Unlock()

	m.metrics.HorizonRemaining(channelID, report.ExecutionRemainingMs)
	m.metrics.EPGDepth(channelID, depth)

	if !report.CoverageCompliant {
		m.logger.Warn("coverage not contiguous",
			slog.String("channel_id", channelID),
			slog.Int("seam_violations", len(violations)))
	}
	return report, true
}

// markAttempt claims the extension slot for this clock reading. Two
// evaluations at the same clock yield a single attempt.
func (m *Manager) markAttempt(state *channelHealth, now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	nowMs := now.UnixMilli()
	if state.lastAttemptMs == nowMs {
		return false
	}
	state.lastAttemptMs = nowMs
	return true
}

// extend runs one single-flight extension and records the attempt. An
// in-flight rejection is a no-op, not an attempt.
func (m *Manager) extend(ctx context.Context, state *channelHealth, channelID string, now time.Time) {
	result, err := m.extender.ExtendOneDay(ctx, channelID)
	if errors.Is(err, schedule.ErrExtensionInFlight) {
		m.logger.Debug("extension already in flight",
			slog.String("channel_id", channelID))
		return
	}

	m.mu.Lock()
	state.attempts++
	attempt := ExtensionAttempt{
		ChannelID:     channelID,
		AttemptNumber: state.attempts,
		At:            now,
	}
	m.mu.Unlock()

	if err != nil {
		var perr *schedule.PipelineError
		if errors.As(err, &perr) {
			attempt.ErrorCode = perr.Code
			attempt.BroadcastDay = perr.Day
		} else {
			attempt.ErrorCode = "PIPELINE_ERROR"
		}
		m.logger.Warn("horizon extension failed",
			slog.String("channel_id", channelID),
			slog.String("error_code", attempt.ErrorCode),
			slog.String("broadcast_day", attempt.BroadcastDay),
			slog.String("error", err.Error()))
	} else {
		attempt.Success = true
		attempt.BroadcastDay = result.BroadcastDay
		attempt.Blocks = result.Blocks
		m.logger.Info("horizon extended",
			slog.String("channel_id", channelID),
			slog.String("broadcast_day", result.BroadcastDay),
			slog.Int("blocks", result.Blocks),
			slog.Int64("window_end_utc_ms", result.WindowEndMs))
	}

	m.mu.Lock()
	if attempt.Success {
		state.successes++
	}
	state.history = append(state.history, attempt)
	if len(state.history) > m.cfg.AttemptHistory {
		state.history = state.history[len(state.history)-m.cfg.AttemptHistory:]
	}
	m.mu.Unlock()

	m.metrics.ExtensionAttempt(channelID, attempt.Success)
}

// maintainDue fires the nightly maintenance when its cron slot has passed.
func (m *Manager) maintainDue() {
	now := m.clk.Now()
	if m.maintenance.Next(m.lastMaintain).After(now) {
		return
	}
	m.lastMaintain = now

	pruned := m.extender.PruneExpired(now)
	if m.janitor != nil {
		m.janitor(now)
	}
	m.logger.Info("maintenance sweep completed",
		slog.Int("pruned_blocks", pruned))
}

// Report returns the latest published health report for a channel.
func (m *Manager) Report(channelID string) (HealthReport, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	state, ok := m.channels[channelID]
	if !ok || state.report == nil {
		return HealthReport{}, false
	}
	return *state.report, true
}

// Reports returns the latest report of every evaluated channel, sorted by
// channel id.
func (m *Manager) Reports() []HealthReport {
	m.mu.RLock()
	reports := make([]HealthReport, 0, len(m.channels))
	for _, state := range m.channels {
		if state.report != nil {
			reports = append(reports, *state.report)
		}
	}
	m.mu.RUnlock()

	sort.Slice(reports, func(i, j int) bool { return reports[i].ChannelID < reports[j].ChannelID })
	return reports
}

// Attempts returns a copy of the channel's recent extension attempts,
// oldest first.
func (m *Manager) Attempts(channelID string) []ExtensionAttempt {
	m.mu.RLock()
	defer m.mu.RUnlock()
	state, ok := m.channels[channelID]
	if !ok {
		return nil
	}
	out := make([]ExtensionAttempt, len(state.history))
	copy(out, state.history)
	return out
}

// BehindSchedule reports whether the channel's remaining coverage is
// below the hard execution floor right now. The channel runtime consults
// it to classify recoveries as runway degradations.
func (m *Manager) BehindSchedule(channelID string) bool {
	remaining, ok := m.extender.Remaining(channelID, m.clk.Now())
	return ok && remaining < m.cfg.HardMinimum
}

func (m *Manager) health(channelID string) *channelHealth {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.channels[channelID]
	if !ok {
		state = &channelHealth{}
		m.channels[channelID] = state
	}
	return state
}
