package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/retrovue/retrovue/internal/asrun"
	"github.com/retrovue/retrovue/internal/catalog"
	"github.com/retrovue/retrovue/internal/channelconfig"
	"github.com/retrovue/retrovue/internal/clock"
	"github.com/retrovue/retrovue/internal/config"
	"github.com/retrovue/retrovue/internal/database"
	"github.com/retrovue/retrovue/internal/database/migrations"
	"github.com/retrovue/retrovue/internal/dsl"
	"github.com/retrovue/retrovue/internal/fanout"
	"github.com/retrovue/retrovue/internal/hls"
	"github.com/retrovue/retrovue/internal/horizon"
	"github.com/retrovue/retrovue/internal/httpapi"
	"github.com/retrovue/retrovue/internal/httpapi/handlers"
	"github.com/retrovue/retrovue/internal/observability"
	"github.com/retrovue/retrovue/internal/producer"
	"github.com/retrovue/retrovue/internal/runtime"
	"github.com/retrovue/retrovue/internal/schedule"
	"github.com/retrovue/retrovue/internal/version"
)

// asRunArchiveRetention is how long rotated as-run archives are kept
// before the nightly maintenance sweep removes them.
const asRunArchiveRetention = 7 * 24 * time.Hour

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the retrovue playout server",
	Long: `Start the retrovue playout server.

The server compiles each channel's programming documents into a rolling
multi-day schedule, runs one playout pipeline per channel, and serves:
- Live MPEG-TS streams at /channel/{id}.ts
- HLS playlists and segments at /hls/{id}/
- Lineup, guide, and health APIs under /channels, /api/epg, /health
- Prometheus metrics at /metrics
- OpenAPI documentation at /docs`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	// Server flags. Applied over the loaded config only when explicitly
	// set, same priority rule as the global log flags.
	serveCmd.Flags().String("host", "0.0.0.0", "Host to bind to")
	serveCmd.Flags().Int("port", 8080, "Port to listen on")
	serveCmd.Flags().String("channels-dir", "", "Directory of per-channel YAML definitions")
	serveCmd.Flags().String("catalog", "", "Catalog database DSN")
}

// applyServeFlags overlays explicitly-set serve flags onto the config.
func applyServeFlags(cmd *cobra.Command, cfg *config.Config) {
	f := cmd.Flags()
	if f.Changed("host") {
		cfg.Server.Host, _ = f.GetString("host")
	}
	if f.Changed("port") {
		cfg.Server.Port, _ = f.GetInt("port")
	}
	if f.Changed("channels-dir") {
		cfg.Channels.Dir, _ = f.GetString("channels-dir")
	}
	if f.Changed("catalog") {
		cfg.Database.DSN, _ = f.GetString("catalog")
	}
}

// playout owns the per-channel moving parts the serve command assembles:
// scheduling, runtimes, as-run writers. It reacts to lineup changes from
// the channel config watcher.
type playout struct {
	cfg      *config.Config
	logger   *slog.Logger
	metrics  *observability.Metrics
	clk      clock.Clock
	resolver *catalog.Resolver
	sched    *schedule.Service
	registry *runtime.Registry
	horizon  *horizon.Manager

	mu      sync.Mutex
	writers map[string]*asrun.Writer
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return usageError{fmt.Errorf("loading config: %w", err)}
	}
	applyServeFlags(cmd, cfg)

	logger := slog.Default()
	metrics := observability.NewMetrics()
	clk := clock.NewSystem()

	// Catalog database
	db, err := database.New(cfg.Database, logger, nil)
	if err != nil {
		return fmt.Errorf("opening catalog database: %w", err)
	}
	defer db.Close()

	migrator := migrations.NewMigrator(db.DB, logger)
	migrator.RegisterAll(migrations.AllMigrations())
	if err := migrator.Up(cmd.Context()); err != nil {
		return fmt.Errorf("migrating catalog database: %w", err)
	}

	resolver := catalog.NewResolver(db.DB, logger)

	epoch, err := cfg.Scheduler.EpochDate()
	if err != nil {
		return usageError{err}
	}

	sched := schedule.NewService(resolver, clk, schedule.Config{
		HorizonDays:        cfg.Scheduler.HorizonDays,
		DayStartHour:       cfg.Scheduler.ProgrammingDayStartHour,
		GridMinutes:        cfg.Scheduler.GridMinutes,
		RecompileThreshold: cfg.Scheduler.RecompileThreshold(),
		Epoch:              epoch,
	}, logger)

	horizonMgr, err := horizon.NewManager(sched, clk, horizon.Config{
		ProactiveExtendThreshold: cfg.Scheduler.ProactiveExtendThreshold,
		HardMinimum:              cfg.Scheduler.RecompileThreshold(),
		MinEPGDays:               cfg.Scheduler.MinEPGDays,
		EvaluateInterval:         cfg.Scheduler.EvaluateInterval,
	}, logger, metrics)
	if err != nil {
		return fmt.Errorf("building horizon manager: %w", err)
	}

	registry := runtime.NewRegistry(logger)

	po := &playout{
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
		clk:      clk,
		resolver: resolver,
		sched:    sched,
		registry: registry,
		horizon:  horizonMgr,
		writers:  make(map[string]*asrun.Writer),
	}
	horizonMgr.WithJanitor(po.maintain)

	// Channel lineup
	provider := channelconfig.NewProvider(cfg.Channels.Dir, logger, metrics)
	if err := provider.Load(); err != nil {
		return fmt.Errorf("loading channel lineup: %w", err)
	}

	// Shutdown wiring before channels start so a failed boot still tears
	// down whatever came up.
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
		cancel()
	}()

	started := 0
	for _, ch := range provider.Channels() {
		if err := po.startChannel(ctx, ch); err != nil {
			logger.Error("channel failed to start",
				slog.String("channel_id", ch.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		started++
	}
	if started == 0 && len(provider.Channels()) > 0 {
		return fmt.Errorf("no channel in %s could start", cfg.Channels.Dir)
	}

	if err := horizonMgr.Start(ctx); err != nil {
		return fmt.Errorf("starting horizon manager: %w", err)
	}

	// HTTP surface
	server := httpapi.NewServer(httpapi.Config{
		Host:              cfg.Server.Host,
		Port:              cfg.Server.Port,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		ShutdownTimeout:   cfg.Server.ShutdownTimeout,
	}, logger, version.Version)

	dir := handlers.NewRegistryDirectory(registry)

	streamHandler := handlers.NewStreamHandler(dir, cfg.HLS.WaitForPlaylistTimeout, logger)
	streamHandler.Routes(server.Router())

	server.Router().Method(http.MethodGet, "/metrics", metrics.Handler())

	handlers.NewChannelsHandler(dir, provider, horizonMgr).Register(server.API())
	handlers.NewEPGHandler(sched, provider, clk, cfg.Scheduler.ProgrammingDayStartHour).Register(server.API())
	handlers.NewHealthHandler(version.Version, dir, provider).Register(server.API())
	handlers.NewSystemHandler(version.Version, dir).Register(server.API())

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return server.ListenAndServe(gctx)
	})

	if cfg.Channels.Watch {
		events, err := provider.Watch(gctx)
		if err != nil {
			logger.Warn("channel config watch unavailable", slog.String("error", err.Error()))
		} else {
			g.Go(func() error {
				po.watchLineup(gctx, events)
				return nil
			})
		}
	}

	logger.Info("retrovue serving",
		slog.String("address", cfg.Server.Address()),
		slog.Int("channels", started),
		slog.String("version", version.Version),
	)

	err = g.Wait()

	horizonMgr.Stop()
	registry.StopAll()
	po.closeWriters()

	return err
}

// startChannel compiles the channel's schedule and brings its playout
// runtime up. On any failure it unwinds what it registered.
func (p *playout) startChannel(ctx context.Context, ch *channelconfig.Channel) error {
	doc, err := dsl.LoadDocument(ch.DSLPath)
	if err != nil {
		return fmt.Errorf("loading programming document: %w", err)
	}

	plan := schedule.ChannelPlan{
		ChannelID:   ch.ID,
		Doc:         doc,
		GridMinutes: ch.GridMinutes,
	}
	if ch.Filler != nil {
		plan.Fillers = []schedule.FillerAsset{{
			URI:        p.resolver.ResolveURI(ctx, ch.Filler.Path),
			DurationMs: ch.Filler.DurationMs,
		}}
	}

	if err := p.sched.AddChannel(ctx, plan); err != nil {
		return fmt.Errorf("scheduling: %w", err)
	}

	writer, err := asrun.NewWriter(p.cfg.AsRun.Dir, ch.ID, ch.Location(),
		p.cfg.Scheduler.ProgrammingDayStartHour, p.logger)
	if err != nil {
		p.sched.RemoveChannel(ch.ID)
		return fmt.Errorf("opening as-run log: %w", err)
	}
	writer.WithCompression(p.cfg.AsRun.CompressRotated)

	rt, err := runtime.NewChannel(runtime.ChannelConfig{
		ChannelID:   ch.ID,
		Planner:     p.sched,
		NewProducer: p.producerFactory(ch),
		AsRun:       writer,
		Runway:      p.horizon,
		Clock:       p.clk,
		Timing: runtime.Config{
			TickInterval:                p.cfg.Runtime.TickInterval,
			MaxStartupConvergenceWindow: p.cfg.Runtime.MaxStartupConvergenceWindow,
			PrefeedLeadTime:             p.cfg.Runtime.PrefeedLeadTime,
			MinPrefeedLeadTime:          p.cfg.Runtime.MinPrefeedLeadTime,
			SwitchLeadTime:              p.cfg.Runtime.SwitchLeadTime,
			SwapAckTimeout:              p.cfg.Runtime.SwapAckTimeout,
		},
		Format: channelFormat(ch),
		Fanout: fanout.Config{
			ChunkBytes:  p.cfg.Fanout.ChunkBytes,
			ViewerQueue: p.cfg.Fanout.QueueChunks(),
		},
		HLS: hls.Config{
			TargetDuration: p.cfg.HLS.TargetDuration,
			MaxSegments:    p.cfg.HLS.MaxSegments,
		},
		Logger:  p.logger,
		Metrics: p.metrics,
	})
	if err != nil {
		p.sched.RemoveChannel(ch.ID)
		writer.Close()
		return err
	}

	if err := p.registry.Add(rt); err != nil {
		p.sched.RemoveChannel(ch.ID)
		writer.Close()
		return err
	}
	if err := rt.Start(ctx); err != nil {
		p.registry.Remove(ch.ID)
		p.sched.RemoveChannel(ch.ID)
		writer.Close()
		return err
	}

	p.mu.Lock()
	p.writers[ch.ID] = writer
	p.mu.Unlock()

	p.logger.Info("channel on air",
		slog.String("channel_id", ch.ID),
		slog.Int("channel_number", ch.Number),
		slog.String("format", ch.Format.String()),
	)
	return nil
}

// stopChannel tears one channel down: runtime first so the producer and
// fanout drain, then the schedule window and the as-run writer.
func (p *playout) stopChannel(id string) {
	if rt, ok := p.registry.Remove(id); ok {
		if err := rt.Stop(); err != nil {
			p.logger.Warn("stopping channel runtime",
				slog.String("channel_id", id),
				slog.String("error", err.Error()),
			)
		}
	}
	p.sched.RemoveChannel(id)

	p.mu.Lock()
	writer := p.writers[id]
	delete(p.writers, id)
	p.mu.Unlock()
	if writer != nil {
		if err := writer.Close(); err != nil {
			p.logger.Warn("closing as-run log",
				slog.String("channel_id", id),
				slog.String("error", err.Error()),
			)
		}
	}
}

// watchLineup applies lineup changes until ctx ends. An updated channel
// restarts cleanly; its viewers reconnect to the replacement stream.
func (p *playout) watchLineup(ctx context.Context, events <-chan channelconfig.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.Type {
			case channelconfig.EventRemoved:
				p.logger.Info("channel removed from lineup", slog.String("channel_id", ev.Channel.ID))
				p.stopChannel(ev.Channel.ID)
			case channelconfig.EventUpdated:
				p.logger.Info("channel definition updated", slog.String("channel_id", ev.Channel.ID))
				p.stopChannel(ev.Channel.ID)
				if err := p.startChannel(ctx, ev.Channel); err != nil {
					p.logger.Error("restarting updated channel",
						slog.String("channel_id", ev.Channel.ID),
						slog.String("error", err.Error()),
					)
				}
			case channelconfig.EventAdded:
				p.logger.Info("channel added to lineup", slog.String("channel_id", ev.Channel.ID))
				if err := p.startChannel(ctx, ev.Channel); err != nil {
					p.logger.Error("starting added channel",
						slog.String("channel_id", ev.Channel.ID),
						slog.String("error", err.Error()),
					)
				}
			}
		}
	}
}

// maintain is the nightly janitor run from the horizon manager's cron:
// prune expired blocks and age out rotated as-run archives.
func (p *playout) maintain(now time.Time) {
	pruned := p.sched.PruneExpired(now)

	p.mu.Lock()
	writers := make([]*asrun.Writer, 0, len(p.writers))
	for _, w := range p.writers {
		writers = append(writers, w)
	}
	p.mu.Unlock()

	removed := 0
	for _, w := range writers {
		removed += w.CleanupArchives(asRunArchiveRetention, now)
	}

	if pruned > 0 || removed > 0 {
		p.logger.Info("nightly maintenance",
			slog.Int("blocks_pruned", pruned),
			slog.Int("archives_removed", removed),
		)
	}
}

func (p *playout) closeWriters() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, w := range p.writers {
		if err := w.Close(); err != nil {
			p.logger.Warn("closing as-run log",
				slog.String("channel_id", id),
				slog.String("error", err.Error()),
			)
		}
	}
	p.writers = make(map[string]*asrun.Writer)
}

// producerFactory builds the per-channel producer constructor for the
// configured mode. The channel runtime calls it at start and once more
// on recover-in-place.
func (p *playout) producerFactory(ch *channelconfig.Channel) runtime.ProducerFactory {
	format := channelFormat(ch)
	if p.cfg.Producer.Mode == "ffmpeg" {
		return func() producer.Producer {
			return producer.NewFFmpeg(producer.FFmpegConfig{
				ChannelID:  ch.ID,
				Format:     format,
				BinaryPath: p.cfg.Producer.FFmpegPath,
				Logger:     p.logger,
			})
		}
	}
	return func() producer.Producer {
		return producer.NewSynthetic(producer.SyntheticConfig{
			ChannelID: ch.ID,
			Format:    format,
			Logger:    p.logger,
		})
	}
}

// channelFormat maps the lineup definition onto the producer's format.
func channelFormat(ch *channelconfig.Channel) producer.Format {
	return producer.Format{
		Width:      ch.Format.Width,
		Height:     ch.Format.Height,
		FPSNum:     ch.Format.FPSNum,
		FPSDen:     ch.Format.FPSDen,
		SampleRate: ch.Format.SampleRate,
		Channels:   ch.Format.Channels,
	}
}
