package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/retrovue/retrovue/internal/catalog"
	"github.com/retrovue/retrovue/internal/channelconfig"
	"github.com/retrovue/retrovue/internal/clock"
	"github.com/retrovue/retrovue/internal/config"
	"github.com/retrovue/retrovue/internal/database"
	"github.com/retrovue/retrovue/internal/database/migrations"
	"github.com/retrovue/retrovue/internal/dsl"
	"github.com/retrovue/retrovue/internal/httpapi/handlers"
	"github.com/retrovue/retrovue/internal/schedule"
)

var epgCmd = &cobra.Command{
	Use:   "epg",
	Short: "Print the programme guide for a broadcast day as JSON",
	Long: `Print the programme guide for a broadcast day as JSON.

Each configured channel's programming document is compiled for the
requested day and rendered as guide entries, the same structure served
at /api/epg. A channel whose day fails to compile contributes a single
entry carrying the error instead of aborting the whole guide.`,
	SilenceUsage: true,
	RunE:         runEPG,
}

func init() {
	rootCmd.AddCommand(epgCmd)

	epgCmd.Flags().String("date", "", "Broadcast day as YYYY-MM-DD (default: current broadcast day)")
	epgCmd.Flags().String("channel", "", "Limit the guide to one channel ID")
}

// detachedGuide compiles guide days without registering channels with the
// schedule service, so the CLI never builds an execution window.
type detachedGuide struct {
	sched *schedule.Service
	plans map[string]schedule.ChannelPlan
}

func (g *detachedGuide) GuideDay(ctx context.Context, channelID, day string) (*dsl.CompiledDay, error) {
	plan, ok := g.plans[channelID]
	if !ok {
		return nil, fmt.Errorf("channel %q has no loadable programming document", channelID)
	}
	compiled, _, err := g.sched.MaterializeDay(ctx, plan, day)
	return compiled, err
}

func runEPG(cmd *cobra.Command, args []string) error {
	date, _ := cmd.Flags().GetString("date")
	channelID, _ := cmd.Flags().GetString("channel")

	if date != "" {
		if _, err := dsl.ParseDay(date); err != nil {
			return usageError{fmt.Errorf("invalid --date %q: expected YYYY-MM-DD", date)}
		}
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return usageError{fmt.Errorf("loading config: %w", err)}
	}
	logger := slog.Default()

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

	provider := channelconfig.NewProvider(cfg.Channels.Dir, logger, nil)
	if err := provider.Load(); err != nil {
		return usageError{fmt.Errorf("loading channel lineup: %w", err)}
	}
	if channelID != "" {
		if _, ok := provider.Get(channelID); !ok {
			return usageError{fmt.Errorf("channel %q not found in %s", channelID, cfg.Channels.Dir)}
		}
	}

	resolver := catalog.NewResolver(db.DB, logger)
	clk := clock.NewSystem()

	epoch, err := cfg.Scheduler.EpochDate()
	if err != nil {
		return usageError{err}
	}

	sched := schedule.NewService(resolver, clk, schedule.Config{
		HorizonDays:  cfg.Scheduler.HorizonDays,
		DayStartHour: cfg.Scheduler.ProgrammingDayStartHour,
		GridMinutes:  cfg.Scheduler.GridMinutes,
		Epoch:        epoch,
	}, logger)

	guide := &detachedGuide{sched: sched, plans: make(map[string]schedule.ChannelPlan)}
	for _, ch := range provider.Channels() {
		doc, err := dsl.LoadDocument(ch.DSLPath)
		if err != nil {
			// No plan registered; GuideDay reports the missing document
			// and the handler renders it as the channel's error entry.
			logger.Warn("channel document failed to load",
				slog.String("channel_id", ch.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		plan := schedule.ChannelPlan{
			ChannelID:   ch.ID,
			Doc:         doc,
			GridMinutes: ch.GridMinutes,
		}
		if ch.Filler != nil {
			plan.Fillers = []schedule.FillerAsset{{
				URI:        resolver.ResolveURI(cmd.Context(), ch.Filler.Path),
				DurationMs: ch.Filler.DurationMs,
			}}
		}
		guide.plans[ch.ID] = plan
	}

	handler := handlers.NewEPGHandler(guide, provider, clk, cfg.Scheduler.ProgrammingDayStartHour)
	out, err := handler.GetEPG(cmd.Context(), &handlers.EPGInput{Date: date, Channel: channelID})
	if err != nil {
		return err
	}

	body, err := json.MarshalIndent(out.Body, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(body))
	return nil
}
