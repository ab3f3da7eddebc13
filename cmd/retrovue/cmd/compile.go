package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/retrovue/retrovue/internal/asrun"
	"github.com/retrovue/retrovue/internal/catalog"
	"github.com/retrovue/retrovue/internal/channelconfig"
	"github.com/retrovue/retrovue/internal/clock"
	"github.com/retrovue/retrovue/internal/config"
	"github.com/retrovue/retrovue/internal/database"
	"github.com/retrovue/retrovue/internal/database/migrations"
	"github.com/retrovue/retrovue/internal/dsl"
	"github.com/retrovue/retrovue/internal/schedule"
)

var compileCmd = &cobra.Command{
	Use:   "compile",
	Short: "Compile one channel's broadcast day and print the transmission log",
	Long: `Compile one channel's broadcast day and print the transmission log.

The channel's programming document is compiled, expanded, and filled the
same way the server does it, without starting playout. The result is the
planned transmission log for the day: one row per segment on the
broadcast clock, or the full structure as JSON with --json.

Validation and compile errors exit with status 2.`,
	SilenceUsage: true,
	RunE:         runCompile,
}

func init() {
	rootCmd.AddCommand(compileCmd)

	compileCmd.Flags().String("channel", "", "Channel ID to compile (required)")
	compileCmd.Flags().String("day", "", "Broadcast day as YYYY-MM-DD (default: current broadcast day)")
	compileCmd.Flags().Bool("json", false, "Print the transmission log as JSON")
	_ = compileCmd.MarkFlagRequired("channel")
}

func runCompile(cmd *cobra.Command, args []string) error {
	channelID, _ := cmd.Flags().GetString("channel")
	day, _ := cmd.Flags().GetString("day")
	asJSON, _ := cmd.Flags().GetBool("json")

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
	ch, ok := provider.Get(channelID)
	if !ok {
		return usageError{fmt.Errorf("channel %q not found in %s", channelID, cfg.Channels.Dir)}
	}

	doc, err := dsl.LoadDocument(ch.DSLPath)
	if err != nil {
		return usageError{err}
	}

	resolver := catalog.NewResolver(db.DB, logger)
	clk := clock.NewSystem()

	if day == "" {
		current := schedule.BroadcastDay(clk.Now(), ch.Location(), cfg.Scheduler.ProgrammingDayStartHour)
		day = dsl.FormatDay(current)
	}
	date, err := dsl.ParseDay(day)
	if err != nil {
		return usageError{fmt.Errorf("invalid --day %q: expected YYYY-MM-DD", day)}
	}

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

	_, blocks, err := sched.MaterializeDay(cmd.Context(), plan, day)
	if err != nil {
		if isDocumentError(err) {
			return usageError{err}
		}
		return err
	}

	log := asrun.Plan(ch.ID, day, blocks)
	if asJSON {
		out, err := json.MarshalIndent(log, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(out))
		return nil
	}

	dayStart := schedule.BroadcastDayStart(date, ch.Location(), cfg.Scheduler.ProgrammingDayStartHour)
	fmt.Fprint(cmd.OutOrStdout(), log.Render(dayStart))
	return nil
}

// isDocumentError reports whether err is the operator's fault: a document
// that does not compile or validate, or references assets the catalog
// cannot resolve. These exit 2 rather than 1.
func isDocumentError(err error) bool {
	var compileErr *dsl.CompileError
	var validationErr *dsl.ValidationError
	var assetErr *dsl.AssetResolutionError
	return errors.As(err, &compileErr) ||
		errors.As(err, &validationErr) ||
		errors.As(err, &assetErr)
}
