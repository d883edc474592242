package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/sawpanic/coordinator/internal/config"
	"github.com/sawpanic/coordinator/internal/instrument"
	"github.com/sawpanic/coordinator/internal/session"
)

const (
	appName = "coordinator"
	version = "v1.0.0"
)

func main() {
	rootCmd := newRootCmd()
	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("Command failed")
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Multi-asset portfolio coordination engine",
		Version: version,
		Long: `Coordinates forex and synthetic instruments across trading sessions.

The engine tracks market conditions, correlation between open positions and
per-instrument performance, and answers which instruments to trade, with which
strategy and how large, and whether a proposed position may be opened.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level, _ := cmd.Flags().GetString("log-level")
			if err := setupLogging(level); err != nil {
				return err
			}
			logFlags(cmd.Flags())
			return nil
		},
	}

	rootCmd.PersistentFlags().String("config", "configs/coordinator.yaml", "Path to the engine configuration")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the coordination loop",
		Long:  "Restore persisted state, serve the monitor and run a trading cycle every cycle_interval until interrupted",
		RunE:  runEngine,
	}
	runCmd.Flags().String("replay", "", "JSON file of engine updates applied before the first cycle")
	runCmd.Flags().Bool("once", false, "Run a single cycle, print the report and exit")

	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration utilities",
	}
	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration file and list every problem",
		RunE:  runConfigValidate,
	}
	configCmd.AddCommand(validateCmd)

	sessionsCmd := &cobra.Command{
		Use:   "sessions",
		Short: "Show the session status and eligible instruments",
		RunE:  runSessions,
	}
	sessionsCmd.Flags().String("at", "", "UTC time to evaluate (RFC3339 or HH:MM today); defaults to now")

	hoursCmd := &cobra.Command{
		Use:   "hours <symbol>",
		Short: "Show the best trading windows for a symbol",
		Args:  cobra.ExactArgs(1),
		RunE:  runHours,
	}

	strategiesCmd := &cobra.Command{
		Use:   "strategies",
		Short: "List the strategy catalogue",
		RunE:  runStrategies,
	}

	rootCmd.AddCommand(runCmd, configCmd, sessionsCmd, hoursCmd, strategiesCmd)
	return rootCmd
}

// setupLogging writes human-readable output on a terminal and JSON otherwise
func setupLogging(level string) error {
	zerolog.TimeFieldFormat = time.RFC3339
	if term.IsTerminal(int(os.Stderr.Fd())) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	} else {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}

	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	zerolog.SetGlobalLevel(lvl)
	return nil
}

// logFlags records the flags set on the command line
func logFlags(flags *pflag.FlagSet) {
	event := log.Debug()
	flags.Visit(func(f *pflag.Flag) {
		event = event.Str(f.Name, f.Value.String())
	})
	event.Msg("Command flags")
}

func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	return config.Load(path)
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	var cerr *config.ConfigurationError
	if errors.As(err, &cerr) {
		fmt.Fprintf(cmd.OutOrStdout(), "❌ %s is invalid:\n", path)
		for _, problem := range cerr.Problems {
			fmt.Fprintf(cmd.OutOrStdout(), "   - %s\n", problem)
		}
		return fmt.Errorf("%d configuration problems", len(cerr.Problems))
	}
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "✅ %s is valid\n", path)
	fmt.Fprintf(cmd.OutOrStdout(), "   Instruments: %d\n", len(cfg.Instruments))
	fmt.Fprintf(cmd.OutOrStdout(), "   Strategies:  %d (default %s)\n", len(cfg.Facade.Strategies), cfg.Facade.DefaultStrategy)
	fmt.Fprintf(cmd.OutOrStdout(), "   Persistence: %s\n", cfg.Persistence.Backend)
	fmt.Fprintf(cmd.OutOrStdout(), "   Monitor:     %t (%s)\n", cfg.Monitor.Enabled, cfg.Monitor.Addr)
	return nil
}

func runSessions(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	registry, err := cfg.Registry()
	if err != nil {
		return err
	}

	raw, _ := cmd.Flags().GetString("at")
	now, err := parseAt(raw, time.Now().UTC())
	if err != nil {
		return err
	}

	classifier := session.NewClassifier(cfg.Session, registry)
	status := classifier.Status(now)
	split := classifier.ActiveInstruments(now, nil, 0)

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Session status at %s\n", now.Format("2006-01-02 15:04 MST"))
	fmt.Fprintf(out, "  Sessions:  %s\n", joinOrNone(status.Sessions))
	fmt.Fprintf(out, "  Overlaps:  %s\n", joinOrNone(status.Overlaps))
	fmt.Fprintf(out, "  Liquidity: %.2f (low liquidity: %t)\n", status.LiquidityScore, status.LowLiquidity)
	for _, cat := range instrument.Categories {
		fmt.Fprintf(out, "  %-10s %s\n", cat.String()+":", joinOrNone(split.Get(cat)))
	}
	return nil
}

// parseAt accepts RFC3339 or HH:MM on today's UTC date
func parseAt(raw string, now time.Time) (time.Time, error) {
	if raw == "" {
		return now, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), nil
	}
	tod, err := session.ParseTimeOfDay(raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --at %q: want RFC3339 or HH:MM", raw)
	}
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	return day.Add(time.Duration(tod) * time.Minute), nil
}

func runHours(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	registry, err := cfg.Registry()
	if err != nil {
		return err
	}

	symbol := strings.ToUpper(args[0])
	if _, ok := registry.Get(symbol); !ok {
		return fmt.Errorf("unknown instrument %s", symbol)
	}

	classifier := session.NewClassifier(cfg.Session, registry)
	fmt.Fprintf(cmd.OutOrStdout(), "Best trading hours for %s (UTC)\n", symbol)
	for _, w := range classifier.BestTradingHours(symbol) {
		fmt.Fprintf(cmd.OutOrStdout(), "  %s\n", w)
	}
	return nil
}

func runStrategies(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	fmt.Fprint(cmd.OutOrStdout(), config.StrategySummary(cfg.Facade.Strategies, cfg.Facade.DefaultStrategy))
	return nil
}

func joinOrNone(items []string) string {
	if len(items) == 0 {
		return "none"
	}
	return strings.Join(items, ", ")
}
