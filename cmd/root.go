package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/markb/sbrealtime/internal/config"
	"github.com/markb/sbrealtime/internal/log"
	"github.com/markb/sbrealtime/internal/observability"
)

// Version information set via ldflags at build time
var (
	Version   = "dev"
	BuildTime = ""
	GitCommit = ""
)

// telemetry is set up before every command runs.
var telemetry *observability.Telemetry

var rootCmd = &cobra.Command{
	Use:     "sbrealtime",
	Short:   "Supabase Realtime client",
	Long:    `Connects to Supabase Realtime to listen on channels, broadcast messages and track presence.`,
	Version: Version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := setupLogging(cmd); err != nil {
			return fmt.Errorf("failed to initialize logging: %w", err)
		}
		return setupTelemetry(cmd)
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if telemetry != nil {
			telemetry.Cleanup()
		}
		_ = log.Close()
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.SetVersionTemplate("sbrealtime version {{.Version}}\n")

	flags := rootCmd.PersistentFlags()
	flags.String("log-level", "", "Log level: debug, info, warn, error")
	flags.String("log-format", "auto", "Log format: text, json, or auto (text on a terminal)")
	flags.String("log-file", "", "Write logs to this file instead of stderr")
	flags.String("otel-exporter", "", "OpenTelemetry exporter: none, stdout, or otlp")
}

// Execute runs the root command until it finishes or the process is
// interrupted.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// setupLogging loads log settings from the environment and applies flag
// overrides. Priority: CLI flags > environment variables > defaults
func setupLogging(cmd *cobra.Command) error {
	cfg := log.DefaultConfig()
	if err := config.ParseEnv(cfg); err != nil {
		return err
	}

	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.Level = level
	}
	if file, _ := cmd.Flags().GetString("log-file"); file != "" {
		cfg.Mode = "file"
		cfg.FilePath = file
	}
	format, _ := cmd.Flags().GetString("log-format")
	cfg.Format = resolveLogFormat(format, cfg.Format, term.IsTerminal(int(os.Stderr.Fd())))

	return log.Init(cfg)
}

// resolveLogFormat picks the console format. "auto" keeps the configured
// format on a terminal and switches to json when stderr is redirected.
func resolveLogFormat(flag, configured string, tty bool) string {
	switch flag {
	case "text", "json":
		return flag
	case "", "auto":
		if !tty {
			return "json"
		}
		return configured
	}
	return configured
}

func setupTelemetry(cmd *cobra.Command) error {
	cfg := observability.NewConfig()
	if err := config.ParseEnv(cfg); err != nil {
		return err
	}
	if exporter, _ := cmd.Flags().GetString("otel-exporter"); exporter != "" {
		cfg.Exporter = exporter
		cfg.MetricsEnabled = exporter != "none"
		cfg.TracesEnabled = exporter != "none"
	}

	tel, _, err := observability.Init(cmd.Context(), cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	telemetry = tel
	return nil
}
