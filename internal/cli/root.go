// Package cli implements the kernsched command line.
package cli

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/me/kernsched/internal/config"
	"github.com/me/kernsched/internal/logging"
)

var (
	flagConfig    string
	flagDebug     bool
	flagLogLevel  string
	flagLogFormat string
	flagTraceDB   string

	logger *slog.Logger
	runCfg *config.RunConfig
)

// defaultTraceDB returns the trace database path, checking KERNSCHED_TRACE_DB first.
func defaultTraceDB() string {
	return os.Getenv("KERNSCHED_TRACE_DB")
}

// NewRootCmd creates the root cobra command for the kernsched CLI.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "kernsched",
		Short: "kernsched: simulated process/thread scheduler",
		Long: `kernsched runs workload scenarios against a simulated multi-core kernel
scheduler (round-robin, priority with aging, MLFQ, EDF) and records the
scheduling trace.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			level, format := cfg.LogLevel, cfg.LogFormat
			if cmd.Flags().Changed("log-level") {
				level = flagLogLevel
			}
			if cmd.Flags().Changed("log-format") {
				format = flagLogFormat
			}
			if flagDebug {
				level = "debug"
			}
			logger = logging.NewLoggerWithWriter(logging.ParseLevel(level), format, cmd.ErrOrStderr())
			runCfg = cfg
			return nil
		},
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "Config file (YAML)")
	root.PersistentFlags().BoolVar(&flagDebug, "debug", false, "Enable debug logging")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&flagLogFormat, "log-format", "text", "Log format (text, json)")
	root.PersistentFlags().StringVar(&flagTraceDB, "trace-db", defaultTraceDB(), "SQLite trace database (or KERNSCHED_TRACE_DB env)")

	root.AddCommand(
		newRunCmd(),
		newTraceCmd(),
		newConfigCmd(),
	)

	return root
}

// loadConfig returns the run configuration from --config, or the defaults. An
// explicit --trace-db wins over the file.
func loadConfig(cmd *cobra.Command) (*config.RunConfig, error) {
	cfg := config.DefaultRunConfig()
	if flagConfig != "" {
		loaded, err := config.Load(flagConfig)
		if err != nil {
			return nil, err
		}
		cfg = *loaded
	}
	if cmd.Flags().Changed("trace-db") || cfg.TraceDB == "" {
		cfg.TraceDB = flagTraceDB
	}
	return &cfg, nil
}
