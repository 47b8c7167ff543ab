package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/tonimelisma/tillsync/internal/config"
)

// version is set at build time via ldflags.
var version = "dev"

// Global persistent flags, bound in newRootCmd().
var (
	flagConfigPath string
	flagStorePath  string
	flagRemoteURL  string
	flagJSON       bool
	flagVerbose    bool
	flagQuiet      bool
)

// CLIFlags holds the persistent flag values seen by a command.
type CLIFlags struct {
	ConfigPath string
	JSON       bool
	Verbose    bool
	Quiet      bool
}

// CLIContext is built once in PersistentPreRunE and carried on the command
// context to every subcommand.
type CLIContext struct {
	Flags   CLIFlags
	Cfg     *config.Config
	CfgPath string
	Logger  *slog.Logger
	// Stdout receives command output; tests substitute a buffer.
	Stdout io.Writer
}

type cliContextKey struct{}

// mustCLIContext returns the CLIContext installed by the root pre-run. A
// missing context is a programming error.
func mustCLIContext(ctx context.Context) *CLIContext {
	cc, ok := ctx.Value(cliContextKey{}).(*CLIContext)
	if !ok {
		panic("CLIContext not initialized; command ran without root pre-run")
	}

	return cc
}

// newRootCmd builds and returns the fully-assembled root command with all
// subcommands registered. Called once from main().
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "tillsync",
		Short:   "Offline-first record sync for point-of-sale data",
		Long:    "Keeps a local copy of shared collections usable offline and reconciles it with the remote store.",
		Version: version,
		// Errors are printed by main.
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cc, err := loadCLIContext(cmd)
			if err != nil {
				return err
			}

			cmd.SetContext(context.WithValue(cmd.Context(), cliContextKey{}, cc))

			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "config file path")
	cmd.PersistentFlags().StringVar(&flagStorePath, "db", "", "local database path")
	cmd.PersistentFlags().StringVar(&flagRemoteURL, "remote", "", "remote store base URL")
	cmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "output in JSON format")
	cmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
	cmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "suppress informational output")

	cmd.MarkFlagsMutuallyExclusive("verbose", "quiet")

	cmd.AddCommand(newLsCmd())
	cmd.AddCommand(newPutCmd())
	cmd.AddCommand(newRmCmd())
	cmd.AddCommand(newSyncCmd())
	cmd.AddCommand(newWatchCmd())
	cmd.AddCommand(newReloadCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newReportCmd())
	cmd.AddCommand(newConfigCmd())

	return cmd
}

// loadCLIContext resolves the effective configuration from the four-layer
// override chain and builds the logger from it.
func loadCLIContext(cmd *cobra.Command) (*CLIContext, error) {
	cli := config.CLIOverrides{ConfigPath: flagConfigPath}

	// Only pass flags the user explicitly set.
	if cmd.Flags().Changed("db") {
		cli.StorePath = &flagStorePath
	}

	if cmd.Flags().Changed("remote") {
		cli.RemoteURL = &flagRemoteURL
	}

	cfg, cfgPath, err := config.Resolve(config.ReadEnvOverrides(), cli)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	flags := CLIFlags{
		ConfigPath: cfgPath,
		JSON:       flagJSON,
		Verbose:    flagVerbose,
		Quiet:      flagQuiet,
	}

	return &CLIContext{
		Flags:   flags,
		Cfg:     cfg,
		CfgPath: cfgPath,
		Logger:  buildLogger(&cfg.Logging, flags, os.Stderr),
		Stdout:  cmd.OutOrStdout(),
	}, nil
}

// buildLogger creates an slog.Logger from the logging config and CLI flags.
// Config-file log level provides the baseline; --verbose and --quiet
// override it because CLI flags always win. A configured log file replaces
// stderr and is rotated by age.
func buildLogger(lc *config.LoggingConfig, flags CLIFlags, stderr io.Writer) *slog.Logger {
	level := slog.LevelInfo

	switch lc.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	if flags.Verbose {
		level = slog.LevelDebug
	}

	if flags.Quiet {
		level = slog.LevelError
	}

	out := stderr
	terminal := isTerminal(stderr)

	if lc.LogFile != "" {
		out = &lumberjack.Logger{
			Filename: lc.LogFile,
			MaxAge:   lc.LogRetentionDays,
			Compress: true,
		}
		terminal = false
	}

	opts := &slog.HandlerOptions{Level: level}

	switch lc.LogFormat {
	case "json":
		return slog.New(slog.NewJSONHandler(out, opts))
	case "text":
		return slog.New(slog.NewTextHandler(out, opts))
	}

	if terminal {
		return slog.New(slog.NewTextHandler(out, opts))
	}

	return slog.New(slog.NewJSONHandler(out, opts))
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}

	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// exitOnError prints a user-friendly error message to stderr and exits.
func exitOnError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
