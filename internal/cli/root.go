package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"github.com/spf13/cobra"

	"github.com/roach88/unirep/internal/config"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose  bool
	Format   string // "json" | "text"
	Database string // empty means UREP_DB_PATH

	// LogWriter receives slog output. Defaults to stderr.
	LogWriter io.Writer
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the urep CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "urep",
		Short: "urep - universal reporting engine",
		Long: `Materializes reporting proxies from an append-only event log.

Domains declare how source events map onto proxies; the engine evaluates
field expressions, propagates changes along the dependency graph and
resolves competing contributions by policy.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			setupLogging(opts)
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.Database, "db", "", "path to SQLite database (default $UREP_DB_PATH or urep.db)")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewIngestCommand(opts))
	cmd.AddCommand(NewProcessCommand(opts))
	cmd.AddCommand(NewProxyCommand(opts))
	cmd.AddCommand(NewReplayCommand(opts))
	cmd.AddCommand(NewCompileCommand(opts))
	cmd.AddCommand(NewValidateCommand(opts))
	cmd.AddCommand(NewErrorsCommand(opts))
	cmd.AddCommand(NewTestCommand(opts))

	return cmd
}

// logLevel is shared by the default handler so long-running commands can
// adjust it after configuration is loaded.
var logLevel = new(slog.LevelVar)

// setupLogging installs the default slog logger. JSON output formats log
// as JSON too; --verbose enables debug records.
func setupLogging(opts *RootOptions) {
	level := slog.LevelWarn
	if v := os.Getenv(config.Prefix + "LOG_LEVEL"); v != "" {
		if lvl, err := config.ParseLevel(v); err == nil {
			level = lvl
		}
	}
	if opts.Verbose {
		level = slog.LevelDebug
	}

	w := opts.LogWriter
	if w == nil {
		w = os.Stderr
	}
	logLevel.Set(level)
	handlerOpts := &slog.HandlerOptions{Level: logLevel}
	var handler slog.Handler = slog.NewTextHandler(w, handlerOpts)
	if opts.Format == "json" {
		handler = slog.NewJSONHandler(w, handlerOpts)
	}
	slog.SetDefault(slog.New(handler))
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	return slices.Contains(ValidFormats, format)
}
