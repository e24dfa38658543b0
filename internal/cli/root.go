// Package cli implements the turnorch command line: the server and a small
// HTTP client for chatting, inspecting traces, tools and documents.
package cli

import (
	"context"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/xiaot623/gogo/turnorch/internal/config"
)

type rootOptions struct {
	configPath string
	server     string
	logLevel   string
	logFormat  string
}

// NewRootCommand builds the command tree.
func NewRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "turnorch",
		Short:         "turnorch orchestrates chat turns across models, retrieval and tools",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initLogger(config.LogConfig{Level: opts.logLevel, Format: opts.logFormat}, cmd.ErrOrStderr())
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", "", "config file (default turnorch.yaml in . or ./config)")
	flags.StringVar(&opts.server, "server", envOr("TURNORCH_SERVER", "http://localhost:8080"), "base URL of a running turnorch server")
	flags.StringVar(&opts.logLevel, "log-level", "info", "log level (trace, debug, info, warn, error)")
	flags.StringVar(&opts.logFormat, "log-format", "console", "log format (console or json)")

	cmd.AddCommand(
		newServeCommand(opts),
		newChatCommand(opts),
		newTraceCommand(opts),
		newToolsCommand(opts),
		newIngestCommand(opts),
	)
	return cmd
}

// Execute runs the command tree until it finishes or the process is
// interrupted.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := NewRootCommand().ExecuteContext(ctx); err != nil {
		log.Error().Err(err).Msg("Command failed")
		stop()
		os.Exit(1)
	}
}

func initLogger(cfg config.LogConfig, out io.Writer) error {
	level := zerolog.InfoLevel
	if cfg.Level != "" {
		parsed, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
		if err != nil {
			return errors.Wrapf(err, "invalid log level %q", cfg.Level)
		}
		level = parsed
	}
	zerolog.SetGlobalLevel(level)

	switch cfg.Format {
	case "json":
		log.Logger = zerolog.New(out).With().Timestamp().Logger()
	case "console", "":
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: out})
	default:
		return errors.Errorf("invalid log format %q", cfg.Format)
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
