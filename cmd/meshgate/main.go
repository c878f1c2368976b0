package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/aminovpavel/meshgate/internal/config"
	"github.com/aminovpavel/meshgate/internal/observability"
)

type rootOptions struct {
	configPath string
	logLevel   string
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "meshgate",
		Short:         "Meshtastic MQTT gateway with a live HTTP API",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "YAML config file (default: $MESHGATE_CONFIG_FILE or ./config.yaml)")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Override log_level from the config")

	cmd.AddCommand(newServeCmd(opts), newReplayCmd(opts), newSettingsCmd(opts))
	return cmd
}

// load reads the config and builds the process logger.
func (o *rootOptions) load() (*config.App, *slog.Logger, error) {
	cfg, err := config.New(o.configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
	}
	logger := observability.NewLogger(cfg.LogLevel,
		observability.WithJSON(cfg.LogJSON),
		observability.WithService(cfg.Name),
	)
	slog.SetDefault(logger)
	return cfg, logger, nil
}
