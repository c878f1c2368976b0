package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/aminovpavel/meshgate/internal/api"
	"github.com/aminovpavel/meshgate/internal/app"
	"github.com/aminovpavel/meshgate/internal/config"
	"github.com/aminovpavel/meshgate/internal/decode"
	"github.com/aminovpavel/meshgate/internal/gateway"
	"github.com/aminovpavel/meshgate/internal/mqtt"
	"github.com/aminovpavel/meshgate/internal/observability"
	"github.com/aminovpavel/meshgate/internal/pipeline"
	"github.com/aminovpavel/meshgate/internal/settings"
	"github.com/aminovpavel/meshgate/internal/storage"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Connect to the broker and serve the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, logger)
		},
	}
}

func serve(ctx context.Context, cfg *config.App, logger *slog.Logger) error {
	metrics := observability.NewMetrics()

	persister, closePersister, err := app.OpenSettingsPersister(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open settings backend: %w", err)
	}
	defer func() {
		if err := closePersister(); err != nil {
			logger.Warn("settings backend close error", slog.Any("error", err))
		}
	}()

	store := settings.NewStore(
		settings.WithPersister(persister),
		settings.WithLogger(observability.Component(logger, "settings")),
		settings.WithMetrics(metrics),
	)
	store.Load(ctx)

	hub := api.NewHub(
		api.WithHubLogger(observability.Component(logger, "websocket")),
		api.WithHubMetrics(metrics),
	)

	// The client reports link state and asks for self through the gateway,
	// which only exists once the client does.
	var gw *gateway.Gateway
	mqttCfg := app.BuildMQTTConfig(cfg)
	client, err := mqtt.NewClient(mqttCfg,
		mqtt.WithLogger(observability.Component(logger, "mqtt")),
		mqtt.WithConnectionListener(func(connected bool) { gw.SetConnected(connected) }),
		mqtt.WithSelf(func() string { return gw.Self() }),
	)
	if err != nil {
		return fmt.Errorf("initialise mqtt client: %w", err)
	}

	gwOpts := []gateway.Option{
		gateway.WithLogger(observability.Component(logger, "gateway")),
		gateway.WithMetrics(metrics),
		gateway.WithRadio(client),
		gateway.WithNotifier(hub),
	}

	var writer *storage.SQLiteWriter
	if cfg.ActivityLogEnabled {
		writer, err = storage.NewSQLiteWriter(
			app.BuildStorageConfig(cfg),
			storage.WithLogger(observability.Component(logger, "storage")),
			storage.WithMetrics(metrics),
			storage.WithRetention(func() time.Duration {
				return time.Duration(store.Get().LogRetentionDays) * 24 * time.Hour
			}),
		)
		if err != nil {
			return fmt.Errorf("initialise activity log: %w", err)
		}
		if err := writer.Start(ctx); err != nil {
			return fmt.Errorf("start activity log: %w", err)
		}
		defer func() {
			if err := writer.Stop(); err != nil {
				logger.Error("activity log stop error", slog.Any("error", err))
			}
		}()
		gwOpts = append(gwOpts, gateway.WithActivityLog(writer))
	}

	gw = gateway.New(app.BuildGatewayConfig(cfg), store, gwOpts...)

	pipe := pipeline.New(
		client,
		decode.NewMeshtasticDecoder(app.BuildDecoderConfig(cfg)),
		gw,
		pipeline.WithLogger(observability.Component(logger, "pipeline")),
		pipeline.WithMetrics(metrics),
		pipeline.WithHousekeepInterval(cfg.HousekeepInterval()),
		pipeline.WithMaxPayloadBytes(cfg.MaxPayloadBytes),
	)

	apiServer := api.NewServer(
		api.Config{Address: cfg.APIAddress},
		gw,
		api.WithLogger(observability.Component(logger, "api")),
		api.WithMetrics(metrics),
		api.WithHub(hub),
	)

	obsServer := observability.NewServer(observability.ServerConfig{
		Address: cfg.ObservabilityAddress,
		Logger:  observability.Component(logger, "observability"),
		Metrics: metrics,
		Ready:   gw.Connected,
	})

	logger.Info("meshgate starting",
		slog.String("name", cfg.Name),
		slog.String("broker_host", mqttCfg.BrokerHost),
		slog.Int("broker_port", mqttCfg.BrokerPort),
		slog.String("subscription", mqttCfg.SubscriptionTopic()),
		slog.String("api_address", cfg.APIAddress),
		slog.String("observability_address", cfg.ObservabilityAddress),
		slog.Bool("activity_log", cfg.ActivityLogEnabled),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return pipe.Run(gctx) })
	g.Go(func() error { return apiServer.Run(gctx) })
	g.Go(func() error { return obsServer.Run(gctx) })
	g.Go(func() error {
		logErrors(gctx, logger, "pipeline error", pipe.Errors())
		return nil
	})
	if writer != nil {
		g.Go(func() error {
			logErrors(gctx, logger, "activity log error", writer.Errors())
			return nil
		})
	}

	err = g.Wait()
	logger.Info("meshgate stopped")
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func logErrors(ctx context.Context, logger *slog.Logger, msg string, errs <-chan error) {
	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-errs:
			if !ok {
				return
			}
			if err == nil || errors.Is(err, context.Canceled) {
				continue
			}
			logger.Error(msg, slog.Any("error", err))
		}
	}
}
