package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"

	"github.com/scrypster/chronicle/internal/engine"
	"github.com/scrypster/chronicle/internal/notify"
	"github.com/scrypster/chronicle/internal/observe"
	"github.com/scrypster/chronicle/internal/server"
)

func newServeCmd(opts *globalOptions) *cobra.Command {
	var (
		host string
		port int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the background decay sweeper",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, opts, host, port)
		},
	}

	cmd.Flags().StringVar(&host, "host", "", "Override server.host")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "Override server.port")

	return cmd
}

func runServe(cmd *cobra.Command, opts *globalOptions, host string, port int) error {
	ctx := cmd.Context()

	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	if host != "" {
		cfg.Server.Host = host
	}
	if port != 0 {
		cfg.Server.Port = port
	}

	provider, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		return fmt.Errorf("initialising telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown", "error", err)
		}
	}()

	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		return fmt.Errorf("creating metrics: %w", err)
	}

	d, err := openDeps(ctx, cfg, engine.WithEngineMetrics(metrics))
	if err != nil {
		return err
	}
	defer d.close()

	addr, hub, err := server.Start(ctx, cfg, d.engine, server.Options{
		Metrics:        metrics,
		MetricsHandler: provider.Handler(),
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Chronicle API listening on http://%s\n", addr)

	// Episodes recorded by CLI commands arrive as event files.
	watcher := notify.NewWatcher(cfg.Storage.DataPath, func(evt notify.Event) {
		if evt.Type != notify.EventEpisodeRecorded {
			return
		}
		ep, err := d.engine.GetEpisode(ctx, evt.ID)
		if err != nil {
			slog.Warn("loading external episode", "episode_id", evt.ID, "error", err)
			return
		}
		hub.PublishEpisode(ep)
	})
	if err := watcher.Start(); err != nil {
		slog.Warn("external events disabled", "error", err)
	} else {
		defer watcher.Stop()
	}

	<-ctx.Done()
	slog.Info("shutting down")
	// Let in-flight requests drain before the store closes.
	time.Sleep(500 * time.Millisecond)
	return nil
}
