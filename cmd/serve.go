package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/coreos/go-systemd/daemon"
	"github.com/equinix-labs/otel-init-go/otelinit"
	"github.com/metal-toolbox/bmcmgmt/internal/handlers"
	"github.com/metal-toolbox/bmcmgmt/internal/metrics"
	"github.com/metal-toolbox/bmcmgmt/internal/model"
	"github.com/metal-toolbox/bmcmgmt/internal/profiling"
	"github.com/metal-toolbox/bmcmgmt/internal/tasks"
	"github.com/metal-toolbox/bmcmgmt/internal/version"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the boot sequence and serve the controller API",
	Run: func(cmd *cobra.Command, _ []string) {
		if err := runServe(cmd.Context(), args); err != nil {
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(ctx context.Context, args *model.Args) error {
	config, err := loadConfig(args)
	if err != nil {
		return err
	}

	slog.Info("Configuration loaded", config.AsLogFields()...)

	// serve metrics endpoint
	metrics.ListenAndServe(config.Metrics.Listen)
	version.ExportBuildInfoMetric()

	if config.EnableProfiling {
		profiling.Enable()
	}

	ctx, otelShutdown := otelinit.InitOpenTelemetry(ctx, model.AppName)
	defer otelShutdown(ctx)

	termChan := make(chan os.Signal, 1)
	signal.Notify(termChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Cancel the context when we receive a termination signal.
	go func() {
		select {
		case s := <-termChan:
			slog.Info("Received signal for termination, exiting...", "signal", s.String())
			cancel()
		case <-ctx.Done():
		}
	}()

	s, err := newStack(ctx, config)
	if err != nil {
		slog.Error("Failed to build controller stack", "error", err)
		return err
	}

	defer func() {
		if err := s.Close(); err != nil {
			slog.Warn("closing controller stack", "error", err)
		}
	}()

	slog.With(version.Current().AsLogFields()...).Info("bmcmgmt starting")

	runner := tasks.NewTaskRunner(s.publisher, tasks.NewBootTask())
	if err := runner.Run(ctx, s.controller()); err != nil {
		if ctx.Err() != nil {
			return nil
		}

		// a degraded controller is still served, the API reports its health
		slog.Warn("Boot sequence completed with failures", "error", err)
	}

	api := handlers.New(s.api(runner), handlers.WithRateLimit(config.API.RateLimit, config.API.Burst))

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return api.ListenAndServe(gctx, config.API.Listen, config.API.MaxConnections)
	})

	if sent, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		slog.Warn("systemd notification failed", "error", err)
	} else if sent {
		slog.Debug("systemd notified")
	}

	err = g.Wait()

	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	if err != nil {
		slog.Error("API stopped", "error", err)
		return err
	}

	slog.Info("bmcmgmt stopped")

	return nil
}
