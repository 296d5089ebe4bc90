package main

import (
	"context"
	stdlog "log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/telekom/mail-e2e-exporter/pkg/api"
	"github.com/telekom/mail-e2e-exporter/pkg/config"
	"github.com/telekom/mail-e2e-exporter/pkg/mail"
	"github.com/telekom/mail-e2e-exporter/pkg/mailbox"
	"github.com/telekom/mail-e2e-exporter/pkg/metrics"
	"github.com/telekom/mail-e2e-exporter/pkg/scheduler"
	"github.com/telekom/mail-e2e-exporter/pkg/version"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string
	var debug bool

	root := &cobra.Command{
		Use:          "mail-e2e-exporter",
		Short:        "End-to-end mail delivery monitor exposing Prometheus metrics",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !cmd.Flags().Changed("config") {
				if env := os.Getenv("CONFIG_PATH"); env != "" {
					configPath = env
				}
			}
			if !debug {
				debug = strings.EqualFold(os.Getenv("DEBUG"), "true") || os.Getenv("DEBUG") == "1"
			}
			return run(configPath, debug)
		},
	}
	root.Flags().StringVarP(&configPath, "config", "c", "config.yaml", "path to the exporter config file")
	root.Flags().BoolVar(&debug, "debug", false, "enable debug level logging")
	return root
}

func run(configPath string, debug bool) error {
	zl := setupLogger(debug)
	defer func() { _ = zl.Sync() }()
	log := zl.Sugar()

	build := version.GetBuildInfo()
	log.Infow("Starting mail-e2e-exporter",
		"version", build.App, "revision", build.Revision, "config", configPath)

	store, err := config.NewStore(configPath, log)
	if err != nil {
		log.Errorw("Failed to load exporter config", "path", configPath, "error", err)
		return err
	}
	cfg := store.Snapshot()

	m := metrics.New(cfg.Exporter.MetricsPrefix)
	m.BuildInfo.WithLabelValues(build.App, build.Revision, build.BuildDate).Set(1)

	sender := mail.NewSender(log, m)
	poller := mailbox.NewPoller(log)
	runner := scheduler.New(log, store, m, sender, poller)

	server := api.NewServer(zl, store, m, api.Options{
		Debug:       debug,
		APIKey:      os.Getenv("API_KEY"),
		MetricsUser: os.Getenv("METRICS_USER"),
		MetricsPass: os.Getenv("METRICS_PASS"),
	})
	defer server.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	schedulerDone := make(chan struct{})
	go func() {
		runner.Run(ctx)
		close(schedulerDone)
	}()

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Listen(cfg.Exporter.ListenAddress())
	}()

	select {
	case err := <-serverErr:
		log.Errorw("HTTP server terminated", "error", err)
		stop()
		<-schedulerDone
		return err
	case <-ctx.Done():
		log.Infow("Shutdown signal received, waiting for in-flight probe tasks")
		select {
		case <-schedulerDone:
		case <-time.After(2 * time.Minute):
			log.Warnw("Probe tasks did not finish within the grace period")
		}
		return nil
	}
}

func setupLogger(debug bool) *zap.Logger {
	cfg := zap.NewProductionConfig()
	if debug {
		cfg = zap.NewDevelopmentConfig()
	}
	// Disable automatic stacktraces for non-fatal levels to avoid noisy traces in WARN/INFO logs
	cfg.DisableStacktrace = true
	cfg.EncoderConfig.EncodeTime = func(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
		enc.AppendString(t.UTC().Format(time.RFC3339))
	}
	cfg.EncoderConfig.TimeKey = "ts"
	logger, err := cfg.Build()
	if err != nil {
		stdlog.Fatalf("failed to set up logger: %v", err)
	}
	return logger
}
