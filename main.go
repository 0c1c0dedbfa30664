// gpumon — GPU telemetry monitor for shared multi-GPU hosts.
// Polls nvidia-smi, persists a snapshot time series, alerts on idle
// processes holding device memory, and keeps a remote status page in sync.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/oselab/gpumon/internal/config"
	"github.com/oselab/gpumon/internal/dashboard"
	"github.com/oselab/gpumon/internal/detector"
	"github.com/oselab/gpumon/internal/history"
	"github.com/oselab/gpumon/internal/logger"
	"github.com/oselab/gpumon/internal/monitor"
	"github.com/oselab/gpumon/internal/notify"
	"github.com/oselab/gpumon/internal/notion"
	"github.com/oselab/gpumon/internal/server"
	"github.com/oselab/gpumon/internal/store"
	"github.com/oselab/gpumon/internal/telemetry"
)

const version = "v0.1.0"

func main() {
	root := &cobra.Command{
		Use:          "gpumon",
		Short:        "gpumon — shared-host GPU usage monitor with a live remote dashboard",
		SilenceUsage: true,
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Start the monitor loop (poll, persist, reconcile dashboard, alert)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMonitor()
		},
	}

	reportCmd := &cobra.Command{
		Use:   "report",
		Short: "One-shot: log recent process sessions to the history database",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReport()
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print gpumon version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("gpumon %s\n", version)
		},
	}

	root.AddCommand(runCmd, reportCmd, versionCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runMonitor() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := logger.Init(cfg.Log); err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}

	// Missing driver tooling is fatal before the loop starts.
	if err := telemetry.Probe(); err != nil {
		return err
	}

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("opening snapshot store: %w", err)
	}

	client := notion.NewClient(cfg.Notion.BaseURL, cfg.Notion.Token)
	reconciler := dashboard.NewReconciler(client, cfg.Notion.PageID, logger.Component("dashboard"))

	var notifier notify.Notifier
	if cfg.Email.Enabled {
		notifier = notify.NewSMTP(cfg.Email)
	}

	interval := time.Duration(cfg.IntervalSeconds) * time.Second
	det := detector.New(st, notifier, detector.Options{
		Window:        time.Duration(cfg.IdleThresholdMinutes) * time.Minute,
		UtilThreshold: cfg.IdleUtilizationThreshold,
		UserDomain:    cfg.Email.UserDomain,
		Interval:      interval,
	}, logger.Component("detector"))

	sessions := history.New(st, client, cfg.Notion.HistoryDatabaseID, logger.Component("history"))

	mon := monitor.New(telemetry.NewSource(), st, reconciler, det, sessions, monitor.Options{
		Interval:  interval,
		Retention: time.Duration(cfg.RetentionDays) * 24 * time.Hour,
	}, logger.Component("monitor"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.API.Enabled {
		srv := &http.Server{Addr: cfg.API.Listen, Handler: server.New(st, cfg.API).Engine()}
		go func() {
			log.Info().Str("listen", cfg.API.Listen).Msg("status API listening")
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("status API failed")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	return mon.Run(ctx)
}

func runReport() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := logger.Init(cfg.Log); err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	if cfg.Notion.HistoryDatabaseID == "" {
		return fmt.Errorf("notion.history_database_id is not configured")
	}

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("opening snapshot store: %w", err)
	}

	client := notion.NewClient(cfg.Notion.BaseURL, cfg.Notion.Token)
	sessions := history.New(st, client, cfg.Notion.HistoryDatabaseID, logger.Component("history"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return sessions.LogRecentSessions(ctx, time.Now())
}
