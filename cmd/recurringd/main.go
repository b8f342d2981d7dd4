/*
main.go - recurringd entry point

PURPOSE:
  Runs the recurring transaction engine, either as a long-lived HTTP
  server with an in-process scheduler, or as one-shot jobs for hosts that
  drive the engine from cron.

COMMANDS:
  serve        HTTP API + scheduler (ScanAndProcess, ScanAndRemind, SweepExpired)
  process-due  One ScanAndProcess run, then exit
  remind       One ScanAndRemind run, then exit
  sweep        One SweepExpired run, then exit

CONFIGURATION:
  --config path/to/recurringd.yaml, overridden by RECURRING_* environment
  variables. See config/config.go.

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the scheduler (in-flight scans stop between items)
  2. Stop accepting new connections
  3. Wait for active requests (server.shutdown_timeout)
  4. Drain NATS and close the database

EXAMPLES:
  recurringd serve --config ./recurringd.yaml
  RECURRING_DATABASE_PATH=:memory: recurringd serve
  recurringd process-due --as-of 2025-02-01T00:00:00Z
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/warp/recurring-engine/api"
	"github.com/warp/recurring-engine/config"
	"github.com/warp/recurring-engine/logging"
	"github.com/warp/recurring-engine/notify"
	"github.com/warp/recurring-engine/recurring"
	"github.com/warp/recurring-engine/store/sqlite"
)

var (
	configPath string
	asOfFlag   string
	version    = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "recurringd",
	Short: "Recurring transaction engine",
	Long: `recurringd materializes recurring incomes and expenses into ledger
entries on their due dates and reminds users of upcoming bills.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML config file")
	for _, cmd := range []*cobra.Command{processDueCmd, remindCmd, sweepCmd} {
		cmd.Flags().StringVar(&asOfFlag, "as-of", "", "evaluate at this RFC3339 instant instead of now")
	}
	rootCmd.AddCommand(serveCmd, processDueCmd, remindCmd, sweepCmd)
}

// =============================================================================
// APPLICATION WIRING
// =============================================================================

type app struct {
	cfg    *config.Config
	logger *zap.Logger
	store  *sqlite.Store
	engine *recurring.Engine
	close  func()
}

func newApp() (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, err
	}

	if cfg.Database.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	store, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		logger.Sync()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	notifier, closeNotifier, err := newNotifier(cfg.Notify, logger)
	if err != nil {
		store.Close()
		logger.Sync()
		return nil, err
	}

	engine := recurring.New(store, notifier,
		recurring.WithLogger(logger),
		recurring.WithScannerOptions(recurring.ScannerOptions{
			Concurrency: cfg.Engine.Concurrency,
			ItemTimeout: cfg.Engine.ItemTimeout,
		}),
	)

	return &app{
		cfg:    cfg,
		logger: logger,
		store:  store,
		engine: engine,
		close: func() {
			closeNotifier()
			if err := store.Close(); err != nil {
				logger.Warn("failed to close database", zap.Error(err))
			}
			logger.Sync()
		},
	}, nil
}

// newNotifier publishes to NATS when a URL is configured and logs
// otherwise. Both are rate limited.
func newNotifier(cfg config.NotifyConfig, logger *zap.Logger) (recurring.Notifier, func(), error) {
	var n recurring.Notifier = notify.NewLog(logger)
	closeFn := func() {}

	if cfg.NATSURL != "" {
		nc, err := notify.Connect(cfg.NATSURL, logger)
		if err != nil {
			return nil, nil, err
		}
		n = notify.NewNATS(nc, cfg.SubjectPrefix)
		closeFn = func() {
			if err := nc.Drain(); err != nil {
				logger.Warn("failed to drain NATS connection", zap.Error(err))
			}
		}
	}
	return notify.NewRateLimited(n, cfg.RatePerSecond, cfg.Burst), closeFn, nil
}

func asOf() (time.Time, error) {
	if asOfFlag == "" {
		return time.Now().UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, asOfFlag)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --as-of: %w", err)
	}
	return t.UTC(), nil
}

// =============================================================================
// SERVE
// =============================================================================

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the scheduler",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	handler := api.NewHandler(a.engine, a.store, a.logger)
	router := api.NewRouter(handler)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	scheduler := api.NewScheduler(a.engine, a.logger)
	scheduler.Enabled = a.cfg.Scheduler.Enabled
	scheduler.ProcessInterval = a.cfg.Scheduler.ProcessInterval
	scheduler.RemindInterval = a.cfg.Scheduler.RemindInterval
	scheduler.SweepInterval = a.cfg.Scheduler.SweepInterval
	scheduler.Start()

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("server starting", zap.Int("port", a.cfg.Server.Port), zap.String("version", version))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case <-ctx.Done():
		a.logger.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			scheduler.Stop()
			return fmt.Errorf("server failed: %w", err)
		}
	}

	scheduler.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	a.logger.Info("server stopped")
	return nil
}

// =============================================================================
// ONE-SHOT JOBS
// =============================================================================

var processDueCmd = &cobra.Command{
	Use:   "process-due",
	Short: "Process every due obligation once and exit",
	Long: `Runs one ScanAndProcess pass. Each due obligation materializes at most
one occurrence; obligations that missed several periods catch up over
subsequent runs. Exits non-zero if the scan was aborted.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runJob(cmd, func(ctx context.Context, a *app, now time.Time) error {
			report, err := a.engine.ScanAndProcess(ctx, now)
			if report != nil {
				a.logger.Info("process-due finished",
					zap.String("run_id", report.RunID),
					zap.Int("candidates", report.Candidates),
					zap.Int("processed", report.Processed),
					zap.Int("failed", report.Failed),
					zap.Int("skipped", report.Skipped),
				)
			}
			return err
		})
	},
}

var remindCmd = &cobra.Command{
	Use:   "remind",
	Short: "Send reminders for approaching obligations and exit",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runJob(cmd, func(ctx context.Context, a *app, now time.Time) error {
			report, err := a.engine.ScanAndRemind(ctx, now)
			if report != nil {
				a.logger.Info("remind finished",
					zap.String("run_id", report.RunID),
					zap.Int("candidates", report.Candidates),
					zap.Int("reminded", report.Reminded),
					zap.Int("failed", report.Failed),
				)
			}
			return err
		})
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Complete obligations whose end date has passed and exit",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runJob(cmd, func(ctx context.Context, a *app, now time.Time) error {
			n, err := a.engine.SweepExpired(ctx, now)
			a.logger.Info("sweep finished", zap.Int("completed", n))
			return err
		})
	},
}

func runJob(cmd *cobra.Command, job func(context.Context, *app, time.Time) error) error {
	now, err := asOf()
	if err != nil {
		return err
	}
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return job(ctx, a, now)
}
