package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"whatsgate/internal/config"
	"whatsgate/internal/constants"
	"whatsgate/internal/database"
	"whatsgate/internal/gateway"
	"whatsgate/internal/metrics"
	"whatsgate/internal/models"
	"whatsgate/internal/privacy"
	"whatsgate/internal/retry"
	"whatsgate/internal/service"
	"whatsgate/internal/tracing"
	"whatsgate/internal/webhook"
	"whatsgate/pkg/whatsapp"
	"whatsgate/pkg/whatsapp/types"

	"github.com/sirupsen/logrus"
)

var (
	// Version information (set at build time)
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"

	// CLI flags
	verbose    = flag.Bool("verbose", false, "Enable verbose logging (includes phone numbers and message ids)")
	configPath = flag.String("config", "config.json", "Path to configuration file")
	version    = flag.Bool("version", false, "Show version information")
)

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("whatsgate %s\nBuild Time: %s\nGit Commit: %s\n", Version, BuildTime, GitCommit)
		os.Exit(0)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		logrus.Fatalf("Application error: %v", err)
	}
}

func newLogger(cfg *models.Config, verbose bool) *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	if verbose {
		logger.SetLevel(logrus.DebugLevel)
		logger.Info("Verbose logging enabled - phone numbers and message ids will be logged")
		return logger
	}

	logger.AddHook(privacy.NewHook())
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	return logger
}

func run(ctx context.Context) error {
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := newLogger(cfg, *verbose)
	logger.WithFields(logrus.Fields{
		"version": Version,
		"build":   BuildTime,
		"commit":  GitCommit,
	}).Info("Starting whatsgate")

	tracingManager := tracing.NewTracingManager(cfg.Tracing, logger)
	if err := tracingManager.Initialize(ctx); err != nil {
		logger.Warnf("Failed to initialize tracing: %v", err)
	}
	defer func() {
		if err := tracingManager.Shutdown(context.Background()); err != nil {
			logger.Warnf("Failed to shutdown tracing: %v", err)
		}
	}()

	db, err := openDatabase(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	registry := metrics.GetRegistry()

	waClient := whatsapp.NewClient(types.ClientConfig{
		BaseURL:      cfg.WhatsApp.APIBaseURL,
		APIKey:       cfg.WhatsApp.APIKey,
		SessionName:  cfg.WhatsApp.SessionName,
		Timeout:      time.Duration(cfg.WhatsApp.TimeoutSec) * time.Second,
		UseWebsocket: cfg.WhatsApp.EventSource == models.EventSourceWebsocket,
	}, logger)

	matchMode, err := webhook.ParseMatchMode(cfg.Webhook.MatchMode)
	if err != nil {
		return fmt.Errorf("invalid webhook match mode: %w", err)
	}
	webhooks := webhook.NewRegistry(db, matchMode)
	dispatcher := webhook.NewDispatcher(webhooks, webhook.NewDeliverer(cfg.Webhook, nil, logger, registry), cfg.Webhook, logger, registry)

	gw := gateway.New(waClient, db, dispatcher, gateway.Config{
		SendTimeout: time.Duration(constants.DefaultSendTimeoutSec) * time.Second,
		MatchMode:   webhooks.Mode(),
	}, logger, registry)

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	go func() {
		if err := gw.Run(runCtx); err != nil && runCtx.Err() == nil {
			logger.WithError(err).Error("Event loop stopped")
		}
	}()

	scheduler := service.NewScheduler(db, cfg.RetentionDays, cfg.Server.CleanupIntervalHours, logger, registry)
	go scheduler.Start(runCtx)
	defer scheduler.Stop()

	monitor := service.NewDeliveryMonitor(db,
		time.Duration(cfg.Server.DeliveryCheckIntervalMin)*time.Minute,
		time.Duration(cfg.Server.StaleThresholdMin)*time.Minute,
		logger, registry)
	go monitor.Start(runCtx)
	defer monitor.Stop()

	watcher := config.NewConfigWatcher(*configPath, logger)
	if *verbose {
		watcher.OnConfigChange(func(c *models.Config) {
			dispatcher.SetTimeout(time.Duration(c.Webhook.TimeoutSec) * time.Second)
		})
	} else {
		watcher.OnConfigChange(config.HotApply(logger, dispatcher.SetTimeout))
	}
	go func() {
		if err := watcher.Start(runCtx); err != nil {
			logger.WithError(err).Warn("Configuration watcher stopped")
		}
	}()

	if cfg.WhatsApp.AutoConnect {
		if err := gw.Connect(ctx); err != nil {
			logger.WithError(err).Warn("Automatic session connect failed; use POST /api/session/connect")
		}
	}

	server := NewServer(cfg, gw, webhooks, waClient, db, logger, registry)
	serverErrCh := make(chan error, constants.ServerErrorChannelSize)
	go func() {
		if err := server.Start(); err != nil {
			serverErrCh <- fmt.Errorf("server error: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("Received shutdown signal")
	case runErr = <-serverErrCh:
		logger.Error(runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(constants.DefaultGracefulShutdownSec)*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("Failed to shutdown server gracefully")
	}
	cancelRun()
	if err := gw.Close(shutdownCtx); err != nil {
		logger.WithError(err).Warn("Pending webhook dispatches abandoned")
	}

	logger.Info("Shutdown completed")
	return runErr
}

// openDatabase retries database initialization with exponential backoff
func openDatabase(ctx context.Context, cfg *models.Config, logger *logrus.Logger) (*database.Database, error) {
	backoff := retry.NewBackoff(retry.BackoffConfig{
		InitialDelay: time.Duration(cfg.Retry.InitialBackoffMs) * time.Millisecond,
		MaxDelay:     time.Duration(cfg.Retry.MaxBackoffMs) * time.Millisecond,
		Multiplier:   2.0,
		MaxAttempts:  constants.DefaultDatabaseRetryAttempts,
		Jitter:       true,
	})

	var db *database.Database
	err := backoff.Retry(ctx, func() error {
		var initErr error
		db, initErr = database.New(cfg.Database)
		if initErr != nil {
			logger.Warnf("Failed to initialize database: %v", initErr)
		}
		return initErr
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database after retries: %w", err)
	}
	return db, nil
}
