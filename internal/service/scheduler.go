package service

import (
	"context"
	"sync"
	"time"

	"whatsgate/internal/constants"
	"whatsgate/internal/metrics"

	"github.com/sirupsen/logrus"
)

// Cleaner deletes messages older than the retention period
type Cleaner interface {
	CleanupOldRecords(ctx context.Context, retentionDays int) (int64, error)
}

// Scheduler prunes old messages once at start and then on every interval
type Scheduler struct {
	cleaner       Cleaner
	retentionDays int
	interval      time.Duration
	logger        *logrus.Logger
	metrics       *metrics.Registry
	stopCh        chan struct{}
	stopOnce      sync.Once
}

func NewScheduler(cleaner Cleaner, retentionDays, intervalHours int, logger *logrus.Logger, registry *metrics.Registry) *Scheduler {
	if intervalHours <= 0 {
		intervalHours = constants.CleanupSchedulerIntervalHours
	}
	if retentionDays <= 0 {
		retentionDays = constants.DefaultRetentionDays
	}
	if registry == nil {
		registry = metrics.GetRegistry()
	}
	return &Scheduler{
		cleaner:       cleaner,
		retentionDays: retentionDays,
		interval:      time.Duration(intervalHours) * time.Hour,
		logger:        logger,
		metrics:       registry,
		stopCh:        make(chan struct{}),
	}
}

func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.WithField("interval", s.interval).Info("Starting cleanup scheduler")

	s.runCleanup(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Scheduler context cancelled, stopping")
			return
		case <-s.stopCh:
			s.logger.Info("Scheduler stop signal received, stopping")
			return
		case <-ticker.C:
			s.runCleanup(ctx)
		}
	}
}

func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

func (s *Scheduler) runCleanup(ctx context.Context) {
	s.logger.WithField("retention_days", s.retentionDays).Info("Running scheduled cleanup")

	deleted, err := s.cleaner.CleanupOldRecords(ctx, s.retentionDays)
	if err != nil {
		s.logger.WithError(err).Error("Failed to cleanup old records")
		return
	}
	s.metrics.AddToCounter(metrics.CleanupDeletedRecords, float64(deleted), nil, "Messages removed by retention cleanup")
	s.logger.WithField("count", deleted).Info("Cleanup completed successfully")
}
