package service

import (
	"context"
	"sync"
	"time"

	"whatsgate/internal/constants"
	"whatsgate/internal/metrics"

	"github.com/sirupsen/logrus"
)

type StaleMessageCounter interface {
	GetStaleMessageCount(ctx context.Context, threshold time.Duration) (int, error)
}

// DeliveryMonitor reports outbound messages that stay in sent status without a
// delivery ack for longer than the stale threshold
type DeliveryMonitor struct {
	db             StaleMessageCounter
	checkInterval  time.Duration
	staleThreshold time.Duration
	logger         *logrus.Logger
	metrics        *metrics.Registry
	stopCh         chan struct{}
	stopOnce       sync.Once
}

func NewDeliveryMonitor(db StaleMessageCounter, checkInterval, staleThreshold time.Duration, logger *logrus.Logger, registry *metrics.Registry) *DeliveryMonitor {
	if checkInterval <= 0 {
		checkInterval = constants.DefaultDeliveryCheckIntervalMin * time.Minute
	}
	if staleThreshold <= 0 {
		staleThreshold = constants.DefaultStaleThresholdMin * time.Minute
	}
	if registry == nil {
		registry = metrics.GetRegistry()
	}
	return &DeliveryMonitor{
		db:             db,
		checkInterval:  checkInterval,
		staleThreshold: staleThreshold,
		logger:         logger,
		metrics:        registry,
		stopCh:         make(chan struct{}),
	}
}

func (m *DeliveryMonitor) Start(ctx context.Context) {
	ticker := time.NewTicker(m.checkInterval)
	defer ticker.Stop()

	m.logger.WithFields(logrus.Fields{
		"check_interval":  m.checkInterval,
		"stale_threshold": m.staleThreshold,
	}).Info("Starting delivery monitor")

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.checkStaleMessages(ctx)
		}
	}
}

func (m *DeliveryMonitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

func (m *DeliveryMonitor) checkStaleMessages(ctx context.Context) {
	count, err := m.db.GetStaleMessageCount(ctx, m.staleThreshold)
	if err != nil {
		m.logger.WithError(err).Error("Failed to check for stale messages")
		return
	}
	m.metrics.SetGauge(metrics.StaleMessages, float64(count), nil, "Messages stuck in sent status")
	if count > 0 {
		m.logger.WithFields(logrus.Fields{
			"stale_count": count,
			"threshold":   m.staleThreshold,
		}).Warn("Messages stuck in 'sent' status without delivery confirmation")
	}
}
