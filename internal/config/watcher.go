package config

import (
	"context"
	"os"
	"sync"
	"time"

	"whatsgate/internal/constants"
	"whatsgate/internal/models"

	"github.com/sirupsen/logrus"
)

// ConfigWatcher watches for configuration file changes and reloads configuration
type ConfigWatcher struct {
	configPath string
	logger     *logrus.Logger
	interval   time.Duration
	mu         sync.RWMutex
	config     *models.Config
	callbacks  []func(*models.Config)
}

func NewConfigWatcher(configPath string, logger *logrus.Logger) *ConfigWatcher {
	return &ConfigWatcher{
		configPath: configPath,
		logger:     logger,
		interval:   constants.DefaultConfigPollIntervalSec * time.Second,
		callbacks:  make([]func(*models.Config), 0),
	}
}

// Start loads the configuration and then polls the file until ctx is done
func (cw *ConfigWatcher) Start(ctx context.Context) error {
	config, err := LoadConfig(cw.configPath)
	if err != nil {
		return err
	}

	cw.mu.Lock()
	cw.config = config
	cw.mu.Unlock()

	stat, err := os.Stat(cw.configPath)
	if err != nil {
		return err
	}
	lastModTime := stat.ModTime()

	cw.logger.WithField("path", cw.configPath).Info("Configuration watcher started")

	ticker := time.NewTicker(cw.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			cw.logger.Info("Configuration watcher stopping")
			return nil

		case <-ticker.C:
			stat, err := os.Stat(cw.configPath)
			if err != nil {
				cw.logger.WithError(err).Error("Failed to stat configuration file")
				continue
			}

			if stat.ModTime().After(lastModTime) {
				cw.logger.Debug("Configuration file changed")
				lastModTime = stat.ModTime()

				// Small delay to ensure file write is complete
				time.Sleep(100 * time.Millisecond)
				cw.reloadConfig()
			}
		}
	}
}

func (cw *ConfigWatcher) GetConfig() *models.Config {
	cw.mu.RLock()
	defer cw.mu.RUnlock()
	return cw.config
}

// OnConfigChange registers a callback run after every successful reload
func (cw *ConfigWatcher) OnConfigChange(callback func(*models.Config)) {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	cw.callbacks = append(cw.callbacks, callback)
}

func (cw *ConfigWatcher) reloadConfig() {
	newConfig, err := LoadConfig(cw.configPath)
	if err != nil {
		cw.logger.WithError(err).Error("Failed to reload configuration, keeping the previous one")
		return
	}

	cw.mu.Lock()
	oldConfig := cw.config
	cw.config = newConfig
	callbacks := make([]func(*models.Config), len(cw.callbacks))
	copy(callbacks, cw.callbacks)
	cw.mu.Unlock()

	cw.logger.Info("Configuration reloaded successfully")

	for _, callback := range callbacks {
		go func(cb func(*models.Config)) {
			defer func() {
				if r := recover(); r != nil {
					cw.logger.WithField("panic", r).Error("Config change callback panicked")
				}
			}()
			cb(newConfig)
		}(callback)
	}

	cw.logConfigChanges(oldConfig, newConfig)
}

func (cw *ConfigWatcher) logConfigChanges(old, new *models.Config) {
	if old == nil {
		return
	}

	if old.LogLevel != new.LogLevel {
		cw.logger.WithFields(logrus.Fields{
			"old": old.LogLevel,
			"new": new.LogLevel,
		}).Info("Log level changed")
	}

	if old.Webhook.TimeoutSec != new.Webhook.TimeoutSec {
		cw.logger.WithFields(logrus.Fields{
			"old": old.Webhook.TimeoutSec,
			"new": new.Webhook.TimeoutSec,
		}).Info("Webhook timeout changed")
	}

	if old.RetentionDays != new.RetentionDays {
		cw.logger.WithFields(logrus.Fields{
			"old": old.RetentionDays,
			"new": new.RetentionDays,
		}).Info("Retention days changed, applies after restart")
	}

	if old.Webhook.MatchMode != new.Webhook.MatchMode || old.WhatsApp.EventSource != new.WhatsApp.EventSource {
		cw.logger.Warn("Webhook match mode and event source changes apply after restart")
	}
}

// HotApply returns a change callback that applies the settings that can change
// at runtime: the log level and the webhook delivery timeout.
func HotApply(logger *logrus.Logger, setWebhookTimeout func(time.Duration)) func(*models.Config) {
	return func(c *models.Config) {
		if level, err := logrus.ParseLevel(c.LogLevel); err == nil {
			logger.SetLevel(level)
		}
		if setWebhookTimeout != nil {
			setWebhookTimeout(time.Duration(c.Webhook.TimeoutSec) * time.Second)
		}
	}
}
