package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"whatsgate/internal/constants"
	"whatsgate/internal/models"
	"whatsgate/internal/security"
	"whatsgate/internal/tracing"
	"whatsgate/internal/validation"
	"whatsgate/internal/webhook"

	"github.com/sirupsen/logrus"
)

// Environment variables that override the file
const (
	EnvWAHAURL           = "WAHA_API_URL"
	EnvWAHAAPIKey        = "WAHA_API_KEY"
	EnvDBPath            = "WHATSGATE_DB_PATH"
	EnvAPIKey            = "WHATSGATE_API_KEY"
	EnvWAHAWebhookSecret = "WHATSGATE_WAHA_WEBHOOK_SECRET"
	EnvEnvironment       = "WHATSGATE_ENV"
)

const minSecretLength = 32

var (
	ErrMissingWhatsAppURL = models.ConfigError{Message: "missing WhatsApp API URL"}
	ErrMissingDBPath      = models.ConfigError{Message: "missing database path"}
)

func IsProduction() bool {
	return os.Getenv(EnvEnvironment) == "production"
}

func LoadConfig(path string) (*models.Config, error) {
	if err := security.ValidateFilePath(path); err != nil {
		return nil, fmt.Errorf("invalid config path: %w", err)
	}

	file, err := os.ReadFile(path) // #nosec G304 - Path validated by security.ValidateFilePath above
	if err != nil {
		return nil, err
	}

	var config models.Config
	if err := json.Unmarshal(file, &config); err != nil {
		return nil, err
	}

	applyEnvironmentOverrides(&config)

	if err := validate(&config); err != nil {
		return nil, err
	}

	if err := validateSecurity(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

func validate(c *models.Config) error {
	if c.WhatsApp.APIBaseURL == "" {
		return ErrMissingWhatsAppURL
	}
	if c.Database.Path == "" {
		c.Database.Path = constants.DefaultDatabasePath
	}
	if strings.TrimSpace(c.Database.Path) == "" {
		return ErrMissingDBPath
	}

	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return models.ConfigError{Message: fmt.Sprintf("invalid log level %q", c.LogLevel)}
	}

	if c.Server.Port == 0 {
		c.Server.Port = constants.DefaultServerPort
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return models.ConfigError{Message: fmt.Sprintf("invalid server port %d", c.Server.Port)}
	}
	if c.Server.CleanupIntervalHours <= 0 {
		c.Server.CleanupIntervalHours = constants.CleanupSchedulerIntervalHours
	}
	if c.Server.DeliveryCheckIntervalMin <= 0 {
		c.Server.DeliveryCheckIntervalMin = constants.DefaultDeliveryCheckIntervalMin
	}
	if c.Server.StaleThresholdMin <= 0 {
		c.Server.StaleThresholdMin = constants.DefaultStaleThresholdMin
	}

	if c.WhatsApp.SessionName == "" {
		c.WhatsApp.SessionName = constants.DefaultWAHASession
	}
	if c.WhatsApp.TimeoutSec <= 0 {
		c.WhatsApp.TimeoutSec = constants.DefaultSendTimeoutSec
	}
	switch c.WhatsApp.EventSource {
	case "":
		c.WhatsApp.EventSource = models.EventSourceWebsocket
	case models.EventSourceWebsocket, models.EventSourceWebhook:
	default:
		return models.ConfigError{Message: fmt.Sprintf("unknown WhatsApp event source %q", c.WhatsApp.EventSource)}
	}

	if c.Webhook.TimeoutSec <= 0 {
		c.Webhook.TimeoutSec = constants.DefaultWebhookTimeoutSec
	}
	mode, err := webhook.ParseMatchMode(c.Webhook.MatchMode)
	if err != nil {
		return models.ConfigError{Message: err.Error()}
	}
	c.Webhook.MatchMode = string(mode)
	if c.Webhook.MaxConcurrency < 0 {
		return models.ConfigError{Message: "webhook maxConcurrency must not be negative"}
	}

	if c.Retry.InitialBackoffMs <= 0 {
		c.Retry.InitialBackoffMs = constants.DefaultRetryBackoffMs
	}
	if c.Retry.MaxBackoffMs <= 0 {
		c.Retry.MaxBackoffMs = constants.DefaultMaxBackoffMs
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = constants.DefaultDatabaseRetryAttempts
	}

	if c.RetentionDays <= 0 {
		c.RetentionDays = constants.DefaultRetentionDays
	}

	checks := []error{
		validation.ValidateSessionName(c.WhatsApp.SessionName),
		validation.ValidateTimeout("whatsapp.timeoutSec", c.WhatsApp.TimeoutSec),
		validation.ValidateTimeout("webhook.timeoutSec", c.Webhook.TimeoutSec),
		validation.ValidateRetentionDays(c.RetentionDays),
	}
	for _, err := range checks {
		if err != nil {
			return models.ConfigError{Message: err.Error()}
		}
	}

	applyTracingDefaults(&c.Tracing)
	if err := tracing.Validate(c.Tracing); err != nil {
		return models.ConfigError{Message: fmt.Sprintf("invalid tracing configuration: %v", err)}
	}
	return nil
}

func applyTracingDefaults(t *models.TracingConfig) {
	defaults := tracing.DefaultTracingConfig()
	if t.ServiceName == "" {
		t.ServiceName = defaults.ServiceName
	}
	if t.ServiceVersion == "" {
		t.ServiceVersion = defaults.ServiceVersion
	}
	if t.Environment == "" {
		t.Environment = defaults.Environment
	}
	if t.OTLPEndpoint == "" {
		t.OTLPEndpoint = defaults.OTLPEndpoint
	}
	if t.SampleRate == 0 {
		t.SampleRate = defaults.SampleRate
	}
}

func applyEnvironmentOverrides(c *models.Config) {
	if url := os.Getenv(EnvWAHAURL); url != "" {
		c.WhatsApp.APIBaseURL = url
	}
	if key := os.Getenv(EnvWAHAAPIKey); key != "" {
		c.WhatsApp.APIKey = key
	}

	// SECURITY: secrets should be set via environment variables
	if secret := os.Getenv(EnvWAHAWebhookSecret); secret != "" {
		c.WhatsApp.WebhookSecret = secret
	}
	if key := os.Getenv(EnvAPIKey); key != "" {
		c.Server.APIKey = key
	}

	if path := os.Getenv(EnvDBPath); path != "" {
		c.Database.Path = path
	}
}

// validateSecurity performs security-specific validation
func validateSecurity(c *models.Config) error {
	if IsProduction() {
		if c.Server.APIKey == "" {
			return models.ConfigError{Message: "API key is required in production (set " + EnvAPIKey + ")"}
		}
		if len(c.Server.APIKey) < minSecretLength {
			return models.ConfigError{Message: fmt.Sprintf("API key must be at least %d characters long", minSecretLength)}
		}

		if c.WhatsApp.EventSource == models.EventSourceWebhook {
			if c.WhatsApp.WebhookSecret == "" {
				return models.ConfigError{Message: "WAHA webhook secret is required in production (set " + EnvWAHAWebhookSecret + ")"}
			}
			if len(c.WhatsApp.WebhookSecret) < minSecretLength {
				return models.ConfigError{Message: fmt.Sprintf("WAHA webhook secret must be at least %d characters long", minSecretLength)}
			}
		}

		if c.LogLevel == "debug" || c.LogLevel == "trace" {
			return models.ConfigError{Message: "debug logging should not be used in production (security risk)"}
		}
		return nil
	}

	if c.Server.APIKey == "" {
		fmt.Fprintf(os.Stderr, "WARNING: API key not set, the management API is unauthenticated. Set %s.\n", EnvAPIKey)
	}
	if c.WhatsApp.EventSource == models.EventSourceWebhook && c.WhatsApp.WebhookSecret == "" {
		fmt.Fprintf(os.Stderr, "WARNING: WAHA webhook secret not set. Set %s for security.\n", EnvWAHAWebhookSecret)
	}
	return nil
}
