package models

// Config holds the application configuration
type Config struct {
	Server        ServerConfig   `json:"server"`
	WhatsApp      WhatsAppConfig `json:"whatsapp"`
	Database      DatabaseConfig `json:"database"`
	Webhook       WebhookConfig  `json:"webhook"`
	Retry         RetryConfig    `json:"retry"`
	Tracing       TracingConfig  `json:"tracing"`
	LogLevel      string         `json:"log_level"`
	RetentionDays int            `json:"retentionDays"`
}

// ServerConfig holds the API server and background job settings
type ServerConfig struct {
	Port                     int    `json:"port"`
	APIKey                   string `json:"api_key"`
	CleanupIntervalHours     int    `json:"cleanupIntervalHours"`
	DeliveryCheckIntervalMin int    `json:"deliveryCheckIntervalMin"`
	StaleThresholdMin        int    `json:"staleThresholdMin"`
	// TrustProxyHeaders takes the client address from X-Forwarded-For / X-Real-IP
	TrustProxyHeaders bool `json:"trustProxyHeaders"`
}

// WhatsApp event sources
const (
	EventSourceWebsocket = "websocket"
	EventSourceWebhook   = "webhook"
)

// WhatsAppConfig holds the WAHA connection settings
type WhatsAppConfig struct {
	APIBaseURL    string `json:"api_base_url"`
	APIKey        string `json:"api_key"`
	SessionName   string `json:"session_name"`
	TimeoutSec    int    `json:"timeoutSec"`
	WebhookSecret string `json:"webhook_secret"`
	EventSource   string `json:"eventSource"`
	AutoConnect   bool   `json:"autoConnect"`
}

// DatabaseConfig holds database related configurations
type DatabaseConfig struct {
	Path           string `json:"path"`
	EncryptSecrets bool   `json:"encryptSecrets"`
}

// WebhookConfig holds outbound webhook delivery settings
type WebhookConfig struct {
	TimeoutSec     int                `json:"timeoutSec"`
	MatchMode      string             `json:"matchMode"`
	MaxConcurrency int                `json:"maxConcurrency"`
	Retry          WebhookRetryConfig `json:"retry"`
}

// WebhookRetryConfig enables the optional retry decorator around deliveries
type WebhookRetryConfig struct {
	Enabled          bool `json:"enabled"`
	MaxAttempts      int  `json:"maxAttempts"`
	InitialBackoffMs int  `json:"initialBackoffMs"`
	MaxBackoffMs     int  `json:"maxBackoffMs"`
}

// RetryConfig holds retry settings for startup dependencies
type RetryConfig struct {
	InitialBackoffMs int `json:"initialBackoffMs"`
	MaxBackoffMs     int `json:"maxBackoffMs"`
	MaxAttempts      int `json:"maxAttempts"`
}

// TracingConfig holds OpenTelemetry settings
type TracingConfig struct {
	Enabled        bool    `json:"enabled"`
	ServiceName    string  `json:"service_name"`
	ServiceVersion string  `json:"service_version"`
	Environment    string  `json:"environment"`
	OTLPEndpoint   string  `json:"otlp_endpoint"`
	SampleRate     float64 `json:"sample_rate"`
	UseStdout      bool    `json:"use_stdout"`
}

type ConfigError struct {
	Message string
}

func (e ConfigError) Error() string {
	return e.Message
}
