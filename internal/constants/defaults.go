package constants

// Default server and storage values
const (
	DefaultServerPort     = 8085
	DefaultRetentionDays  = 30
	DefaultDatabasePath   = "whatsgate.db"
	DefaultWAHASession    = "default"
	DefaultMessagePageMax = 100
	DefaultMessagePage    = 20
)

// Default timeout values
const (
	DefaultHTTPTimeoutSec         = 30
	DefaultSendTimeoutSec         = 30
	DefaultWebhookTimeoutSec      = 5
	DefaultDatabaseRetryAttempts  = 3
	DefaultRetryBackoffMs         = 1000
	DefaultMaxBackoffMs           = 60000
	DefaultGracefulShutdownSec    = 30
	DefaultServerReadTimeoutSec   = 15
	DefaultServerWriteTimeoutSec  = 15
	DefaultServerIdleTimeoutSec   = 60
	DefaultDatabaseBusyTimeoutMs  = 5000
	DefaultWebsocketReadLimit     = 16 << 20
	DefaultConfigPollIntervalSec  = 5
	CleanupSchedulerIntervalHours = 24
)

// Delivery monitoring
const (
	DefaultDeliveryCheckIntervalMin = 5
	DefaultStaleThresholdMin        = 30
)

// Webhook retry decorator defaults, only used when retries are enabled
const (
	DefaultWebhookRetryAttempts  = 3
	DefaultWebhookRetryInitialMs = 500
	DefaultWebhookRetryMaxMs     = 10000
)

// Circuit breaker around the chat client
const (
	DefaultBreakerMaxFailures = 5
	DefaultBreakerTimeoutSec  = 30
)

// Privacy settings
const (
	DefaultPhoneMaskLength = 4
	DefaultMessageIDLength = 8
)

// Encryption salts for webhook secrets at rest
const (
	EncryptionSalt = "whatsgate-webhook-secret-v1"
)

// HTTP header names used on outbound webhooks
const (
	HeaderWebhookSignature = "X-Webhook-Signature"
	HeaderWebhookEvent     = "X-Webhook-Event"
	HeaderWebhookDelivery  = "X-Webhook-Delivery"
	HeaderWebhookTimestamp = "X-Webhook-Timestamp"
	HeaderAPIKey           = "X-Api-Key"
	WebhookUserAgent       = "whatsgate-webhook/1.0"
)

// HTTP body limits for the API server
const (
	MaxAPIBodyBytes            = 1 << 20
	MaxSendBodyBytes           = 160 << 20
	MaxInboundWebhookBodyBytes = 8 << 20
	ServerErrorChannelSize     = 1
)

// Headers WAHA sets on its webhook calls
const (
	HeaderWAHAHmac          = "X-Webhook-Hmac"
	HeaderWAHAHmacAlgorithm = "X-Webhook-Hmac-Algorithm"
)

// MaxTimeoutSec bounds configurable timeouts
const MaxTimeoutSec = 300
