package constants

// Client timeouts
const (
	DefaultHTTPTimeoutSec      = 30
	DefaultWhatsAppTimeoutMs   = 30000
	DefaultQRFetchTimeoutSec   = 10
	DefaultWebsocketDialSec    = 15
	DefaultEventBufferSize     = 256
	DefaultWebsocketReadLimit  = 16 << 20
	DefaultWhatsAppSessionName = "default"
)

// Media size limits
const (
	BytesPerMegabyte         = 1024 * 1024
	DefaultMaxImageSizeMB    = 5
	DefaultMaxVideoSizeMB    = 100
	DefaultMaxDocumentSizeMB = 100
	DefaultMaxVoiceSizeMB    = 16
	MimeDetectionBufferSize  = 512
)

// Validation limits
const (
	MaxMessageIDLength   = 256
	MaxSessionNameLength = 64
	MinPhoneNumberLength = 7
	MaxPhoneNumberLength = 15
	MaxTextLength        = 65536
)
