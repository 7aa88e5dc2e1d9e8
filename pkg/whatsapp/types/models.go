package types

import (
	"encoding/json"
	"strings"
	"time"
)

// EventKind identifies a client event
type EventKind string

const (
	EventQRChallenge     EventKind = "qr_challenge"
	EventAuthenticated   EventKind = "authenticated"
	EventReady           EventKind = "ready"
	EventDisconnected    EventKind = "disconnected"
	EventAuthFailure     EventKind = "auth_failure"
	EventMessageReceived EventKind = "message_received"
	EventDeliveryAck     EventKind = "delivery_ack"
)

// AckLevel is the delivery acknowledgement level reported by the chat network
type AckLevel int

const (
	AckError   AckLevel = -1
	AckPending AckLevel = 0
	AckServer  AckLevel = 1
	AckDevice  AckLevel = 2
	AckRead    AckLevel = 3
	AckPlayed  AckLevel = 4
)

func (a AckLevel) String() string {
	switch a {
	case AckError:
		return "ERROR"
	case AckPending:
		return "PENDING"
	case AckServer:
		return "SERVER"
	case AckDevice:
		return "DEVICE"
	case AckRead:
		return "READ"
	case AckPlayed:
		return "PLAYED"
	default:
		return "UNKNOWN"
	}
}

// Event is one notification from the chat client. Only the fields of its Kind are set.
type Event struct {
	Kind      EventKind
	QR        string
	Reason    string
	Message   *InboundMessage
	MessageID string
	Ack       AckLevel
}

// InboundMessage is a message received from a counterparty
type InboundMessage struct {
	ExternalID string
	From       string
	Body       *string
	MediaRef   *string
	MimeType   string
	Timestamp  time.Time
}

// Media is an attachment to send. Either URL or Data must be set.
type Media struct {
	URL      string
	Data     []byte
	MimeType string
	Filename string
}

type SendResult struct {
	MessageID string
}

// ClientConfig configures the WAHA client
type ClientConfig struct {
	BaseURL     string
	APIKey      string
	SessionName string
	Timeout     time.Duration
	// UseWebsocket streams events from WAHA; otherwise events arrive through Deliver
	UseWebsocket bool
}

// WAHAEvent is the envelope WAHA uses for both webhooks and websocket frames
type WAHAEvent struct {
	ID        string          `json:"id"`
	Timestamp int64           `json:"timestamp"`
	Event     string          `json:"event"`
	Session   string          `json:"session"`
	Payload   json.RawMessage `json:"payload"`
}

type WAHAMessagePayload struct {
	ID        string `json:"id"`
	Timestamp int64  `json:"timestamp"`
	From      string `json:"from"`
	FromMe    bool   `json:"fromMe"`
	To        string `json:"to"`
	Body      string `json:"body"`
	HasMedia  bool   `json:"hasMedia"`
	Media     *struct {
		URL      string `json:"url"`
		MimeType string `json:"mimetype"`
		Filename string `json:"filename"`
	} `json:"media"`
	// ACK is only set on message.ack events
	ACK *int `json:"ack,omitempty"`
}

type WAHASessionStatusPayload struct {
	Status string `json:"status"`
}

// WAHASessionInfo is the answer of GET /api/sessions/{name}
type WAHASessionInfo struct {
	Name   string `json:"name"`
	Status string `json:"status"`
}

type WAHAQRResponse struct {
	Mimetype string `json:"mimetype"`
	Data     string `json:"data"`
	Value    string `json:"value"`
}

type SendTextRequest struct {
	ChatID  string `json:"chatId"`
	Text    string `json:"text"`
	Session string `json:"session"`
}

// FileData is either a URL or base64 data
type FileData struct {
	Mimetype string `json:"mimetype"`
	Filename string `json:"filename,omitempty"`
	URL      string `json:"url,omitempty"`
	Data     string `json:"data,omitempty"`
}

type MediaMessageRequest struct {
	ChatID  string   `json:"chatId"`
	File    FileData `json:"file"`
	Caption string   `json:"caption,omitempty"`
	Session string   `json:"session"`
}

// WAHAMessageResponse covers the shapes WAHA engines return from send endpoints
type WAHAMessageResponse struct {
	Data *struct {
		ID *WAHAMessageKey `json:"id"`
	} `json:"_data"`
	ID json.RawMessage `json:"id"`
}

type WAHAMessageKey struct {
	FromMe     bool   `json:"fromMe"`
	Remote     string `json:"remote"`
	ID         string `json:"id"`
	Serialized string `json:"_serialized"`
}

// MessageID extracts the serialized message id from a send response
func (r *WAHAMessageResponse) MessageID() string {
	if len(r.ID) > 0 {
		var s string
		if err := json.Unmarshal(r.ID, &s); err == nil && s != "" {
			return s
		}
		var key WAHAMessageKey
		if err := json.Unmarshal(r.ID, &key); err == nil {
			if key.Serialized != "" {
				return key.Serialized
			}
			if key.ID != "" {
				return key.ID
			}
		}
	}
	if r.Data != nil && r.Data.ID != nil {
		if r.Data.ID.Serialized != "" {
			return r.Data.ID.Serialized
		}
		return r.Data.ID.ID
	}
	return ""
}

type WAHAErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Status  int    `json:"status"`
}

// ChatIDFromNumber turns a phone number into a WhatsApp chat id. Ids that already
// carry a domain are returned unchanged.
func ChatIDFromNumber(number string) string {
	if strings.Contains(number, "@") {
		return number
	}
	var b strings.Builder
	for _, r := range number {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String() + ChatSuffixUser
}

// NumberFromChatID strips the user domain from a chat id. Group ids are kept whole.
func NumberFromChatID(chatID string) string {
	if strings.HasSuffix(chatID, ChatSuffixUser) {
		return "+" + strings.TrimSuffix(chatID, ChatSuffixUser)
	}
	return chatID
}

func IsGroupChat(chatID string) bool {
	return strings.HasSuffix(chatID, ChatSuffixGroup)
}
