package models

import (
	"strings"
	"time"
)

// WildcardEvent matches every event type
const WildcardEvent = "*"

// Event types dispatched to subscribers. "message" covers every "message:*" event
// through prefix matching.
const (
	EventMessage          = "message"
	EventMessageInbound   = "message:inbound"
	EventMessageOutbound  = "message:outbound"
	EventMessageSent      = "message:sent"
	EventMessageDelivered = "message:delivered"
	EventMessageRead      = "message:read"
	EventMessageFailed    = "message:failed"
	EventSession          = "session"
)

// StatusEvent returns the event type announcing a status change
func StatusEvent(status DeliveryStatus) string {
	return EventMessage + ":" + string(status)
}

// SessionEvent returns the event type announcing a session state
func SessionEvent(state string) string {
	return EventSession + ":" + state
}

// WebhookSubscription is one subscriber endpoint
type WebhookSubscription struct {
	ID          int64     `json:"id"`
	Owner       string    `json:"owner"`
	EndpointURL string    `json:"endpointUrl"`
	EventFilter []string  `json:"eventFilter"`
	Secret      string    `json:"-"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Validate checks the invariants of a subscription before it is stored
func (s *WebhookSubscription) Validate() error {
	if strings.TrimSpace(s.EndpointURL) == "" {
		return ConfigError{Message: "endpoint url is required"}
	}
	if strings.TrimSpace(s.Owner) == "" {
		return ConfigError{Message: "owner is required"}
	}
	if len(s.EventFilter) == 0 {
		return ConfigError{Message: "event filter must not be empty"}
	}
	for _, f := range s.EventFilter {
		if strings.TrimSpace(f) == "" {
			return ConfigError{Message: "event filter entries must not be blank"}
		}
	}
	return nil
}

// WebhookEnvelope is the JSON body POSTed to subscribers
type WebhookEnvelope struct {
	Event     string      `json:"event"`
	Data      interface{} `json:"data"`
	Timestamp string      `json:"timestamp"`
}
