package models

import (
	"strings"
	"time"

	"whatsgate/internal/constants"
)

type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// DeliveryStatus is the canonical status of a message. Pending < Sent < Delivered < Read;
// Failed is terminal.
type DeliveryStatus string

const (
	DeliveryStatusPending   DeliveryStatus = "pending"
	DeliveryStatusSent      DeliveryStatus = "sent"
	DeliveryStatusDelivered DeliveryStatus = "delivered"
	DeliveryStatusRead      DeliveryStatus = "read"
	DeliveryStatusFailed    DeliveryStatus = "failed"
)

// Rank orders statuses by delivery progress. Failed ranks above everything so that
// nothing advances past it.
func (s DeliveryStatus) Rank() int {
	switch s {
	case DeliveryStatusPending:
		return 0
	case DeliveryStatusSent:
		return 1
	case DeliveryStatusDelivered:
		return 2
	case DeliveryStatusRead:
		return 3
	case DeliveryStatusFailed:
		return 100
	default:
		return -1
	}
}

func (s DeliveryStatus) IsTerminal() bool {
	return s == DeliveryStatusFailed
}

func (s DeliveryStatus) Valid() bool {
	return s.Rank() >= 0
}

type MediaKind string

const (
	MediaKindNone     MediaKind = ""
	MediaKindImage    MediaKind = "image"
	MediaKindDocument MediaKind = "document"
	MediaKindAudio    MediaKind = "audio"
	MediaKindVideo    MediaKind = "video"
	MediaKindOther    MediaKind = "other"
)

// MediaKindFromMime classifies a MIME type
func MediaKindFromMime(mimeType string) MediaKind {
	mimeType = strings.ToLower(strings.TrimSpace(mimeType))
	if i := strings.Index(mimeType, ";"); i >= 0 {
		mimeType = strings.TrimSpace(mimeType[:i])
	}
	switch {
	case mimeType == "":
		return MediaKindOther
	case strings.HasPrefix(mimeType, "image/"):
		return MediaKindImage
	case strings.HasPrefix(mimeType, "video/"):
		return MediaKindVideo
	case strings.HasPrefix(mimeType, "audio/"):
		return MediaKindAudio
	}
	if _, ok := constants.DocumentMimeTypes[mimeType]; ok {
		return MediaKindDocument
	}
	if strings.HasPrefix(mimeType, "application/") {
		return MediaKindDocument
	}
	return MediaKindOther
}

// Message is one chat message that crossed the gateway
type Message struct {
	ID                 int64          `json:"-"`
	ExternalID         string         `json:"externalId"`
	Direction          Direction      `json:"direction"`
	CounterpartyNumber string         `json:"counterpartyNumber"`
	Body               *string        `json:"body"`
	MediaRef           *string        `json:"mediaRef"`
	MediaKind          MediaKind      `json:"mediaKind,omitempty"`
	Status             DeliveryStatus `json:"status"`
	FailureReason      *string        `json:"failureReason,omitempty"`
	CreatedAt          time.Time      `json:"createdAt"`
	UpdatedAt          time.Time      `json:"updatedAt"`
}

// MessageFilter narrows a message listing. Zero values match everything.
type MessageFilter struct {
	Direction          Direction
	Status             DeliveryStatus
	CounterpartyNumber string
	Page               int
	Limit              int
}

// Normalize clamps pagination to sane bounds
func (f MessageFilter) Normalize() MessageFilter {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.Limit <= 0 {
		f.Limit = constants.DefaultMessagePage
	}
	if f.Limit > constants.DefaultMessagePageMax {
		f.Limit = constants.DefaultMessagePageMax
	}
	return f
}

func (f MessageFilter) Offset() int {
	return (f.Page - 1) * f.Limit
}

// MessagePage is one page of a message listing
type MessagePage struct {
	Messages   []*Message `json:"messages"`
	Total      int        `json:"total"`
	Page       int        `json:"page"`
	Limit      int        `json:"limit"`
	TotalPages int        `json:"totalPages"`
}
