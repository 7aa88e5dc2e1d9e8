package whatsapp

import (
	"encoding/json"
	"fmt"
	"time"

	"whatsgate/pkg/whatsapp/types"
)

// ParseEvent translates a WAHA webhook or websocket frame into client events.
// It returns the session the frame belongs to. Unknown event names and echoes of
// our own outbound messages yield no events.
func ParseEvent(raw []byte) ([]types.Event, string, error) {
	var env types.WAHAEvent
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, "", fmt.Errorf("failed to decode WAHA event: %w", err)
	}

	switch env.Event {
	case types.WAHAEventMessage:
		evt, err := parseMessage(env.Payload)
		if err != nil || evt == nil {
			return nil, env.Session, err
		}
		return []types.Event{*evt}, env.Session, nil

	case types.WAHAEventMessageAck:
		var p types.WAHAMessagePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, env.Session, fmt.Errorf("failed to decode ack payload: %w", err)
		}
		if p.ID == "" || p.ACK == nil {
			return nil, env.Session, fmt.Errorf("ack event without message id or level")
		}
		return []types.Event{{
			Kind:      types.EventDeliveryAck,
			MessageID: p.ID,
			Ack:       types.AckLevel(*p.ACK),
		}}, env.Session, nil

	case types.WAHAEventSessionStatus:
		var p types.WAHASessionStatusPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, env.Session, fmt.Errorf("failed to decode session status: %w", err)
		}
		return sessionEvents(p.Status), env.Session, nil

	default:
		return nil, env.Session, nil
	}
}

func parseMessage(payload json.RawMessage) (*types.Event, error) {
	var p types.WAHAMessagePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("failed to decode message payload: %w", err)
	}
	if p.FromMe {
		return nil, nil
	}
	if p.ID == "" {
		return nil, fmt.Errorf("message event without id")
	}

	msg := &types.InboundMessage{
		ExternalID: p.ID,
		From:       types.NumberFromChatID(p.From),
	}
	if p.Timestamp > 0 {
		msg.Timestamp = time.Unix(p.Timestamp, 0).UTC()
	}
	if p.Body != "" {
		body := p.Body
		msg.Body = &body
	}
	if p.HasMedia && p.Media != nil && p.Media.URL != "" {
		ref := p.Media.URL
		msg.MediaRef = &ref
		msg.MimeType = p.Media.MimeType
	}

	return &types.Event{Kind: types.EventMessageReceived, Message: msg}, nil
}

// WAHA folds authentication and readiness into WORKING, so it yields both events
func sessionEvents(status string) []types.Event {
	switch status {
	case types.WAHAStatusScanQR:
		return []types.Event{{Kind: types.EventQRChallenge}}
	case types.WAHAStatusWorking:
		return []types.Event{{Kind: types.EventAuthenticated}, {Kind: types.EventReady}}
	case types.WAHAStatusFailed:
		return []types.Event{{Kind: types.EventAuthFailure, Reason: "session failed"}}
	case types.WAHAStatusStopped:
		return []types.Event{{Kind: types.EventDisconnected, Reason: "session stopped"}}
	default:
		return nil
	}
}
