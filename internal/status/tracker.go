package status

import (
	"context"

	apperrors "whatsgate/internal/errors"
	"whatsgate/internal/metrics"
	"whatsgate/internal/models"
	"whatsgate/pkg/whatsapp/types"

	"github.com/sirupsen/logrus"
)

const ackErrorReason = "delivery error reported by chat network"

// Store is the message persistence the tracker needs
type Store interface {
	GetMessageByExternalID(ctx context.Context, externalID string) (*models.Message, error)
	UpdateMessageStatus(ctx context.Context, externalID string, status models.DeliveryStatus, reason *string) (bool, error)
}

// Transition describes the outcome of a status operation. Changed is false when
// the operation was a no-op; From and To are empty for unknown messages.
// Reason is set when the message moved to failed.
type Transition struct {
	ExternalID string
	From       models.DeliveryStatus
	To         models.DeliveryStatus
	Changed    bool
	Reason     string
}

// Tracker applies delivery status changes. Status only moves forward along
// pending, sent, delivered, read; failed is terminal and reachable from any
// non-terminal status. Operations on the same message are serialized.
type Tracker struct {
	store   Store
	logger  *apperrors.Logger
	metrics *metrics.Registry
	locks   *keyedMutex
}

func NewTracker(store Store, logger *logrus.Logger, registry *metrics.Registry) *Tracker {
	if registry == nil {
		registry = metrics.GetRegistry()
	}
	return &Tracker{
		store:   store,
		logger:  apperrors.WrapLogger(logger),
		metrics: registry,
		locks:   newKeyedMutex(),
	}
}

// StatusForAck maps a chat network ack level to a delivery status. The second
// result is false for levels that carry no status change.
func StatusForAck(level types.AckLevel) (models.DeliveryStatus, bool) {
	switch level {
	case types.AckError:
		return models.DeliveryStatusFailed, true
	case types.AckServer:
		return models.DeliveryStatusSent, true
	case types.AckDevice:
		return models.DeliveryStatusDelivered, true
	case types.AckRead, types.AckPlayed:
		return models.DeliveryStatusRead, true
	default:
		return "", false
	}
}

// RecordSent moves a pending message to sent. Any other status is left alone.
func (t *Tracker) RecordSent(ctx context.Context, externalID string) (Transition, error) {
	return t.update(ctx, externalID, func(cur models.DeliveryStatus) (models.DeliveryStatus, *string, bool) {
		if cur != models.DeliveryStatusPending {
			return "", nil, false
		}
		return models.DeliveryStatusSent, nil, true
	})
}

// ApplyAck advances the message to the status the ack level maps to, if that is
// further along than its current status.
func (t *Tracker) ApplyAck(ctx context.Context, externalID string, level types.AckLevel) (Transition, error) {
	target, ok := StatusForAck(level)
	if !ok {
		return Transition{ExternalID: externalID}, nil
	}
	switch target {
	case models.DeliveryStatusFailed:
		return t.MarkFailed(ctx, externalID, ackErrorReason)
	case models.DeliveryStatusSent:
		return t.RecordSent(ctx, externalID)
	}

	return t.update(ctx, externalID, func(cur models.DeliveryStatus) (models.DeliveryStatus, *string, bool) {
		if cur.IsTerminal() || target.Rank() <= cur.Rank() {
			return "", nil, false
		}
		return target, nil, true
	})
}

// MarkFailed forces a message into the failed status
func (t *Tracker) MarkFailed(ctx context.Context, externalID, reason string) (Transition, error) {
	return t.update(ctx, externalID, func(cur models.DeliveryStatus) (models.DeliveryStatus, *string, bool) {
		if cur.IsTerminal() {
			return "", nil, false
		}
		return models.DeliveryStatusFailed, &reason, true
	})
}

func (t *Tracker) update(ctx context.Context, externalID string, next func(models.DeliveryStatus) (models.DeliveryStatus, *string, bool)) (Transition, error) {
	unlock := t.locks.Lock(externalID)
	defer unlock()

	result := Transition{ExternalID: externalID}

	msg, err := t.store.GetMessageByExternalID(ctx, externalID)
	if err != nil {
		return result, apperrors.NewDatabaseError("get message", err)
	}
	if msg == nil {
		t.metrics.IncrementCounter(metrics.StatusUnknownRefs, nil, "Status updates for untracked messages")
		t.logger.LogWarn(apperrors.NewUnknownMessageError(externalID), "Ignoring status update for unknown message")
		return result, nil
	}

	result.From = msg.Status
	result.To = msg.Status

	target, reason, ok := next(msg.Status)
	if !ok {
		return result, nil
	}

	found, err := t.store.UpdateMessageStatus(ctx, externalID, target, reason)
	if err != nil {
		return result, apperrors.NewDatabaseError("update message status", err)
	}
	if !found {
		return result, nil
	}

	result.To = target
	result.Changed = true
	if reason != nil {
		result.Reason = *reason
	}

	t.metrics.IncrementCounter(metrics.StatusTransitions, map[string]string{"to": string(target)}, "Message status transitions")
	t.logger.WithFields(logrus.Fields{
		"message_id": externalID,
		"from":       result.From,
		"to":         result.To,
	}).Debug("Message status updated")

	return result, nil
}
