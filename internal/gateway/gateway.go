package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"whatsgate/internal/constants"
	apperrors "whatsgate/internal/errors"
	"whatsgate/internal/metrics"
	"whatsgate/internal/models"
	"whatsgate/internal/session"
	"whatsgate/internal/status"
	"whatsgate/internal/tracing"
	"whatsgate/internal/validation"
	"whatsgate/internal/webhook"
	"whatsgate/pkg/whatsapp/types"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
)

// maxEarlyAcks bounds the acks kept for messages whose send has not been recorded yet
const maxEarlyAcks = 1024

// MessageStore is the persistence the gateway needs
type MessageStore interface {
	status.Store
	CreateMessage(ctx context.Context, msg *models.Message) (bool, error)
	ListMessages(ctx context.Context, filter models.MessageFilter) (*models.MessagePage, error)
}

// Dispatcher delivers events to subscribers
type Dispatcher interface {
	Dispatch(ctx context.Context, eventType string, data interface{}) ([]webhook.Result, error)
}

// SendRequest is an outbound message. Body is the text, or the caption when Media is set.
type SendRequest struct {
	To    string
	Body  string
	Media *types.Media
}

type Config struct {
	SendTimeout time.Duration
	// MatchMode is the webhook filter mode. Under exact matching inbound
	// messages are also announced as the generic message event.
	MatchMode webhook.MatchMode
}

// StatusChange is the payload of message status events
type StatusChange struct {
	ExternalID string                `json:"externalId"`
	Status     models.DeliveryStatus `json:"status"`
	Previous   models.DeliveryStatus `json:"previousStatus"`
	Reason     string                `json:"reason,omitempty"`
}

// SessionChange is the payload of session events
type SessionChange struct {
	State       session.State `json:"state"`
	Previous    session.State `json:"previousState"`
	QRChallenge string        `json:"qrChallenge,omitempty"`
	LastError   string        `json:"lastError,omitempty"`
	UpdatedAt   time.Time     `json:"updatedAt"`
}

// Gateway joins the chat client, the session, message persistence, status
// tracking and webhook dispatch. Event handlers are safe to call concurrently
// with Send. Webhook dispatch is asynchronous and never fails the operation that
// triggered it.
type Gateway struct {
	client     types.Client
	session    *session.Manager
	store      MessageStore
	tracker    *status.Tracker
	dispatcher Dispatcher
	logger     *apperrors.Logger
	metrics    *metrics.Registry

	sendTimeout    time.Duration
	genericInbound bool
	now            func() time.Time

	// dispatchMu orders wg.Add against Close
	dispatchMu sync.RWMutex
	closed     bool
	wg         sync.WaitGroup

	sendsInFlight atomic.Int32
	earlyMu       sync.Mutex
	earlyAcks     map[string]types.AckLevel
}

func New(client types.Client, store MessageStore, dispatcher Dispatcher, cfg Config, logger *logrus.Logger, registry *metrics.Registry) *Gateway {
	if registry == nil {
		registry = metrics.GetRegistry()
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = constants.DefaultSendTimeoutSec * time.Second
	}

	g := &Gateway{
		client:         client,
		session:        session.NewManager(client, logger, registry),
		store:          store,
		tracker:        status.NewTracker(store, logger, registry),
		dispatcher:     dispatcher,
		logger:         apperrors.WrapLogger(logger),
		metrics:        registry,
		sendTimeout:    cfg.SendTimeout,
		genericInbound: cfg.MatchMode == webhook.MatchExact,
		now:            time.Now,
		earlyAcks:      make(map[string]types.AckLevel),
	}

	g.session.OnChange(func(prev, next session.Snapshot) {
		g.dispatchAsync(context.Background(), models.SessionEvent(string(next.State)), SessionChange{
			State:       next.State,
			Previous:    prev.State,
			QRChallenge: next.QRChallenge,
			LastError:   next.LastError,
			UpdatedAt:   next.UpdatedAt,
		})
	})
	return g
}

// Session exposes the session manager for connect and disconnect
func (g *Gateway) Session() *session.Manager {
	return g.session
}

func (g *Gateway) SessionState() session.Snapshot {
	return g.session.Current()
}

func (g *Gateway) Connect(ctx context.Context) error {
	return g.session.Connect(ctx)
}

func (g *Gateway) Disconnect(ctx context.Context) error {
	return g.session.Disconnect(ctx)
}

// Messages lists stored messages
func (g *Gateway) Messages(ctx context.Context, filter models.MessageFilter) (*models.MessagePage, error) {
	page, err := g.store.ListMessages(ctx, filter)
	if err != nil {
		return nil, apperrors.NewDatabaseError("list messages", err)
	}
	return page, nil
}

// Run feeds client events into HandleEvent until ctx is done or the channel closes
func (g *Gateway) Run(ctx context.Context) error {
	events := g.client.Events()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-events:
			if !ok {
				return nil
			}
			if err := g.HandleEvent(ctx, evt); err != nil {
				g.logger.LogError(err, "Failed to handle chat client event", logrus.Fields{"event": evt.Kind})
			}
		}
	}
}

// HandleEvent routes one client event
func (g *Gateway) HandleEvent(ctx context.Context, evt types.Event) error {
	switch evt.Kind {
	case types.EventQRChallenge:
		g.session.HandleQRChallenge(evt.QR)
	case types.EventAuthenticated:
		g.session.HandleAuthenticated()
	case types.EventReady:
		g.session.HandleReady()
	case types.EventDisconnected:
		g.session.HandleDisconnected(evt.Reason)
	case types.EventAuthFailure:
		g.session.HandleAuthFailure(evt.Reason)
	case types.EventMessageReceived:
		if evt.Message == nil {
			return apperrors.New(apperrors.ErrCodeInvalidInput, "message event without a message")
		}
		return g.OnMessageReceived(ctx, evt.Message)
	case types.EventDeliveryAck:
		return g.OnAck(ctx, evt.MessageID, evt.Ack)
	default:
		g.logger.WithField("event", evt.Kind).Debug("Ignoring unknown chat client event")
	}
	return nil
}

// OnMessageReceived stores an inbound message and announces it. A message whose
// external id is already stored is ignored.
func (g *Gateway) OnMessageReceived(ctx context.Context, in *types.InboundMessage) error {
	ctx, span := tracing.StartSpan(ctx, "gateway.inbound")
	defer span.End()

	if in.ExternalID == "" {
		return apperrors.NewValidationError("externalId", "", "inbound message has no id")
	}

	createdAt := in.Timestamp
	if createdAt.IsZero() {
		createdAt = g.now()
	}
	msg := &models.Message{
		ExternalID:         in.ExternalID,
		Direction:          models.DirectionInbound,
		CounterpartyNumber: in.From,
		Body:               in.Body,
		MediaRef:           in.MediaRef,
		MediaKind:          models.MediaKindNone,
		Status:             models.DeliveryStatusDelivered,
		CreatedAt:          createdAt,
	}
	if in.MediaRef != nil {
		msg.MediaKind = models.MediaKindFromMime(in.MimeType)
	}

	created, err := g.store.CreateMessage(ctx, msg)
	if err != nil {
		tracing.RecordError(ctx, err)
		return apperrors.NewDatabaseError("save inbound message", err)
	}

	fields := logrus.Fields{"message_id": in.ExternalID, "counterparty": in.From}
	if !created {
		g.logger.WithFields(fields).Debug("Ignoring redelivered inbound message")
		return nil
	}

	g.metrics.IncrementCounter(metrics.MessagesReceived, map[string]string{"media_kind": string(msg.MediaKind)}, "Inbound messages stored")
	g.logger.WithFields(fields).Info("Inbound message received")

	g.dispatchAsync(ctx, models.EventMessageInbound, msg)
	if g.genericInbound {
		g.dispatchAsync(ctx, models.EventMessage, msg)
	}
	return nil
}

// OnAck applies a delivery ack and announces the new status if it changed
func (g *Gateway) OnAck(ctx context.Context, externalID string, level types.AckLevel) error {
	tr, err := g.tracker.ApplyAck(ctx, externalID, level)
	if err != nil {
		return err
	}
	if _, ok := status.StatusForAck(level); !ok || tr.From != "" {
		g.announce(ctx, tr)
		return nil
	}

	// Unknown id. A send may have recorded it since the lookup above, so the
	// ack is parked before the store is checked again and Send replays after
	// it stores. Whichever side runs second applies it.
	if g.sendsInFlight.Load() > 0 {
		g.holdEarlyAck(externalID, level)
	}
	msg, err := g.store.GetMessageByExternalID(ctx, externalID)
	if err != nil {
		return apperrors.NewDatabaseError("get message", err)
	}
	if msg == nil {
		return nil
	}
	g.holdEarlyAck(externalID, level)
	g.replayEarlyAck(ctx, externalID)
	return nil
}

// Send delivers a message through the chat client and records it as sent. Nothing
// is stored when the client rejects the message or the session is not ready.
func (g *Gateway) Send(ctx context.Context, req SendRequest) (*models.Message, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	snap := g.session.Current()
	if snap.State != session.StateReady {
		return nil, apperrors.NewSessionNotReadyError(string(snap.State))
	}

	ctx, span := tracing.StartSpan(ctx, "gateway.send", attribute.Bool("message.has_media", req.Media != nil))
	defer span.End()

	g.sendsInFlight.Add(1)
	defer g.sendsInFlight.Add(-1)

	sendCtx, cancel := context.WithTimeout(ctx, g.sendTimeout)
	defer cancel()

	start := time.Now()
	var res *types.SendResult
	var err error
	if req.Media != nil {
		res, err = g.client.SendMedia(sendCtx, req.To, *req.Media, req.Body)
	} else {
		res, err = g.client.SendText(sendCtx, req.To, req.Body)
	}
	if err == nil && (res == nil || res.MessageID == "") {
		err = errors.New("chat network returned no message id")
	}
	g.metrics.RecordTimer(metrics.SendLatency, time.Since(start), nil, "Chat client send duration")

	if err != nil {
		appErr := apperrors.NewExternalClientError("send", err)
		if errors.Is(sendCtx.Err(), context.DeadlineExceeded) {
			appErr = appErr.WithContext("timeout", g.sendTimeout.String())
		}
		g.metrics.IncrementCounter(metrics.MessagesSendFailed, nil, "Sends rejected by the chat client")
		tracing.RecordError(ctx, appErr)
		g.logger.LogError(appErr, "Failed to send message", logrus.Fields{"counterparty": req.To})
		return nil, appErr
	}

	msg := &models.Message{
		ExternalID:         res.MessageID,
		Direction:          models.DirectionOutbound,
		CounterpartyNumber: types.NumberFromChatID(types.ChatIDFromNumber(req.To)),
		MediaKind:          models.MediaKindNone,
		Status:             models.DeliveryStatusSent,
		CreatedAt:          g.now(),
	}
	if req.Body != "" {
		body := req.Body
		msg.Body = &body
	}
	if req.Media != nil {
		msg.MediaKind = models.MediaKindFromMime(req.Media.MimeType)
		if ref := mediaRef(req.Media); ref != "" {
			msg.MediaRef = &ref
		}
	}
	tracing.AddSpanAttributes(ctx, attribute.String("message.id", msg.ExternalID))

	if _, err := g.store.CreateMessage(ctx, msg); err != nil {
		appErr := apperrors.NewDatabaseError("save outbound message", err).WithContext("message_id", msg.ExternalID)
		tracing.RecordError(ctx, appErr)
		g.logger.LogError(appErr, "Message sent but could not be recorded")
		return nil, appErr
	}

	g.metrics.IncrementCounter(metrics.MessagesSent, map[string]string{"media_kind": string(msg.MediaKind)}, "Outbound messages sent")
	g.logger.WithFields(logrus.Fields{
		"message_id":   msg.ExternalID,
		"counterparty": msg.CounterpartyNumber,
		"media_kind":   msg.MediaKind,
	}).Info("Message sent")

	g.dispatchAsync(ctx, models.EventMessageOutbound, msg)
	g.replayEarlyAck(ctx, msg.ExternalID)
	return msg, nil
}

// Close stops accepting dispatches and waits for the in-flight ones, or for ctx
func (g *Gateway) Close(ctx context.Context) error {
	g.dispatchMu.Lock()
	g.closed = true
	g.dispatchMu.Unlock()

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for webhook dispatches: %w", ctx.Err())
	}
}

func (g *Gateway) announce(ctx context.Context, tr status.Transition) {
	if !tr.Changed {
		return
	}
	g.dispatchAsync(ctx, models.StatusEvent(tr.To), StatusChange{
		ExternalID: tr.ExternalID,
		Status:     tr.To,
		Previous:   tr.From,
		Reason:     tr.Reason,
	})
}

func (g *Gateway) dispatchAsync(ctx context.Context, eventType string, data interface{}) {
	g.dispatchMu.RLock()
	defer g.dispatchMu.RUnlock()
	if g.closed {
		g.logger.WithField("event", eventType).Warn("Gateway closed, dropping webhook event")
		return
	}

	g.wg.Add(1)
	ctx = context.WithoutCancel(ctx)
	go func() {
		defer g.wg.Done()
		results, err := g.dispatcher.Dispatch(ctx, eventType, data)
		if err != nil {
			g.logger.LogError(err, "Failed to dispatch webhook event", logrus.Fields{"event": eventType})
			return
		}
		failed := 0
		for _, r := range results {
			if !r.OK() {
				failed++
			}
		}
		if failed > 0 {
			g.logger.WithFields(logrus.Fields{
				"event":       eventType,
				"subscribers": len(results),
				"failed":      failed,
			}).Warn("Some webhook deliveries failed")
		}
	}()
}

func (g *Gateway) holdEarlyAck(externalID string, level types.AckLevel) {
	g.earlyMu.Lock()
	defer g.earlyMu.Unlock()
	// an error ack is final, otherwise the highest level wins
	if cur, ok := g.earlyAcks[externalID]; ok && (cur == types.AckError || (level != types.AckError && cur >= level)) {
		return
	}
	if len(g.earlyAcks) >= maxEarlyAcks {
		for k := range g.earlyAcks {
			delete(g.earlyAcks, k)
			break
		}
	}
	g.earlyAcks[externalID] = level
}

func (g *Gateway) replayEarlyAck(ctx context.Context, externalID string) {
	g.earlyMu.Lock()
	level, ok := g.earlyAcks[externalID]
	delete(g.earlyAcks, externalID)
	g.earlyMu.Unlock()
	if !ok {
		return
	}

	tr, err := g.tracker.ApplyAck(ctx, externalID, level)
	if err != nil {
		g.logger.LogError(err, "Failed to apply early ack", logrus.Fields{"message_id": externalID})
		return
	}
	g.announce(ctx, tr)
}

func (r SendRequest) validate() error {
	if err := validation.ValidateRecipient(r.To); err != nil {
		return err
	}
	if err := validation.ValidateText("body", r.Body); err != nil {
		return err
	}
	if r.Media == nil && strings.TrimSpace(r.Body) == "" {
		return apperrors.NewValidationError("body", "", "message body or media is required")
	}
	if r.Media != nil && r.Media.URL == "" && len(r.Media.Data) == 0 {
		return apperrors.NewValidationError("media", "", "media requires a url or data")
	}
	return nil
}

func mediaRef(m *types.Media) string {
	if m.URL != "" {
		return m.URL
	}
	return m.Filename
}
