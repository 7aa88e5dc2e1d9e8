package gateway

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"whatsgate/internal/database"
	apperrors "whatsgate/internal/errors"
	"whatsgate/internal/metrics"
	"whatsgate/internal/models"
	"whatsgate/internal/session"
	"whatsgate/internal/webhook"
	"whatsgate/pkg/whatsapp/types"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClient struct {
	mu      sync.Mutex
	events  chan types.Event
	sent    []string
	nextID  string
	sendErr error
	block   bool
	onSend  func(id string)
	media   []types.Media
	// onConnect is queued by Connect, like a session that is already running
	onConnect []types.Event
}

func newFakeClient() *fakeClient {
	return &fakeClient{events: make(chan types.Event, 16), nextID: "ABC123"}
}

func (f *fakeClient) Connect(context.Context) error {
	for _, evt := range f.onConnect {
		f.events <- evt
	}
	return nil
}

func (f *fakeClient) Close(context.Context) error { return nil }

func (f *fakeClient) Events() <-chan types.Event { return f.events }

func (f *fakeClient) SendText(ctx context.Context, to, body string) (*types.SendResult, error) {
	return f.send(ctx, to)
}

func (f *fakeClient) SendMedia(ctx context.Context, to string, media types.Media, caption string) (*types.SendResult, error) {
	f.mu.Lock()
	f.media = append(f.media, media)
	f.mu.Unlock()
	return f.send(ctx, to)
}

func (f *fakeClient) send(ctx context.Context, to string) (*types.SendResult, error) {
	f.mu.Lock()
	f.sent = append(f.sent, to)
	id, err, block, hook := f.nextID, f.sendErr, f.block, f.onSend
	f.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	if hook != nil {
		hook(id)
	}
	return &types.SendResult{MessageID: id}, nil
}

func (f *fakeClient) sendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type dispatched struct {
	event string
	data  interface{}
}

type recordingDispatcher struct {
	mu      sync.Mutex
	events  []dispatched
	release chan struct{}
}

func (d *recordingDispatcher) Dispatch(ctx context.Context, eventType string, data interface{}) ([]webhook.Result, error) {
	if d.release != nil {
		<-d.release
	}
	d.mu.Lock()
	d.events = append(d.events, dispatched{event: eventType, data: data})
	d.mu.Unlock()
	return nil, nil
}

func (d *recordingDispatcher) names() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	names := make([]string, 0, len(d.events))
	for _, e := range d.events {
		names = append(names, e.event)
	}
	return names
}

func (d *recordingDispatcher) find(event string) []interface{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []interface{}
	for _, e := range d.events {
		if e.event == event {
			out = append(out, e.data)
		}
	}
	return out
}

func (d *recordingDispatcher) reset() {
	d.mu.Lock()
	d.events = nil
	d.mu.Unlock()
}

type harness struct {
	gw         *Gateway
	client     *fakeClient
	dispatcher *recordingDispatcher
	db         *database.Database
	metrics    *metrics.Registry
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	db, err := database.New(models.DatabaseConfig{Path: filepath.Join(t.TempDir(), "gateway.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	h := &harness{
		client:     newFakeClient(),
		dispatcher: &recordingDispatcher{},
		db:         db,
		metrics:    metrics.NewRegistry(),
	}
	h.gw = New(h.client, db, h.dispatcher, cfg, logger, h.metrics)
	return h
}

// settle waits for every asynchronous dispatch started so far
func (h *harness) settle(t *testing.T) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		h.gw.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("dispatches did not settle")
	}
}

func (h *harness) ready(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, h.gw.Connect(ctx))
	require.NoError(t, h.gw.HandleEvent(ctx, types.Event{Kind: types.EventQRChallenge, QR: "2@qr"}))
	require.NoError(t, h.gw.HandleEvent(ctx, types.Event{Kind: types.EventAuthenticated}))
	require.NoError(t, h.gw.HandleEvent(ctx, types.Event{Kind: types.EventReady}))
	require.Equal(t, session.StateReady, h.gw.SessionState().State)
	h.settle(t)
}

func (h *harness) status(t *testing.T, id string) models.DeliveryStatus {
	t.Helper()
	msg, err := h.db.GetMessageByExternalID(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, msg)
	return msg.Status
}

func TestSessionEventsAreDispatched(t *testing.T) {
	h := newHarness(t, Config{})
	h.ready(t)

	assert.ElementsMatch(t, []string{
		"session:initializing",
		"session:awaiting_scan",
		"session:authenticated",
		"session:ready",
	}, h.dispatcher.names())

	scans := h.dispatcher.find("session:awaiting_scan")
	require.Len(t, scans, 1)
	change := scans[0].(SessionChange)
	assert.Equal(t, "2@qr", change.QRChallenge)
	assert.Equal(t, session.StateInitializing, change.Previous)
}

func TestSend_RequiresReadySession(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	_, err := h.gw.Send(ctx, SendRequest{To: "+15551234567", Body: "hi"})
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeSessionNotReady))

	require.NoError(t, h.gw.Connect(ctx))
	require.NoError(t, h.gw.HandleEvent(ctx, types.Event{Kind: types.EventQRChallenge, QR: "2@qr"}))
	require.Equal(t, session.StateAwaitingScan, h.gw.SessionState().State)

	_, err = h.gw.Send(ctx, SendRequest{To: "+15551234567", Body: "hi"})
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeSessionNotReady))
	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, string(session.StateAwaitingScan), appErr.Context["state"])
	assert.Zero(t, h.client.sendCount())

	page, err := h.gw.Messages(context.Background(), models.MessageFilter{})
	require.NoError(t, err)
	assert.Zero(t, page.Total)
}

func TestSend_Validation(t *testing.T) {
	h := newHarness(t, Config{})
	h.ready(t)

	for _, req := range []SendRequest{
		{Body: "no recipient"},
		{To: "+15551234567"},
		{To: "+15551234567", Media: &types.Media{MimeType: "image/png"}},
		{To: "+1555", Body: "too short"},
		{To: "call me", Body: "hi"},
	} {
		_, err := h.gw.Send(context.Background(), req)
		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeValidationFailed), "%+v", req)
	}
	assert.Zero(t, h.client.sendCount())
}

func TestSendAndAckLifecycle(t *testing.T) {
	h := newHarness(t, Config{})
	h.ready(t)
	h.dispatcher.reset()
	ctx := context.Background()

	msg, err := h.gw.Send(ctx, SendRequest{To: "15551234567", Body: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "ABC123", msg.ExternalID)
	assert.Equal(t, models.DeliveryStatusSent, msg.Status)
	assert.Equal(t, models.DirectionOutbound, msg.Direction)
	assert.Equal(t, "+15551234567", msg.CounterpartyNumber)
	assert.Equal(t, models.DeliveryStatusSent, h.status(t, "ABC123"))

	require.NoError(t, h.gw.OnAck(ctx, "ABC123", types.AckDevice))
	require.NoError(t, h.gw.OnAck(ctx, "ABC123", types.AckRead))
	require.NoError(t, h.gw.OnAck(ctx, "ABC123", types.AckDevice))
	h.settle(t)

	assert.Equal(t, models.DeliveryStatusRead, h.status(t, "ABC123"))
	assert.ElementsMatch(t, []string{"message:outbound", "message:delivered", "message:read"}, h.dispatcher.names())

	reads := h.dispatcher.find("message:read")
	require.Len(t, reads, 1)
	assert.Equal(t, StatusChange{ExternalID: "ABC123", Status: models.DeliveryStatusRead, Previous: models.DeliveryStatusDelivered}, reads[0])

	assert.Equal(t, 1.0, h.metrics.CounterValue(metrics.MessagesSent, map[string]string{"media_kind": ""}))
}

func TestOutOfOrderAcks(t *testing.T) {
	h := newHarness(t, Config{})
	h.ready(t)
	h.dispatcher.reset()
	ctx := context.Background()

	_, err := h.gw.Send(ctx, SendRequest{To: "+15551234567", Body: "hi"})
	require.NoError(t, err)

	require.NoError(t, h.gw.OnAck(ctx, "ABC123", types.AckRead))
	require.NoError(t, h.gw.OnAck(ctx, "ABC123", types.AckDevice))
	h.settle(t)

	assert.Equal(t, models.DeliveryStatusRead, h.status(t, "ABC123"))
	assert.ElementsMatch(t, []string{"message:outbound", "message:read"}, h.dispatcher.names())
}

func TestServerAckIsIdempotent(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	body := "queued"
	_, err := h.db.CreateMessage(ctx, &models.Message{
		ExternalID:         "pending-1",
		Direction:          models.DirectionOutbound,
		CounterpartyNumber: "15551234567",
		Body:               &body,
		MediaKind:          models.MediaKindNone,
		Status:             models.DeliveryStatusPending,
		CreatedAt:          time.Now(),
	})
	require.NoError(t, err)

	require.NoError(t, h.gw.OnAck(ctx, "pending-1", types.AckServer))
	require.NoError(t, h.gw.OnAck(ctx, "pending-1", types.AckServer))
	h.settle(t)

	assert.Equal(t, models.DeliveryStatusSent, h.status(t, "pending-1"))
	assert.Equal(t, []string{"message:sent"}, h.dispatcher.names())
}

func TestErrorAckFailsMessage(t *testing.T) {
	h := newHarness(t, Config{})
	h.ready(t)
	h.dispatcher.reset()
	ctx := context.Background()

	_, err := h.gw.Send(ctx, SendRequest{To: "+15551234567", Body: "hi"})
	require.NoError(t, err)
	require.NoError(t, h.gw.HandleEvent(ctx, types.Event{Kind: types.EventDeliveryAck, MessageID: "ABC123", Ack: types.AckError}))
	require.NoError(t, h.gw.OnAck(ctx, "ABC123", types.AckRead))
	h.settle(t)

	assert.Equal(t, models.DeliveryStatusFailed, h.status(t, "ABC123"))
	failed := h.dispatcher.find("message:failed")
	require.Len(t, failed, 1)
	assert.NotEmpty(t, failed[0].(StatusChange).Reason)
	assert.Empty(t, h.dispatcher.find("message:read"))
}

func TestAckForUnknownMessage(t *testing.T) {
	h := newHarness(t, Config{})
	assert.NoError(t, h.gw.OnAck(context.Background(), "ghost", types.AckRead))
	h.settle(t)
	assert.Empty(t, h.dispatcher.names())
}

func TestSend_ClientFailureStoresNothing(t *testing.T) {
	h := newHarness(t, Config{})
	h.ready(t)
	h.dispatcher.reset()
	h.client.sendErr = errors.New("recipient not on network")

	_, err := h.gw.Send(context.Background(), SendRequest{To: "+15551234567", Body: "hi"})
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeExternalClientFailure))

	page, err := h.gw.Messages(context.Background(), models.MessageFilter{})
	require.NoError(t, err)
	assert.Zero(t, page.Total)
	h.settle(t)
	assert.Empty(t, h.dispatcher.names())
	assert.Equal(t, 1.0, h.metrics.CounterValue(metrics.MessagesSendFailed, nil))
}

func TestSend_Timeout(t *testing.T) {
	h := newHarness(t, Config{SendTimeout: 50 * time.Millisecond})
	h.ready(t)
	h.client.block = true

	start := time.Now()
	_, err := h.gw.Send(context.Background(), SendRequest{To: "+15551234567", Body: "hi"})
	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)

	appErr, ok := apperrors.As(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.ErrCodeExternalClientFailure, appErr.Code)
	assert.Equal(t, "50ms", appErr.Context["timeout"])
}

func TestSend_Media(t *testing.T) {
	h := newHarness(t, Config{})
	h.ready(t)

	msg, err := h.gw.Send(context.Background(), SendRequest{
		To:    "+15551234567",
		Body:  "invoice",
		Media: &types.Media{URL: "https://files.example/invoice.pdf", MimeType: "application/pdf"},
	})
	require.NoError(t, err)
	assert.Equal(t, models.MediaKindDocument, msg.MediaKind)
	require.NotNil(t, msg.MediaRef)
	assert.Equal(t, "https://files.example/invoice.pdf", *msg.MediaRef)
	assert.Len(t, h.client.media, 1)
}

func TestEarlyAckIsReplayedAfterSend(t *testing.T) {
	h := newHarness(t, Config{})
	h.ready(t)
	h.dispatcher.reset()
	ctx := context.Background()

	h.client.onSend = func(id string) {
		require.NoError(t, h.gw.OnAck(ctx, id, types.AckDevice))
	}

	_, err := h.gw.Send(ctx, SendRequest{To: "+15551234567", Body: "hi"})
	require.NoError(t, err)
	h.settle(t)

	assert.Equal(t, models.DeliveryStatusDelivered, h.status(t, "ABC123"))
	assert.ElementsMatch(t, []string{"message:outbound", "message:delivered"}, h.dispatcher.names())
	assert.Empty(t, h.gw.earlyAcks)
}

// pausingStore blocks the first lookup of id that finds nothing until release is closed
type pausingStore struct {
	MessageStore
	id      string
	paused  chan struct{}
	release chan struct{}
	once    sync.Once
}

func (s *pausingStore) GetMessageByExternalID(ctx context.Context, id string) (*models.Message, error) {
	msg, err := s.MessageStore.GetMessageByExternalID(ctx, id)
	if id == s.id && msg == nil {
		first := false
		s.once.Do(func() { first = true })
		if first {
			close(s.paused)
			<-s.release
		}
	}
	return msg, err
}

func TestAckRacingSendIsNotLost(t *testing.T) {
	h := newHarness(t, Config{})
	store := &pausingStore{MessageStore: h.db, id: "A", paused: make(chan struct{}), release: make(chan struct{})}
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	h.gw = New(h.client, store, h.dispatcher, Config{}, logger, h.metrics)
	h.ready(t)
	h.dispatcher.reset()
	ctx := context.Background()

	// another send stays in flight for the whole test
	h.gw.sendsInFlight.Add(1)
	defer h.gw.sendsInFlight.Add(-1)
	h.client.nextID = "A"

	ackDone := make(chan error, 1)
	go func() { ackDone <- h.gw.OnAck(ctx, "A", types.AckRead) }()
	<-store.paused

	_, err := h.gw.Send(ctx, SendRequest{To: "+15551234567", Body: "hi"})
	require.NoError(t, err)

	close(store.release)
	require.NoError(t, <-ackDone)
	h.settle(t)

	assert.Equal(t, models.DeliveryStatusRead, h.status(t, "A"))
	assert.Empty(t, h.gw.earlyAcks)
	assert.ElementsMatch(t, []string{"message:outbound", "message:read"}, h.dispatcher.names())
}

func TestAckAfterSendFinishedIsApplied(t *testing.T) {
	h := newHarness(t, Config{})
	store := &pausingStore{MessageStore: h.db, id: "ABC123", paused: make(chan struct{}), release: make(chan struct{})}
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	h.gw = New(h.client, store, h.dispatcher, Config{}, logger, h.metrics)
	h.ready(t)
	ctx := context.Background()

	ackDone := make(chan error, 1)
	go func() { ackDone <- h.gw.OnAck(ctx, "ABC123", types.AckDevice) }()
	<-store.paused

	_, err := h.gw.Send(ctx, SendRequest{To: "+15551234567", Body: "hi"})
	require.NoError(t, err)
	close(store.release)
	require.NoError(t, <-ackDone)
	h.settle(t)

	assert.Equal(t, models.DeliveryStatusDelivered, h.status(t, "ABC123"))
	assert.Empty(t, h.gw.earlyAcks)
}

func TestHoldEarlyAck_KeepsWinningLevel(t *testing.T) {
	h := newHarness(t, Config{})
	h.gw.holdEarlyAck("x", types.AckRead)
	h.gw.holdEarlyAck("x", types.AckDevice)
	assert.Equal(t, types.AckRead, h.gw.earlyAcks["x"])

	h.gw.holdEarlyAck("x", types.AckError)
	h.gw.holdEarlyAck("x", types.AckPlayed)
	assert.Equal(t, types.AckError, h.gw.earlyAcks["x"])
}

func TestInboundMessage(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	body := "hello"
	ref := "https://waha.example/files/1.jpg"
	in := &types.InboundMessage{
		ExternalID: "in-1",
		From:       "+15557654321",
		Body:       &body,
		MediaRef:   &ref,
		MimeType:   "image/jpeg",
		Timestamp:  time.Unix(1700000000, 0),
	}

	require.NoError(t, h.gw.HandleEvent(ctx, types.Event{Kind: types.EventMessageReceived, Message: in}))
	require.NoError(t, h.gw.OnMessageReceived(ctx, in))
	h.settle(t)

	assert.Equal(t, []string{"message:inbound"}, h.dispatcher.names())
	stored, err := h.db.GetMessageByExternalID(ctx, "in-1")
	require.NoError(t, err)
	assert.Equal(t, models.DeliveryStatusDelivered, stored.Status)
	assert.Equal(t, models.DirectionInbound, stored.Direction)
	assert.Equal(t, models.MediaKindImage, stored.MediaKind)
	assert.Equal(t, 1.0, h.metrics.CounterValue(metrics.MessagesReceived, map[string]string{"media_kind": "image"}))

	assert.Error(t, h.gw.HandleEvent(ctx, types.Event{Kind: types.EventMessageReceived}))
	assert.Error(t, h.gw.OnMessageReceived(ctx, &types.InboundMessage{}))
}

func TestInboundMessage_ExactModeAlsoAnnouncesGenericEvent(t *testing.T) {
	h := newHarness(t, Config{MatchMode: webhook.MatchExact})
	ctx := context.Background()
	body := "hello"

	require.NoError(t, h.gw.OnMessageReceived(ctx, &types.InboundMessage{ExternalID: "in-2", From: "+15557654321", Body: &body}))
	h.settle(t)

	assert.ElementsMatch(t, []string{"message:inbound", "message"}, h.dispatcher.names())
	generic := h.dispatcher.find("message")
	require.Len(t, generic, 1)
	assert.Equal(t, "in-2", generic[0].(*models.Message).ExternalID)
}

func TestDisconnectAndAuthFailure(t *testing.T) {
	h := newHarness(t, Config{})
	h.ready(t)
	ctx := context.Background()

	require.NoError(t, h.gw.HandleEvent(ctx, types.Event{Kind: types.EventDisconnected, Reason: "phone offline"}))
	snap := h.gw.SessionState()
	assert.Equal(t, session.StateDisconnected, snap.State)
	assert.Equal(t, "phone offline", snap.LastError)

	_, err := h.gw.Send(ctx, SendRequest{To: "+15551234567", Body: "hi"})
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeSessionNotReady))

	require.NoError(t, h.gw.Connect(ctx))
	require.NoError(t, h.gw.HandleEvent(ctx, types.Event{Kind: types.EventAuthFailure, Reason: "bad pairing"}))
	assert.Contains(t, h.gw.SessionState().LastError, "bad pairing")
	require.NoError(t, h.gw.Disconnect(ctx))
}

func TestRunConsumesEvents(t *testing.T) {
	h := newHarness(t, Config{})
	require.NoError(t, h.gw.Connect(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.gw.Run(ctx) }()

	h.client.events <- types.Event{Kind: types.EventReady}
	require.Eventually(t, func() bool {
		return h.gw.SessionState().State == session.StateReady
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestConnectToRunningSessionBecomesReady(t *testing.T) {
	h := newHarness(t, Config{})
	h.client.onConnect = []types.Event{{Kind: types.EventAuthenticated}, {Kind: types.EventReady}}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = h.gw.Run(ctx) }()

	require.NoError(t, h.gw.Connect(ctx))
	require.Eventually(t, func() bool {
		return h.gw.SessionState().State == session.StateReady
	}, 2*time.Second, 5*time.Millisecond)

	_, err := h.gw.Send(ctx, SendRequest{To: "+15551234567", Body: "hi"})
	require.NoError(t, err)
}

func TestCloseWaitsForDispatches(t *testing.T) {
	h := newHarness(t, Config{})
	h.dispatcher.release = make(chan struct{})

	require.NoError(t, h.gw.Connect(context.Background()))

	short, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Error(t, h.gw.Close(short))

	close(h.dispatcher.release)
	require.NoError(t, h.gw.Close(context.Background()))
	assert.Equal(t, []string{"session:initializing"}, h.dispatcher.names())

	require.NoError(t, h.gw.HandleEvent(context.Background(), types.Event{Kind: types.EventReady}))
	require.NoError(t, h.gw.Close(context.Background()))
	assert.Equal(t, []string{"session:initializing"}, h.dispatcher.names())
}
