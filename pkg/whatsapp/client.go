package whatsapp

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"whatsgate/pkg/circuitbreaker"
	"whatsgate/pkg/constants"
	"whatsgate/pkg/whatsapp/types"

	"github.com/sirupsen/logrus"
)

// Client talks to a WAHA server. It implements types.Client.
type Client struct {
	baseURL string
	apiKey  string
	session string
	useWS   bool

	http    *http.Client
	breaker *circuitbreaker.CircuitBreaker
	logger  *logrus.Logger
	events  chan types.Event

	mu           sync.Mutex
	streamCancel context.CancelFunc
	streamDone   chan struct{}
}

var _ types.Client = (*Client)(nil)

// StatusError is a non-2xx answer from WAHA
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("WAHA request failed with status %d", e.StatusCode)
	}
	return fmt.Sprintf("WAHA request failed with status %d: %s", e.StatusCode, e.Message)
}

func NewClient(cfg types.ClientConfig, logger *logrus.Logger) *Client {
	if logger == nil {
		logger = logrus.New()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = time.Duration(constants.DefaultWhatsAppTimeoutMs) * time.Millisecond
	}
	session := cfg.SessionName
	if session == "" {
		session = constants.DefaultWhatsAppSessionName
	}

	breaker := circuitbreaker.NewWithLogger("waha", 5, 30*time.Second, logger).
		WithFailureClassifier(isServerFailure)

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		session: session,
		useWS:   cfg.UseWebsocket,
		http:    &http.Client{Timeout: timeout},
		breaker: breaker,
		logger:  logger,
		events:  make(chan types.Event, constants.DefaultEventBufferSize),
	}
}

// only transport errors and 5xx answers count against the breaker
func isServerFailure(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode >= 500
	}
	return true
}

func (c *Client) Events() <-chan types.Event {
	return c.events
}

func (c *Client) SessionName() string {
	return c.session
}

// Connect starts the WAHA session and, in websocket mode, opens the event stream
func (c *Client) Connect(ctx context.Context) error {
	path := fmt.Sprintf("%s%s/%s/start", types.APIBase, types.EndpointSessions, url.PathEscape(c.session))
	if err := c.doJSON(ctx, http.MethodPost, path, nil, nil); err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}

	if c.useWS {
		if err := c.startStream(ctx); err != nil {
			return fmt.Errorf("failed to open event stream: %w", err)
		}
	}

	// A session that was already running, or changed status before the
	// stream opened, announces nothing new.
	status, err := c.SessionStatus(ctx)
	if err != nil {
		c.logger.WithError(err).Warn("Could not read session status after start")
		return nil
	}
	for _, evt := range sessionEvents(status) {
		if err := c.emit(ctx, evt); err != nil {
			return err
		}
	}
	return nil
}

// SessionStatus returns the WAHA status of the session, e.g. WORKING
func (c *Client) SessionStatus(ctx context.Context) (string, error) {
	var info types.WAHASessionInfo
	path := fmt.Sprintf("%s%s/%s", types.APIBase, types.EndpointSessions, url.PathEscape(c.session))
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &info); err != nil {
		return "", fmt.Errorf("failed to get session: %w", err)
	}
	return info.Status, nil
}

// Close stops the event stream and the WAHA session. The events channel stays open
// so the client can be connected again.
func (c *Client) Close(ctx context.Context) error {
	c.stopStream()

	path := fmt.Sprintf("%s%s/%s/stop", types.APIBase, types.EndpointSessions, url.PathEscape(c.session))
	if err := c.doJSON(ctx, http.MethodPost, path, nil, nil); err != nil {
		return fmt.Errorf("failed to stop session: %w", err)
	}
	return nil
}

func (c *Client) SendText(ctx context.Context, to, body string) (*types.SendResult, error) {
	req := types.SendTextRequest{
		ChatID:  types.ChatIDFromNumber(to),
		Text:    body,
		Session: c.session,
	}
	return c.send(ctx, types.APIBase+types.EndpointSendText, req)
}

func (c *Client) SendMedia(ctx context.Context, to string, media types.Media, caption string) (*types.SendResult, error) {
	if media.URL == "" && len(media.Data) == 0 {
		return nil, fmt.Errorf("media requires a url or data")
	}

	file := types.FileData{
		Mimetype: media.MimeType,
		Filename: media.Filename,
		URL:      media.URL,
	}
	if media.URL == "" {
		file.Data = base64.StdEncoding.EncodeToString(media.Data)
	}

	req := types.MediaMessageRequest{
		ChatID:  types.ChatIDFromNumber(to),
		File:    file,
		Caption: caption,
		Session: c.session,
	}
	return c.send(ctx, types.APIBase+endpointForMedia(media.MimeType), req)
}

func endpointForMedia(mimeType string) string {
	mimeType = strings.ToLower(mimeType)
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return types.EndpointSendImage
	case strings.HasPrefix(mimeType, "video/"):
		return types.EndpointSendVideo
	case strings.HasPrefix(mimeType, "audio/ogg"), strings.HasPrefix(mimeType, "audio/opus"):
		return types.EndpointSendVoice
	default:
		return types.EndpointSendFile
	}
}

func (c *Client) send(ctx context.Context, path string, payload interface{}) (*types.SendResult, error) {
	var resp types.WAHAMessageResponse
	if err := c.doJSON(ctx, http.MethodPost, path, payload, &resp); err != nil {
		return nil, err
	}

	id := resp.MessageID()
	if id == "" {
		return nil, fmt.Errorf("WAHA response did not contain a message id")
	}
	return &types.SendResult{MessageID: id}, nil
}

// FetchQR returns the raw QR challenge of the session
func (c *Client) FetchQR(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, constants.DefaultQRFetchTimeoutSec*time.Second)
	defer cancel()

	var resp types.WAHAQRResponse
	path := fmt.Sprintf("%s/%s%s?format=raw", types.APIBase, url.PathEscape(c.session), types.EndpointAuthQR)
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return "", fmt.Errorf("failed to fetch QR code: %w", err)
	}
	if resp.Value != "" {
		return resp.Value, nil
	}
	return resp.Data, nil
}

// Deliver translates one raw WAHA event and queues the result on the events channel.
// It serves both the websocket stream and the HTTP webhook receiver.
func (c *Client) Deliver(ctx context.Context, raw []byte) error {
	evts, session, err := ParseEvent(raw)
	if err != nil {
		return err
	}
	if session != "" && session != c.session {
		c.logger.WithField("session", session).Debug("Ignoring event for another session")
		return nil
	}

	for _, evt := range evts {
		if err := c.emit(ctx, evt); err != nil {
			return err
		}
	}
	return nil
}

// emit fills in the QR challenge when WAHA only announced one, then queues evt
func (c *Client) emit(ctx context.Context, evt types.Event) error {
	if evt.Kind == types.EventQRChallenge && evt.QR == "" {
		qr, err := c.FetchQR(ctx)
		if err != nil {
			c.logger.WithError(err).Warn("QR challenge announced but could not be fetched")
		}
		evt.QR = qr
	}
	return c.push(ctx, evt)
}

func (c *Client) push(ctx context.Context, evt types.Event) error {
	select {
	case c.events <- evt:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) doJSON(ctx context.Context, method, path string, payload, out interface{}) error {
	return c.breaker.Execute(ctx, func(ctx context.Context) error {
		var body io.Reader
		if payload != nil {
			data, err := json.Marshal(payload)
			if err != nil {
				return fmt.Errorf("failed to marshal payload: %w", err)
			}
			body = bytes.NewReader(data)
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		req.Header.Set("Accept", "application/json")
		if c.apiKey != "" {
			req.Header.Set("X-Api-Key", c.apiKey)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("failed to send request: %w", err)
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return fmt.Errorf("failed to read response: %w", err)
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			var apiErr types.WAHAErrorResponse
			msg := strings.TrimSpace(string(respBody))
			if json.Unmarshal(respBody, &apiErr) == nil {
				if apiErr.Message != "" {
					msg = apiErr.Message
				} else if apiErr.Error != "" {
					msg = apiErr.Error
				}
			}
			return &StatusError{StatusCode: resp.StatusCode, Message: msg}
		}

		if out != nil && len(respBody) > 0 {
			if err := json.Unmarshal(respBody, out); err != nil {
				return fmt.Errorf("failed to decode response: %w", err)
			}
		}
		return nil
	})
}
