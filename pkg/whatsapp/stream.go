package whatsapp

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"whatsgate/pkg/constants"
	"whatsgate/pkg/whatsapp/types"

	"github.com/coder/websocket"
)

var streamEvents = []string{
	types.WAHAEventMessage,
	types.WAHAEventMessageAck,
	types.WAHAEventSessionStatus,
}

func (c *Client) websocketURL() (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid base URL: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("unsupported base URL scheme: %s", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + types.EndpointWebsocket

	q := url.Values{}
	q.Set("session", c.session)
	for _, e := range streamEvents {
		q.Add("events", e)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// startStream dials the WAHA websocket and reads frames until stopStream is called
// or the connection drops. A dropped connection is reported as a disconnect; the
// stream is not re-dialed.
func (c *Client) startStream(ctx context.Context) error {
	c.stopStream()

	wsURL, err := c.websocketURL()
	if err != nil {
		return err
	}

	dialCtx, cancelDial := context.WithTimeout(ctx, constants.DefaultWebsocketDialSec*time.Second)
	defer cancelDial()

	header := http.Header{}
	if c.apiKey != "" {
		header.Set("X-Api-Key", c.apiKey)
	}
	conn, _, err := websocket.Dial(dialCtx, wsURL, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return err
	}
	conn.SetReadLimit(constants.DefaultWebsocketReadLimit)

	streamCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	c.mu.Lock()
	c.streamCancel = cancel
	c.streamDone = done
	c.mu.Unlock()

	go c.readStream(streamCtx, conn, done)
	return nil
}

func (c *Client) readStream(ctx context.Context, conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	defer conn.CloseNow()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "")
				return
			}
			c.logger.WithError(err).Warn("WAHA event stream closed")
			_ = c.push(ctx, types.Event{
				Kind:   types.EventDisconnected,
				Reason: fmt.Sprintf("event stream closed: %v", websocket.CloseStatus(err)),
			})
			return
		}

		if err := c.Deliver(ctx, data); err != nil {
			c.logger.WithError(err).Warn("Failed to handle WAHA event")
		}
	}
}

func (c *Client) stopStream() {
	c.mu.Lock()
	cancel, done := c.streamCancel, c.streamDone
	c.streamCancel, c.streamDone = nil, nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}
