package whatsapp

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"whatsgate/pkg/whatsapp/types"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedRequest struct {
	Method string
	Path   string
	Query  string
	APIKey string
	Body   map[string]interface{}
}

type fakeWAHA struct {
	mu       sync.Mutex
	requests []recordedRequest
	handler  func(w http.ResponseWriter, r *http.Request)
}

func (f *fakeWAHA) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rec := recordedRequest{Method: r.Method, Path: r.URL.Path, Query: r.URL.RawQuery, APIKey: r.Header.Get("X-Api-Key")}
	if data, _ := io.ReadAll(r.Body); len(data) > 0 {
		_ = json.Unmarshal(data, &rec.Body)
	}
	f.mu.Lock()
	f.requests = append(f.requests, rec)
	f.mu.Unlock()

	if f.handler != nil {
		f.handler(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"id":"true_15551234567@c.us_MSG1"}`))
}

func (f *fakeWAHA) last() recordedRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func setupTestClient(t *testing.T, handler func(w http.ResponseWriter, r *http.Request)) (*Client, *fakeWAHA) {
	t.Helper()
	fake := &fakeWAHA{handler: handler}
	server := httptest.NewServer(fake)
	t.Cleanup(server.Close)

	client := NewClient(types.ClientConfig{
		BaseURL:     server.URL,
		APIKey:      "test-key",
		SessionName: "default",
		Timeout:     2 * time.Second,
	}, quietLogger())
	return client, fake
}

func TestClient_Connect(t *testing.T) {
	client, fake := setupTestClient(t, nil)

	require.NoError(t, client.Connect(context.Background()))
	fake.mu.Lock()
	reqs := append([]recordedRequest(nil), fake.requests...)
	fake.mu.Unlock()
	require.Len(t, reqs, 2)
	assert.Equal(t, http.MethodPost, reqs[0].Method)
	assert.Equal(t, "/api/sessions/default/start", reqs[0].Path)
	assert.Equal(t, "test-key", reqs[0].APIKey)
	assert.Equal(t, http.MethodGet, reqs[1].Method)
	assert.Equal(t, "/api/sessions/default", reqs[1].Path)
	assert.Len(t, client.Events(), 0)
}

func TestClient_Connect_ReportsCurrentStatus(t *testing.T) {
	tests := []struct {
		name   string
		status string
		want   []types.EventKind
		qr     string
	}{
		{"already working", "WORKING", []types.EventKind{types.EventAuthenticated, types.EventReady}, ""},
		{"waiting for scan", "SCAN_QR_CODE", []types.EventKind{types.EventQRChallenge}, "2@QRDATA"},
		{"still starting", "STARTING", nil, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, _ := setupTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				switch r.URL.Path {
				case "/api/sessions/default/start":
					w.WriteHeader(http.StatusCreated)
				case "/api/sessions/default":
					_, _ = w.Write([]byte(`{"name":"default","status":"` + tt.status + `"}`))
				case "/api/default/auth/qr":
					_, _ = w.Write([]byte(`{"value":"2@QRDATA"}`))
				default:
					w.WriteHeader(http.StatusNotFound)
				}
			})

			require.NoError(t, client.Connect(context.Background()))
			require.Len(t, client.Events(), len(tt.want))
			for _, kind := range tt.want {
				evt := <-client.Events()
				assert.Equal(t, kind, evt.Kind)
				if kind == types.EventQRChallenge {
					assert.Equal(t, tt.qr, evt.QR)
				}
			}
		})
	}
}

func TestClient_Connect_StatusLookupFailureIsNotFatal(t *testing.T) {
	client, _ := setupTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusCreated)
	})

	require.NoError(t, client.Connect(context.Background()))
	assert.Len(t, client.Events(), 0)
}

func TestClient_Close(t *testing.T) {
	client, fake := setupTestClient(t, nil)

	require.NoError(t, client.Close(context.Background()))
	assert.Equal(t, "/api/sessions/default/stop", fake.last().Path)
}

func TestClient_SendText(t *testing.T) {
	client, fake := setupTestClient(t, nil)

	result, err := client.SendText(context.Background(), "+1 555 123 4567", "hello")
	require.NoError(t, err)
	assert.Equal(t, "true_15551234567@c.us_MSG1", result.MessageID)

	req := fake.last()
	assert.Equal(t, "/api/sendText", req.Path)
	assert.Equal(t, "15551234567@c.us", req.Body["chatId"])
	assert.Equal(t, "hello", req.Body["text"])
	assert.Equal(t, "default", req.Body["session"])
}

func TestClient_SendText_MissingID(t *testing.T) {
	client, _ := setupTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	})

	_, err := client.SendText(context.Background(), "15551234567", "hello")
	assert.Error(t, err)
}

func TestClient_SendMedia_Endpoints(t *testing.T) {
	tests := []struct {
		mime string
		path string
	}{
		{"image/jpeg", "/api/sendImage"},
		{"video/mp4", "/api/sendVideo"},
		{"audio/ogg; codecs=opus", "/api/sendVoice"},
		{"application/pdf", "/api/sendFile"},
		{"", "/api/sendFile"},
	}

	for _, tt := range tests {
		t.Run(tt.path+tt.mime, func(t *testing.T) {
			client, fake := setupTestClient(t, nil)
			_, err := client.SendMedia(context.Background(), "15551234567", types.Media{
				URL:      "https://cdn.example.com/file",
				MimeType: tt.mime,
			}, "caption")
			require.NoError(t, err)

			req := fake.last()
			assert.Equal(t, tt.path, req.Path)
			assert.Equal(t, "caption", req.Body["caption"])
			file := req.Body["file"].(map[string]interface{})
			assert.Equal(t, "https://cdn.example.com/file", file["url"])
		})
	}
}

func TestClient_SendMedia_InlineData(t *testing.T) {
	client, fake := setupTestClient(t, nil)

	_, err := client.SendMedia(context.Background(), "15551234567", types.Media{
		Data:     []byte("%PDF"),
		MimeType: "application/pdf",
		Filename: "doc.pdf",
	}, "")
	require.NoError(t, err)

	file := fake.last().Body["file"].(map[string]interface{})
	assert.Equal(t, "JVBERg==", file["data"])
	assert.Equal(t, "doc.pdf", file["filename"])

	_, err = client.SendMedia(context.Background(), "15551234567", types.Media{}, "")
	assert.Error(t, err)
}

func TestClient_ErrorResponses(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusBadRequest)
	client, _ := setupTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(status.Load()))
		_, _ = w.Write([]byte(`{"message":"invalid chat id"}`))
	})

	_, err := client.SendText(context.Background(), "1", "x")
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusBadRequest, statusErr.StatusCode)
	assert.Equal(t, "invalid chat id", statusErr.Message)

	for i := 0; i < 10; i++ {
		_, _ = client.SendText(context.Background(), "1", "x")
	}
	assert.Equal(t, "CLOSED", client.breaker.GetState().String())

	status.Store(http.StatusBadGateway)
	for i := 0; i < 5; i++ {
		_, _ = client.SendText(context.Background(), "1", "x")
	}
	assert.Equal(t, "OPEN", client.breaker.GetState().String())
}

func TestClient_SendHonoursContext(t *testing.T) {
	client, _ := setupTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := client.SendText(ctx, "15551234567", "hello")
	assert.Error(t, err)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestClient_Deliver_FetchesQR(t *testing.T) {
	client, fake := setupTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"value":"2@QRDATA"}`))
	})

	raw := []byte(`{"event":"session.status","session":"default","payload":{"status":"SCAN_QR_CODE"}}`)
	require.NoError(t, client.Deliver(context.Background(), raw))

	evt := <-client.Events()
	assert.Equal(t, types.EventQRChallenge, evt.Kind)
	assert.Equal(t, "2@QRDATA", evt.QR)

	req := fake.last()
	assert.Equal(t, "/api/default/auth/qr", req.Path)
	assert.Equal(t, "format=raw", req.Query)
}

func TestClient_Deliver_IgnoresOtherSessions(t *testing.T) {
	client, _ := setupTestClient(t, nil)

	raw := []byte(`{"event":"message.ack","session":"other","payload":{"id":"X","ack":2}}`)
	require.NoError(t, client.Deliver(context.Background(), raw))
	assert.Len(t, client.Events(), 0)
}

func TestClient_Deliver_InvalidJSON(t *testing.T) {
	client, _ := setupTestClient(t, nil)
	assert.Error(t, client.Deliver(context.Background(), []byte(`not json`)))
}
