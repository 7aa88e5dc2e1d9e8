package middleware

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"whatsgate/internal/constants"
	"whatsgate/internal/metrics"
	"whatsgate/internal/tracing"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRouter(t *testing.T, registry *metrics.Registry, apiKey string) (*mux.Router, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&buf)
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(logrus.DebugLevel)

	router := mux.NewRouter()
	router.Use(Observability(logger, registry, false))
	router.HandleFunc("/items/{id}", func(w http.ResponseWriter, r *http.Request) {
		assert.NotEmpty(t, tracing.GetRequestID(r.Context()))
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte("created"))
	}).Methods(http.MethodPost)

	api := router.PathPrefix("/api").Subrouter()
	api.Use(RequireAPIKey(apiKey, logger, registry))
	api.HandleFunc("/secret", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	return router, &buf
}

func TestObservabilityRecordsRouteTemplate(t *testing.T) {
	registry := metrics.NewRegistry()
	router, logs := newRouter(t, registry, "")

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/items/42", nil))

	assert.Equal(t, http.StatusCreated, w.Code)
	assert.NotEmpty(t, w.Header().Get(HeaderRequestID))

	labels := map[string]string{"method": "POST", "route": "/items/{id}", "status_code": "201"}
	assert.Equal(t, float64(1), registry.CounterValue(metrics.HTTPRequests, labels))
	assert.Equal(t, float64(0), registry.CounterValue(metrics.HTTPRequestsActive, nil))

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(logs.Bytes(), &entry))
	assert.Equal(t, "/items/{id}", entry["route"])
	assert.Equal(t, float64(201), entry["status_code"])
	assert.Equal(t, w.Header().Get(HeaderRequestID), entry["request_id"])
}

func TestObservabilityKeepsIncomingRequestID(t *testing.T) {
	router, _ := newRouter(t, metrics.NewRegistry(), "")

	req := httptest.NewRequest(http.MethodPost, "/items/1", nil)
	req.Header.Set(HeaderRequestID, "req_from_proxy")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, "req_from_proxy", w.Header().Get(HeaderRequestID))
}

func TestRequireAPIKey(t *testing.T) {
	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong", "nope", http.StatusUnauthorized},
		{"valid", "s3cret-key", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			registry := metrics.NewRegistry()
			router, _ := newRouter(t, registry, "s3cret-key")

			req := httptest.NewRequest(http.MethodGet, "/api/secret", nil)
			if tt.header != "" {
				req.Header.Set(constants.HeaderAPIKey, tt.header)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			assert.Equal(t, tt.want, w.Code)
			if tt.want == http.StatusUnauthorized {
				assert.Contains(t, w.Body.String(), "AUTHENTICATION")
				assert.Equal(t, float64(1), registry.CounterValue(metrics.HTTPAuthFailures, map[string]string{"route": "/api/secret"}))
			}
		})
	}
}

func TestRequireAPIKeyDisabled(t *testing.T) {
	router, _ := newRouter(t, metrics.NewRegistry(), "")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/secret", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestResponseWrapperKeepsFirstStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := &responseWrapper{ResponseWriter: rec, statusCode: http.StatusOK}
	_, _ = rw.Write([]byte("body"))
	rw.WriteHeader(http.StatusTeapot)

	assert.Equal(t, http.StatusOK, rw.statusCode)
	assert.Equal(t, int64(4), rw.size)
}
