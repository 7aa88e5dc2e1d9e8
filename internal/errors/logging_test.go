package errors

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger(t *testing.T) {
	logger := NewLogger()

	require.NotNil(t, logger)
	_, ok := logger.Formatter.(*logrus.JSONFormatter)
	assert.True(t, ok, "Logger should use JSON formatter")
}

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	return entry
}

func TestLogger_LogErrorIncludesAppErrorContext(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger()
	logger.SetOutput(&buf)

	err := NewDeliveryError("http://hook.test", 503, errors.New("unavailable"))
	logger.LogError(err, "Webhook delivery failed", logrus.Fields{"event": "message:inbound"})

	entry := decodeLine(t, &buf)
	assert.Equal(t, "error", entry["level"])
	assert.Equal(t, "Webhook delivery failed", entry["msg"])
	assert.Equal(t, string(ErrCodeWebhookDeliveryFailure), entry["error_code"])
	assert.Equal(t, true, entry["retryable"])
	assert.Equal(t, "http://hook.test", entry["endpoint"])
	assert.Equal(t, "message:inbound", entry["event"])
}

func TestLogger_LogRetryableError(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		level string
	}{
		{"retryable logs warn", WrapRetryable(errors.New("x"), ErrCodeTimeout, "slow"), "warning"},
		{"non retryable logs error", New(ErrCodeInvalidInput, "bad"), "error"},
		{"plain error logs error", errors.New("plain"), "error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := WrapLogger(logrus.New())
			logger.SetFormatter(&logrus.JSONFormatter{})
			logger.SetOutput(&buf)

			logger.LogRetryableError(tt.err, "operation failed")

			assert.Equal(t, tt.level, decodeLine(t, &buf)["level"])
		})
	}
}
