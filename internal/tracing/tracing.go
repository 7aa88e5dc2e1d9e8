package tracing

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

type ContextKey string

const (
	RequestIDKey ContextKey = "request_id"
	StartTimeKey ContextKey = "start_time"
)

// GenerateRequestID generates a unique request ID
func GenerateRequestID() string {
	bytes := make([]byte, 8)
	if _, err := rand.Read(bytes); err != nil {
		return fmt.Sprintf("req_%d", time.Now().UnixNano())
	}
	return "req_" + hex.EncodeToString(bytes)
}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

func GetRequestID(ctx context.Context) string {
	if requestID, ok := ctx.Value(RequestIDKey).(string); ok {
		return requestID
	}
	return ""
}

func WithStartTime(ctx context.Context, startTime time.Time) context.Context {
	return context.WithValue(ctx, StartTimeKey, startTime)
}

// GetDuration returns the time elapsed since WithStartTime, or zero
func GetDuration(ctx context.Context) time.Duration {
	if startTime, ok := ctx.Value(StartTimeKey).(time.Time); ok {
		return time.Since(startTime)
	}
	return 0
}

// LogFields returns request and trace identifiers for structured logging
func LogFields(ctx context.Context) map[string]interface{} {
	fields := make(map[string]interface{}, 2)
	if id := GetRequestID(ctx); id != "" {
		fields["request_id"] = id
	}
	if id := GetOtelTraceID(ctx); id != "" {
		fields["trace_id"] = id
	}
	return fields
}
