package middleware

import (
	"crypto/subtle"
	"net/http"
	"strconv"
	"time"

	"whatsgate/internal/constants"
	apperrors "whatsgate/internal/errors"
	"whatsgate/internal/httputil"
	"whatsgate/internal/metrics"
	"whatsgate/internal/tracing"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// HeaderRequestID carries the request id in both directions
const HeaderRequestID = "X-Request-ID"

const unmatchedRoute = "unmatched"

// Observability assigns a request id, opens a server span, records request
// metrics and writes one access log line per request. Metrics are labelled with
// the route template so path parameters do not explode label cardinality.
func Observability(logger *logrus.Logger, registry *metrics.Registry, trustProxy bool) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			route := routeTemplate(r)

			requestID := r.Header.Get(HeaderRequestID)
			if requestID == "" || len(requestID) > 128 {
				requestID = tracing.GenerateRequestID()
			}

			ctx := tracing.ExtractHeaders(r.Context(), propagation.HeaderCarrier(r.Header))
			ctx, span := tracing.StartSpan(ctx, r.Method+" "+route,
				attribute.String("http.request.method", r.Method),
				attribute.String("http.route", route),
				attribute.String("client.address", httputil.ClientIP(r, trustProxy)),
				attribute.String("user_agent.original", r.Header.Get("User-Agent")),
			)
			defer span.End()
			span.SetAttributes(attribute.String("request.id", requestID))

			ctx = tracing.WithRequestID(ctx, requestID)
			ctx = tracing.WithStartTime(ctx, time.Now())
			r = r.WithContext(ctx)
			w.Header().Set(HeaderRequestID, requestID)

			registry.AddToCounter(metrics.HTTPRequestsActive, 1, nil, "In-flight HTTP requests")
			defer registry.AddToCounter(metrics.HTTPRequestsActive, -1, nil, "In-flight HTTP requests")

			rw := &responseWrapper{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(rw, r)

			duration := tracing.GetDuration(ctx)
			code := strconv.Itoa(rw.statusCode)

			span.SetAttributes(
				attribute.Int("http.response.status_code", rw.statusCode),
				attribute.Int64("http.response.body.size", rw.size),
			)
			if rw.statusCode >= http.StatusInternalServerError {
				span.SetStatus(codes.Error, http.StatusText(rw.statusCode))
			}

			labels := map[string]string{"method": r.Method, "route": route, "status_code": code}
			registry.IncrementCounter(metrics.HTTPRequests, labels, "HTTP requests by route and status")
			registry.RecordTimer(metrics.HTTPRequestTime, duration, map[string]string{"method": r.Method, "route": route}, "HTTP request duration")

			level := logrus.InfoLevel
			switch {
			case rw.statusCode >= http.StatusInternalServerError:
				level = logrus.ErrorLevel
			case rw.statusCode >= http.StatusBadRequest:
				level = logrus.WarnLevel
			case route == "/health" || route == "/metrics":
				level = logrus.DebugLevel
			}

			logger.WithFields(logrus.Fields(tracing.LogFields(ctx))).WithFields(logrus.Fields{
				"method":      r.Method,
				"route":       route,
				"status_code": rw.statusCode,
				"duration_ms": duration.Milliseconds(),
				"size":        rw.size,
				"remote_ip":   httputil.ClientIP(r, trustProxy),
			}).Log(level, "HTTP request completed")
		})
	}
}

// RequireAPIKey rejects requests whose X-Api-Key header does not match key.
// An empty key disables the check.
func RequireAPIKey(key string, logger *logrus.Logger, registry *metrics.Registry) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		if key == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get(constants.HeaderAPIKey)
			if subtle.ConstantTimeCompare([]byte(got), []byte(key)) != 1 {
				reason := "invalid api key"
				if got == "" {
					reason = "missing api key"
				}
				registry.IncrementCounter(metrics.HTTPAuthFailures, map[string]string{"route": routeTemplate(r)}, "Rejected API requests")
				oteltrace.SpanFromContext(r.Context()).AddEvent("auth.rejected")
				httputil.WriteError(w, r, logger, apperrors.NewAuthError(reason))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return unmatchedRoute
}

type responseWrapper struct {
	http.ResponseWriter
	statusCode  int
	size        int64
	wroteHeader bool
}

func (rw *responseWrapper) WriteHeader(statusCode int) {
	if !rw.wroteHeader {
		rw.statusCode = statusCode
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(statusCode)
}

func (rw *responseWrapper) Write(data []byte) (int, error) {
	rw.wroteHeader = true
	n, err := rw.ResponseWriter.Write(data)
	rw.size += int64(n)
	return n, err
}
