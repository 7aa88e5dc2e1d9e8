package webhook

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"whatsgate/internal/constants"
	apperrors "whatsgate/internal/errors"
	"whatsgate/internal/metrics"
	"whatsgate/internal/models"
	"whatsgate/internal/retry"
	"whatsgate/internal/tracing"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/propagation"
)

// maxResponseDrain bounds how much of a subscriber's response body is read
const maxResponseDrain = 64 << 10

// Delivery is one signed POST of an event to one subscription
type Delivery struct {
	ID           string
	Event        string
	Subscription *models.WebhookSubscription
	Body         []byte
	Timestamp    time.Time
	Timeout      time.Duration
}

// Outcome reports what happened on the wire for a delivery
type Outcome struct {
	StatusCode int
	Attempts   int
}

// Deliverer sends a prepared delivery. A non-nil error is always a
// WEBHOOK_DELIVERY_FAILURE AppError for the built-in implementations.
type Deliverer interface {
	Deliver(ctx context.Context, d *Delivery) (Outcome, error)
}

// HTTPDeliverer makes exactly one attempt per delivery
type HTTPDeliverer struct {
	client *http.Client
}

// NewHTTPDeliverer uses client for the POSTs. Timeouts come from each delivery,
// so a nil client gets a plain http.Client without a global timeout.
func NewHTTPDeliverer(client *http.Client) *HTTPDeliverer {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPDeliverer{client: client}
}

func (h *HTTPDeliverer) Deliver(ctx context.Context, d *Delivery) (Outcome, error) {
	out := Outcome{Attempts: 1}
	endpoint := d.Subscription.EndpointURL

	if d.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(d.Body))
	if err != nil {
		appErr := apperrors.NewDeliveryError(endpoint, 0, fmt.Errorf("failed to build request: %w", err))
		appErr.Retryable = false
		return out, appErr
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", constants.WebhookUserAgent)
	req.Header.Set(constants.HeaderWebhookEvent, d.Event)
	req.Header.Set(constants.HeaderWebhookDelivery, d.ID)
	req.Header.Set(constants.HeaderWebhookTimestamp, strconv.FormatInt(d.Timestamp.Unix(), 10))
	if d.Subscription.Secret != "" {
		req.Header.Set(constants.HeaderWebhookSignature, Sign(d.Subscription.Secret, d.Body))
	}
	tracing.InjectHeaders(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := h.client.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("no response within %s: %w", d.Timeout, err)
		}
		return out, apperrors.NewDeliveryError(endpoint, 0, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseDrain))

	out.StatusCode = resp.StatusCode
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return out, apperrors.NewDeliveryError(endpoint, resp.StatusCode,
			fmt.Errorf("endpoint responded with status %d", resp.StatusCode))
	}
	return out, nil
}

// RetryingDeliverer retries retryable failures of the wrapped deliverer with
// exponential backoff. Every attempt gets the full delivery timeout.
type RetryingDeliverer struct {
	next    Deliverer
	config  retry.BackoffConfig
	logger  *logrus.Logger
	metrics *metrics.Registry
}

func NewRetryingDeliverer(next Deliverer, config retry.BackoffConfig, logger *logrus.Logger, registry *metrics.Registry) *RetryingDeliverer {
	if registry == nil {
		registry = metrics.GetRegistry()
	}
	return &RetryingDeliverer{
		next:    next,
		config:  config,
		logger:  logger,
		metrics: registry,
	}
}

// BackoffFromConfig fills unset retry settings with defaults
func BackoffFromConfig(cfg models.WebhookRetryConfig) retry.BackoffConfig {
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = constants.DefaultWebhookRetryAttempts
	}
	initial := cfg.InitialBackoffMs
	if initial <= 0 {
		initial = constants.DefaultWebhookRetryInitialMs
	}
	maxDelay := cfg.MaxBackoffMs
	if maxDelay <= 0 {
		maxDelay = constants.DefaultWebhookRetryMaxMs
	}
	return retry.BackoffConfig{
		InitialDelay: time.Duration(initial) * time.Millisecond,
		MaxDelay:     time.Duration(maxDelay) * time.Millisecond,
		Multiplier:   2.0,
		MaxAttempts:  attempts,
		Jitter:       true,
	}
}

func (r *RetryingDeliverer) Deliver(ctx context.Context, d *Delivery) (Outcome, error) {
	var out Outcome
	attempts := 0

	backoff := retry.NewBackoff(r.config).OnRetry(func(attempt int, err error, delay time.Duration) {
		r.metrics.IncrementCounter(metrics.WebhookRetries, map[string]string{"event": d.Event}, "Webhook delivery retries")
		r.logger.WithError(err).WithFields(logrus.Fields{
			"event":       d.Event,
			"delivery_id": d.ID,
			"endpoint":    d.Subscription.EndpointURL,
			"attempt":     attempt,
			"delay_ms":    delay.Milliseconds(),
		}).Warn("Retrying webhook delivery")
	})

	err := backoff.RetryWithPredicate(ctx, func() error {
		attempts++
		o, err := r.next.Deliver(ctx, d)
		out.StatusCode = o.StatusCode
		return err
	}, apperrors.IsRetryable)

	out.Attempts = attempts
	return out, err
}

// NewDeliverer builds the deliverer chain for cfg: a single attempt by default,
// wrapped for retries only when they are enabled.
func NewDeliverer(cfg models.WebhookConfig, client *http.Client, logger *logrus.Logger, registry *metrics.Registry) Deliverer {
	var d Deliverer = NewHTTPDeliverer(client)
	if cfg.Retry.Enabled {
		d = NewRetryingDeliverer(d, BackoffFromConfig(cfg.Retry), logger, registry)
	}
	return d
}
