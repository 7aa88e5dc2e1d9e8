package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"whatsgate/internal/constants"
	apperrors "whatsgate/internal/errors"
	"whatsgate/internal/metrics"
	"whatsgate/internal/models"
	"whatsgate/internal/tracing"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
)

// Subscribers resolves the subscriptions an event goes to
type Subscribers interface {
	FindActiveSubscribers(ctx context.Context, eventType string) ([]*models.WebhookSubscription, error)
}

// Result is the settled outcome of one delivery
type Result struct {
	SubscriptionID int64         `json:"subscriptionId"`
	Endpoint       string        `json:"endpoint"`
	DeliveryID     string        `json:"deliveryId"`
	StatusCode     int           `json:"statusCode,omitempty"`
	Attempts       int           `json:"attempts"`
	Duration       time.Duration `json:"duration"`
	Err            error         `json:"-"`
}

func (r Result) OK() bool {
	return r.Err == nil
}

// Dispatcher fans an event out to every matching subscription. Deliveries run
// concurrently and independently; one slow or failing endpoint never affects
// the others, and nothing here touches message or session state.
type Dispatcher struct {
	subscribers    Subscribers
	deliverer      Deliverer
	logger         *apperrors.Logger
	metrics        *metrics.Registry
	timeout        atomic.Int64
	maxConcurrency int
	now            func() time.Time
}

func NewDispatcher(subscribers Subscribers, deliverer Deliverer, cfg models.WebhookConfig, logger *logrus.Logger, registry *metrics.Registry) *Dispatcher {
	if deliverer == nil {
		deliverer = NewHTTPDeliverer(nil)
	}
	if registry == nil {
		registry = metrics.GetRegistry()
	}
	d := &Dispatcher{
		subscribers:    subscribers,
		deliverer:      deliverer,
		logger:         apperrors.WrapLogger(logger),
		metrics:        registry,
		maxConcurrency: cfg.MaxConcurrency,
		now:            time.Now,
	}
	d.SetTimeout(time.Duration(cfg.TimeoutSec) * time.Second)
	return d
}

// SetTimeout changes the per-delivery timeout for deliveries started afterwards.
// Non-positive values restore the default.
func (d *Dispatcher) SetTimeout(timeout time.Duration) {
	if timeout <= 0 {
		timeout = constants.DefaultWebhookTimeoutSec * time.Second
	}
	d.timeout.Store(int64(timeout))
}

func (d *Dispatcher) Timeout() time.Duration {
	return time.Duration(d.timeout.Load())
}

// Dispatch delivers data as eventType to every active matching subscription and
// returns one result per subscription once all deliveries have settled. The
// error is only set when subscribers could not be resolved or data could not be
// encoded; delivery failures are reported in the results.
func (d *Dispatcher) Dispatch(ctx context.Context, eventType string, data interface{}) ([]Result, error) {
	ctx, span := tracing.StartSpan(ctx, "webhook.dispatch", attribute.String("webhook.event", eventType))
	defer span.End()

	subs, err := d.subscribers.FindActiveSubscribers(ctx, eventType)
	if err != nil {
		tracing.RecordError(ctx, err)
		return nil, err
	}
	tracing.AddSpanAttributes(ctx, attribute.Int("webhook.subscribers", len(subs)))
	if len(subs) == 0 {
		return nil, nil
	}

	now := d.now().UTC()
	body, err := json.Marshal(models.WebhookEnvelope{
		Event:     eventType,
		Data:      data,
		Timestamp: now.Format(time.RFC3339),
	})
	if err != nil {
		tracing.RecordError(ctx, err)
		return nil, fmt.Errorf("failed to encode webhook payload: %w", err)
	}

	timeout := d.Timeout()
	results := make([]Result, len(subs))

	var sem chan struct{}
	if d.maxConcurrency > 0 {
		sem = make(chan struct{}, d.maxConcurrency)
	}

	var wg sync.WaitGroup
	for i, sub := range subs {
		wg.Add(1)
		go func(i int, sub *models.WebhookSubscription) {
			defer wg.Done()
			if sem != nil {
				sem <- struct{}{}
				defer func() { <-sem }()
			}
			results[i] = d.deliver(ctx, &Delivery{
				ID:           uuid.NewString(),
				Event:        eventType,
				Subscription: sub,
				Body:         body,
				Timestamp:    now,
				Timeout:      timeout,
			})
		}(i, sub)
	}
	wg.Wait()

	return results, nil
}

func (d *Dispatcher) deliver(ctx context.Context, delivery *Delivery) Result {
	sub := delivery.Subscription
	ctx, span := tracing.StartSpan(ctx, "webhook.deliver",
		attribute.String("webhook.event", delivery.Event),
		attribute.String("webhook.delivery_id", delivery.ID),
		attribute.Int64("webhook.subscription_id", sub.ID),
	)
	defer span.End()

	start := time.Now()
	out, err := d.deliverer.Deliver(ctx, delivery)
	elapsed := time.Since(start)

	result := Result{
		SubscriptionID: sub.ID,
		Endpoint:       sub.EndpointURL,
		DeliveryID:     delivery.ID,
		StatusCode:     out.StatusCode,
		Attempts:       out.Attempts,
		Duration:       elapsed,
	}

	fields := logrus.Fields{
		"event":           delivery.Event,
		"delivery_id":     delivery.ID,
		"subscription_id": sub.ID,
		"endpoint":        sub.EndpointURL,
		"status_code":     out.StatusCode,
		"attempt":         out.Attempts,
		"duration_ms":     elapsed.Milliseconds(),
	}

	outcome := "success"
	if err != nil {
		if !apperrors.HasCode(err, apperrors.ErrCodeWebhookDeliveryFailure) {
			err = apperrors.NewDeliveryError(sub.EndpointURL, out.StatusCode, err)
		}
		result.Err = err
		outcome = "failure"
		tracing.RecordError(ctx, err)
		d.logger.LogWarn(err, "Webhook delivery failed", fields)
	} else {
		tracing.AddSpanAttributes(ctx, attribute.Int("http.status_code", out.StatusCode))
		d.logger.WithFields(fields).Debug("Webhook delivered")
	}

	labels := map[string]string{"event": delivery.Event, "outcome": outcome}
	d.metrics.IncrementCounter(metrics.WebhookDeliveries, labels, "Webhook deliveries by outcome")
	d.metrics.RecordTimer(metrics.WebhookDeliveryTime, elapsed, map[string]string{"outcome": outcome}, "Webhook delivery duration")

	return result
}
