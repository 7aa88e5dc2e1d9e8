package webhook

import (
	"context"
	"fmt"
	"strings"

	"whatsgate/internal/models"
)

// MatchMode selects how a subscription's event filter is compared with an event type
type MatchMode string

const (
	// MatchPrefix lets "message" match "message:read" as well as "message"
	MatchPrefix MatchMode = "prefix"
	// MatchExact requires the filter entry to equal the event type
	MatchExact MatchMode = "exact"
)

// ParseMatchMode accepts "", "prefix" or "exact"; the empty string means prefix.
func ParseMatchMode(s string) (MatchMode, error) {
	switch MatchMode(strings.ToLower(strings.TrimSpace(s))) {
	case "", MatchPrefix:
		return MatchPrefix, nil
	case MatchExact:
		return MatchExact, nil
	default:
		return "", fmt.Errorf("unknown webhook match mode %q", s)
	}
}

// Matches reports whether a single filter entry selects the event type.
// "*" selects everything in both modes.
func Matches(filter, eventType string, mode MatchMode) bool {
	if filter == models.WildcardEvent || filter == eventType {
		return true
	}
	if mode == MatchExact {
		return false
	}
	return strings.HasPrefix(eventType, filter+":")
}

// MatchesAny reports whether any entry of the filter set selects the event type
func MatchesAny(filters []string, eventType string, mode MatchMode) bool {
	for _, f := range filters {
		if Matches(f, eventType, mode) {
			return true
		}
	}
	return false
}

// Store persists webhook subscriptions
type Store interface {
	CreateWebhook(ctx context.Context, sub *models.WebhookSubscription) error
	UpdateWebhook(ctx context.Context, sub *models.WebhookSubscription) error
	DeleteWebhook(ctx context.Context, id int64) error
	GetWebhook(ctx context.Context, id int64) (*models.WebhookSubscription, error)
	ListWebhooks(ctx context.Context, owner string) ([]*models.WebhookSubscription, error)
	ListActiveWebhooks(ctx context.Context) ([]*models.WebhookSubscription, error)
}

// Registry resolves which subscriptions receive an event and fronts subscription management
type Registry struct {
	store Store
	mode  MatchMode
}

func NewRegistry(store Store, mode MatchMode) *Registry {
	if mode == "" {
		mode = MatchPrefix
	}
	return &Registry{store: store, mode: mode}
}

func (r *Registry) Mode() MatchMode {
	return r.mode
}

// FindActiveSubscribers returns the active subscriptions whose filter selects eventType.
// The result is a read-only view; callers must not modify the subscriptions.
func (r *Registry) FindActiveSubscribers(ctx context.Context, eventType string) ([]*models.WebhookSubscription, error) {
	subs, err := r.store.ListActiveWebhooks(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load active webhooks: %w", err)
	}

	matched := make([]*models.WebhookSubscription, 0, len(subs))
	for _, sub := range subs {
		if sub.Active && MatchesAny(sub.EventFilter, eventType, r.mode) {
			matched = append(matched, sub)
		}
	}
	return matched, nil
}

func (r *Registry) Register(ctx context.Context, sub *models.WebhookSubscription) error {
	return r.store.CreateWebhook(ctx, sub)
}

func (r *Registry) Update(ctx context.Context, sub *models.WebhookSubscription) error {
	return r.store.UpdateWebhook(ctx, sub)
}

func (r *Registry) Remove(ctx context.Context, id int64) error {
	return r.store.DeleteWebhook(ctx, id)
}

// Get returns nil, nil for an unknown id
func (r *Registry) Get(ctx context.Context, id int64) (*models.WebhookSubscription, error) {
	return r.store.GetWebhook(ctx, id)
}

// List returns the subscriptions of owner, or every subscription when owner is empty
func (r *Registry) List(ctx context.Context, owner string) ([]*models.WebhookSubscription, error) {
	return r.store.ListWebhooks(ctx, owner)
}
