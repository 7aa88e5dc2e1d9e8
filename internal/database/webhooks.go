package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	apperrors "whatsgate/internal/errors"
	"whatsgate/internal/models"
)

// CreateWebhook stores a new subscription and assigns its id
func (d *Database) CreateWebhook(ctx context.Context, sub *models.WebhookSubscription) error {
	if err := sub.Validate(); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeValidationFailed, "invalid webhook subscription").
			WithUserMessage(err.Error())
	}

	events, secret, err := d.encodeWebhook(sub)
	if err != nil {
		return err
	}

	now := d.now()
	result, err := retryableDBOperation(ctx, func() (sql.Result, error) {
		return d.db.ExecContext(ctx, InsertWebhookQuery, sub.Owner, sub.EndpointURL, events, secret, sub.Active, now, now)
	}, "insert webhook")
	if err != nil {
		return fmt.Errorf("failed to save webhook: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read webhook id: %w", err)
	}
	sub.ID = id
	sub.CreatedAt = now
	sub.UpdatedAt = now
	return nil
}

// UpdateWebhook replaces the mutable fields of an existing subscription
func (d *Database) UpdateWebhook(ctx context.Context, sub *models.WebhookSubscription) error {
	if err := sub.Validate(); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeValidationFailed, "invalid webhook subscription").
			WithUserMessage(err.Error())
	}

	events, secret, err := d.encodeWebhook(sub)
	if err != nil {
		return err
	}

	now := d.now()
	result, err := retryableDBOperation(ctx, func() (sql.Result, error) {
		return d.db.ExecContext(ctx, UpdateWebhookQuery, sub.EndpointURL, events, secret, sub.Active, now, sub.ID)
	}, "update webhook")
	if err != nil {
		return fmt.Errorf("failed to update webhook: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 0 {
		return apperrors.NewNotFoundError("webhook", fmt.Sprint(sub.ID))
	}
	sub.UpdatedAt = now
	return nil
}

// DeleteWebhook removes a subscription
func (d *Database) DeleteWebhook(ctx context.Context, id int64) error {
	result, err := retryableDBOperation(ctx, func() (sql.Result, error) {
		return d.db.ExecContext(ctx, DeleteWebhookQuery, id)
	}, "delete webhook")
	if err != nil {
		return fmt.Errorf("failed to delete webhook: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 0 {
		return apperrors.NewNotFoundError("webhook", fmt.Sprint(id))
	}
	return nil
}

// GetWebhook returns nil, nil when the subscription does not exist
func (d *Database) GetWebhook(ctx context.Context, id int64) (*models.WebhookSubscription, error) {
	sub, err := d.scanWebhook(d.db.QueryRowContext(ctx, SelectWebhookByIDQuery, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get webhook: %w", err)
	}
	return sub, nil
}

// ListWebhooks lists the subscriptions of one owner, or all of them when owner is empty
func (d *Database) ListWebhooks(ctx context.Context, owner string) ([]*models.WebhookSubscription, error) {
	if owner == "" {
		return d.queryWebhooks(ctx, SelectWebhooksQuery)
	}
	return d.queryWebhooks(ctx, SelectWebhooksByOwnerQuery, owner)
}

// ListActiveWebhooks lists every active subscription
func (d *Database) ListActiveWebhooks(ctx context.Context) ([]*models.WebhookSubscription, error) {
	return d.queryWebhooks(ctx, SelectActiveWebhooksQuery)
}

func (d *Database) queryWebhooks(ctx context.Context, query string, args ...interface{}) ([]*models.WebhookSubscription, error) {
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list webhooks: %w", err)
	}
	defer rows.Close()

	var subs []*models.WebhookSubscription
	for rows.Next() {
		sub, err := d.scanWebhook(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan webhook: %w", err)
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate webhooks: %w", err)
	}
	return subs, nil
}

func (d *Database) encodeWebhook(sub *models.WebhookSubscription) (string, string, error) {
	events, err := json.Marshal(sub.EventFilter)
	if err != nil {
		return "", "", fmt.Errorf("failed to encode event filter: %w", err)
	}
	secret, err := d.encryptor.Encrypt(sub.Secret)
	if err != nil {
		return "", "", fmt.Errorf("failed to encrypt webhook secret: %w", err)
	}
	return string(events), secret, nil
}

func (d *Database) scanWebhook(row rowScanner) (*models.WebhookSubscription, error) {
	var events, secret string
	sub := &models.WebhookSubscription{}

	if err := row.Scan(&sub.ID, &sub.Owner, &sub.EndpointURL, &events, &secret, &sub.Active, &sub.CreatedAt, &sub.UpdatedAt); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(events), &sub.EventFilter); err != nil {
		return nil, fmt.Errorf("failed to decode event filter of webhook %d: %w", sub.ID, err)
	}

	plain, err := d.encryptor.Decrypt(secret)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt secret of webhook %d: %w", sub.ID, err)
	}
	sub.Secret = plain
	return sub, nil
}
