package database

// Message queries
const (
	messageColumns = `id, external_id, direction, counterparty_number, body, media_ref,
		media_kind, status, failure_reason, created_at, updated_at`

	InsertMessageQuery = `
		INSERT INTO messages (
			external_id, direction, counterparty_number, body, media_ref,
			media_kind, status, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(external_id) DO NOTHING
	`

	SelectMessageByExternalIDQuery = `
		SELECT ` + messageColumns + `
		FROM messages
		WHERE external_id = ?
	`

	UpdateMessageStatusQuery = `
		UPDATE messages
		SET status = ?, failure_reason = COALESCE(?, failure_reason), updated_at = ?
		WHERE external_id = ?
	`

	DeleteOldMessagesQuery = `
		DELETE FROM messages
		WHERE created_at < ?
	`

	CountStaleMessagesQuery = `
		SELECT COUNT(*)
		FROM messages
		WHERE direction = 'outbound' AND status = 'sent' AND updated_at < ?
	`
)

// Webhook queries
const (
	webhookColumns = `id, owner, url, events, secret, is_active, created_at, updated_at`

	InsertWebhookQuery = `
		INSERT INTO webhooks (owner, url, events, secret, is_active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	UpdateWebhookQuery = `
		UPDATE webhooks
		SET url = ?, events = ?, secret = ?, is_active = ?, updated_at = ?
		WHERE id = ?
	`

	DeleteWebhookQuery = `DELETE FROM webhooks WHERE id = ?`

	SelectWebhookByIDQuery = `SELECT ` + webhookColumns + ` FROM webhooks WHERE id = ?`

	SelectWebhooksQuery = `SELECT ` + webhookColumns + ` FROM webhooks ORDER BY id`

	SelectWebhooksByOwnerQuery = `SELECT ` + webhookColumns + ` FROM webhooks WHERE owner = ? ORDER BY id`

	SelectActiveWebhooksQuery = `SELECT ` + webhookColumns + ` FROM webhooks WHERE is_active = TRUE ORDER BY id`
)
