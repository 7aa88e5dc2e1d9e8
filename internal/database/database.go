package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"whatsgate/internal/constants"
	"whatsgate/internal/migrations"
	"whatsgate/internal/models"
	"whatsgate/internal/security"

	_ "github.com/mattn/go-sqlite3"
)

type Database struct {
	db        *sql.DB
	encryptor *encryptor
	now       func() time.Time
}

func New(cfg models.DatabaseConfig) (*Database, error) {
	dbPath := cfg.Path
	if err := security.ValidateFilePath(dbPath); err != nil {
		return nil, fmt.Errorf("invalid database path: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=%d&_journal_mode=WAL&_txlock=immediate",
		dbPath, constants.DefaultDatabaseBusyTimeoutMs)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to ping database: %w (close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	schema, err := migrations.GetInitialSchema()
	if err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to read schema: %w (close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to read schema: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to initialize schema: %w (close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	enc, err := newEncryptor(cfg.EncryptSecrets)
	if err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to initialize encryptor: %w (close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to initialize encryptor: %w", err)
	}

	return &Database{
		db:        db,
		encryptor: enc,
		now:       func() time.Time { return time.Now().UTC() },
	}, nil
}

func (d *Database) Close() error {
	return d.db.Close()
}

// Ping checks the database connection
func (d *Database) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// CreateMessage inserts a message. It reports false without error when a row with
// the same external id already exists; the existing row is left untouched.
func (d *Database) CreateMessage(ctx context.Context, msg *models.Message) (bool, error) {
	if msg.ExternalID == "" {
		return false, fmt.Errorf("message external id is required")
	}

	now := d.now()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now
	}
	msg.CreatedAt = msg.CreatedAt.UTC()
	msg.UpdatedAt = now

	result, err := retryableDBOperation(ctx, func() (sql.Result, error) {
		return d.db.ExecContext(ctx, InsertMessageQuery,
			msg.ExternalID,
			msg.Direction,
			msg.CounterpartyNumber,
			msg.Body,
			msg.MediaRef,
			msg.MediaKind,
			msg.Status,
			msg.CreatedAt,
			msg.UpdatedAt,
		)
	}, "insert message")
	if err != nil {
		return false, fmt.Errorf("failed to save message: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 0 {
		return false, nil
	}

	if id, err := result.LastInsertId(); err == nil {
		msg.ID = id
	}
	return true, nil
}

// GetMessageByExternalID returns nil, nil when the message is unknown
func (d *Database) GetMessageByExternalID(ctx context.Context, externalID string) (*models.Message, error) {
	row := d.db.QueryRowContext(ctx, SelectMessageByExternalIDQuery, externalID)
	msg, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	return msg, nil
}

// UpdateMessageStatus sets the status of a message in place. It reports false when no
// message with that external id exists.
func (d *Database) UpdateMessageStatus(ctx context.Context, externalID string, status models.DeliveryStatus, reason *string) (bool, error) {
	result, err := retryableDBOperation(ctx, func() (sql.Result, error) {
		return d.db.ExecContext(ctx, UpdateMessageStatusQuery, status, reason, d.now(), externalID)
	}, "update message status")
	if err != nil {
		return false, fmt.Errorf("failed to update message status: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return affected > 0, nil
}

// ListMessages returns one page of messages, newest first
func (d *Database) ListMessages(ctx context.Context, filter models.MessageFilter) (*models.MessagePage, error) {
	filter = filter.Normalize()

	var where []string
	var args []interface{}
	if filter.Direction != "" {
		where = append(where, "direction = ?")
		args = append(args, filter.Direction)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.CounterpartyNumber != "" {
		where = append(where, "counterparty_number = ?")
		args = append(args, filter.CounterpartyNumber)
	}

	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := d.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM messages"+clause, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("failed to count messages: %w", err)
	}

	query := "SELECT " + messageColumns + " FROM messages" + clause + " ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?"
	rows, err := d.db.QueryContext(ctx, query, append(args, filter.Limit, filter.Offset())...)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	page := &models.MessagePage{
		Messages: make([]*models.Message, 0, filter.Limit),
		Total:    total,
		Page:     filter.Page,
		Limit:    filter.Limit,
	}
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		page.Messages = append(page.Messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate messages: %w", err)
	}

	page.TotalPages = (total + filter.Limit - 1) / filter.Limit
	return page, nil
}

// CleanupOldRecords deletes messages older than the retention period
func (d *Database) CleanupOldRecords(ctx context.Context, retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		return 0, fmt.Errorf("retention days must be positive, got %d", retentionDays)
	}
	cutoff := d.now().AddDate(0, 0, -retentionDays)

	result, err := retryableDBOperation(ctx, func() (sql.Result, error) {
		return d.db.ExecContext(ctx, DeleteOldMessagesQuery, cutoff)
	}, "cleanup old messages")
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup old messages: %w", err)
	}
	return result.RowsAffected()
}

// GetStaleMessageCount counts outbound messages still in sent status after threshold
func (d *Database) GetStaleMessageCount(ctx context.Context, threshold time.Duration) (int, error) {
	var count int
	cutoff := d.now().Add(-threshold)
	if err := d.db.QueryRowContext(ctx, CountStaleMessagesQuery, cutoff).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count stale messages: %w", err)
	}
	return count, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMessage(row rowScanner) (*models.Message, error) {
	var body, mediaRef, failureReason sql.NullString
	msg := &models.Message{}

	err := row.Scan(
		&msg.ID,
		&msg.ExternalID,
		&msg.Direction,
		&msg.CounterpartyNumber,
		&body,
		&mediaRef,
		&msg.MediaKind,
		&msg.Status,
		&failureReason,
		&msg.CreatedAt,
		&msg.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	msg.Body = nullableString(body)
	msg.MediaRef = nullableString(mediaRef)
	msg.FailureReason = nullableString(failureReason)
	return msg, nil
}

func nullableString(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}
