package database

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"whatsgate/internal/constants"

	"github.com/mattn/go-sqlite3"
)

var (
	dbRetryAttempts       = constants.DefaultDatabaseRetryAttempts
	dbRetryInitialBackoff = time.Duration(constants.DefaultRetryBackoffMs) * time.Millisecond
	dbRetryMaxBackoff     = time.Duration(constants.DefaultMaxBackoffMs) * time.Millisecond
)

// retryableDBOperation executes a database operation with retry logic on transient sqlite errors
func retryableDBOperation[T any](ctx context.Context, operation func() (T, error), operationName string) (T, error) {
	var zero T
	var lastErr error

	for attempt := 1; attempt <= dbRetryAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		default:
		}

		result, err := operation()
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !isRetryableDBError(err) {
			return zero, fmt.Errorf("%s failed (non-retryable): %w", operationName, err)
		}

		if attempt == dbRetryAttempts {
			break
		}

		backoff := time.Duration(attempt) * dbRetryInitialBackoff
		if backoff > dbRetryMaxBackoff {
			backoff = dbRetryMaxBackoff
		}

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(backoff):
		}
	}

	return zero, fmt.Errorf("%s failed after %d attempts: %w", operationName, dbRetryAttempts, lastErr)
}

// retryableDBOperationNoReturn executes a database operation that returns only an error with retry logic
func retryableDBOperationNoReturn(ctx context.Context, operation func() error, operationName string) error {
	_, err := retryableDBOperation(ctx, func() (struct{}, error) {
		return struct{}{}, operation()
	}, operationName)
	return err
}

// isRetryableDBError determines if a database error is worth retrying
func isRetryableDBError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked || sqliteErr.Code == sqlite3.ErrIoErr
	}

	errStr := err.Error()
	if strings.Contains(errStr, "database is locked") || strings.Contains(errStr, "disk I/O error") {
		return true
	}

	// Constraint and schema errors, and anything unknown, are not retried
	return false
}
