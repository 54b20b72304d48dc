package state

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

func newBusyBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 25 * time.Millisecond
	b.MaxInterval = 250 * time.Millisecond
	b.MaxElapsedTime = 5 * time.Second
	return backoff.WithContext(backoff.WithMaxRetries(b, 8), ctx)
}

// execWithRetry retries statements that fail with SQLITE_BUSY. Other errors
// are returned immediately.
func execWithRetry(ctx context.Context, db *sql.DB, query string, args ...any) error {
	return backoff.Retry(func() error {
		_, err := db.ExecContext(ctx, query, args...)
		if err != nil && !isBusyError(err) {
			return backoff.Permanent(err)
		}
		return err
	}, newBusyBackOff(ctx))
}

func isBusyError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}
