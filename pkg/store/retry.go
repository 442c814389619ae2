package store

import (
	"context"
	"log/slog"
	"time"
)

const (
	retryAttempts = 3
	retryBaseWait = 1 * time.Second
)

// Retry runs fn up to three times with exponential backoff (1s, 2s, 4s)
// when fn fails with a transient connection error. Any other error
// returns immediately. Callers must only pass operations that are
// idempotent at the store layer: heartbeats, enqueues, releases and
// mark-* transitions are; arbitrary inserts are not.
func Retry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	wait := retryBaseWait
	var err error
	for attempt := 1; attempt <= retryAttempts; attempt++ {
		err = fn(ctx)
		if err == nil || !IsTransient(err) {
			return err
		}
		if attempt == retryAttempts {
			break
		}
		slog.Warn("Store operation failed, retrying",
			"op", op, "attempt", attempt, "wait", wait, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		wait *= 2
	}
	return err
}
