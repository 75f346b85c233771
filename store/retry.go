package store

import (
	"context"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/JoyciAkira/sgn-core-sub001/errors"
)

// Transient sqlite contention is retried with bounded backoff before a
// storage error surfaces to the caller: 3 attempts, 50-450 ms.
const retryAttempts = 3

var retryBackoff = [retryAttempts]time.Duration{
	50 * time.Millisecond,
	150 * time.Millisecond,
	450 * time.Millisecond,
}

// isBusy reports whether err is a transient sqlite lock/busy condition.
func isBusy(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
}

// withRetry runs fn, retrying transient lock errors with backoff.
// Non-transient errors and context cancellation return immediately.
func withRetry(ctx context.Context, fn func() error) error {
	var err error
	for i := 0; i < retryAttempts; i++ {
		err = fn()
		if err == nil || !isBusy(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryBackoff[i]):
		}
	}
	return err
}
