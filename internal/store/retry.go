package store

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/mattn/go-sqlite3"
)

// RetryConfig controls retry behavior for transient SQLite errors.
//
// busy_timeout handles most SQLITE_BUSY waits at the connection level, but
// lock conflicts and short WAL reads still surface under concurrent workers.
type RetryConfig struct {
	MaxTries     uint
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// DefaultRetryConfig is used unless WithRetry overrides it.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxTries:     4,
		InitialDelay: 50 * time.Millisecond,
		MaxDelay:     500 * time.Millisecond,
	}
}

// IsTransient reports whether err is a SQLite error that can resolve by
// retrying:
//   - SQLITE_BUSY: another connection holds a lock
//   - SQLITE_LOCKED: table-level lock conflict
//   - SQLITE_IOERR_SHORT_READ: WAL contention read failure
func IsTransient(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code {
	case sqlite3.ErrBusy, sqlite3.ErrLocked:
		return true
	}
	return se.ExtendedCode == sqlite3.ErrIoErrShortRead
}

// withRetry executes op with exponential backoff and jitter while it fails
// with transient errors. Other errors return immediately.
func (s *Store) withRetry(ctx context.Context, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.retry.InitialDelay
	b.MaxInterval = s.retry.MaxDelay

	maxTries := s.retry.MaxTries
	if maxTries == 0 {
		maxTries = 1
	}

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := op()
		if err != nil && !IsTransient(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(maxTries))
	return err
}
