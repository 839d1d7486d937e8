package storage

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

const (
	txRetryAttempts = 3
	txRetryBase     = 50 * time.Millisecond
)

// transientPG reports whether err is a serialization failure (40001) or
// a deadlock (40P01). Both are safe to retry from a fresh transaction.
func transientPG(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "40001" || pgErr.Code == "40P01"
}

// RetryTx runs fn, retrying transient Postgres conflicts with jittered
// doubling backoff. fn must open its own transaction each call; reusing
// a failed tx handle is not safe.
func RetryTx(ctx context.Context, fn func() error) error {
	delay := txRetryBase
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil || !transientPG(err) || attempt == txRetryAttempts {
			return err
		}

		wait := delay + time.Duration(rand.Int64N(int64(delay)))
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		delay *= 2
	}
}
