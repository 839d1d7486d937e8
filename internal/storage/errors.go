package storage

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("storage: not found")

// isUniqueViolation reports whether err is a Postgres unique-constraint
// violation. Concurrent clusterers racing on event_items.item_id hit this
// and resolve by re-reading the existing link.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
