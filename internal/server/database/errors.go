package database

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	ErrNotFound = errors.New("record not found")

	// ErrConflict is returned when a unique constraint rejects a write, e.g.
	// a share code already held by an active share.
	ErrConflict = errors.New("record conflicts with an existing record")

	// ErrNotClaimable is returned by ClaimDownload when the share is missing,
	// inactive, expired or out of downloads at evaluation time.
	ErrNotClaimable = errors.New("share is not downloadable")
)

const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
