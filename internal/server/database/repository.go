package database

import "context"

// Repository implements the persistence operations on top of Postgres.
// Memory provides the same operations in-process.
type Repository struct {
	db *DB
}

// NewRepository creates a new Repository.
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// HealthCheck verifies the underlying pool is reachable.
func (r *Repository) HealthCheck(ctx context.Context) error {
	return r.db.HealthCheck(ctx)
}
