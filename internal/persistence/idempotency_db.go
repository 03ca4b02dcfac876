package persistence

import (
	"context"
	"database/sql"
	"time"
)

// PostgresIdempotencyChecker implements DB-based deduplication against the
// record log. Collateral instructions carry caller-supplied ids; replaying a
// deposit or withdrawal whose record already persisted must be a no-op.
type PostgresIdempotencyChecker struct {
	db *sql.DB
}

func NewPostgresIdempotencyChecker(db *sql.DB) *PostgresIdempotencyChecker {
	return &PostgresIdempotencyChecker{
		db: db,
	}
}

// IsDuplicate checks whether a record with the given dedup key already
// exists in the record log.
func (pic *PostgresIdempotencyChecker) IsDuplicate(recordKey string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	query := `
        SELECT 1
        FROM clearing.records
        WHERE record_key = $1
        LIMIT 1
    `

	var exists int
	err := pic.db.QueryRowContext(ctx, query, recordKey).Scan(&exists)

	if err == sql.ErrNoRows {
		return false, nil // Not found, not a duplicate
	}

	if err != nil {
		return false, err // DB error
	}

	return true, nil // Found, is duplicate
}
