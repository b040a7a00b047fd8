package persistence

import (
	"context"
	"database/sql"
	"errors"
)

// queryer is satisfied by *sql.DB and *sql.Tx
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

// hasIdempotencyKey reports whether a call with (op, key) was committed.
func hasIdempotencyKey(ctx context.Context, q queryer, op, key string) (bool, error) {
	query := `
        SELECT 1
        FROM event_log.events
        WHERE op = $1 AND idempotency_key = $2
        LIMIT 1
    `

	var exists int
	err := q.QueryRowContext(ctx, query, op, key).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// PostgresIdempotencyChecker reads committed idempotency keys outside a tx,
// used to warm the in-process LRU on startup.
type PostgresIdempotencyChecker struct {
	db *sql.DB
}

func NewPostgresIdempotencyChecker(db *sql.DB) *PostgresIdempotencyChecker {
	return &PostgresIdempotencyChecker{db: db}
}

// IsDuplicate checks the log for a committed call with (op, key).
func (pic *PostgresIdempotencyChecker) IsDuplicate(ctx context.Context, op, key string) (bool, error) {
	return hasIdempotencyKey(ctx, pic.db, op, key)
}

// RecentKeys returns up to limit "op:key" pairs, newest first.
func (pic *PostgresIdempotencyChecker) RecentKeys(ctx context.Context, limit int) ([]string, error) {
	rows, err := pic.db.QueryContext(ctx, `
        SELECT op, idempotency_key
        FROM event_log.events
        WHERE idempotency_key <> ''
        GROUP BY op, idempotency_key
        ORDER BY MAX(sequence) DESC
        LIMIT $1
    `, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var op, key string
		if err := rows.Scan(&op, &key); err != nil {
			return nil, err
		}
		keys = append(keys, idemKey(op, key))
	}
	return keys, rows.Err()
}
