package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// PostgresIdempotencyChecker answers request dedup from the persisted
// intent log. It is the second tier behind the engine's LRU.
type PostgresIdempotencyChecker struct {
	db      *sql.DB
	timeout time.Duration
}

func NewPostgresIdempotencyChecker(db *sql.DB) *PostgresIdempotencyChecker {
	return &PostgresIdempotencyChecker{
		db:      db,
		timeout: 500 * time.Millisecond,
	}
}

// IsDuplicate reports whether an intent of operation with requestID has
// been persisted for requester. The nil UUID matches operator requests.
func (pic *PostgresIdempotencyChecker) IsDuplicate(ctx context.Context, operation string, requester uuid.UUID, requestID string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, pic.timeout)
	defer cancel()

	var exists int
	err := pic.db.QueryRowContext(ctx, `
		SELECT 1
		FROM risk.intents
		WHERE operation = $1 AND request_id = $2 AND requester IS NOT DISTINCT FROM $3
		LIMIT 1
	`, operation, requestID, nullUUID(requester)).Scan(&exists)

	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// RecentKeys returns the most recent "operation:requester:request_id" keys,
// newest last, for warming the in-memory tier at startup.
func (pic *PostgresIdempotencyChecker) RecentKeys(ctx context.Context, limit int) ([]string, error) {
	rows, err := pic.db.QueryContext(ctx, `
		SELECT key FROM (
			SELECT operation || ':' || COALESCE(requester::text, $2) || ':' || request_id AS key,
				MAX(sequence) AS seq
			FROM risk.intents
			WHERE request_id IS NOT NULL
			GROUP BY operation, requester, request_id
			ORDER BY seq DESC
			LIMIT $1
		) recent
		ORDER BY seq ASC
	`, limit, uuid.Nil.String())
	if err != nil {
		return nil, fmt.Errorf("query recent keys: %w", err)
	}
	defer rows.Close()

	keys := make([]string, 0, limit)
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func nullUUID(id uuid.UUID) sql.NullString {
	if id == uuid.Nil {
		return sql.NullString{}
	}
	return sql.NullString{String: id.String(), Valid: true}
}
