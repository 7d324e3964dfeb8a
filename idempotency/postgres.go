package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore keeps records in the idempotency_records table.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore creates a Postgres backed store.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

func (s *PGStore) Lookup(ctx context.Context, key string, now time.Time) (Record, bool, error) {
	const query = `
SELECT key, owner_id, endpoint_path, response_status, response_body, content_type, created_at, expires_at
FROM idempotency_records
WHERE key = $1 AND expires_at > $2 AND response_status > 0`

	var rec Record
	err := s.pool.QueryRow(ctx, query, key, now).Scan(
		&rec.Key,
		&rec.OwnerID,
		&rec.EndpointPath,
		&rec.ResponseStatus,
		&rec.ResponseBody,
		&rec.ContentType,
		&rec.CreatedAt,
		&rec.ExpiresAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, false, nil
		}
		return Record{}, false, fmt.Errorf("idempotency: lookup: %w", err)
	}
	return rec, true, nil
}

// Reserve inserts a placeholder row with response_status 0. An expired row,
// placeholder or not, is taken over; a live one makes the insert a no-op.
func (s *PGStore) Reserve(ctx context.Context, key, endpointPath string, now time.Time, lease time.Duration) (bool, error) {
	if key == "" {
		return false, ErrEmptyKey
	}

	const query = `
INSERT INTO idempotency_records (key, owner_id, endpoint_path, response_status, response_body, content_type, created_at, expires_at)
VALUES ($1, NULL, $2, 0, $3, '', $4, $5)
ON CONFLICT (key) DO UPDATE SET
	owner_id = NULL,
	endpoint_path = EXCLUDED.endpoint_path,
	response_status = 0,
	response_body = EXCLUDED.response_body,
	content_type = '',
	created_at = EXCLUDED.created_at,
	expires_at = EXCLUDED.expires_at
WHERE idempotency_records.expires_at <= EXCLUDED.created_at`

	tag, err := s.pool.Exec(ctx, query, key, endpointPath, []byte{}, now, now.Add(lease))
	if err != nil {
		return false, fmt.Errorf("idempotency: reserve: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PGStore) Release(ctx context.Context, key string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM idempotency_records WHERE key = $1 AND response_status = 0`, key); err != nil {
		return fmt.Errorf("idempotency: release: %w", err)
	}
	return nil
}

// Save upserts rec. An expired row with the same key is replaced outright,
// including its created_at.
func (s *PGStore) Save(ctx context.Context, rec Record) error {
	if rec.Key == "" {
		return ErrEmptyKey
	}

	const query = `
INSERT INTO idempotency_records (key, owner_id, endpoint_path, response_status, response_body, content_type, created_at, expires_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (key) DO UPDATE SET
	owner_id = EXCLUDED.owner_id,
	endpoint_path = EXCLUDED.endpoint_path,
	response_status = EXCLUDED.response_status,
	response_body = EXCLUDED.response_body,
	content_type = EXCLUDED.content_type,
	created_at = CASE
		WHEN idempotency_records.expires_at <= EXCLUDED.created_at THEN EXCLUDED.created_at
		ELSE idempotency_records.created_at
	END,
	expires_at = EXCLUDED.expires_at`

	body := rec.ResponseBody
	if body == nil {
		body = []byte{}
	}

	if _, err := s.pool.Exec(ctx, query,
		rec.Key,
		rec.OwnerID,
		rec.EndpointPath,
		rec.ResponseStatus,
		body,
		rec.ContentType,
		rec.CreatedAt,
		rec.ExpiresAt,
	); err != nil {
		return fmt.Errorf("idempotency: save: %w", err)
	}
	return nil
}

func (s *PGStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM idempotency_records WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("idempotency: delete expired: %w", err)
	}
	return tag.RowsAffected(), nil
}
