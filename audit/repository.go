package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository appends audit entries.
type Repository interface {
	Append(ctx context.Context, e Entry) error
}

// PGRepository writes to the audit_logs table.
type PGRepository struct {
	pool *pgxpool.Pool
}

func NewPGRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

func (r *PGRepository) Append(ctx context.Context, e Entry) error {
	var details []byte
	if e.Details != nil {
		b, err := json.Marshal(e.Details)
		if err != nil {
			return fmt.Errorf("audit: marshal details: %w", err)
		}
		details = b
	}

	const query = `
INSERT INTO audit_logs (user_id, action, resource_type, resource_id, details, ip_address, user_agent, created_at)
VALUES ($1, $2, $3, $4, $5::jsonb, NULLIF($6, ''), NULLIF($7, ''), $8)`

	if _, err := r.pool.Exec(ctx, query,
		e.UserID,
		e.Action,
		e.ResourceType,
		e.ResourceID,
		details,
		e.Request.IPAddress,
		e.Request.UserAgent,
		e.CreatedAt,
	); err != nil {
		return fmt.Errorf("audit: insert: %w", err)
	}
	return nil
}
