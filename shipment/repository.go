package shipment

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrNotFound  = errors.New("shipment: not found")
	ErrForbidden = errors.New("shipment: forbidden")
)

type Repository interface {
	Create(ctx context.Context, s Shipment) (Shipment, error)
	Get(ctx context.Context, id string) (Shipment, error)
}

type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const shipmentColumns = `id::text, shipper_id::text, status, accepted_offer_id::text, created_at, updated_at`

func (r *PGRepository) Create(ctx context.Context, s Shipment) (Shipment, error) {
	query := `
        INSERT INTO shipments (id, shipper_id, status)
        VALUES ($1, $2, $3)
        RETURNING ` + shipmentColumns

	out, err := Scan(r.pool.QueryRow(ctx, query, s.ID, s.ShipperID, s.Status))
	if err != nil {
		return Shipment{}, fmt.Errorf("shipment: insert: %w", err)
	}
	return out, nil
}

func (r *PGRepository) Get(ctx context.Context, id string) (Shipment, error) {
	if _, err := uuid.Parse(id); err != nil {
		return Shipment{}, ErrNotFound
	}

	out, err := Scan(r.pool.QueryRow(ctx, `SELECT `+shipmentColumns+` FROM shipments WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Shipment{}, ErrNotFound
		}
		return Shipment{}, fmt.Errorf("shipment: get: %w", err)
	}
	return out, nil
}

// Scan reads a row selected with the shipment column list.
func Scan(row pgx.Row) (Shipment, error) {
	var s Shipment
	var status string
	if err := row.Scan(&s.ID, &s.ShipperID, &status, &s.AcceptedOfferID, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return Shipment{}, err
	}
	s.Status = Status(status)
	return s, nil
}
