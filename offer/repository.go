package offer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"freightflow/shipment"
)

type Repository interface {
	// Insert stores a pending offer if the shipment is still open for bids.
	Insert(ctx context.Context, o Offer) (Offer, shipment.Shipment, error)
	Get(ctx context.Context, id string) (Offer, shipment.Shipment, error)
	// Accept atomically claims the shipment for offerID, marks the offer
	// accepted and records the pending settlement steps.
	Accept(ctx context.Context, offerID, shipmentID string) (Offer, error)
	// Transition moves an offer from one status to another if it is still in from.
	Transition(ctx context.Context, offerID string, from, to Status) (Offer, error)
	// RejectSiblings rejects every other pending offer on the shipment.
	RejectSiblings(ctx context.Context, shipmentID, winnerID string) ([]Offer, error)

	GetStep(ctx context.Context, offerID string, step Step) (SettlementStep, error)
	CompleteStep(ctx context.Context, offerID string, step Step, holdID *string) error
	FailStep(ctx context.Context, offerID string, step Step, cause string, maxAttempts int) (SettlementStep, error)
	// ClaimPendingSteps leases up to limit pending steps untouched for at least grace.
	ClaimPendingSteps(ctx context.Context, grace time.Duration, limit int) ([]SettlementStep, error)
}

type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const offerColumns = `id::text, shipment_id::text, carrier_id::text, price_cents, message, status, created_at, updated_at`

const stepColumns = `offer_id::text, step, status, attempts, last_error, hold_id, updated_at`

func (r *PGRepository) Insert(ctx context.Context, o Offer) (Offer, shipment.Shipment, error) {
	if _, err := uuid.Parse(o.ShipmentID); err != nil {
		return Offer{}, shipment.Shipment{}, ErrShipmentNotFound
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return Offer{}, shipment.Shipment{}, fmt.Errorf("offer: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// FOR SHARE waits out a concurrent acceptance so a bid never lands
	// after the sibling sweep.
	sh, err := shipment.Scan(tx.QueryRow(ctx, `
        SELECT id::text, shipper_id::text, status, accepted_offer_id::text, created_at, updated_at
        FROM shipments WHERE id = $1 FOR SHARE`, o.ShipmentID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Offer{}, shipment.Shipment{}, ErrShipmentNotFound
		}
		return Offer{}, shipment.Shipment{}, fmt.Errorf("offer: lock shipment: %w", err)
	}
	if !sh.OpenForOffers() {
		return Offer{}, shipment.Shipment{}, ErrInvalidTransition
	}

	out, err := scanOffer(tx.QueryRow(ctx, `
        INSERT INTO offers (id, shipment_id, carrier_id, price_cents, message, status)
        VALUES ($1, $2, $3, $4, $5, 'pending')
        RETURNING `+offerColumns,
		o.ID, o.ShipmentID, o.CarrierID, o.PriceCents, o.Message))
	if err != nil {
		return Offer{}, shipment.Shipment{}, fmt.Errorf("offer: insert: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Offer{}, shipment.Shipment{}, fmt.Errorf("offer: commit insert: %w", err)
	}
	return out, sh, nil
}

func (r *PGRepository) Get(ctx context.Context, id string) (Offer, shipment.Shipment, error) {
	if _, err := uuid.Parse(id); err != nil {
		return Offer{}, shipment.Shipment{}, ErrOfferNotFound
	}

	const query = `
        SELECT o.id::text, o.shipment_id::text, o.carrier_id::text, o.price_cents, o.message, o.status, o.created_at, o.updated_at,
               s.id::text, s.shipper_id::text, s.status, s.accepted_offer_id::text, s.created_at, s.updated_at
        FROM offers o
        JOIN shipments s ON s.id = o.shipment_id
        WHERE o.id = $1`

	var (
		o        Offer
		sh       shipment.Shipment
		oStatus  string
		shStatus string
	)
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&o.ID, &o.ShipmentID, &o.CarrierID, &o.PriceCents, &o.Message, &oStatus, &o.CreatedAt, &o.UpdatedAt,
		&sh.ID, &sh.ShipperID, &shStatus, &sh.AcceptedOfferID, &sh.CreatedAt, &sh.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Offer{}, shipment.Shipment{}, ErrOfferNotFound
		}
		return Offer{}, shipment.Shipment{}, fmt.Errorf("offer: get: %w", err)
	}
	o.Status = Status(oStatus)
	sh.Status = shipment.Status(shStatus)
	return o, sh, nil
}

// Accept claims the shipment with a conditional update. Concurrent callers
// serialize on the shipment row; under READ COMMITTED the loser re-evaluates
// the predicate against the committed winner and matches nothing.
func (r *PGRepository) Accept(ctx context.Context, offerID, shipmentID string) (Offer, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return Offer{}, fmt.Errorf("offer: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
        UPDATE shipments
        SET accepted_offer_id = $1, status = 'offer_accepted', updated_at = now()
        WHERE id = $2 AND accepted_offer_id IS NULL AND status = 'open'`,
		offerID, shipmentID)
	if err != nil {
		return Offer{}, fmt.Errorf("offer: claim shipment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return Offer{}, classifyLostClaim(ctx, tx, offerID, shipmentID)
	}

	accepted, err := scanOffer(tx.QueryRow(ctx, `
        UPDATE offers
        SET status = 'accepted', updated_at = now()
        WHERE id = $1 AND shipment_id = $2 AND status = 'pending'
        RETURNING `+offerColumns, offerID, shipmentID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Rolling back releases the shipment claim.
			return Offer{}, ErrInvalidTransition
		}
		return Offer{}, fmt.Errorf("offer: mark accepted: %w", err)
	}

	for _, step := range settlementSteps {
		if _, err := tx.Exec(ctx, `
            INSERT INTO settlement_steps (offer_id, step)
            VALUES ($1, $2)
            ON CONFLICT (offer_id, step) DO NOTHING`, offerID, string(step)); err != nil {
			return Offer{}, fmt.Errorf("offer: record step %s: %w", step, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Offer{}, fmt.Errorf("offer: commit accept: %w", err)
	}
	return accepted, nil
}

func classifyLostClaim(ctx context.Context, tx pgx.Tx, offerID, shipmentID string) error {
	var (
		status   string
		accepted *string
	)
	err := tx.QueryRow(ctx, `SELECT status, accepted_offer_id::text FROM shipments WHERE id = $1`, shipmentID).Scan(&status, &accepted)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrShipmentNotFound
		}
		return fmt.Errorf("offer: inspect shipment: %w", err)
	}
	switch {
	case accepted != nil && *accepted == offerID:
		return errAlreadyAccepted
	case accepted != nil:
		return ErrConflict
	default:
		return ErrInvalidTransition
	}
}

func (r *PGRepository) Transition(ctx context.Context, offerID string, from, to Status) (Offer, error) {
	out, err := scanOffer(r.pool.QueryRow(ctx, `
        UPDATE offers
        SET status = $3, updated_at = now()
        WHERE id = $1 AND status = $2
        RETURNING `+offerColumns, offerID, string(from), string(to)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Offer{}, ErrInvalidTransition
		}
		return Offer{}, fmt.Errorf("offer: transition %s -> %s: %w", from, to, err)
	}
	return out, nil
}

func (r *PGRepository) RejectSiblings(ctx context.Context, shipmentID, winnerID string) ([]Offer, error) {
	rows, err := r.pool.Query(ctx, `
        UPDATE offers
        SET status = 'rejected', updated_at = now()
        WHERE shipment_id = $1 AND id <> $2 AND status = 'pending'
        RETURNING `+offerColumns, shipmentID, winnerID)
	if err != nil {
		return nil, fmt.Errorf("offer: reject siblings: %w", err)
	}
	defer rows.Close()

	var out []Offer
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, fmt.Errorf("offer: scan sibling: %w", err)
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("offer: reject siblings: %w", err)
	}
	return out, nil
}

func (r *PGRepository) GetStep(ctx context.Context, offerID string, step Step) (SettlementStep, error) {
	st, err := scanStep(r.pool.QueryRow(ctx,
		`SELECT `+stepColumns+` FROM settlement_steps WHERE offer_id = $1 AND step = $2`, offerID, string(step)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return SettlementStep{}, ErrOfferNotFound
		}
		return SettlementStep{}, fmt.Errorf("offer: get step: %w", err)
	}
	return st, nil
}

func (r *PGRepository) CompleteStep(ctx context.Context, offerID string, step Step, holdID *string) error {
	if _, err := r.pool.Exec(ctx, `
        UPDATE settlement_steps
        SET status = 'done', hold_id = COALESCE($3, hold_id), last_error = NULL, updated_at = now()
        WHERE offer_id = $1 AND step = $2 AND status <> 'done'`, offerID, string(step), holdID); err != nil {
		return fmt.Errorf("offer: complete step %s: %w", step, err)
	}
	return nil
}

func (r *PGRepository) FailStep(ctx context.Context, offerID string, step Step, cause string, maxAttempts int) (SettlementStep, error) {
	st, err := scanStep(r.pool.QueryRow(ctx, `
        UPDATE settlement_steps
        SET attempts = attempts + 1,
            last_error = $3,
            status = CASE WHEN attempts + 1 >= $4 THEN 'failed' ELSE 'pending' END,
            updated_at = now()
        WHERE offer_id = $1 AND step = $2 AND status = 'pending'
        RETURNING `+stepColumns, offerID, string(step), cause, maxAttempts))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return r.GetStep(ctx, offerID, step)
		}
		return SettlementStep{}, fmt.Errorf("offer: fail step %s: %w", step, err)
	}
	return st, nil
}

// ClaimPendingSteps bumps updated_at on the claimed rows so another
// reconciler skips them for the next grace period.
func (r *PGRepository) ClaimPendingSteps(ctx context.Context, grace time.Duration, limit int) ([]SettlementStep, error) {
	rows, err := r.pool.Query(ctx, `
        UPDATE settlement_steps s
        SET updated_at = now()
        FROM (
            SELECT offer_id, step
            FROM settlement_steps
            WHERE status = 'pending' AND updated_at < now() - make_interval(secs => $1)
            ORDER BY updated_at
            LIMIT $2
            FOR UPDATE SKIP LOCKED
        ) claimed
        WHERE s.offer_id = claimed.offer_id AND s.step = claimed.step
        RETURNING s.offer_id::text, s.step, s.status, s.attempts, s.last_error, s.hold_id, s.updated_at`,
		grace.Seconds(), limit)
	if err != nil {
		return nil, fmt.Errorf("offer: claim pending steps: %w", err)
	}
	defer rows.Close()

	var out []SettlementStep
	for rows.Next() {
		st, err := scanStep(rows)
		if err != nil {
			return nil, fmt.Errorf("offer: scan step: %w", err)
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("offer: claim pending steps: %w", err)
	}
	return out, nil
}

func scanOffer(row pgx.Row) (Offer, error) {
	var o Offer
	var status string
	if err := row.Scan(&o.ID, &o.ShipmentID, &o.CarrierID, &o.PriceCents, &o.Message, &status, &o.CreatedAt, &o.UpdatedAt); err != nil {
		return Offer{}, err
	}
	o.Status = Status(status)
	return o, nil
}

func scanStep(row pgx.Row) (SettlementStep, error) {
	var st SettlementStep
	var step, status string
	if err := row.Scan(&st.OfferID, &step, &status, &st.Attempts, &st.LastError, &st.HoldID, &st.UpdatedAt); err != nil {
		return SettlementStep{}, err
	}
	st.Step = Step(step)
	st.Status = StepStatus(status)
	return st, nil
}
