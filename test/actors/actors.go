package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"freightflow/auth"
	"freightflow/escrow"
	"freightflow/idempotency"
	"freightflow/offer"
)

// Tolerance decides which unexpected errors an actor survives. With chaos
// enabled, dropped backends surface as plain driver errors.
type Tolerance struct {
	Chaos   bool
	dropped atomic.Int64
}

// Dropped reports how many errors were swallowed because of chaos.
func (t *Tolerance) Dropped() int64 {
	return t.dropped.Load()
}

func (t *Tolerance) absorb(err error) bool {
	if t == nil || !t.Chaos {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	t.dropped.Add(1)
	return true
}

func stopped(ctx context.Context, stop <-chan struct{}) (bool, error) {
	select {
	case <-ctx.Done():
		return true, ctx.Err()
	case <-stop:
		return true, nil
	default:
		return false, nil
	}
}

func jitter() {
	time.Sleep(time.Duration(5+rand.Intn(15)) * time.Millisecond)
}

// Acceptor races shippers accepting random offers on the seeded shipments.
func Acceptor(ctx context.Context, pool *pgxpool.Pool, svc *offer.Service, shipmentIDs []string, tol *Tolerance, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		shipmentID := shipmentIDs[rand.Intn(len(shipmentIDs))]

		var offerID, shipperID string
		err := pool.QueryRow(ctx, `
            SELECT o.id::text, s.shipper_id::text
            FROM offers o JOIN shipments s ON s.id = o.shipment_id
            WHERE o.shipment_id = $1
            ORDER BY random() LIMIT 1`, shipmentID).Scan(&offerID, &shipperID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) || tol.absorb(err) {
				jitter()
				continue
			}
			return fmt.Errorf("acceptor pick: %w", err)
		}

		_, err = svc.Accept(ctx, offerID, auth.Principal{UserID: shipperID, Role: auth.RoleShipper})
		switch {
		case err == nil,
			errors.Is(err, offer.ErrConflict),
			errors.Is(err, offer.ErrInvalidTransition):
		case tol.absorb(err):
		default:
			return fmt.Errorf("acceptor accept %s: %w", offerID, err)
		}
		jitter()
	}
}

// Bidder keeps submitting offers, including to shipments that may have
// been accepted a moment ago.
func Bidder(ctx context.Context, svc *offer.Service, shipmentIDs []string, tol *Tolerance, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		shipmentID := shipmentIDs[rand.Intn(len(shipmentIDs))]
		carrier := auth.Principal{UserID: uuid.NewString(), Role: auth.RoleCarrier}

		_, err := svc.Submit(ctx, offer.SubmitParams{
			ShipmentID: shipmentID,
			PriceCents: int64(50000 + rand.Intn(100000)),
		}, carrier)
		switch {
		case err == nil, errors.Is(err, offer.ErrInvalidTransition):
		case tol.absorb(err):
		default:
			return fmt.Errorf("bidder submit: %w", err)
		}
		jitter()
	}
}

// Withdrawer retracts random offers as their carriers, racing acceptance.
func Withdrawer(ctx context.Context, pool *pgxpool.Pool, svc *offer.Service, tol *Tolerance, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		var offerID, carrierID string
		err := pool.QueryRow(ctx, `
            SELECT id::text, carrier_id::text FROM offers
            WHERE status = 'pending'
            ORDER BY random() LIMIT 1`).Scan(&offerID, &carrierID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) || tol.absorb(err) {
				jitter()
				continue
			}
			return fmt.Errorf("withdrawer pick: %w", err)
		}

		_, err = svc.Withdraw(ctx, offerID, auth.Principal{UserID: carrierID, Role: auth.RoleCarrier})
		switch {
		case err == nil, errors.Is(err, offer.ErrInvalidTransition):
		case tol.absorb(err):
		default:
			return fmt.Errorf("withdrawer withdraw %s: %w", offerID, err)
		}
		time.Sleep(time.Duration(20+rand.Intn(40)) * time.Millisecond)
	}
}

// Reconciler drives the settlement retry loop at a much higher cadence than production.
func Reconciler(ctx context.Context, rec *offer.Reconciler, tol *Tolerance, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		if _, err := rec.RunOnce(ctx); err != nil && !tol.absorb(err) {
			return fmt.Errorf("reconciler: %w", err)
		}
		time.Sleep(50 * time.Millisecond)
	}
}

// Replayer hammers a small set of idempotency keys with concurrent saves
// and lookups, while also running the sweeper. Records are written with a
// short TTL so the sweeper has something to delete.
func Replayer(ctx context.Context, store idempotency.Store, sweeper *idempotency.Sweeper, tol *Tolerance, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		now := time.Now()
		key := fmt.Sprintf("stress-%d", rand.Intn(16))

		switch rand.Intn(4) {
		case 0:
			if _, err := sweeper.RunOnce(ctx); err != nil && !tol.absorb(err) {
				return fmt.Errorf("replayer sweep: %w", err)
			}
		case 1:
			rec, ok, err := store.Lookup(ctx, key, now)
			if err != nil {
				if tol.absorb(err) {
					continue
				}
				return fmt.Errorf("replayer lookup: %w", err)
			}
			if ok && !rec.Live(now) {
				return fmt.Errorf("replayer lookup %s: returned expired record (expires %s)", key, rec.ExpiresAt)
			}
		default:
			err := store.Save(ctx, idempotency.Record{
				Key:            key,
				EndpointPath:   "/api/offers/stress/accept",
				ResponseStatus: 200,
				ResponseBody:   []byte(`{"status":"accepted"}`),
				ContentType:    "application/json",
				CreatedAt:      now,
				ExpiresAt:      now.Add(time.Duration(50+rand.Intn(200)) * time.Millisecond),
			})
			if err != nil && !tol.absorb(err) {
				return fmt.Errorf("replayer save: %w", err)
			}
		}
		jitter()
	}
}

// FlakyHolder fails a fraction of escrow holds so the reconciler has work.
type FlakyHolder struct {
	FailRate float64
	calls    atomic.Int64
}

func (f *FlakyHolder) CreateHold(_ context.Context, _, offerID string, _ int64) (string, error) {
	f.calls.Add(1)
	if rand.Float64() < f.FailRate {
		return "", escrow.ErrUnavailable
	}
	return "hold-" + offerID, nil
}

// Calls reports how many holds were attempted.
func (f *FlakyHolder) Calls() int64 {
	return f.calls.Load()
}
