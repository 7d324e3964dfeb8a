package offer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"freightflow/audit"
	"freightflow/auth"
	"freightflow/escrow"
	"freightflow/notify"
	"freightflow/shipment"
)

var (
	shipper      = auth.Principal{UserID: "shipper-1", Role: auth.RoleShipper}
	otherShipper = auth.Principal{UserID: "shipper-2", Role: auth.RoleShipper}
	carrierA     = auth.Principal{UserID: "carrier-a", Role: auth.RoleCarrier}
	carrierB     = auth.Principal{UserID: "carrier-b", Role: auth.RoleCarrier}
	admin        = auth.Principal{UserID: "admin-1", Role: auth.RoleAdmin}
)

type fixture struct {
	repo     *memRepo
	holder   *fakeHolder
	notifier *recordingNotifier
	auditor  *recordingAuditor
	svc      *Service
}

func newFixture() *fixture {
	clock := time.Date(2024, 4, 1, 8, 0, 0, 0, time.UTC)
	now := func() time.Time { return clock }
	f := &fixture{
		repo:     newMemRepo(now),
		holder:   &fakeHolder{},
		notifier: &recordingNotifier{},
		auditor:  &recordingAuditor{},
	}
	f.svc = NewService(f.repo, f.holder, f.notifier, f.auditor, discardLogger()).WithClock(now)

	f.repo.addShipment("ship-1", shipper.UserID)
	f.repo.addOffer("offer-a", "ship-1", carrierA.UserID, 150000)
	f.repo.addOffer("offer-b", "ship-1", carrierB.UserID, 140000)
	f.repo.addOffer("offer-c", "ship-1", "carrier-c", 160000)
	return f
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestAccept_SettlesWinnerAndRejectsSiblings(t *testing.T) {
	f := newFixture()

	res, err := f.svc.Accept(context.Background(), "offer-a", shipper)
	if err != nil {
		t.Fatalf("accept: unexpected error: %v", err)
	}
	if res.AlreadyAccepted {
		t.Fatal("first acceptance must not be reported as already accepted")
	}
	if res.Offer.Status != StatusAccepted {
		t.Fatalf("expected accepted offer, got %s", res.Offer.Status)
	}
	if res.HoldID == nil || *res.HoldID != "hold-offer-a" {
		t.Fatalf("expected hold id, got %v", res.HoldID)
	}
	if len(res.Warnings) != 0 {
		t.Fatalf("expected no warnings, got %v", res.Warnings)
	}

	sh := f.repo.shipment("ship-1")
	if sh.AcceptedOfferID == nil || *sh.AcceptedOfferID != "offer-a" {
		t.Fatalf("expected accepted_offer_id offer-a, got %v", sh.AcceptedOfferID)
	}
	if sh.Status != shipment.StatusOfferAccepted {
		t.Fatalf("expected shipment offer_accepted, got %s", sh.Status)
	}
	for _, id := range []string{"offer-b", "offer-c"} {
		if got := f.repo.offer(id).Status; got != StatusRejected {
			t.Fatalf("%s: expected rejected, got %s", id, got)
		}
	}
	for _, step := range settlementSteps {
		st, ok := f.repo.step("offer-a", step)
		if !ok || st.Status != StepDone {
			t.Fatalf("step %s: expected done, got %+v", step, st)
		}
	}

	if f.notifier.count(carrierA.UserID, notify.EventOfferAccepted) != 1 {
		t.Fatal("expected winning carrier to be notified once")
	}
	if f.notifier.count(shipper.UserID, notify.EventOfferAccepted) != 1 {
		t.Fatal("expected shipper to be notified once")
	}
	if f.notifier.count(carrierB.UserID, notify.EventOfferRejected) != 1 {
		t.Fatal("expected losing carrier to be notified of rejection")
	}

	entries := f.auditor.snapshot()
	if len(entries) != 1 {
		t.Fatalf("expected 1 audit entry, got %d", len(entries))
	}
	if entries[0].Action != audit.ActionOfferAccepted || entries[0].ResourceID != "offer-a" {
		t.Fatalf("unexpected audit entry %+v", entries[0])
	}
	if entries[0].Details["override"] != false {
		t.Fatalf("owner acceptance must not be flagged as override: %v", entries[0].Details)
	}
}

func TestAccept_ConcurrentDifferentOffersHaveOneWinner(t *testing.T) {
	f := newFixture()
	for i := 0; i < 20; i++ {
		f.repo.addOffer(offerID(i), "ship-1", "carrier-x", int64(1000+i))
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		winners   []string
		conflicts int
	)
	start := make(chan struct{})
	for i := 0; i < 20; i++ {
		id := offerID(i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := f.svc.Accept(context.Background(), id, shipper)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners = append(winners, id)
			case errors.Is(err, ErrConflict):
				conflicts++
			default:
				t.Errorf("accept %s: unexpected error %v", id, err)
			}
		}()
	}
	close(start)
	wg.Wait()

	if len(winners) != 1 {
		t.Fatalf("expected exactly one winner, got %v", winners)
	}
	if conflicts != 19 {
		t.Fatalf("expected 19 conflicts, got %d", conflicts)
	}
	if n := f.repo.acceptedCount("ship-1"); n != 1 {
		t.Fatalf("expected exactly one accepted offer, got %d", n)
	}
	sh := f.repo.shipment("ship-1")
	if sh.AcceptedOfferID == nil || *sh.AcceptedOfferID != winners[0] {
		t.Fatalf("accepted_offer_id %v does not match winner %s", sh.AcceptedOfferID, winners[0])
	}
	if f.holder.callCount() != 1 {
		t.Fatalf("expected one escrow hold, got %d", f.holder.callCount())
	}
}

func TestAccept_ConcurrentSameOfferIsIdempotent(t *testing.T) {
	f := newFixture()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		fresh   int
		replays int
	)
	start := make(chan struct{})
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			res, err := f.svc.Accept(context.Background(), "offer-a", shipper)
			if err != nil {
				t.Errorf("accept: unexpected error %v", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if res.AlreadyAccepted {
				replays++
			} else {
				fresh++
			}
		}()
	}
	close(start)
	wg.Wait()

	if fresh != 1 || replays != 9 {
		t.Fatalf("expected 1 fresh acceptance and 9 replays, got %d and %d", fresh, replays)
	}
	if f.holder.callCount() != 1 {
		t.Fatalf("expected escrow to be called once, got %d", f.holder.callCount())
	}
	if got := len(f.auditor.snapshot()); got != 1 {
		t.Fatalf("expected one audit entry, got %d", got)
	}
}

func TestAccept_AlreadyAcceptedReturnsHold(t *testing.T) {
	f := newFixture()
	if _, err := f.svc.Accept(context.Background(), "offer-a", shipper); err != nil {
		t.Fatalf("first accept: %v", err)
	}

	res, err := f.svc.Accept(context.Background(), "offer-a", shipper)
	if err != nil {
		t.Fatalf("second accept: %v", err)
	}
	if !res.AlreadyAccepted {
		t.Fatal("expected AlreadyAccepted on repeat")
	}
	if res.HoldID == nil || *res.HoldID != "hold-offer-a" {
		t.Fatalf("expected stored hold id, got %v", res.HoldID)
	}
	if f.holder.callCount() != 1 {
		t.Fatalf("repeat must not place another hold, calls=%d", f.holder.callCount())
	}
}

func TestAccept_EscrowFailureKeepsAcceptanceAndWarns(t *testing.T) {
	f := newFixture()
	f.holder.setFail(escrow.ErrUnavailable)

	res, err := f.svc.Accept(context.Background(), "offer-a", shipper)
	if err != nil {
		t.Fatalf("accept must succeed when escrow is down: %v", err)
	}
	if res.HoldID != nil {
		t.Fatalf("expected no hold id, got %v", *res.HoldID)
	}
	if len(res.Warnings) != 1 || res.Warnings[0] != WarningEscrowHoldDeferred {
		t.Fatalf("expected escrow warning, got %v", res.Warnings)
	}
	if f.repo.offer("offer-a").Status != StatusAccepted {
		t.Fatal("acceptance must not be rolled back by escrow failure")
	}
	if f.repo.offer("offer-b").Status != StatusRejected {
		t.Fatal("sibling rejection must still run when escrow fails")
	}
	st, _ := f.repo.step("offer-a", StepEscrowHold)
	if st.Status != StepPending || st.Attempts != 1 || st.LastError == nil {
		t.Fatalf("expected pending escrow step with one attempt, got %+v", st)
	}

	again, err := f.svc.Accept(context.Background(), "offer-a", shipper)
	if err != nil || !again.AlreadyAccepted {
		t.Fatalf("repeat accept: res=%+v err=%v", again, err)
	}
	if len(again.Warnings) != 1 || again.Warnings[0] != WarningEscrowHoldDeferred {
		t.Fatalf("repeat should still report deferred hold, got %v", again.Warnings)
	}
}

func TestAccept_SiblingRejectionFailureIsDeferred(t *testing.T) {
	f := newFixture()
	f.repo.rejectErr = errors.New("deadlock detected")

	res, err := f.svc.Accept(context.Background(), "offer-a", shipper)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if len(res.Warnings) != 1 || res.Warnings[0] != WarningSiblingRejectionDeferred {
		t.Fatalf("expected sibling warning, got %v", res.Warnings)
	}
	if res.HoldID == nil {
		t.Fatal("escrow hold should still be placed")
	}
	if f.repo.offer("offer-b").Status != StatusPending {
		t.Fatal("sibling should remain pending until retried")
	}
}

func TestAccept_AuditFailureDoesNotBlock(t *testing.T) {
	f := newFixture()
	repo := &blockingAuditRepo{release: make(chan struct{})}
	writer := audit.NewWriter(repo, discardLogger(), time.Second)
	svc := NewService(f.repo, f.holder, f.notifier, writer, discardLogger())

	done := make(chan error, 1)
	go func() {
		_, err := svc.Accept(context.Background(), "offer-a", admin)
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("accept: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("accept blocked on audit storage")
	}

	close(repo.release)
	if err := writer.Close(context.Background()); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	if repo.calls.Load() != 1 {
		t.Fatalf("expected one audit attempt, got %d", repo.calls.Load())
	}
}

func TestAccept_Authorization(t *testing.T) {
	f := newFixture()

	for _, actor := range []auth.Principal{carrierA, otherShipper} {
		if _, err := f.svc.Accept(context.Background(), "offer-a", actor); !errors.Is(err, ErrForbidden) {
			t.Fatalf("%s: expected ErrForbidden, got %v", actor.UserID, err)
		}
	}
	if f.repo.offer("offer-a").Status != StatusPending {
		t.Fatal("forbidden accept must not change state")
	}

	if _, err := f.svc.Accept(context.Background(), "offer-a", admin); err != nil {
		t.Fatalf("admin accept: %v", err)
	}
	entries := f.auditor.snapshot()
	if len(entries) != 1 || entries[0].Details["override"] != true {
		t.Fatalf("expected admin override to be audited, got %+v", entries)
	}
	if entries[0].UserID == nil || *entries[0].UserID != admin.UserID {
		t.Fatalf("expected admin as actor, got %v", entries[0].UserID)
	}
}

func TestAccept_NonPendingOffers(t *testing.T) {
	t.Run("withdrawn with no winner", func(t *testing.T) {
		f := newFixture()
		if _, err := f.svc.Withdraw(context.Background(), "offer-b", carrierB); err != nil {
			t.Fatalf("withdraw: %v", err)
		}
		if _, err := f.svc.Accept(context.Background(), "offer-b", shipper); !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("expected ErrInvalidTransition, got %v", err)
		}
		if f.repo.shipment("ship-1").AcceptedOfferID != nil {
			t.Fatal("shipment must stay unclaimed")
		}
	})

	t.Run("rejected sibling after winner", func(t *testing.T) {
		f := newFixture()
		if _, err := f.svc.Accept(context.Background(), "offer-a", shipper); err != nil {
			t.Fatalf("accept: %v", err)
		}
		if _, err := f.svc.Accept(context.Background(), "offer-b", shipper); !errors.Is(err, ErrConflict) {
			t.Fatalf("expected ErrConflict, got %v", err)
		}
	})

	t.Run("unknown offer", func(t *testing.T) {
		f := newFixture()
		if _, err := f.svc.Accept(context.Background(), "missing", shipper); !errors.Is(err, ErrOfferNotFound) {
			t.Fatalf("expected ErrOfferNotFound, got %v", err)
		}
	})

	t.Run("withdrawn between read and claim", func(t *testing.T) {
		f := newFixture()
		repo := &withdrawBeforeAccept{memRepo: f.repo}
		svc := NewService(repo, f.holder, f.notifier, f.auditor, discardLogger())

		if _, err := svc.Accept(context.Background(), "offer-a", shipper); !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("expected ErrInvalidTransition, got %v", err)
		}
		if f.repo.shipment("ship-1").AcceptedOfferID != nil {
			t.Fatal("failed accept must release the shipment claim")
		}
		if _, err := svc.Accept(context.Background(), "offer-b", shipper); err != nil {
			t.Fatalf("another offer should still be acceptable: %v", err)
		}
	})
}

// withdrawBeforeAccept withdraws the offer right before the conditional
// write, as a racing carrier would.
type withdrawBeforeAccept struct {
	*memRepo
}

func (w *withdrawBeforeAccept) Accept(ctx context.Context, offerID, shipmentID string) (Offer, error) {
	if offerID == "offer-a" {
		_, _ = w.memRepo.Transition(ctx, offerID, StatusPending, StatusWithdrawn)
	}
	return w.memRepo.Accept(ctx, offerID, shipmentID)
}

func TestReject(t *testing.T) {
	f := newFixture()

	if _, err := f.svc.Reject(context.Background(), "offer-b", carrierB); !errors.Is(err, ErrForbidden) {
		t.Fatalf("carrier reject: expected ErrForbidden, got %v", err)
	}

	o, err := f.svc.Reject(context.Background(), "offer-b", shipper)
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if o.Status != StatusRejected {
		t.Fatalf("expected rejected, got %s", o.Status)
	}
	if _, err := f.svc.Reject(context.Background(), "offer-b", shipper); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("second reject: expected ErrInvalidTransition, got %v", err)
	}
	if f.notifier.count(carrierB.UserID, notify.EventOfferRejected) != 1 {
		t.Fatal("expected carrier to be notified once")
	}
	if entries := f.auditor.snapshot(); len(entries) != 1 || entries[0].Action != audit.ActionOfferRejected {
		t.Fatalf("expected one reject audit entry, got %+v", entries)
	}
}

func TestWithdraw(t *testing.T) {
	f := newFixture()

	if _, err := f.svc.Withdraw(context.Background(), "offer-a", carrierB); !errors.Is(err, ErrForbidden) {
		t.Fatalf("foreign carrier: expected ErrForbidden, got %v", err)
	}
	if _, err := f.svc.Withdraw(context.Background(), "offer-a", shipper); !errors.Is(err, ErrForbidden) {
		t.Fatalf("shipper: expected ErrForbidden, got %v", err)
	}

	o, err := f.svc.Withdraw(context.Background(), "offer-a", carrierA)
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if o.Status != StatusWithdrawn {
		t.Fatalf("expected withdrawn, got %s", o.Status)
	}
	if f.notifier.count(shipper.UserID, notify.EventOfferWithdrawn) != 1 {
		t.Fatal("expected shipper to be notified of withdrawal")
	}

	if _, err := f.svc.Accept(context.Background(), "offer-b", shipper); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, err := f.svc.Withdraw(context.Background(), "offer-b", carrierB); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("withdraw accepted: expected ErrInvalidTransition, got %v", err)
	}

	if _, err := f.svc.Withdraw(context.Background(), "offer-c", admin); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("admin withdraw of rejected sibling: expected ErrInvalidTransition, got %v", err)
	}
}

func TestSubmit(t *testing.T) {
	f := newFixture()
	f.svc.WithIDGenerator(func() string { return "offer-new" })

	if _, err := f.svc.Submit(context.Background(), SubmitParams{ShipmentID: "ship-1", PriceCents: 100}, shipper); !errors.Is(err, ErrForbidden) {
		t.Fatalf("shipper submit: expected ErrForbidden, got %v", err)
	}
	if _, err := f.svc.Submit(context.Background(), SubmitParams{ShipmentID: "ship-1", PriceCents: 0}, carrierA); !errors.Is(err, ErrInvalidPrice) {
		t.Fatalf("zero price: expected ErrInvalidPrice, got %v", err)
	}
	if _, err := f.svc.Submit(context.Background(), SubmitParams{ShipmentID: "nope", PriceCents: 100}, carrierA); !errors.Is(err, ErrShipmentNotFound) {
		t.Fatalf("unknown shipment: expected ErrShipmentNotFound, got %v", err)
	}

	o, err := f.svc.Submit(context.Background(), SubmitParams{ShipmentID: "ship-1", PriceCents: 99000, Message: "can pick up friday"}, carrierA)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if o.ID != "offer-new" || o.CarrierID != carrierA.UserID || o.Status != StatusPending {
		t.Fatalf("unexpected offer %+v", o)
	}
	if f.notifier.count(shipper.UserID, notify.EventOfferSubmitted) != 1 {
		t.Fatal("expected shipper to be notified of new offer")
	}

	if _, err := f.svc.Accept(context.Background(), "offer-a", shipper); err != nil {
		t.Fatalf("accept: %v", err)
	}
	f.svc.WithIDGenerator(func() string { return "offer-late" })
	if _, err := f.svc.Submit(context.Background(), SubmitParams{ShipmentID: "ship-1", PriceCents: 100}, carrierB); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("submit on settled shipment: expected ErrInvalidTransition, got %v", err)
	}
}

func offerID(i int) string {
	return "race-" + string(rune('a'+i))
}
