package offer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"freightflow/audit"
	"freightflow/shipment"
)

// memRepo mirrors PGRepository semantics in memory. A single mutex stands in
// for the shipment row lock that serializes acceptances.
type memRepo struct {
	mu        sync.Mutex
	now       func() time.Time
	offers    map[string]Offer
	shipments map[string]shipment.Shipment
	steps     map[string]SettlementStep

	rejectErr error
}

func newMemRepo(now func() time.Time) *memRepo {
	return &memRepo{
		now:       now,
		offers:    make(map[string]Offer),
		shipments: make(map[string]shipment.Shipment),
		steps:     make(map[string]SettlementStep),
	}
}

func stepKey(offerID string, step Step) string {
	return offerID + "/" + string(step)
}

func (m *memRepo) addShipment(id, shipperID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shipments[id] = shipment.Shipment{ID: id, ShipperID: shipperID, Status: shipment.StatusOpen}
}

func (m *memRepo) addOffer(id, shipmentID, carrierID string, price int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offers[id] = Offer{ID: id, ShipmentID: shipmentID, CarrierID: carrierID, PriceCents: price, Status: StatusPending}
}

func (m *memRepo) offer(id string) Offer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.offers[id]
}

func (m *memRepo) shipment(id string) shipment.Shipment {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shipments[id]
}

func (m *memRepo) step(offerID string, step Step) (SettlementStep, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.steps[stepKey(offerID, step)]
	return st, ok
}

func (m *memRepo) acceptedCount(shipmentID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, o := range m.offers {
		if o.ShipmentID == shipmentID && o.Status == StatusAccepted {
			n++
		}
	}
	return n
}

func (m *memRepo) Insert(_ context.Context, o Offer) (Offer, shipment.Shipment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sh, ok := m.shipments[o.ShipmentID]
	if !ok {
		return Offer{}, shipment.Shipment{}, ErrShipmentNotFound
	}
	if !sh.OpenForOffers() {
		return Offer{}, shipment.Shipment{}, ErrInvalidTransition
	}
	o.CreatedAt = m.now()
	o.UpdatedAt = o.CreatedAt
	m.offers[o.ID] = o
	return o, sh, nil
}

func (m *memRepo) Get(_ context.Context, id string) (Offer, shipment.Shipment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.offers[id]
	if !ok {
		return Offer{}, shipment.Shipment{}, ErrOfferNotFound
	}
	return o, m.shipments[o.ShipmentID], nil
}

func (m *memRepo) Accept(_ context.Context, offerID, shipmentID string) (Offer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sh, ok := m.shipments[shipmentID]
	if !ok {
		return Offer{}, ErrShipmentNotFound
	}
	if !sh.OpenForOffers() {
		switch {
		case sh.AcceptedOfferID != nil && *sh.AcceptedOfferID == offerID:
			return Offer{}, errAlreadyAccepted
		case sh.AcceptedOfferID != nil:
			return Offer{}, ErrConflict
		default:
			return Offer{}, ErrInvalidTransition
		}
	}
	o, ok := m.offers[offerID]
	if !ok || o.ShipmentID != shipmentID || o.Status != StatusPending {
		return Offer{}, ErrInvalidTransition
	}

	now := m.now()
	id := offerID
	sh.AcceptedOfferID = &id
	sh.Status = shipment.StatusOfferAccepted
	sh.UpdatedAt = now
	m.shipments[shipmentID] = sh

	o.Status = StatusAccepted
	o.UpdatedAt = now
	m.offers[offerID] = o

	for _, step := range settlementSteps {
		k := stepKey(offerID, step)
		if _, exists := m.steps[k]; !exists {
			m.steps[k] = SettlementStep{OfferID: offerID, Step: step, Status: StepPending, UpdatedAt: now}
		}
	}
	return o, nil
}

func (m *memRepo) Transition(_ context.Context, offerID string, from, to Status) (Offer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.offers[offerID]
	if !ok || o.Status != from {
		return Offer{}, ErrInvalidTransition
	}
	o.Status = to
	o.UpdatedAt = m.now()
	m.offers[offerID] = o
	return o, nil
}

func (m *memRepo) RejectSiblings(_ context.Context, shipmentID, winnerID string) ([]Offer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rejectErr != nil {
		return nil, m.rejectErr
	}
	var out []Offer
	for id, o := range m.offers {
		if o.ShipmentID == shipmentID && id != winnerID && o.Status == StatusPending {
			o.Status = StatusRejected
			o.UpdatedAt = m.now()
			m.offers[id] = o
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memRepo) GetStep(_ context.Context, offerID string, step Step) (SettlementStep, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.steps[stepKey(offerID, step)]
	if !ok {
		return SettlementStep{}, ErrOfferNotFound
	}
	return st, nil
}

func (m *memRepo) CompleteStep(_ context.Context, offerID string, step Step, holdID *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := stepKey(offerID, step)
	st, ok := m.steps[k]
	if !ok {
		return fmt.Errorf("no step %s", k)
	}
	if st.Status == StepDone {
		return nil
	}
	st.Status = StepDone
	if holdID != nil {
		st.HoldID = holdID
	}
	st.LastError = nil
	st.UpdatedAt = m.now()
	m.steps[k] = st
	return nil
}

func (m *memRepo) FailStep(_ context.Context, offerID string, step Step, cause string, maxAttempts int) (SettlementStep, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := stepKey(offerID, step)
	st, ok := m.steps[k]
	if !ok {
		return SettlementStep{}, fmt.Errorf("no step %s", k)
	}
	if st.Status != StepPending {
		return st, nil
	}
	st.Attempts++
	st.LastError = &cause
	if st.Attempts >= maxAttempts {
		st.Status = StepFailed
	}
	st.UpdatedAt = m.now()
	m.steps[k] = st
	return st, nil
}

func (m *memRepo) ClaimPendingSteps(_ context.Context, grace time.Duration, limit int) ([]SettlementStep, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	var out []SettlementStep
	for k, st := range m.steps {
		if len(out) >= limit {
			break
		}
		if st.Status != StepPending || st.UpdatedAt.After(now.Add(-grace)) {
			continue
		}
		st.UpdatedAt = now
		m.steps[k] = st
		out = append(out, st)
	}
	return out, nil
}

type fakeHolder struct {
	mu    sync.Mutex
	calls int
	fail  error
	holds map[string]string
}

func (f *fakeHolder) CreateHold(_ context.Context, shipmentID, offerID string, amount int64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fail != nil {
		return "", f.fail
	}
	if f.holds == nil {
		f.holds = make(map[string]string)
	}
	if id, ok := f.holds[offerID]; ok {
		return id, nil
	}
	id := "hold-" + offerID
	f.holds[offerID] = id
	return id, nil
}

func (f *fakeHolder) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeHolder) setFail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = err
}

type sentNotification struct {
	userID string
	event  string
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []sentNotification
}

func (r *recordingNotifier) Notify(_ context.Context, userID, eventType string, _ map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, sentNotification{userID: userID, event: eventType})
}

func (r *recordingNotifier) count(userID, event string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.sent {
		if s.userID == userID && s.event == event {
			n++
		}
	}
	return n
}

type recordingAuditor struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (r *recordingAuditor) Record(_ context.Context, e audit.Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
}

func (r *recordingAuditor) snapshot() []audit.Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]audit.Entry(nil), r.entries...)
}

// blockingAuditRepo never completes until released, like an audit table
// behind a stalled connection.
type blockingAuditRepo struct {
	release chan struct{}
	calls   atomic.Int32
}

func (b *blockingAuditRepo) Append(ctx context.Context, _ audit.Entry) error {
	b.calls.Add(1)
	select {
	case <-b.release:
		return errors.New("audit_logs: relation does not exist")
	case <-ctx.Done():
		return ctx.Err()
	}
}
