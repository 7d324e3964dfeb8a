package offer

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"freightflow/audit"
	"freightflow/auth"
	"freightflow/escrow"
	"freightflow/notify"
	"freightflow/shipment"
)

// DefaultMaxStepAttempts is how many times a settlement step is tried before
// it is parked as failed for manual follow-up.
const DefaultMaxStepAttempts = 10

// Auditor records privileged actions. It must not block the caller.
type Auditor interface {
	Record(ctx context.Context, e audit.Entry)
}

// Service owns the offer lifecycle: submission, acceptance with its
// settlement side effects, rejection and withdrawal.
type Service struct {
	repo        Repository
	holder      escrow.Holder
	notifier    notify.Notifier
	auditor     Auditor
	logger      *slog.Logger
	idGenerator func() string
	now         func() time.Time
	maxAttempts int
}

func NewService(repo Repository, holder escrow.Holder, notifier notify.Notifier, auditor Auditor, logger *slog.Logger) *Service {
	if holder == nil {
		holder = escrow.Disabled{}
	}
	if notifier == nil {
		notifier = notify.Discard{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:        repo,
		holder:      holder,
		notifier:    notifier,
		auditor:     auditor,
		logger:      logger,
		idGenerator: uuid.NewString,
		now:         time.Now,
		maxAttempts: DefaultMaxStepAttempts,
	}
}

// WithIDGenerator overrides offer id generation.
func (s *Service) WithIDGenerator(gen func() string) *Service {
	if gen != nil {
		s.idGenerator = gen
	}
	return s
}

// WithClock overrides the service clock.
func (s *Service) WithClock(now func() time.Time) *Service {
	if now != nil {
		s.now = now
	}
	return s
}

// WithMaxStepAttempts overrides DefaultMaxStepAttempts.
func (s *Service) WithMaxStepAttempts(n int) *Service {
	if n > 0 {
		s.maxAttempts = n
	}
	return s
}

// Submit records a carrier's pending bid on an open shipment.
func (s *Service) Submit(ctx context.Context, params SubmitParams, actor auth.Principal) (Offer, error) {
	if actor.Role != auth.RoleCarrier {
		return Offer{}, ErrForbidden
	}
	if params.PriceCents <= 0 {
		return Offer{}, ErrInvalidPrice
	}

	o, sh, err := s.repo.Insert(ctx, Offer{
		ID:         s.idGenerator(),
		ShipmentID: params.ShipmentID,
		CarrierID:  actor.UserID,
		PriceCents: params.PriceCents,
		Message:    params.Message,
		Status:     StatusPending,
	})
	if err != nil {
		return Offer{}, err
	}

	s.notifier.Notify(ctx, sh.ShipperID, notify.EventOfferSubmitted, map[string]any{
		"offer_id":    o.ID,
		"shipment_id": o.ShipmentID,
		"price_cents": o.PriceCents,
	})
	return o, nil
}

// Accept makes offerID the shipment's single winning offer. The decision is
// committed first; sibling rejection, the escrow hold, notifications and
// audit follow and never undo it. Failed side effects are reported as
// warnings and retried by the Reconciler.
func (s *Service) Accept(ctx context.Context, offerID string, actor auth.Principal) (AcceptResult, error) {
	o, sh, err := s.repo.Get(ctx, offerID)
	if err != nil {
		return AcceptResult{}, err
	}
	if !ownsShipment(actor, sh) {
		return AcceptResult{}, ErrForbidden
	}

	if o.Status == StatusAccepted && sh.AcceptedOfferID != nil && *sh.AcceptedOfferID == o.ID {
		return s.alreadyAccepted(ctx, o)
	}
	if o.Status != StatusPending {
		if sh.AcceptedOfferID != nil {
			return AcceptResult{}, ErrConflict
		}
		return AcceptResult{}, ErrInvalidTransition
	}

	accepted, err := s.repo.Accept(ctx, o.ID, o.ShipmentID)
	if err != nil {
		if errors.Is(err, errAlreadyAccepted) {
			return s.alreadyAccepted(ctx, o)
		}
		return AcceptResult{}, err
	}

	s.logger.Info("offer accepted",
		"offer_id", accepted.ID,
		"shipment_id", accepted.ShipmentID,
		"actor_id", actor.UserID,
	)

	// The acceptance is committed; a disconnecting client must not cut the
	// follow-up work short.
	settleCtx := context.WithoutCancel(ctx)
	result := s.settle(settleCtx, accepted)

	s.notifier.Notify(settleCtx, accepted.CarrierID, notify.EventOfferAccepted, acceptedPayload(accepted, result.HoldID))
	s.notifier.Notify(settleCtx, sh.ShipperID, notify.EventOfferAccepted, acceptedPayload(accepted, result.HoldID))
	s.record(settleCtx, actor, audit.ActionOfferAccepted, accepted, !isOwner(actor, sh), map[string]any{
		"hold_id":  result.HoldID,
		"warnings": result.Warnings,
	})

	return result, nil
}

func (s *Service) alreadyAccepted(ctx context.Context, o Offer) (AcceptResult, error) {
	result := AcceptResult{Offer: o, AlreadyAccepted: true}
	result.Offer.Status = StatusAccepted

	st, err := s.repo.GetStep(ctx, o.ID, StepEscrowHold)
	switch {
	case err != nil:
		s.logger.Warn("load escrow step for accepted offer", "offer_id", o.ID, "error", err)
		result.Warnings = append(result.Warnings, WarningEscrowHoldDeferred)
	case st.Status == StepDone:
		result.HoldID = st.HoldID
	default:
		result.Warnings = append(result.Warnings, WarningEscrowHoldDeferred)
	}
	return result, nil
}

// Reject declines a pending offer. Only the shipment owner or an admin may reject.
func (s *Service) Reject(ctx context.Context, offerID string, actor auth.Principal) (Offer, error) {
	o, sh, err := s.repo.Get(ctx, offerID)
	if err != nil {
		return Offer{}, err
	}
	if !ownsShipment(actor, sh) {
		return Offer{}, ErrForbidden
	}

	rejected, err := s.repo.Transition(ctx, o.ID, StatusPending, StatusRejected)
	if err != nil {
		return Offer{}, err
	}

	s.notifier.Notify(ctx, rejected.CarrierID, notify.EventOfferRejected, map[string]any{
		"offer_id":    rejected.ID,
		"shipment_id": rejected.ShipmentID,
	})
	s.record(ctx, actor, audit.ActionOfferRejected, rejected, !isOwner(actor, sh), nil)
	return rejected, nil
}

// Withdraw retracts a pending offer. Only the carrier who made it or an
// admin may withdraw.
func (s *Service) Withdraw(ctx context.Context, offerID string, actor auth.Principal) (Offer, error) {
	o, sh, err := s.repo.Get(ctx, offerID)
	if err != nil {
		return Offer{}, err
	}
	isCarrier := actor.Role == auth.RoleCarrier && o.CarrierID == actor.UserID
	if !isCarrier && !actor.IsAdmin() {
		return Offer{}, ErrForbidden
	}

	withdrawn, err := s.repo.Transition(ctx, o.ID, StatusPending, StatusWithdrawn)
	if err != nil {
		return Offer{}, err
	}

	s.notifier.Notify(ctx, sh.ShipperID, notify.EventOfferWithdrawn, map[string]any{
		"offer_id":    withdrawn.ID,
		"shipment_id": withdrawn.ShipmentID,
	})
	s.record(ctx, actor, audit.ActionOfferWithdrawn, withdrawn, !isCarrier, nil)
	return withdrawn, nil
}

func (s *Service) record(ctx context.Context, actor auth.Principal, action string, o Offer, override bool, extra map[string]any) {
	if s.auditor == nil {
		return
	}
	details := map[string]any{
		"shipment_id": o.ShipmentID,
		"carrier_id":  o.CarrierID,
		"price_cents": o.PriceCents,
		"status":      string(o.Status),
		"override":    override,
	}
	for k, v := range extra {
		details[k] = v
	}
	actorID := actor.UserID
	s.auditor.Record(ctx, audit.Entry{
		UserID:       &actorID,
		Action:       action,
		ResourceType: audit.ResourceOffer,
		ResourceID:   o.ID,
		Details:      details,
		Request:      audit.RequestContextFromContext(ctx),
		CreatedAt:    s.now(),
	})
}

func isOwner(actor auth.Principal, sh shipment.Shipment) bool {
	return actor.Role == auth.RoleShipper && sh.ShipperID == actor.UserID
}

func ownsShipment(actor auth.Principal, sh shipment.Shipment) bool {
	return isOwner(actor, sh) || actor.IsAdmin()
}

func acceptedPayload(o Offer, holdID *string) map[string]any {
	payload := map[string]any{
		"offer_id":    o.ID,
		"shipment_id": o.ShipmentID,
		"price_cents": o.PriceCents,
	}
	if holdID != nil {
		payload["hold_id"] = *holdID
	}
	return payload
}
