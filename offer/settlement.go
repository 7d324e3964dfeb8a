package offer

import (
	"context"
	"fmt"

	"freightflow/notify"
)

// settle runs every settlement step for a freshly accepted offer, in order.
// A failing step is recorded for the Reconciler and does not stop later steps.
func (s *Service) settle(ctx context.Context, accepted Offer) AcceptResult {
	result := AcceptResult{Offer: accepted}

	for _, step := range settlementSteps {
		holdID, err := s.runStep(ctx, accepted, step)
		if err != nil {
			result.Warnings = append(result.Warnings, warningFor(step))
			continue
		}
		if holdID != nil {
			result.HoldID = holdID
		}
	}
	return result
}

// runStep executes one step and records its outcome. It is safe to repeat:
// sibling rejection only touches pending offers, and holds are keyed by offer.
func (s *Service) runStep(ctx context.Context, o Offer, step Step) (*string, error) {
	var (
		holdID *string
		err    error
	)

	switch step {
	case StepRejectSiblings:
		err = s.rejectSiblings(ctx, o)
	case StepEscrowHold:
		var id string
		id, err = s.holder.CreateHold(ctx, o.ShipmentID, o.ID, o.PriceCents)
		if err == nil {
			holdID = &id
		}
	default:
		err = fmt.Errorf("offer: unknown settlement step %q", step)
	}

	if err != nil {
		st, ferr := s.repo.FailStep(ctx, o.ID, step, err.Error(), s.maxAttempts)
		if ferr != nil {
			s.logger.Error("record settlement step failure", "offer_id", o.ID, "step", step, "error", ferr)
			return nil, err
		}
		if st.Status == StepFailed {
			s.logger.Error("settlement step exhausted; manual follow-up required",
				"offer_id", o.ID, "step", step, "attempts", st.Attempts, "error", err)
		} else {
			s.logger.Warn("settlement step deferred",
				"offer_id", o.ID, "step", step, "attempts", st.Attempts, "error", err)
		}
		return nil, err
	}

	if cerr := s.repo.CompleteStep(ctx, o.ID, step, holdID); cerr != nil {
		// The effect happened; the step stays pending and will be repeated.
		s.logger.Error("record settlement step completion", "offer_id", o.ID, "step", step, "error", cerr)
	}
	return holdID, nil
}

func (s *Service) rejectSiblings(ctx context.Context, winner Offer) error {
	rejected, err := s.repo.RejectSiblings(ctx, winner.ShipmentID, winner.ID)
	if err != nil {
		return err
	}
	for _, o := range rejected {
		s.notifier.Notify(ctx, o.CarrierID, notify.EventOfferRejected, map[string]any{
			"offer_id":    o.ID,
			"shipment_id": o.ShipmentID,
			"reason":      "another offer was accepted",
		})
	}
	return nil
}

// resume retries a step claimed by the Reconciler.
func (s *Service) resume(ctx context.Context, st SettlementStep) error {
	o, _, err := s.repo.Get(ctx, st.OfferID)
	if err != nil {
		return fmt.Errorf("offer: load offer for step %s: %w", st.Step, err)
	}
	if o.Status != StatusAccepted {
		_, ferr := s.repo.FailStep(ctx, o.ID, st.Step, fmt.Sprintf("offer is %s, not accepted", o.Status), 1)
		return ferr
	}
	_, err = s.runStep(ctx, o, st.Step)
	return err
}

func warningFor(step Step) string {
	switch step {
	case StepEscrowHold:
		return WarningEscrowHoldDeferred
	default:
		return WarningSiblingRejectionDeferred
	}
}
