package offer

import (
	"errors"
	"time"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusAccepted  Status = "accepted"
	StatusRejected  Status = "rejected"
	StatusWithdrawn Status = "withdrawn"
)

var (
	ErrOfferNotFound     = errors.New("offer: not found")
	ErrShipmentNotFound  = errors.New("offer: shipment not found")
	ErrConflict          = errors.New("offer: shipment already has an accepted offer")
	ErrInvalidTransition = errors.New("offer: invalid status transition")
	ErrForbidden         = errors.New("offer: forbidden")
	ErrInvalidPrice      = errors.New("offer: price must be positive")

	// errAlreadyAccepted is returned by Repository.Accept when the offer is
	// already the shipment's winner.
	errAlreadyAccepted = errors.New("offer: already accepted")
)

// Offer is a carrier's bid on a shipment.
type Offer struct {
	ID         string
	ShipmentID string
	CarrierID  string
	PriceCents int64
	Message    string
	Status     Status
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// SubmitParams carries a carrier's new bid.
type SubmitParams struct {
	ShipmentID string
	PriceCents int64
	Message    string
}

// Step is a post-commit side effect of accepting an offer. Steps are
// persisted with the acceptance so they survive a crash and are retried by
// the Reconciler until done.
type Step string

const (
	StepRejectSiblings Step = "reject_siblings"
	StepEscrowHold     Step = "escrow_hold"
)

// settlementSteps run in this order after every acceptance.
var settlementSteps = []Step{StepRejectSiblings, StepEscrowHold}

type StepStatus string

const (
	StepPending StepStatus = "pending"
	StepDone    StepStatus = "done"
	StepFailed  StepStatus = "failed"
)

type SettlementStep struct {
	OfferID   string
	Step      Step
	Status    StepStatus
	Attempts  int
	LastError *string
	HoldID    *string
	UpdatedAt time.Time
}

// Warnings attached to an acceptance whose side effects were deferred.
const (
	WarningSiblingRejectionDeferred = "sibling_rejection_deferred"
	WarningEscrowHoldDeferred       = "escrow_hold_deferred"
)

// AcceptResult describes a successful acceptance. HoldID is nil when the
// escrow hold has not been obtained yet; Warnings then says why.
type AcceptResult struct {
	Offer           Offer
	HoldID          *string
	Warnings        []string
	AlreadyAccepted bool
}
