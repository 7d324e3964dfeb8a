package audit

import "time"

// Actions recorded for offer settlement.
const (
	ActionOfferAccepted  = "offer.accepted"
	ActionOfferRejected  = "offer.rejected"
	ActionOfferWithdrawn = "offer.withdrawn"
)

// ResourceOffer is the resource type used for offer entries.
const ResourceOffer = "offer"

// RequestContext is the network origin of the request that caused an entry.
type RequestContext struct {
	IPAddress string
	UserAgent string
}

// Entry is one append-only audit row.
type Entry struct {
	UserID       *string
	Action       string
	ResourceType string
	ResourceID   string
	Details      map[string]any
	Request      RequestContext
	CreatedAt    time.Time
}
