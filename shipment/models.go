package shipment

import "time"

type Status string

const (
	StatusOpen          Status = "open"
	StatusOfferAccepted Status = "offer_accepted"
	StatusInTransit     Status = "in_transit"
	StatusDelivered     Status = "delivered"
	StatusCancelled     Status = "cancelled"
)

// Shipment is a load published by a shipper. AcceptedOfferID is set once,
// by the winning acceptance, and never changes afterwards.
type Shipment struct {
	ID              string
	ShipperID       string
	Status          Status
	AcceptedOfferID *string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// OpenForOffers reports whether carriers may still bid and shippers may still accept.
func (s Shipment) OpenForOffers() bool {
	return s.Status == StatusOpen && s.AcceptedOfferID == nil
}
