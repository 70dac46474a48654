package domain

import "time"

// EventKind classifies a payment provider notification.
type EventKind string

const (
	EventPurchaseApproved EventKind = "purchase_approved"
	EventRefunded         EventKind = "refunded"
	EventCanceled         EventKind = "canceled"
	EventChargeback       EventKind = "chargeback"
	EventOther            EventKind = "other"
)

// ProviderEvent is the structured result of parsing a webhook payload.
type ProviderEvent struct {
	ID         string
	Name       string
	Kind       EventKind
	BuyerEmail string
	OccurredAt time.Time
}

// TargetStatus returns the entitlement status the event implies, if any.
func (e ProviderEvent) TargetStatus() (EntitlementStatus, bool) {
	switch e.Kind {
	case EventPurchaseApproved:
		return StatusActive, true
	case EventRefunded, EventCanceled, EventChargeback:
		return StatusInactive, true
	default:
		return "", false
	}
}
