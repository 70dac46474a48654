package domain

import (
	"strings"
	"time"
)

type EntitlementStatus string

const (
	StatusActive   EntitlementStatus = "ACTIVE"
	StatusInactive EntitlementStatus = "INACTIVE"
)

// Entitlement records whether an identifier may use the chat.
type Entitlement struct {
	Identifier string
	Status     EntitlementStatus
	Source     string
	UpdatedAt  time.Time
	// EventAt is the provider timestamp of the event that last changed the
	// record. Zero for seeded records.
	EventAt time.Time
}

func (e Entitlement) Active() bool {
	return e.Status == StatusActive
}

// NormalizeIdentifier returns the store key for a user identifier.
func NormalizeIdentifier(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}
