// Package repository persists entitlement records and webhook delivery
// receipts. Every store is safe for concurrent use.
package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"caramelo-gateway/internal/domain"
)

// SourceSeed marks records created from configuration at startup.
const SourceSeed = "seed"

// EntitlementStore reads and writes entitlement records by normalized identifier.
type EntitlementStore interface {
	Get(ctx context.Context, identifier string) (domain.Entitlement, bool, error)
	Set(ctx context.Context, e domain.Entitlement) error
}

// EventLog remembers processed webhook event IDs for a bounded time.
type EventLog interface {
	// FirstSeen records eventID and reports whether it was new.
	FirstSeen(ctx context.Context, eventID string) (bool, error)
	// Forget drops a receipt so a redelivery of an event that failed to
	// apply is processed again.
	Forget(ctx context.Context, eventID string) error
}

var errEmptyIdentifier = errors.New("repository: identifier must not be empty")

// Seed marks each identifier ACTIVE unless a record already exists, so a
// restart never revives an identifier a refund switched off.
func Seed(ctx context.Context, store EntitlementStore, identifiers []string, now time.Time) error {
	for _, raw := range identifiers {
		id := domain.NormalizeIdentifier(raw)
		if id == "" {
			continue
		}
		_, found, err := store.Get(ctx, id)
		if err != nil {
			return fmt.Errorf("repository: seed %s: %w", id, err)
		}
		if found {
			continue
		}
		err = store.Set(ctx, domain.Entitlement{
			Identifier: id,
			Status:     domain.StatusActive,
			Source:     SourceSeed,
			UpdatedAt:  now.UTC(),
		})
		if err != nil {
			return fmt.Errorf("repository: seed %s: %w", id, err)
		}
	}
	return nil
}

func normalizeKey(id string) (string, error) {
	id = domain.NormalizeIdentifier(id)
	if id == "" {
		return "", errEmptyIdentifier
	}
	return id, nil
}

func cleanEventID(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", errors.New("repository: event id must not be empty")
	}
	return id, nil
}
