package usecase

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"time"

	"caramelo-gateway/internal/domain"
	"caramelo-gateway/internal/integrations/hotmart"
)

type EntitlementStore interface {
	EntitlementReader
	Set(ctx context.Context, e domain.Entitlement) error
}

type EventLog interface {
	FirstSeen(ctx context.Context, eventID string) (bool, error)
	Forget(ctx context.Context, eventID string) error
}

// WebhookOutcome describes what happened to one delivery. It is never sent
// to the provider.
type WebhookOutcome string

const (
	OutcomeApplied      WebhookOutcome = "applied"
	OutcomeDuplicate    WebhookOutcome = "duplicate"
	OutcomeStale        WebhookOutcome = "stale"
	OutcomeIgnored      WebhookOutcome = "ignored"
	OutcomeUnrecognized WebhookOutcome = "unrecognized"
	OutcomeRejected     WebhookOutcome = "rejected"
	OutcomeUnverified   WebhookOutcome = "unverified"
	OutcomeFailed       WebhookOutcome = "failed"
)

type WebhookInput struct {
	Payload []byte
	// ContentType selects the payload decoding. Empty means JSON.
	ContentType string
	// Token is the shared secret header sent by the provider, if any.
	Token string
}

type WebhookService struct {
	store  EntitlementStore
	events EventLog
	hottok string
	now    func() time.Time
	logger *slog.Logger
}

type WebhookOption func(*WebhookService)

func WithEventLog(l EventLog) WebhookOption {
	return func(s *WebhookService) { s.events = l }
}

// WithHottok requires deliveries to carry this shared secret. Without it
// deliveries are parsed and logged but never applied.
func WithHottok(token string) WebhookOption {
	return func(s *WebhookService) { s.hottok = token }
}

func WithWebhookLogger(l *slog.Logger) WebhookOption {
	return func(s *WebhookService) {
		if l != nil {
			s.logger = l
		}
	}
}

func NewWebhookService(store EntitlementStore, opts ...WebhookOption) (*WebhookService, error) {
	if store == nil {
		return nil, errors.New("usecase: entitlement store must not be nil")
	}
	s := &WebhookService{store: store, now: time.Now, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// HandleEvent applies one provider delivery to the entitlement store.
func (s *WebhookService) HandleEvent(ctx context.Context, in WebhookInput) WebhookOutcome {
	if s.hottok != "" && subtle.ConstantTimeCompare([]byte(in.Token), []byte(s.hottok)) != 1 {
		s.logger.WarnContext(ctx, "webhook token mismatch", "has_token", in.Token != "")
		return OutcomeRejected
	}

	var ev domain.ProviderEvent
	switch r := hotmart.ParseContent(in.ContentType, in.Payload).(type) {
	case hotmart.Unrecognized:
		s.logger.InfoContext(ctx, "webhook payload not recognized", "reason", r.Reason, "bytes", len(in.Payload))
		return OutcomeUnrecognized
	case hotmart.Match:
		ev = r.Event
		s.logger.InfoContext(ctx, "webhook event received",
			"strategy", r.Strategy, "event", ev.Name, "kind", ev.Kind, "event_id", ev.ID)
	}

	if s.hottok == "" {
		s.logger.WarnContext(ctx, "webhook hottok not configured, event not applied", "event_id", ev.ID)
		return OutcomeUnverified
	}

	status, ok := ev.TargetStatus()
	if !ok {
		return OutcomeIgnored
	}

	if ev.ID != "" && s.events != nil {
		first, err := s.events.FirstSeen(ctx, ev.ID)
		switch {
		case err != nil:
			s.logger.WarnContext(ctx, "event log unavailable, processing anyway", "event_id", ev.ID, "err", err)
		case !first:
			s.logger.InfoContext(ctx, "duplicate webhook event skipped", "event_id", ev.ID)
			return OutcomeDuplicate
		}
	}

	outcome := s.apply(ctx, ev, status)
	if outcome == OutcomeFailed && ev.ID != "" && s.events != nil {
		if err := s.events.Forget(ctx, ev.ID); err != nil {
			s.logger.WarnContext(ctx, "event log forget failed", "event_id", ev.ID, "err", err)
		}
	}
	return outcome
}

func (s *WebhookService) apply(ctx context.Context, ev domain.ProviderEvent, status domain.EntitlementStatus) WebhookOutcome {
	current, found, err := s.store.Get(ctx, ev.BuyerEmail)
	if err != nil {
		s.logger.ErrorContext(ctx, "entitlement lookup failed", "event_id", ev.ID, "err", err)
		return OutcomeFailed
	}

	eventAt := ev.OccurredAt
	if found {
		if !eventAt.IsZero() && eventAt.Before(current.EventAt) {
			s.logger.InfoContext(ctx, "stale webhook event skipped",
				"event_id", ev.ID, "occurred_at", eventAt, "record_event_at", current.EventAt)
			return OutcomeStale
		}
		if eventAt.IsZero() {
			eventAt = current.EventAt
		}
	}

	err = s.store.Set(ctx, domain.Entitlement{
		Identifier: ev.BuyerEmail,
		Status:     status,
		Source:     ev.Name,
		UpdatedAt:  s.now().UTC(),
		EventAt:    eventAt,
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "entitlement update failed", "event_id", ev.ID, "err", err)
		return OutcomeFailed
	}
	s.logger.InfoContext(ctx, "entitlement updated", "event_id", ev.ID, "status", status)
	return OutcomeApplied
}
