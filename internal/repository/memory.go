package repository

import (
	"context"
	"sync"
	"time"

	"caramelo-gateway/internal/domain"
)

// MemoryStore keeps entitlements in process memory. Records are lost on restart.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]domain.Entitlement
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]domain.Entitlement)}
}

func (s *MemoryStore) Get(_ context.Context, identifier string) (domain.Entitlement, bool, error) {
	id, err := normalizeKey(identifier)
	if err != nil {
		return domain.Entitlement{}, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.records[id]
	return e, ok, nil
}

func (s *MemoryStore) Set(_ context.Context, e domain.Entitlement) error {
	id, err := normalizeKey(e.Identifier)
	if err != nil {
		return err
	}
	e.Identifier = id
	s.mu.Lock()
	s.records[id] = e
	s.mu.Unlock()
	return nil
}

// MemoryEventLog is an in-process EventLog. Expired receipts are pruned on write.
type MemoryEventLog struct {
	mu   sync.Mutex
	ttl  time.Duration
	now  func() time.Time
	seen map[string]time.Time
}

func NewMemoryEventLog(ttl time.Duration) *MemoryEventLog {
	return &MemoryEventLog{ttl: ttl, now: time.Now, seen: make(map[string]time.Time)}
}

func (l *MemoryEventLog) FirstSeen(_ context.Context, eventID string) (bool, error) {
	id, err := cleanEventID(eventID)
	if err != nil {
		return false, err
	}
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()
	for k, exp := range l.seen {
		if !now.Before(exp) {
			delete(l.seen, k)
		}
	}
	if _, ok := l.seen[id]; ok {
		return false, nil
	}
	l.seen[id] = now.Add(l.ttl)
	return true, nil
}

func (l *MemoryEventLog) Forget(_ context.Context, eventID string) error {
	id, err := cleanEventID(eventID)
	if err != nil {
		return err
	}
	l.mu.Lock()
	delete(l.seen, id)
	l.mu.Unlock()
	return nil
}
