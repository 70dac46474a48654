package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"caramelo-gateway/internal/domain"
)

// redisAPI is the subset of redis.Cmdable used by the Redis stores.
type redisAPI interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

type redisEntitlement struct {
	Identifier string    `json:"identifier"`
	Status     string    `json:"status"`
	Source     string    `json:"source,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
	EventAt    time.Time `json:"event_at,omitempty"`
}

// RedisStore stores each entitlement as a JSON value under prefix+"entitlement:"+id.
type RedisStore struct {
	rdb   redisAPI
	keyNS string
}

func NewRedisStore(rdb redisAPI, keyPrefix string) *RedisStore {
	return &RedisStore{rdb: rdb, keyNS: keyPrefix + "entitlement:"}
}

func (s *RedisStore) key(id string) string { return s.keyNS + id }

func (s *RedisStore) Get(ctx context.Context, identifier string) (domain.Entitlement, bool, error) {
	id, err := normalizeKey(identifier)
	if err != nil {
		return domain.Entitlement{}, false, err
	}
	val, err := s.rdb.Get(ctx, s.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.Entitlement{}, false, nil
	}
	if err != nil {
		return domain.Entitlement{}, false, fmt.Errorf("repository: redis get %s: %w", id, err)
	}
	var rec redisEntitlement
	if err := json.Unmarshal(val, &rec); err != nil {
		return domain.Entitlement{}, false, fmt.Errorf("repository: decode entitlement %s: %w", id, err)
	}
	return domain.Entitlement{
		Identifier: id,
		Status:     domain.EntitlementStatus(rec.Status),
		Source:     rec.Source,
		UpdatedAt:  rec.UpdatedAt,
		EventAt:    rec.EventAt,
	}, true, nil
}

func (s *RedisStore) Set(ctx context.Context, e domain.Entitlement) error {
	id, err := normalizeKey(e.Identifier)
	if err != nil {
		return err
	}
	b, err := json.Marshal(redisEntitlement{
		Identifier: id,
		Status:     string(e.Status),
		Source:     e.Source,
		UpdatedAt:  e.UpdatedAt.UTC(),
		EventAt:    e.EventAt.UTC(),
	})
	if err != nil {
		return err
	}
	if err := s.rdb.Set(ctx, s.key(id), b, 0).Err(); err != nil {
		return fmt.Errorf("repository: redis set %s: %w", id, err)
	}
	return nil
}

// RedisEventLog records event IDs with SETNX and a TTL.
type RedisEventLog struct {
	rdb   redisAPI
	keyNS string
	ttl   time.Duration
}

func NewRedisEventLog(rdb redisAPI, keyPrefix string, ttl time.Duration) *RedisEventLog {
	return &RedisEventLog{rdb: rdb, keyNS: keyPrefix + "event:", ttl: ttl}
}

func (l *RedisEventLog) FirstSeen(ctx context.Context, eventID string) (bool, error) {
	id, err := cleanEventID(eventID)
	if err != nil {
		return false, err
	}
	ok, err := l.rdb.SetNX(ctx, l.keyNS+id, time.Now().UTC().Unix(), l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("repository: redis setnx %s: %w", id, err)
	}
	return ok, nil
}

func (l *RedisEventLog) Forget(ctx context.Context, eventID string) error {
	id, err := cleanEventID(eventID)
	if err != nil {
		return err
	}
	if err := l.rdb.Del(ctx, l.keyNS+id).Err(); err != nil {
		return fmt.Errorf("repository: redis del %s: %w", id, err)
	}
	return nil
}
