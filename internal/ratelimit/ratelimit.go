// Package ratelimit bounds how many chat requests one identifier may send per window.
package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

var errEmptyKey = errors.New("ratelimit: key required")

// Limit defines window and max count per key. A non-positive Requests
// disables limiting.
type Limit struct {
	Requests int
	Window   time.Duration
}

func (l Limit) disabled() bool {
	return l.Requests <= 0 || l.Window <= 0
}

// Memory is an in-process sliding-window limiter for single-node deployments.
type Memory struct {
	mu        sync.Mutex
	limit     Limit
	now       func() time.Time
	buckets   map[string][]int64
	lastSweep int64
}

func NewMemory(limit Limit) *Memory {
	return &Memory{limit: limit, now: time.Now, buckets: make(map[string][]int64)}
}

// Allow prunes timestamps outside the window, then admits the request if
// fewer than Requests remain. Denied attempts are not recorded.
func (m *Memory) Allow(_ context.Context, key string) (bool, error) {
	if m == nil || m.limit.disabled() {
		return true, nil
	}
	if key == "" {
		return false, errEmptyKey
	}
	nowMs := m.now().UnixMilli()
	windowStart := nowMs - m.limit.Window.Milliseconds()

	m.mu.Lock()
	defer m.mu.Unlock()

	ts := m.buckets[key]
	i := 0
	for i < len(ts) && ts[i] <= windowStart {
		i++
	}
	ts = ts[i:]

	if len(ts) >= m.limit.Requests {
		m.buckets[key] = ts
		return false, nil
	}
	m.buckets[key] = append(ts, nowMs)
	if nowMs-m.lastSweep >= m.limit.Window.Milliseconds() {
		m.sweep(windowStart)
		m.lastSweep = nowMs
	}
	return true, nil
}

// sweep drops buckets whose newest request left the window. Allow runs it
// at most once per window.
func (m *Memory) sweep(windowStart int64) {
	for k, ts := range m.buckets {
		if len(ts) == 0 || ts[len(ts)-1] <= windowStart {
			delete(m.buckets, k)
		}
	}
}

// incrWindow counts one request and makes sure the key expires. The TTL is
// checked on every call so a key never outlives its window, even one left
// behind without an expiry.
var incrWindow = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if redis.call('PTTL', KEYS[1]) < 0 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return n
`)

// Redis is a fixed-window limiter shared by every replica.
type Redis struct {
	rdb   redis.Scripter
	keyNS string
	limit Limit
}

func NewRedis(rdb redis.Scripter, keyPrefix string, limit Limit) *Redis {
	return &Redis{rdb: rdb, keyNS: keyPrefix + "ratelimit:", limit: limit}
}

func (r *Redis) Allow(ctx context.Context, key string) (bool, error) {
	if r == nil || r.rdb == nil || r.limit.disabled() {
		return true, nil
	}
	if key == "" {
		return false, errEmptyKey
	}
	n, err := incrWindow.Run(ctx, r.rdb, []string{r.keyNS + key}, r.limit.Window.Milliseconds()).Int64()
	if err != nil {
		return false, err
	}
	return n <= int64(r.limit.Requests), nil
}
