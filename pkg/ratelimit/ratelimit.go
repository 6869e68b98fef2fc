// Package ratelimit throttles ingest traffic per device. A Redis sliding
// window keeps the limit consistent across gateway replicas; a local
// sliding window takes over when Redis is unconfigured or unreachable.
package ratelimit

import (
	"context"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Limiter is a sliding-window rate limiter with a local fallback.
type Limiter struct {
	rdb      *redis.Client
	capacity int
	window   time.Duration
	local    *localWindow
}

// New creates a limiter allowing capacity requests per window per key.
// rdb may be nil; the limiter then runs purely in-process.
func New(rdb *redis.Client, capacity int, window time.Duration) *Limiter {
	if capacity <= 0 {
		capacity = 60
	}
	if window <= 0 {
		window = time.Minute
	}
	return &Limiter{
		rdb:      rdb,
		capacity: capacity,
		window:   window,
		local:    newLocalWindow(capacity, window),
	}
}

// Lua keeps remove-count-add atomic so concurrent replicas never overshoot.
const slidingWindowScript = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window_start = tonumber(ARGV[2])
local capacity = tonumber(ARGV[3])
local window_ms = tonumber(ARGV[4])

redis.call('ZREMRANGEBYSCORE', key, '-inf', window_start)
local count = redis.call('ZCARD', key)
if count < capacity then
	redis.call('ZADD', key, now, now .. ':' .. redis.call('INCR', key .. ':seq'))
	redis.call('PEXPIRE', key, window_ms + 1000)
	redis.call('PEXPIRE', key .. ':seq', window_ms + 1000)
	return 1
end
return 0
`

// Allow reports whether one more request for key fits in the window.
func (l *Limiter) Allow(ctx context.Context, key string) bool {
	if l.rdb == nil {
		return l.local.allow(key)
	}
	now := time.Now()
	res, err := l.rdb.Eval(ctx, slidingWindowScript, []string{"magnetgate:rl:" + key},
		float64(now.UnixMicro())/1e6,
		float64(now.Add(-l.window).UnixMicro())/1e6,
		l.capacity,
		l.window.Milliseconds(),
	).Result()
	if err != nil {
		return l.local.allow(key)
	}
	n, ok := res.(int64)
	return ok && n == 1
}

// localWindow is the in-process sliding window used without Redis.
type localWindow struct {
	mu       sync.Mutex
	capacity int
	window   time.Duration
	hits     map[string][]time.Time
	lastGC   time.Time
}

func newLocalWindow(capacity int, window time.Duration) *localWindow {
	return &localWindow{
		capacity: capacity,
		window:   window,
		hits:     map[string][]time.Time{},
		lastGC:   time.Now(),
	}
}

func (w *localWindow) allow(key string) bool {
	now := time.Now()
	cutoff := now.Add(-w.window)
	w.mu.Lock()
	defer w.mu.Unlock()

	ts := w.hits[key]
	live := ts[:0]
	for _, t := range ts {
		if t.After(cutoff) {
			live = append(live, t)
		}
	}
	if len(live) >= w.capacity {
		w.hits[key] = live
		return false
	}
	w.hits[key] = append(live, now)

	// Drop idle keys occasionally so the map cannot grow unbounded.
	if now.Sub(w.lastGC) > w.window {
		for k, v := range w.hits {
			if len(v) == 0 || !v[len(v)-1].After(cutoff) {
				delete(w.hits, k)
			}
		}
		w.lastGC = now
	}
	return true
}
