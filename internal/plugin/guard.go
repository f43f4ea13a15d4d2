package plugin

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// DispatchStats tracks event delivery for a plugin.
type DispatchStats struct {
	Delivered   atomic.Int64
	Errors      atomic.Int64
	Dropped     atomic.Int64
	LastEventAt atomic.Int64 // unix millis
}

// StatsSnapshot is a point-in-time copy of DispatchStats.
type StatsSnapshot struct {
	PluginID    uuid.UUID `json:"plugin_id"`
	Delivered   int64     `json:"delivered"`
	Errors      int64     `json:"errors"`
	Dropped     int64     `json:"dropped"`
	LastEventAt int64     `json:"last_event_at"`
}

// Snapshot returns a copy of the current stats.
func (s *DispatchStats) Snapshot(id uuid.UUID) StatsSnapshot {
	return StatsSnapshot{
		PluginID:    id,
		Delivered:   s.Delivered.Load(),
		Errors:      s.Errors.Load(),
		Dropped:     s.Dropped.Load(),
		LastEventAt: s.LastEventAt.Load(),
	}
}

// DispatchGuard accounts event deliveries per plugin and throttles plugins
// that would receive more than the configured number of events per second.
type DispatchGuard struct {
	perSecond int

	mu      sync.Mutex
	entries map[uuid.UUID]*guardEntry
}

type guardEntry struct {
	stats   DispatchStats
	limiter rateLimiter
}

// NewDispatchGuard creates a guard. perSecond <= 0 disables throttling.
func NewDispatchGuard(perSecond int) *DispatchGuard {
	return &DispatchGuard{perSecond: perSecond, entries: make(map[uuid.UUID]*guardEntry)}
}

func (g *DispatchGuard) entry(id uuid.UUID) *guardEntry {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.entries[id]
	if !ok {
		e = &guardEntry{}
		if g.perSecond > 0 {
			e.limiter = newRateLimiter(g.perSecond, time.Second)
		}
		g.entries[id] = e
	}
	return e
}

// Allow reports whether an event may be delivered to the plugin now. A
// refused delivery is counted as dropped.
func (g *DispatchGuard) Allow(id uuid.UUID) bool {
	e := g.entry(id)
	if e.limiter.enabled() && !e.limiter.allow() {
		e.stats.Dropped.Add(1)
		return false
	}
	return true
}

// Record accounts a delivery and its outcome.
func (g *DispatchGuard) Record(id uuid.UUID, err error) {
	e := g.entry(id)
	e.stats.Delivered.Add(1)
	if err != nil {
		e.stats.Errors.Add(1)
	}
	e.stats.LastEventAt.Store(time.Now().UnixMilli())
}

// Stats returns the stats of one plugin.
func (g *DispatchGuard) Stats(id uuid.UUID) StatsSnapshot {
	return g.entry(id).stats.Snapshot(id)
}

// Forget drops the accounting of a plugin.
func (g *DispatchGuard) Forget(id uuid.UUID) {
	g.mu.Lock()
	delete(g.entries, id)
	g.mu.Unlock()
}

// --- Simple sliding window rate limiter ---

type rateLimiter struct {
	mu       sync.Mutex
	max      int
	window   time.Duration
	tokens   []time.Time
	disabled bool
}

func newRateLimiter(max int, window time.Duration) rateLimiter {
	return rateLimiter{
		max:    max,
		window: window,
		tokens: make([]time.Time, 0, max),
	}
}

func (r *rateLimiter) enabled() bool {
	return !r.disabled && r.max > 0
}

func (r *rateLimiter) allow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-r.window)

	// Evict expired tokens
	valid := 0
	for _, t := range r.tokens {
		if t.After(cutoff) {
			r.tokens[valid] = t
			valid++
		}
	}
	r.tokens = r.tokens[:valid]

	if len(r.tokens) >= r.max {
		return false
	}

	r.tokens = append(r.tokens, now)
	return true
}
