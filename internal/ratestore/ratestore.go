// Package ratestore implements the abstract RateStore collaborator named by
// spec.md §6: a per-key token bucket used to throttle noisy clients or
// workers (e.g. excessive SubmitJob or Heartbeat calls) ahead of the
// coordinator API surface. Grounded on golang.org/x/time/rate, already an
// indirect dependency of the teacher's module graph and the natural
// ecosystem fit — no example repo wires an external rate-limit backend, so
// this stays in-process rather than reaching for a fabricated Redis client.
package ratestore

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config controls the token bucket shape applied to every key.
type Config struct {
	RatePerSecond float64
	Burst         int
}

func DefaultConfig() Config {
	return Config{RatePerSecond: 20, Burst: 40}
}

// RateStore holds one limiter per key, created lazily on first use and
// evicted after a period of inactivity so long-lived coordinators don't
// accumulate limiters for keys (worker IDs, client IPs) that stop showing up.
type RateStore struct {
	mu        sync.Mutex
	cfg       Config
	limiters  map[string]*entry
	idleAfter time.Duration
	now       func() time.Time
}

type entry struct {
	limiter    *rate.Limiter
	lastSeenAt time.Time
}

func New(cfg Config) *RateStore {
	return &RateStore{
		cfg:       cfg,
		limiters:  make(map[string]*entry),
		idleAfter: 10 * time.Minute,
		now:       time.Now,
	}
}

// Allow reports whether a single event for key may proceed right now.
func (r *RateStore) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.limiters[key]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(rate.Limit(r.cfg.RatePerSecond), r.cfg.Burst)}
		r.limiters[key] = e
	}
	e.lastSeenAt = r.now()
	return e.limiter.Allow()
}

// Sweep evicts limiters untouched since idleAfter, to be called alongside
// the scheduler's periodic sweep rather than on its own ticker.
func (r *RateStore) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := r.now().Add(-r.idleAfter)
	evicted := 0
	for key, e := range r.limiters {
		if e.lastSeenAt.Before(cutoff) {
			delete(r.limiters, key)
			evicted++
		}
	}
	return evicted
}
