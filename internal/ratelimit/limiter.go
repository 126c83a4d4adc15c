// Package ratelimit provides the token-bucket limiter shared by the command
// executor and the proactive runner.
package ratelimit

import (
	"sync"

	"golang.org/x/time/rate"
)

// Keyed hands out one golang.org/x/time/rate.Limiter per key (arc, or
// arc+nick depending on caller), so no shared global bucket leaks across
// unrelated conversations.
type Keyed struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	burst    int
	ratePerS rate.Limit
}

// NewKeyed builds a keyed limiter allowing `limit` events per `periodSeconds`,
// per key, matching the command.rate_limit/rate_period and
// proactive.rate_limit/rate_period config surface.
func NewKeyed(limit int, periodSeconds float64) *Keyed {
	if limit <= 0 {
		limit = 1
	}
	if periodSeconds <= 0 {
		periodSeconds = 1
	}
	return &Keyed{
		limiters: make(map[string]*rate.Limiter),
		burst:    limit,
		ratePerS: rate.Limit(float64(limit) / periodSeconds),
	}
}

// Allow reports whether one more event is permitted for key right now.
func (k *Keyed) Allow(key string) bool {
	return k.limiterFor(key).Allow()
}

func (k *Keyed) limiterFor(key string) *rate.Limiter {
	k.mu.Lock()
	defer k.mu.Unlock()
	l, ok := k.limiters[key]
	if !ok {
		l = rate.NewLimiter(k.ratePerS, k.burst)
		k.limiters[key] = l
	}
	return l
}
