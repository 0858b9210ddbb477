package common

import (
	"sync"
	"time"
)

//RateLimiter is a token bucket. The bucket holds up to limit*burstRatio
//tokens and refills at limit tokens per second. A zero limit disables the
//limiter and every request passes.
type RateLimiter struct {
	mu         sync.Mutex
	limit      float64
	burstRatio float64
	tokens     float64
	lastRefill time.Time
}

func NewRateLimiter(limit int, burstRatio float64) *RateLimiter {
	return &RateLimiter{
		limit:      float64(limit),
		burstRatio: burstRatio,
		tokens:     float64(limit) * burstRatio,
		lastRefill: time.Now(),
	}
}

//Allow consumes count tokens if available
func (r *RateLimiter) Allow(count int) bool {
	if r == nil {
		return true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.limit == 0 {
		return true
	}

	r.refill()

	if r.tokens >= float64(count) {
		r.tokens -= float64(count)
		return true
	}
	return false
}

//Reset replaces the limiter parameters and refills the bucket
func (r *RateLimiter) Reset(limit int, burstRatio float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.limit = float64(limit)
	r.burstRatio = burstRatio
	r.tokens = r.limit * burstRatio
	r.lastRefill = time.Now()
}

func (r *RateLimiter) refill() {
	now := time.Now()
	elapsed := now.Sub(r.lastRefill).Seconds()
	r.lastRefill = now

	max := r.limit * r.burstRatio
	r.tokens += elapsed * r.limit
	if r.tokens > max {
		r.tokens = max
	}
}
