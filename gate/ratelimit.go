package gate

import (
	"sync"
	"time"
)

// RateLimiter implements per-caller token bucket rate limiting for the
// run endpoint. Buckets are keyed by user ID.
type RateLimiter struct {
	buckets    map[string]*callerBucket
	capacity   int
	refillRate int // tokens per second
	mu         sync.Mutex
}

type callerBucket struct {
	tokens     int
	lastRefill time.Time
}

// NewRateLimiter creates a rate limiter where each caller starts with a
// full bucket of capacity tokens refilled at refillRate per second.
func NewRateLimiter(capacity, refillRate int) *RateLimiter {
	if capacity <= 0 {
		capacity = 100
	}
	if refillRate <= 0 {
		refillRate = 10
	}
	return &RateLimiter{
		buckets:    make(map[string]*callerBucket),
		capacity:   capacity,
		refillRate: refillRate,
	}
}

// Allow reports whether the caller may spend cost tokens now.
func (rl *RateLimiter) Allow(callerID string, cost int) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	bucket, ok := rl.buckets[callerID]
	if !ok {
		bucket = &callerBucket{tokens: rl.capacity, lastRefill: time.Now()}
		rl.buckets[callerID] = bucket
	}

	now := time.Now()
	elapsed := now.Sub(bucket.lastRefill)
	tokensToAdd := int(elapsed.Seconds()) * rl.refillRate
	if tokensToAdd > 0 {
		bucket.tokens += tokensToAdd
		if bucket.tokens > rl.capacity {
			bucket.tokens = rl.capacity
		}
		bucket.lastRefill = now
	}

	if bucket.tokens >= cost {
		bucket.tokens -= cost
		return true
	}
	return false
}

// ActiveCallers reports how many callers currently hold a bucket.
func (rl *RateLimiter) ActiveCallers() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.buckets)
}
