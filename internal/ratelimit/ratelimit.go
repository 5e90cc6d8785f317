package ratelimit

import (
	"sync"
	"time"
)

// TokenBucket implements a token bucket rate limiter
type TokenBucket struct {
	mu         sync.Mutex
	tokens     int
	capacity   int
	rate       int // tokens per second
	lastRefill time.Time
	lastUsed   time.Time
}

// NewTokenBucket creates a new token bucket with the given rate and capacity
func NewTokenBucket(rate, capacity int) *TokenBucket {
	now := time.Now()
	return &TokenBucket{
		tokens:     capacity,
		capacity:   capacity,
		rate:       rate,
		lastRefill: now,
		lastUsed:   now,
	}
}

// Allow checks if a request can be allowed and consumes a token if available
func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := time.Now()
	tb.lastUsed = now
	elapsed := now.Sub(tb.lastRefill)

	// Add tokens based on elapsed time
	tokensToAdd := int(elapsed.Seconds() * float64(tb.rate))
	if tokensToAdd > 0 {
		tb.tokens += tokensToAdd
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastRefill = now
	}

	if tb.tokens > 0 {
		tb.tokens--
		return true
	}
	return false
}

func (tb *TokenBucket) idleSince() time.Time {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.lastUsed
}

// RateLimiter limits accepted client connections, globally and per source IP.
// A zero rate disables that limit.
type RateLimiter struct {
	mu            sync.Mutex
	global        *TokenBucket
	perSource     map[string]*TokenBucket
	perSourceRate int
	burstSize     int
}

// NewRateLimiter creates a limiter allowing globalRate connections per second
// overall and perSourceRate per source IP, each with the given burst.
func NewRateLimiter(globalRate, perSourceRate, burstSize int) *RateLimiter {
	if burstSize <= 0 {
		burstSize = 1
	}
	rl := &RateLimiter{
		perSource:     make(map[string]*TokenBucket),
		perSourceRate: perSourceRate,
		burstSize:     burstSize,
	}
	if globalRate > 0 {
		rl.global = NewTokenBucket(globalRate, burstSize)
	}
	return rl
}

// Enabled reports whether any limit is configured.
func (rl *RateLimiter) Enabled() bool {
	return rl != nil && (rl.global != nil || rl.perSourceRate > 0)
}

// AllowConnection checks if a connection from source is allowed. A nil
// limiter allows everything.
func (rl *RateLimiter) AllowConnection(source string) bool {
	if rl == nil {
		return true
	}
	// Check global connection limit first
	if rl.global != nil && !rl.global.Allow() {
		return false
	}
	if rl.perSourceRate > 0 {
		rl.mu.Lock()
		bucket, exists := rl.perSource[source]
		if !exists {
			bucket = NewTokenBucket(rl.perSourceRate, rl.burstSize)
			rl.perSource[source] = bucket
		}
		rl.mu.Unlock()

		if !bucket.Allow() {
			return false
		}
	}
	return true
}

// CleanupIdle drops per-source buckets unused for longer than maxIdle and
// returns how many were removed.
func (rl *RateLimiter) CleanupIdle(maxIdle time.Duration) int {
	if rl == nil {
		return 0
	}
	cutoff := time.Now().Add(-maxIdle)
	rl.mu.Lock()
	defer rl.mu.Unlock()
	removed := 0
	for source, bucket := range rl.perSource {
		if bucket.idleSince().Before(cutoff) {
			delete(rl.perSource, source)
			removed++
		}
	}
	return removed
}
