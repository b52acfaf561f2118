package ratelimiter

import (
	"sync"
	"time"
)

// TokenBucket implements the RateLimiter interface using the token bucket
// algorithm. It allows for bursts of requests up to the bucket's capacity.
type TokenBucket struct {
	rate          float64   // tokens generated per second
	capacity      float64   // maximum number of tokens in the bucket
	tokens        float64   // current number of tokens
	lastTokenTime time.Time // last time tokens were added
	mutex         sync.Mutex
}

// NewTokenBucket creates a new TokenBucket.
// rate: the number of tokens to generate per second.
// capacity: the maximum number of tokens (burst size).
func NewTokenBucket(rate float64, capacity int) *TokenBucket {
	return &TokenBucket{
		rate:          rate,
		capacity:      float64(capacity),
		tokens:        float64(capacity), // start with a full bucket
		lastTokenTime: time.Now(),
	}
}

// Allow refills the bucket based on elapsed time and consumes one token if
// available.
func (tb *TokenBucket) Allow() bool {
	tb.mutex.Lock()
	defer tb.mutex.Unlock()

	now := time.Now()
	elapsed := now.Sub(tb.lastTokenTime)
	if elapsed > 0 {
		tb.tokens += elapsed.Seconds() * tb.rate
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastTokenTime = now
	}

	if tb.tokens >= 1 {
		tb.tokens--
		return true
	}
	return false
}

// PerKey hands out an independent RateLimiter per key, so a chatty sender
// cannot exhaust another sender's budget.
type PerKey struct {
	newLimiter func() RateLimiter
	mu         sync.Mutex
	limiters   map[string]RateLimiter
}

// NewPerKey creates a keyed limiter set; newLimiter builds the limiter for
// each previously unseen key.
func NewPerKey(newLimiter func() RateLimiter) *PerKey {
	return &PerKey{
		newLimiter: newLimiter,
		limiters:   make(map[string]RateLimiter),
	}
}

// Allow applies the key's own limiter, creating it on first use.
func (p *PerKey) Allow(key string) bool {
	p.mu.Lock()
	l, ok := p.limiters[key]
	if !ok {
		l = p.newLimiter()
		p.limiters[key] = l
	}
	p.mu.Unlock()
	return l.Allow()
}
