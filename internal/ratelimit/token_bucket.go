// Package ratelimit provides a deterministic token bucket used to bound the
// inbound event rate of each websocket connection.
package ratelimit

import (
	"sync"
	"time"
)

// Clock abstracts time.Now so buckets are testable without sleeping.
type Clock interface {
	Now() time.Time
}

type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// nano-token fixed point: one token is 1e9 nano-tokens, so a fill rate of X
// tokens/sec adds X nano-tokens per elapsed nanosecond without float rounding.
const nanoTokensPerToken int64 = int64(time.Second)

const maxInt64 = int64(^uint64(0) >> 1)

// TokenBucket refills at an integer rate (tokens/sec) against a Clock.
type TokenBucket struct {
	mu sync.Mutex

	clock    Clock
	capacity int64 // tokens
	fillRate int64 // tokens/sec

	available int64 // nano-tokens
	last      time.Time
}

func NewTokenBucket(clock Clock, capacity, fillRate int64) *TokenBucket {
	if clock == nil {
		clock = RealClock{}
	}
	if capacity < 0 {
		capacity = 0
	}
	if fillRate < 0 {
		fillRate = 0
	}
	return &TokenBucket{
		clock:     clock,
		capacity:  capacity,
		fillRate:  fillRate,
		available: toNano(capacity),
		last:      clock.Now(),
	}
}

// Allow consumes tokens if available. tokens <= 0 always succeeds.
func (b *TokenBucket) Allow(tokens int64) bool {
	if tokens <= 0 {
		return true
	}
	cost := toNano(tokens)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()
	if b.available < cost {
		return false
	}
	b.available -= cost
	return true
}

func (b *TokenBucket) refillLocked() {
	now := b.clock.Now()
	if now.Before(b.last) {
		// Time went backwards; move the reference point without refilling.
		b.last = now
		return
	}
	elapsed := now.Sub(b.last).Nanoseconds()
	b.last = now
	if elapsed <= 0 || b.fillRate <= 0 || b.capacity <= 0 {
		return
	}

	capNano := toNano(b.capacity)
	need := capNano - b.available
	if need <= 0 {
		b.available = capNano
		return
	}
	// fillRate tokens/sec equals fillRate nano-tokens/ns in this fixed-point
	// representation. Clamp to capacity before multiplying to avoid overflow.
	if elapsed >= need/b.fillRate {
		b.available = capNano
		return
	}
	b.available += elapsed * b.fillRate
}

func toNano(tokens int64) int64 {
	if tokens <= 0 {
		return 0
	}
	if tokens > maxInt64/nanoTokensPerToken {
		return maxInt64
	}
	return tokens * nanoTokensPerToken
}
