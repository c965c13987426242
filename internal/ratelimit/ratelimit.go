// Package ratelimit provides deterministic token buckets for throttling
// signaling traffic. Buckets take an injected Clock so limits are testable
// without sleeping.
package ratelimit

import (
	"sync"
	"time"
)

// Clock abstracts time for the buckets.
type Clock interface {
	Now() time.Time
}

// RealClock is the wall clock.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// One token is 1e9 nano-tokens; integer fixed point avoids float drift at
// low rates.
const nanosPerToken int64 = int64(time.Second)

// TokenBucket refills at an integer rate of tokens per second up to a
// fixed capacity.
type TokenBucket struct {
	mu sync.Mutex

	clock    Clock
	capacity int64 // tokens
	rate     int64 // tokens/sec

	available int64 // nano-tokens
	last      time.Time
}

// NewTokenBucket returns a full bucket. Non-positive capacity or rate
// yields a bucket that rejects everything with a positive cost.
func NewTokenBucket(clock Clock, capacity, rate int64) *TokenBucket {
	if clock == nil {
		clock = RealClock{}
	}
	if capacity < 0 {
		capacity = 0
	}
	if rate < 0 {
		rate = 0
	}
	return &TokenBucket{
		clock:     clock,
		capacity:  capacity,
		rate:      rate,
		available: capacity * nanosPerToken,
		last:      clock.Now(),
	}
}

// Allow consumes tokens if available. A non-positive cost always succeeds.
func (b *TokenBucket) Allow(tokens int64) bool {
	if tokens <= 0 {
		return true
	}
	cost := tokens * nanosPerToken

	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill()
	if b.available < cost {
		return false
	}
	b.available -= cost
	return true
}

func (b *TokenBucket) refill() {
	now := b.clock.Now()
	if now.Before(b.last) {
		// Clock went backwards; re-anchor without refilling.
		b.last = now
		return
	}
	elapsed := now.Sub(b.last)
	b.last = now
	if elapsed <= 0 || b.rate <= 0 {
		return
	}

	max := b.capacity * nanosPerToken
	need := max - b.available
	if need <= 0 {
		b.available = max
		return
	}
	// rate tokens/sec equals rate nano-tokens per nanosecond. Clamp before
	// multiplying so a long idle period cannot overflow.
	if elapsed.Nanoseconds() >= need/b.rate {
		b.available = max
		return
	}
	b.available += elapsed.Nanoseconds() * b.rate
}
