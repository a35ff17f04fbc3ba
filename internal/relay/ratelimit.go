package relay

import (
	"sync"
	"time"
)

// Clock abstracts time for deterministic rate limit tests.
type Clock interface {
	Now() time.Time
}

type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

const nanoPerToken = int64(time.Second)

// tokenBucket limits per-connection signaling message rates. It refills at an
// integer tokens/sec rate using fixed-point nano-tokens so refill math stays
// exact regardless of poll cadence.
type tokenBucket struct {
	mu sync.Mutex

	clock    Clock
	capacity int64 // nano-tokens
	rate     int64 // tokens/sec, also nano-tokens per nanosecond

	available int64
	last      time.Time
}

func newTokenBucket(clock Clock, capacityTokens, fillRate int64) *tokenBucket {
	if clock == nil {
		clock = RealClock{}
	}
	if capacityTokens < 0 {
		capacityTokens = 0
	}
	if fillRate < 0 {
		fillRate = 0
	}
	return &tokenBucket{
		clock:     clock,
		capacity:  capacityTokens * nanoPerToken,
		rate:      fillRate,
		available: capacityTokens * nanoPerToken,
		last:      clock.Now(),
	}
}

// Allow consumes one token if available.
func (b *tokenBucket) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	if now.Before(b.last) {
		// Clock went backwards; re-anchor without refilling.
		b.last = now
	} else if elapsed := now.Sub(b.last).Nanoseconds(); elapsed > 0 {
		b.last = now
		if b.rate > 0 {
			need := b.capacity - b.available
			if need > 0 && elapsed >= need/b.rate {
				b.available = b.capacity
			} else {
				b.available += elapsed * b.rate
			}
		}
	}

	if b.available < nanoPerToken {
		return false
	}
	b.available -= nanoPerToken
	return true
}
