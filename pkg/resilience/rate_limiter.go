package resilience

import (
	"sync"
	"time"
)

// TokenBucket implements token bucket rate limiting. Tokens accrue at a
// constant rate up to the burst capacity; each allowed request consumes one.
type TokenBucket struct {
	mu       sync.Mutex
	rate     float64
	burst    float64
	tokens   float64
	lastTime time.Time
	now      func() time.Time

	allowed int64
	blocked int64
}

// NewTokenBucket creates a limiter producing rate tokens per second with the
// given burst capacity. The bucket starts full.
func NewTokenBucket(rate float64, burst int) *TokenBucket {
	tb := &TokenBucket{
		rate:  rate,
		burst: float64(burst),
		now:   time.Now,
	}
	tb.tokens = tb.burst
	tb.lastTime = tb.now()
	return tb
}

// PerMinute creates a limiter expressed as events per minute, with the full
// minute's budget available as burst.
func PerMinute(eventsPerMinute int) *TokenBucket {
	return NewTokenBucket(float64(eventsPerMinute)/60.0, eventsPerMinute)
}

// Allow consumes a token if one is available.
func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()
	if tb.tokens >= 1.0 {
		tb.tokens--
		tb.allowed++
		return true
	}
	tb.blocked++
	return false
}

// Stats returns allowed and blocked request counts.
func (tb *TokenBucket) Stats() (allowed, blocked int64) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.allowed, tb.blocked
}

func (tb *TokenBucket) refill() {
	now := tb.now()
	elapsed := now.Sub(tb.lastTime).Seconds()
	if elapsed <= 0 {
		return
	}
	tb.tokens += elapsed * tb.rate
	if tb.tokens > tb.burst {
		tb.tokens = tb.burst
	}
	tb.lastTime = now
}
