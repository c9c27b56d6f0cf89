// Package limits provides the broker's rate limiting: a per-session token
// bucket for inbound messages and a per-IP/global limiter for connection
// attempts.
package limits

import (
	"sync"
	"time"
)

// TokenBucket is a classic token bucket: burst up to maxTokens instantly,
// refill at refillRate tokens per second, fractional accumulation.
type TokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	maxTokens  float64
	refillRate float64
	lastRefill time.Time
}

// NewTokenBucket creates a bucket that starts full.
func NewTokenBucket(maxTokens, refillRate float64) *TokenBucket {
	return &TokenBucket{
		tokens:     maxTokens,
		maxTokens:  maxTokens,
		refillRate: refillRate,
		lastRefill: time.Now(),
	}
}

// TryConsume takes n tokens if available. Returns false when the caller is
// over its rate. Safe for concurrent use.
func (tb *TokenBucket) TryConsume(n float64) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := time.Now()
	tb.tokens += now.Sub(tb.lastRefill).Seconds() * tb.refillRate
	if tb.tokens > tb.maxTokens {
		tb.tokens = tb.maxTokens
	}
	tb.lastRefill = now

	if tb.tokens >= n {
		tb.tokens -= n
		return true
	}
	return false
}

// MessageLimiter tracks one token bucket per session. Entries are created
// lazily on first check and must be removed on disconnect.
type MessageLimiter struct {
	burst float64
	rate  float64
	// map[string]*TokenBucket, read-heavy
	sessions sync.Map
}

// NewMessageLimiter creates a limiter handing each session `burst` tokens
// of burst capacity and `rate` tokens per second sustained.
func NewMessageLimiter(burst, rate int) *MessageLimiter {
	return &MessageLimiter{burst: float64(burst), rate: float64(rate)}
}

// Allow reports whether the session may process one more inbound message.
func (ml *MessageLimiter) Allow(clientID string) bool {
	bucket, _ := ml.sessions.LoadOrStore(clientID, NewTokenBucket(ml.burst, ml.rate))
	return bucket.(*TokenBucket).TryConsume(1)
}

// Remove drops the session's bucket. Called from session teardown so
// short-lived connections do not leak entries.
func (ml *MessageLimiter) Remove(clientID string) {
	ml.sessions.Delete(clientID)
}
