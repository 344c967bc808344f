package adapters

import (
	"context"
	"fmt"
	"sync"
	"time"

	ports "github.com/ZanzyTHEbar/chatrelay/relay/generation/harness/ports"
)

// TokenBucket limits completion requests per conversation key.
type TokenBucket struct {
	mu         sync.Mutex
	buckets    map[string]*bucket
	capacity   int           // max tokens per bucket
	refillRate time.Duration // time between token refills
	now        func() time.Time
}

// bucket represents a single token bucket for a key.
type bucket struct {
	tokens     int
	lastRefill time.Time
}

// NewTokenBucket creates a new token bucket rate limiter.
func NewTokenBucket(capacity int, refillRate time.Duration) *TokenBucket {
	if capacity < 1 {
		capacity = 1
	}
	if refillRate <= 0 {
		refillRate = time.Second
	}
	return &TokenBucket{
		buckets:    make(map[string]*bucket),
		capacity:   capacity,
		refillRate: refillRate,
		now:        time.Now,
	}
}

// Acquire takes a token for key. Tokens are spent per request; release is a
// no-op kept for the RateLimiter contract.
func (tb *TokenBucket) Acquire(ctx context.Context, key string) (release func(), err error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := tb.now()
	b, exists := tb.buckets[key]
	if !exists {
		b = &bucket{
			tokens:     tb.capacity,
			lastRefill: now,
		}
		tb.buckets[key] = b
	}

	tokensToAdd := int(now.Sub(b.lastRefill) / tb.refillRate)
	if tokensToAdd > 0 {
		b.tokens = min(b.tokens+tokensToAdd, tb.capacity)
		b.lastRefill = b.lastRefill.Add(time.Duration(tokensToAdd) * tb.refillRate)
	}

	if b.tokens <= 0 {
		return nil, &RateLimitError{Key: key, RetryAfter: b.lastRefill.Add(tb.refillRate).Sub(now)}
	}
	b.tokens--

	// Full buckets carry no state worth keeping around.
	tb.sweep(now)

	return func() {}, nil
}

// sweep drops buckets that have refilled completely.
func (tb *TokenBucket) sweep(now time.Time) {
	for k, b := range tb.buckets {
		if b.tokens >= tb.capacity {
			delete(tb.buckets, k)
			continue
		}
		missing := tb.capacity - b.tokens
		if now.Sub(b.lastRefill) >= time.Duration(missing)*tb.refillRate {
			delete(tb.buckets, k)
		}
	}
}

// RateLimitError is returned when a conversation exceeds its request budget.
type RateLimitError struct {
	Key        string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s (retry in %s)", e.Key, e.RetryAfter.Round(time.Millisecond))
}

// Ensure TokenBucket implements the RateLimiter interface.
var _ ports.RateLimiter = (*TokenBucket)(nil)
