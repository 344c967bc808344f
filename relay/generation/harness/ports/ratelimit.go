package harnessports

import "context"

// RateLimiter coordinates request throughput per conversation.
type RateLimiter interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}
