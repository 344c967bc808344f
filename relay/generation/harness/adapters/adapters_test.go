package adapters

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	ports "github.com/ZanzyTHEbar/chatrelay/relay/generation/harness/ports"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenBucket_Acquire(t *testing.T) {
	tb := NewTokenBucket(2, time.Second)
	now := time.Unix(1000, 0)
	tb.now = func() time.Time { return now }
	ctx := context.Background()

	release, err := tb.Acquire(ctx, "irc:channel:#go")
	require.NoError(t, err)
	release()

	_, err = tb.Acquire(ctx, "irc:channel:#go")
	require.NoError(t, err)

	_, err = tb.Acquire(ctx, "irc:channel:#go")
	var rlErr *RateLimitError
	require.True(t, errors.As(err, &rlErr))
	assert.Equal(t, "irc:channel:#go", rlErr.Key)
	assert.Equal(t, time.Second, rlErr.RetryAfter)

	// Other keys have their own budget.
	_, err = tb.Acquire(ctx, "irc:dm:alice")
	assert.NoError(t, err)

	now = now.Add(time.Second)
	_, err = tb.Acquire(ctx, "irc:channel:#go")
	assert.NoError(t, err)
}

func TestTokenBucket_SweepsRefilledBuckets(t *testing.T) {
	tb := NewTokenBucket(1, time.Second)
	now := time.Unix(1000, 0)
	tb.now = func() time.Time { return now }

	for i := 0; i < 5; i++ {
		_, err := tb.Acquire(context.Background(), fmt.Sprintf("k%d", i))
		require.NoError(t, err)
	}
	assert.Len(t, tb.buckets, 5)

	now = now.Add(2 * time.Second)
	_, err := tb.Acquire(context.Background(), "fresh")
	require.NoError(t, err)
	assert.Len(t, tb.buckets, 1)
}

func TestTokenBucket_CanceledContext(t *testing.T) {
	tb := NewTokenBucket(1, time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := tb.Acquire(ctx, "k")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMemoryConversationStore_Window(t *testing.T) {
	store := NewMemoryConversationStore(10, 3, 0)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, store.SaveTurn(ctx, "conv", ports.Turn{Role: ports.RoleUser, Content: fmt.Sprintf("m%d", i)}))
	}

	turns, err := store.LoadContext(ctx, "conv", 0)
	require.NoError(t, err)
	require.Len(t, turns, 3)
	assert.Equal(t, "m2", turns[0].Content)
	assert.Equal(t, "m4", turns[2].Content)
	assert.False(t, turns[0].CreatedAt.IsZero())

	last, err := store.LoadContext(ctx, "conv", 2)
	require.NoError(t, err)
	require.Len(t, last, 2)
	assert.Equal(t, "m3", last[0].Content)

	// Returned slices are copies.
	last[0].Content = "mutated"
	again, _ := store.LoadContext(ctx, "conv", 2)
	assert.Equal(t, "m3", again[0].Content)
}

func TestMemoryConversationStore_EvictsLeastRecentlyUsed(t *testing.T) {
	store := NewMemoryConversationStore(2, 5, 0)
	ctx := context.Background()

	require.NoError(t, store.SaveTurn(ctx, "a", ports.Turn{Role: ports.RoleUser, Content: "a"}))
	require.NoError(t, store.SaveTurn(ctx, "b", ports.Turn{Role: ports.RoleUser, Content: "b"}))

	// Touch "a" so that "b" becomes the eviction candidate.
	_, err := store.LoadContext(ctx, "a", 0)
	require.NoError(t, err)

	require.NoError(t, store.SaveTurn(ctx, "c", ports.Turn{Role: ports.RoleUser, Content: "c"}))
	assert.Equal(t, 2, store.Len())

	b, err := store.LoadContext(ctx, "b", 0)
	require.NoError(t, err)
	assert.Nil(t, b)

	a, err := store.LoadContext(ctx, "a", 0)
	require.NoError(t, err)
	assert.Len(t, a, 1)
}

func TestMemoryConversationStore_IdleExpiry(t *testing.T) {
	store := NewMemoryConversationStore(10, 5, time.Minute)
	now := time.Unix(1000, 0)
	store.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, store.SaveTurn(ctx, "a", ports.Turn{Role: ports.RoleUser, Content: "hi"}))

	now = now.Add(2 * time.Minute)
	turns, err := store.LoadContext(ctx, "a", 0)
	require.NoError(t, err)
	assert.Empty(t, turns)
	assert.Equal(t, 0, store.Len())
}

func TestZerologTracer_Span(t *testing.T) {
	var buf bytes.Buffer
	tracer := NewZerologTracer(zerolog.New(&buf))

	ctx, finish := tracer.StartSpan(context.Background(), "completion", map[string]any{"conversation": "irc:dm:bob"})
	tracer.Event(ctx, "first_delta", map[string]any{"chars": 3})
	finish(errors.New("boom"))

	out := buf.String()
	assert.Contains(t, out, `"span":"completion"`)
	assert.Contains(t, out, `"conversation":"irc:dm:bob"`)
	assert.Contains(t, out, `"event":"first_delta"`)
	assert.Contains(t, out, `"event":"span_end"`)
	assert.Contains(t, out, `"error":"boom"`)
}
