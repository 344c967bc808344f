package harness

import (
	"context"
	"errors"

	"github.com/ZanzyTHEbar/chatrelay/relay/config"
	"github.com/ZanzyTHEbar/chatrelay/relay/generation/harness/adapters"
	ports "github.com/ZanzyTHEbar/chatrelay/relay/generation/harness/ports"
	"github.com/rs/zerolog"
)

// Factory creates and wires harness components from configuration.
type Factory struct {
	harnessConfig *config.HarnessConfig
	window        int
	logger        zerolog.Logger
}

// NewFactory creates a new harness factory. window bounds the turns kept and
// loaded per conversation.
func NewFactory(harnessConfig *config.HarnessConfig, window int, logger zerolog.Logger) *Factory {
	return &Factory{
		harnessConfig: harnessConfig,
		window:        window,
		logger:        logger,
	}
}

// CreateOrchestrator creates a fully wired HarnessOrchestrator around provider.
func (f *Factory) CreateOrchestrator(provider ports.Provider) (*HarnessOrchestrator, error) {
	if provider == nil {
		return nil, errors.New("harness: provider is required")
	}

	return NewHarnessOrchestrator(
		provider,
		NewPromptBuilder(),
		f.createStore(),
		f.createRateLimiter(),
		f.createTracer(),
		f.window,
		f.logger,
	), nil
}

// createRateLimiter creates a rate limiter adapter from config.
func (f *Factory) createRateLimiter() ports.RateLimiter {
	if !f.harnessConfig.RateLimitEnabled {
		return &noOpRateLimiter{}
	}

	return adapters.NewTokenBucket(f.harnessConfig.RateLimitCapacity, f.harnessConfig.RateLimitRefillRate)
}

// createTracer creates a tracer adapter from config.
func (f *Factory) createTracer() ports.Tracer {
	if !f.harnessConfig.EnableTracing {
		return &noOpTracer{}
	}

	return adapters.NewZerologTracer(f.logger)
}

// CreateStore creates a conversation store adapter from config.
func (f *Factory) createStore() ports.ConversationStore {
	if f.harnessConfig.StoreCapacity <= 0 {
		return &noOpStore{}
	}

	return adapters.NewMemoryConversationStore(f.harnessConfig.StoreCapacity, f.window, f.harnessConfig.StoreIdleTimeout)
}

// noOpRateLimiter implements RateLimiter interface with no-op behavior.
type noOpRateLimiter struct{}

func (r *noOpRateLimiter) Acquire(ctx context.Context, key string) (release func(), err error) {
	return func() {}, nil
}

// noOpTracer implements Tracer interface with no-op behavior.
type noOpTracer struct{}

func (t *noOpTracer) StartSpan(ctx context.Context, name string, attrs map[string]any) (context.Context, func(err error)) {
	return ctx, func(err error) {}
}

func (t *noOpTracer) Event(ctx context.Context, name string, attrs map[string]any) {}

// noOpStore implements ConversationStore interface with no-op behavior.
type noOpStore struct{}

func (s *noOpStore) SaveTurn(ctx context.Context, conversationID string, turn ports.Turn) error {
	return nil
}

func (s *noOpStore) LoadContext(ctx context.Context, conversationID string, k int) ([]ports.Turn, error) {
	return nil, nil
}

// Ensure all no-op types implement their interfaces.
var (
	_ ports.RateLimiter       = (*noOpRateLimiter)(nil)
	_ ports.Tracer            = (*noOpTracer)(nil)
	_ ports.ConversationStore = (*noOpStore)(nil)
)
