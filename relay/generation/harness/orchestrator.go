package harness

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	ports "github.com/ZanzyTHEbar/chatrelay/relay/generation/harness/ports"
)

// Sink receives the accumulated answer text while it streams.
type Sink interface {
	OnDelta(text string) error
}

// Request configures one completion.
type Request struct {
	ConversationID string
	System         string
	// Messages are the turns of this exchange, or the full context when the
	// transport supplies its own history.
	Messages []ports.PromptMessage
	Options  ports.Options
	// Remember prepends the stored window and, on success, stores Messages and
	// the answer.
	Remember bool
	// Fallback replaces an empty answer.
	Fallback string
	Meta     map[string]string
}

// Response is the final output of the orchestrator.
type Response struct {
	Text     string
	Streamed bool
}

// HarnessOrchestrator coordinates provider, limiter, tracer and store for a
// single completion.
type HarnessOrchestrator struct {
	provider ports.Provider
	builder  *PromptBuilder
	store    ports.ConversationStore
	limiter  ports.RateLimiter
	tracer   ports.Tracer
	window   int
	log      zerolog.Logger
	now      func() time.Time
}

// NewHarnessOrchestrator creates a new orchestrator with dependencies.
func NewHarnessOrchestrator(
	provider ports.Provider,
	builder *PromptBuilder,
	store ports.ConversationStore,
	limiter ports.RateLimiter,
	tracer ports.Tracer,
	window int,
	logger zerolog.Logger,
) *HarnessOrchestrator {
	return &HarnessOrchestrator{
		provider: provider,
		builder:  builder,
		store:    store,
		limiter:  limiter,
		tracer:   tracer,
		window:   window,
		log:      logger,
		now:      time.Now,
	}
}

// Orchestrate runs a completion without streaming.
func (o *HarnessOrchestrator) Orchestrate(ctx context.Context, req *Request) (*Response, error) {
	return o.run(ctx, req, func(ctx context.Context, prompt ports.PromptInput) (ports.Completion, error) {
		return o.provider.Complete(ctx, prompt, req.Options)
	})
}

// StreamOrchestrate runs a streaming completion, feeding sink with the full
// text after every delta. Sink errors are logged and do not abort the
// completion.
func (o *HarnessOrchestrator) StreamOrchestrate(ctx context.Context, req *Request, sink Sink) (*Response, error) {
	return o.run(ctx, req, func(ctx context.Context, prompt ports.PromptInput) (ports.Completion, error) {
		streamCh, err := o.provider.Stream(ctx, prompt, req.Options)
		if err != nil {
			return ports.Completion{}, fmt.Errorf("provider stream failed: %w", err)
		}
		return o.processStream(ctx, req.ConversationID, streamCh, sink)
	})
}

type completeFunc func(ctx context.Context, prompt ports.PromptInput) (ports.Completion, error)

func (o *HarnessOrchestrator) run(ctx context.Context, req *Request, complete completeFunc) (resp *Response, err error) {
	release, err := o.limiter.Acquire(ctx, req.ConversationID)
	if err != nil {
		return nil, fmt.Errorf("rate limit exceeded: %w", err)
	}
	defer release()

	ctx, finish := o.tracer.StartSpan(ctx, "completion", map[string]any{
		"conversation_id": req.ConversationID,
		"model":           req.Options.Model,
		"web_search":      req.Options.WebSearch,
	})
	defer func() { finish(err) }()

	messages := req.Messages
	if req.Remember {
		history, err := o.store.LoadContext(ctx, req.ConversationID, o.window)
		if err != nil {
			o.tracer.Event(ctx, "store_error", map[string]any{"error": err.Error()})
		}
		messages = append(TurnsToMessages(history), req.Messages...)
	}

	prompt := o.builder.Build(req.System, messages, req.Meta)
	completion, err := complete(ctx, prompt)
	if err != nil {
		return nil, err
	}

	text := strings.TrimSpace(completion.Text)
	if text == "" {
		text = req.Fallback
	}
	o.tracer.Event(ctx, "completion_done", map[string]any{"chars": len(text), "streamed": completion.Streamed})

	if req.Remember {
		o.remember(ctx, req, text)
	}

	return &Response{Text: text, Streamed: completion.Streamed}, nil
}

func (o *HarnessOrchestrator) remember(ctx context.Context, req *Request, answer string) {
	turns := make([]ports.Turn, 0, len(req.Messages)+1)
	for _, m := range req.Messages {
		turns = append(turns, ports.Turn{Role: m.Role, Content: m.Content, CreatedAt: o.now()})
	}
	turns = append(turns, ports.Turn{Role: ports.RoleAssistant, Content: answer, CreatedAt: o.now()})

	for _, t := range turns {
		if err := o.store.SaveTurn(ctx, req.ConversationID, t); err != nil {
			// Log but don't fail
			o.tracer.Event(ctx, "store_error", map[string]any{"error": err.Error()})
			return
		}
	}
}

// processStream forwards deltas to sink and returns the Done chunk's result.
func (o *HarnessOrchestrator) processStream(ctx context.Context, conversationID string, streamCh <-chan ports.CompletionChunk, sink Sink) (ports.Completion, error) {
	var last string
	for {
		select {
		case <-ctx.Done():
			return ports.Completion{Text: last, Streamed: last != ""}, ctx.Err()
		case chunk, ok := <-streamCh:
			if !ok {
				if err := ctx.Err(); err != nil {
					return ports.Completion{Text: last, Streamed: last != ""}, err
				}
				return ports.Completion{Text: last, Streamed: last != ""}, nil
			}
			if chunk.Done {
				if chunk.Err != nil {
					return ports.Completion{Text: chunk.Text, Streamed: chunk.Streamed}, chunk.Err
				}
				return ports.Completion{Text: chunk.Text, Streamed: chunk.Streamed}, nil
			}

			last = chunk.Text
			if sink == nil {
				continue
			}
			if err := sink.OnDelta(chunk.Text); err != nil {
				o.log.Warn().Err(err).Str("conversation", conversationID).Msg("delivery write failed")
			}
		}
	}
}
