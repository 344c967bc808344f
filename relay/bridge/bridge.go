// Package bridge runs chat exchanges: one inbound message, one completion and
// one delivered reply, serialized per conversation.
package bridge

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ZanzyTHEbar/chatrelay/relay/delivery"
	"github.com/ZanzyTHEbar/chatrelay/relay/generation/harness"
	ports "github.com/ZanzyTHEbar/chatrelay/relay/generation/harness/ports"
	"github.com/ZanzyTHEbar/chatrelay/relay/serializer"
)

const (
	// reactionTimeout bounds reaction cleanup after the exchange context ended.
	reactionTimeout = 5 * time.Second
	// deliveryGrace is added to the request timeout for context loading and writes.
	deliveryGrace = 30 * time.Second
	// DefaultExchangeTimeout caps an exchange when no request timeout is set.
	DefaultExchangeTimeout = 5 * time.Minute
)

// Completer produces a streamed answer; *harness.HarnessOrchestrator satisfies it.
type Completer interface {
	StreamOrchestrate(ctx context.Context, req *harness.Request, sink harness.Sink) (*harness.Response, error)
}

// Reactor marks the inbound message while the exchange is in flight.
type Reactor interface {
	AddReaction(ctx context.Context) error
	RemoveReaction(ctx context.Context) error
}

// Submitter queues exchanges; transports depend on it instead of *Relay.
type Submitter interface {
	Submit(ctx context.Context, ex Exchange) *serializer.Future
}

// SystemPrompt resolves the instructions for a request.
type SystemPrompt interface {
	Resolve(override string) string
}

// Exchange is one inbound message awaiting a reply.
type Exchange struct {
	// ID is assigned on Submit when empty.
	ID string
	// Key orders exchanges; equal keys never overlap.
	Key      string
	Messages []ports.PromptMessage
	// Load replaces Messages with context fetched once the exchange runs.
	Load func(ctx context.Context) ([]ports.PromptMessage, error)
	// Remember keeps the exchange in the conversation store; transports with
	// their own history leave it off.
	Remember bool

	Writer    delivery.Writer
	Streaming bool
	Format    func(string) string
	Reactor   Reactor
}

// Options are the per-service settings shared by every exchange.
type Options struct {
	Service      string
	Model        string
	WebSearch    bool
	Timeout      time.Duration
	SystemPrompt string // service override
	Prompt       SystemPrompt

	Interval        time.Duration
	EmptyReply      string
	ErrorReply      string
	MissingQuestion string // sent when the context holds no user message

	Clock  delivery.Clock
	Logger zerolog.Logger
}

// Relay submits exchanges for one service.
type Relay struct {
	completer Completer
	queue     *serializer.Serializer
	opts      Options
	log       zerolog.Logger
}

// New returns a Relay sending completions through c and ordering them on q.
func New(c Completer, q *serializer.Serializer, opts Options) *Relay {
	return &Relay{
		completer: c,
		queue:     q,
		opts:      opts,
		log:       opts.Logger.With().Str("service", opts.Service).Logger(),
	}
}

var _ Submitter = (*Relay)(nil)

// Submit queues ex behind earlier exchanges with the same key. If ctx ends
// before the exchange starts it is skipped. Once started, the exchange is
// detached from ctx: its completion and reply run to the end, bounded by the
// exchange timeout.
func (r *Relay) Submit(ctx context.Context, ex Exchange) *serializer.Future {
	if ex.ID == "" {
		ex.ID = uuid.NewString()
	}
	r.log.Debug().Str("exchange", ex.ID).Str("conversation", ex.Key).Msg("exchange queued")
	return r.queue.Enqueue(ctx, ex.Key, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.exchangeTimeout())
		defer cancel()
		return r.run(ctx, ex)
	})
}

func (r *Relay) exchangeTimeout() time.Duration {
	if r.opts.Timeout > 0 {
		return r.opts.Timeout + deliveryGrace
	}
	return DefaultExchangeTimeout
}

func (r *Relay) run(ctx context.Context, ex Exchange) error {
	log := r.log.With().Str("exchange", ex.ID).Str("conversation", ex.Key).Logger()
	started := time.Now()

	if ex.Reactor != nil {
		if err := ex.Reactor.AddReaction(ctx); err != nil {
			log.Debug().Err(err).Msg("reaction not added")
		}
		defer func() {
			cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), reactionTimeout)
			defer cancel()
			if err := ex.Reactor.RemoveReaction(cctx); err != nil {
				log.Debug().Err(err).Msg("reaction not removed")
			}
		}()
	}

	sched := delivery.New(ctx, ex.Writer, delivery.Options{
		Interval:  r.opts.Interval,
		Streaming: ex.Streaming,
		ErrorText: r.opts.ErrorReply,
		Format:    ex.Format,
		Clock:     r.opts.Clock,
		Logger:    log,
	})
	defer sched.Stop()

	messages := ex.Messages
	if ex.Load != nil {
		loaded, err := ex.Load(ctx)
		if err != nil {
			log.Error().Err(err).Msg("context not loaded")
			sched.Fail(err)
			return err
		}
		messages = loaded
	}
	if !hasUserMessage(messages) {
		log.Info().Msg("no question in context")
		return sched.Finish(r.opts.MissingQuestion)
	}

	system := r.opts.SystemPrompt
	if r.opts.Prompt != nil {
		system = r.opts.Prompt.Resolve(r.opts.SystemPrompt)
	}

	resp, err := r.completer.StreamOrchestrate(ctx, &harness.Request{
		ConversationID: ex.Key,
		System:         system,
		Messages:       messages,
		Options: ports.Options{
			Model:     r.opts.Model,
			WebSearch: r.opts.WebSearch,
			Timeout:   r.opts.Timeout,
		},
		Remember: ex.Remember,
		Fallback: r.opts.EmptyReply,
		Meta:     map[string]string{"service": r.opts.Service, "exchange": ex.ID},
	}, sched)
	if err != nil {
		log.Error().Err(err).Dur("elapsed", time.Since(started)).Msg("exchange failed")
		sched.Fail(err)
		return err
	}

	if err := sched.Finish(resp.Text); err != nil {
		log.Error().Err(err).Msg("reply not delivered")
		return err
	}

	log.Info().
		Dur("elapsed", time.Since(started)).
		Int("chars", len(resp.Text)).
		Bool("streamed", resp.Streamed).
		Msg("exchange answered")
	return nil
}

func hasUserMessage(messages []ports.PromptMessage) bool {
	for _, m := range messages {
		if m.Role == ports.RoleUser && strings.TrimSpace(m.Content) != "" {
			return true
		}
	}
	return false
}
