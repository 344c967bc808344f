package irc

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/ZanzyTHEbar/chatrelay/relay/bridge"
	"github.com/ZanzyTHEbar/chatrelay/relay/delivery"
	ports "github.com/ZanzyTHEbar/chatrelay/relay/generation/harness/ports"
)

// Connector answers addressed IRC messages.
type Connector struct {
	submit bridge.Submitter
	cfg    SessionConfig
	opts   Options
	log    zerolog.Logger
}

// NewConnector returns a connector that registers with cfg and hands each
// addressed message to submit.
func NewConnector(cfg SessionConfig, opts Options, submit bridge.Submitter) *Connector {
	return &Connector{
		submit: submit,
		cfg:    cfg,
		opts:   opts,
		log:    opts.Logger,
	}
}

// Run connects and serves until ctx ends or the connection is lost. A lost
// connection is returned as an error; cancellation returns nil after QUIT.
func (c *Connector) Run(ctx context.Context) error {
	var engine *Engine
	engine = NewEngine(c.cfg, c.opts, func(m Message) { c.dispatch(ctx, engine, m) })

	if err := engine.Start(ctx); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		grace := c.opts.ShutdownGrace
		if grace <= 0 {
			grace = DefaultShutdownGrace
		}
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), grace+time.Second)
		defer cancel()
		return engine.Stop(sctx)
	case <-engine.Done():
		if err := engine.Err(); err != nil {
			return err
		}
		return ErrUnexpectedClose
	}
}

func (c *Connector) dispatch(ctx context.Context, engine *Engine, m Message) {
	content := m.Text
	if !m.Direct {
		content = m.From + ": " + m.Text
	}

	c.log.Debug().Str("from", m.From).Str("target", m.Target).Bool("direct", m.Direct).Msg("irc message")

	c.submit.Submit(ctx, bridge.Exchange{
		Key:      m.ConversationKey(),
		Messages: []ports.PromptMessage{{Role: ports.RoleUser, Content: content}},
		Remember: true,
		Writer:   &writer{engine: engine, target: m.ReplyTarget()},
		Format:   NormalizeText,
	})
}

// writer sends whole replies; IRC cannot edit, so every write is a new message.
type writer struct {
	engine *Engine
	target string
}

func (w *writer) Create(_ context.Context, text string) (delivery.Handle, error) {
	return delivery.Handle(w.target), w.engine.Send(w.target, text)
}

func (w *writer) Update(_ context.Context, _ delivery.Handle, text string) error {
	return w.engine.Send(w.target, text)
}
