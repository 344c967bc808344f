// Package slack answers Slack mentions, DMs and thread follow-ups over Socket Mode.
package slack

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/rs/zerolog"
	slackgo "github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"
	"github.com/sourcegraph/conc"

	"github.com/ZanzyTHEbar/chatrelay/relay/bridge"
	"github.com/ZanzyTHEbar/chatrelay/relay/delivery"
	ports "github.com/ZanzyTHEbar/chatrelay/relay/generation/harness/ports"
)

const workingReaction = "eyes"

// API is the part of the Slack Web API the connector uses.
type API interface {
	AuthTestContext(ctx context.Context) (*slackgo.AuthTestResponse, error)
	GetConversationRepliesContext(ctx context.Context, params *slackgo.GetConversationRepliesParameters) ([]slackgo.Message, bool, string, error)
	GetConversationHistoryContext(ctx context.Context, params *slackgo.GetConversationHistoryParameters) (*slackgo.GetConversationHistoryResponse, error)
	PostMessageContext(ctx context.Context, channelID string, options ...slackgo.MsgOption) (string, string, error)
	UpdateMessageContext(ctx context.Context, channelID, timestamp string, options ...slackgo.MsgOption) (string, string, string, error)
	AddReactionContext(ctx context.Context, name string, item slackgo.ItemRef) error
	RemoveReactionContext(ctx context.Context, name string, item slackgo.ItemRef) error
}

// Options configures a Connector.
type Options struct {
	BotToken string
	AppToken string
	// MaxHistory bounds the messages fetched as context.
	MaxHistory int
	Logger     zerolog.Logger
}

// Connector turns Slack events into exchanges.
type Connector struct {
	client *slackgo.Client
	api    API
	submit bridge.Submitter
	opts   Options
	log    zerolog.Logger

	botUserID string
}

// NewConnector returns a Socket Mode connector for the given tokens.
func NewConnector(opts Options, submit bridge.Submitter) *Connector {
	client := slackgo.New(opts.BotToken, slackgo.OptionAppLevelToken(opts.AppToken))
	c := newConnector(client, opts, submit)
	c.client = client
	return c
}

func newConnector(api API, opts Options, submit bridge.Submitter) *Connector {
	if opts.MaxHistory <= 0 {
		opts.MaxHistory = 20
	}
	return &Connector{
		api:    api,
		submit: submit,
		opts:   opts,
		log:    opts.Logger,
	}
}

// Run identifies the bot and consumes Socket Mode events until ctx ends.
func (c *Connector) Run(ctx context.Context) error {
	auth, err := c.api.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("slack auth test: %w", err)
	}
	c.botUserID = auth.UserID
	c.log.Info().Str("bot_user", auth.UserID).Str("team", auth.Team).Msg("slack connector started")

	sm := socketmode.New(c.client)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg conc.WaitGroup
	wg.Go(func() { c.consume(runCtx, sm) })

	err = sm.RunContext(runCtx)
	cancel()
	wg.Wait()

	if ctx.Err() != nil {
		return nil
	}
	if err == nil {
		err = errors.New("socket mode connection ended")
	}
	return fmt.Errorf("slack: %w", err)
}

func (c *Connector) consume(ctx context.Context, sm *socketmode.Client) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-sm.Events:
			switch evt.Type {
			case socketmode.EventTypeConnecting:
				c.log.Debug().Msg("slack connecting")
			case socketmode.EventTypeConnected:
				c.log.Info().Msg("slack connected")
			case socketmode.EventTypeConnectionError:
				c.log.Warn().Interface("data", evt.Data).Msg("slack connection error")
			case socketmode.EventTypeEventsAPI:
				api, ok := evt.Data.(slackevents.EventsAPIEvent)
				if !ok {
					continue
				}
				if evt.Request != nil {
					sm.Ack(*evt.Request)
				}
				c.handleEventsAPI(ctx, api)
			}
		}
	}
}

func (c *Connector) handleEventsAPI(ctx context.Context, api slackevents.EventsAPIEvent) {
	if api.Type != slackevents.CallbackEvent {
		return
	}

	switch ev := api.InnerEvent.Data.(type) {
	case *slackevents.AppMentionEvent:
		c.onMention(ctx, event{
			Channel:  ev.Channel,
			User:     ev.User,
			BotID:    ev.BotID,
			Text:     ev.Text,
			TS:       ev.TimeStamp,
			ThreadTS: ev.ThreadTimeStamp,
		})
	case *slackevents.MessageEvent:
		c.onMessage(ctx, event{
			Channel:     ev.Channel,
			ChannelType: ev.ChannelType,
			User:        ev.User,
			BotID:       ev.BotID,
			SubType:     ev.SubType,
			Text:        ev.Text,
			TS:          ev.TimeStamp,
			ThreadTS:    ev.ThreadTimeStamp,
		})
	}
}

// event is the subset of mention and message events the connector reads.
type event struct {
	Channel     string
	ChannelType string
	User        string
	BotID       string
	SubType     string
	Text        string
	TS          string
	ThreadTS    string
}

func (e event) direct() bool { return e.ChannelType == "im" }

// inDM is a top-level DM message; replies go to the channel, not a thread.
func (e event) inDM() bool { return e.direct() && e.ThreadTS == "" }

func (e event) threadTS() string {
	if e.ThreadTS != "" {
		return e.ThreadTS
	}
	return e.TS
}

func (c *Connector) fromBot(e event) bool {
	return e.SubType == "bot_message" || e.BotID != "" || (c.botUserID != "" && e.User == c.botUserID)
}

func (c *Connector) onMention(ctx context.Context, e event) {
	c.log.Debug().Str("channel", e.Channel).Str("ts", e.TS).Msg("slack app_mention")
	c.dispatch(ctx, e)
}

func (c *Connector) onMessage(ctx context.Context, e event) {
	c.log.Debug().Str("channel", e.Channel).Str("subtype", e.SubType).Str("thread_ts", e.ThreadTS).Msg("slack message")

	if e.SubType != "" && e.SubType != "thread_broadcast" {
		return
	}
	if c.fromBot(e) {
		return
	}
	if e.direct() {
		c.dispatch(ctx, e)
		return
	}
	// Mentions arrive again as app_mention.
	if e.ThreadTS == "" || mentions(e.Text, c.botUserID) {
		return
	}

	replied, err := c.botRepliedInThread(ctx, e)
	if err != nil {
		c.log.Warn().Err(err).Str("channel", e.Channel).Msg("slack thread lookup failed")
		return
	}
	if replied {
		c.dispatch(ctx, e)
	}
}

func (c *Connector) botRepliedInThread(ctx context.Context, e event) (bool, error) {
	msgs, _, _, err := c.api.GetConversationRepliesContext(ctx, &slackgo.GetConversationRepliesParameters{
		ChannelID: e.Channel,
		Timestamp: e.ThreadTS,
		Limit:     c.opts.MaxHistory,
	})
	if err != nil {
		return false, err
	}
	return slices.ContainsFunc(msgs, func(m slackgo.Message) bool {
		return c.botUserID != "" && m.User == c.botUserID && m.Timestamp != e.TS
	}), nil
}

func (c *Connector) dispatch(ctx context.Context, e event) {
	key := "slack:" + e.Channel + ":" + e.threadTS()
	if e.inDM() {
		key = "slack:" + e.Channel
	}

	c.submit.Submit(ctx, bridge.Exchange{
		Key:       key,
		Load:      func(ctx context.Context) ([]ports.PromptMessage, error) { return c.loadContext(ctx, e) },
		Writer:    &writer{api: c.api, event: e},
		Streaming: true,
		Format:    FormatText,
		Reactor:   &reactor{api: c.api, ref: slackgo.NewRefToMessage(e.Channel, e.TS)},
	})
}

// loadContext reads the thread, or the recent DM history, as prompt messages.
func (c *Connector) loadContext(ctx context.Context, e event) ([]ports.PromptMessage, error) {
	if e.inDM() {
		res, err := c.api.GetConversationHistoryContext(ctx, &slackgo.GetConversationHistoryParameters{
			ChannelID: e.Channel,
			Limit:     c.opts.MaxHistory,
		})
		if err != nil {
			c.log.Warn().Err(err).Str("channel", e.Channel).Msg("slack dm history failed, using current message")
			if text := CleanText(e.Text); text != "" {
				return []ports.PromptMessage{{Role: ports.RoleUser, Content: text}}, nil
			}
			return nil, nil
		}

		// History is newest first.
		msgs := slices.Clone(res.Messages)
		slices.Reverse(msgs)
		msgs = slices.DeleteFunc(msgs, func(m slackgo.Message) bool {
			return m.SubType != "" && m.SubType != "bot_message"
		})
		return c.toPrompt(msgs), nil
	}

	msgs, _, _, err := c.api.GetConversationRepliesContext(ctx, &slackgo.GetConversationRepliesParameters{
		ChannelID: e.Channel,
		Timestamp: e.threadTS(),
		Limit:     c.opts.MaxHistory,
	})
	if err != nil {
		return nil, fmt.Errorf("slack thread replies: %w", err)
	}
	return c.toPrompt(msgs), nil
}

func (c *Connector) toPrompt(msgs []slackgo.Message) []ports.PromptMessage {
	out := make([]ports.PromptMessage, 0, len(msgs))
	for _, m := range msgs {
		text := CleanText(m.Text)
		if text == "" {
			continue
		}
		role := ports.RoleUser
		if (c.botUserID != "" && m.User == c.botUserID) || m.BotID != "" {
			role = ports.RoleAssistant
		}
		out = append(out, ports.PromptMessage{Role: role, Content: text})
	}
	return out
}

// writer posts the reply in the event's thread and edits it afterwards.
type writer struct {
	api   API
	event event
}

func (w *writer) Create(ctx context.Context, text string) (delivery.Handle, error) {
	opts := []slackgo.MsgOption{slackgo.MsgOptionText(text, false)}
	if !w.event.inDM() {
		opts = append(opts, slackgo.MsgOptionTS(w.event.threadTS()))
	}
	_, ts, err := w.api.PostMessageContext(ctx, w.event.Channel, opts...)
	if err != nil {
		return "", fmt.Errorf("slack post: %w", err)
	}
	return delivery.Handle(ts), nil
}

func (w *writer) Update(ctx context.Context, h delivery.Handle, text string) error {
	if _, _, _, err := w.api.UpdateMessageContext(ctx, w.event.Channel, string(h), slackgo.MsgOptionText(text, false)); err != nil {
		return fmt.Errorf("slack update: %w", err)
	}
	return nil
}

type reactor struct {
	api API
	ref slackgo.ItemRef
}

func (r *reactor) AddReaction(ctx context.Context) error {
	return r.api.AddReactionContext(ctx, workingReaction, r.ref)
}

func (r *reactor) RemoveReaction(ctx context.Context) error {
	return r.api.RemoveReactionContext(ctx, workingReaction, r.ref)
}
