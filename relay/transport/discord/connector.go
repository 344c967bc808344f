// Package discord answers Discord DMs and mentions through the gateway.
package discord

import (
	"context"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"

	"github.com/ZanzyTHEbar/chatrelay/relay/bridge"
	"github.com/ZanzyTHEbar/chatrelay/relay/delivery"
	ports "github.com/ZanzyTHEbar/chatrelay/relay/generation/harness/ports"
)

// MaxMessageLength is Discord's message content limit.
const MaxMessageLength = 2000

// maxFetch is the channel messages endpoint's page limit.
const maxFetch = 100

const (
	workingReaction = "👀"
	truncatedSuffix = "\n...(truncated)"
)

var whitespace = regexp.MustCompile(`\s+`)

// API is the part of *discordgo.Session the connector uses.
type API interface {
	ChannelMessages(channelID string, limit int, beforeID, afterID, aroundID string, options ...discordgo.RequestOption) ([]*discordgo.Message, error)
	ChannelMessageSendReply(channelID, content string, reference *discordgo.MessageReference, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageEdit(channelID, messageID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	MessageReactionAdd(channelID, messageID, emojiID string, options ...discordgo.RequestOption) error
	MessageReactionRemove(channelID, messageID, emojiID, userID string, options ...discordgo.RequestOption) error
}

// Options configures a Connector.
type Options struct {
	Token      string
	MaxHistory int
	Logger     zerolog.Logger
}

// Connector turns MessageCreate events into exchanges.
type Connector struct {
	api    API
	submit bridge.Submitter
	opts   Options
	log    zerolog.Logger

	mu      sync.RWMutex
	botID   string
	mention *regexp.Regexp
}

// NewConnector returns a connector for the bot token.
func NewConnector(opts Options, submit bridge.Submitter) *Connector {
	if opts.MaxHistory <= 0 {
		opts.MaxHistory = 20
	}
	opts.MaxHistory = min(opts.MaxHistory, maxFetch)
	return &Connector{
		submit: submit,
		opts:   opts,
		log:    opts.Logger,
	}
}

// Run opens the gateway session and serves until ctx ends.
func (c *Connector) Run(ctx context.Context) error {
	s, err := discordgo.New("Bot " + c.opts.Token)
	if err != nil {
		return fmt.Errorf("discord session: %w", err)
	}
	s.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentMessageContent
	c.api = s

	s.AddHandler(func(_ *discordgo.Session, r *discordgo.Ready) {
		c.setBot(r.User.ID)
		c.log.Info().Str("bot_user", r.User.ID).Msg("discord connector started")
	})
	s.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
		c.onMessage(ctx, m.Message)
	})

	if err := s.Open(); err != nil {
		return fmt.Errorf("discord open: %w", err)
	}
	<-ctx.Done()

	if err := s.Close(); err != nil {
		c.log.Warn().Err(err).Msg("discord close")
	}
	c.log.Info().Msg("discord connector stopped")
	return nil
}

func (c *Connector) setBot(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.botID = id
	c.mention = regexp.MustCompile(`<@!?` + regexp.QuoteMeta(id) + `>`)
}

func (c *Connector) bot() (string, *regexp.Regexp) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.botID, c.mention
}

func (c *Connector) onMessage(ctx context.Context, m *discordgo.Message) {
	botID, _ := c.bot()
	if botID == "" || m.Author == nil || m.Author.Bot {
		return
	}

	direct := m.GuildID == ""
	mentioned := slices.ContainsFunc(m.Mentions, func(u *discordgo.User) bool { return u != nil && u.ID == botID })
	if !direct && !mentioned {
		return
	}

	c.log.Debug().Str("channel", m.ChannelID).Str("message", m.ID).Bool("direct", direct).Msg("discord message")

	c.submit.Submit(ctx, bridge.Exchange{
		Key:       "discord:" + m.ChannelID,
		Load:      func(ctx context.Context) ([]ports.PromptMessage, error) { return c.loadContext(ctx, m.ChannelID) },
		Writer:    &writer{api: c.api, source: m},
		Streaming: true,
		Format:    FormatText,
		Reactor:   &reactor{api: c.api, source: m},
	})
}

// loadContext reads the channel's recent messages, oldest first, skipping
// other bots.
func (c *Connector) loadContext(ctx context.Context, channelID string) ([]ports.PromptMessage, error) {
	msgs, err := c.api.ChannelMessages(channelID, c.opts.MaxHistory, "", "", "", discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("discord channel messages: %w", err)
	}

	botID, mention := c.bot()
	out := make([]ports.PromptMessage, 0, len(msgs))
	for _, m := range slices.Backward(msgs) {
		if m.Author == nil {
			continue
		}
		own := m.Author.ID == botID
		if m.Author.Bot && !own {
			continue
		}
		text := CleanText(m.Content, mention)
		if text == "" {
			continue
		}
		role := ports.RoleUser
		if own {
			role = ports.RoleAssistant
		}
		out = append(out, ports.PromptMessage{Role: role, Content: text})
	}
	return out, nil
}

// CleanText strips bot mentions and collapses whitespace.
func CleanText(text string, mention *regexp.Regexp) string {
	if mention != nil {
		text = mention.ReplaceAllString(text, "")
	}
	return strings.TrimSpace(whitespace.ReplaceAllString(text, " "))
}

// FormatText trims a reply and truncates it to MaxMessageLength characters.
func FormatText(text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return "."
	}
	if utf8.RuneCountInString(text) <= MaxMessageLength {
		return text
	}
	keep := MaxMessageLength - utf8.RuneCountInString(truncatedSuffix)
	return string([]rune(text)[:keep]) + truncatedSuffix
}

// writer replies to the source message and edits the reply afterwards.
type writer struct {
	api    API
	source *discordgo.Message
}

func (w *writer) Create(ctx context.Context, text string) (delivery.Handle, error) {
	reply, err := w.api.ChannelMessageSendReply(w.source.ChannelID, text, w.source.Reference(), discordgo.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("discord reply: %w", err)
	}
	return delivery.Handle(reply.ID), nil
}

func (w *writer) Update(ctx context.Context, h delivery.Handle, text string) error {
	if _, err := w.api.ChannelMessageEdit(w.source.ChannelID, string(h), text, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("discord edit: %w", err)
	}
	return nil
}

type reactor struct {
	api    API
	source *discordgo.Message
}

func (r *reactor) AddReaction(ctx context.Context) error {
	return r.api.MessageReactionAdd(r.source.ChannelID, r.source.ID, workingReaction, discordgo.WithContext(ctx))
}

func (r *reactor) RemoveReaction(ctx context.Context) error {
	return r.api.MessageReactionRemove(r.source.ChannelID, r.source.ID, workingReaction, "@me", discordgo.WithContext(ctx))
}
