package main

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/ZanzyTHEbar/chatrelay/relay/auth"
	"github.com/ZanzyTHEbar/chatrelay/relay/bridge"
	"github.com/ZanzyTHEbar/chatrelay/relay/config"
	"github.com/ZanzyTHEbar/chatrelay/relay/generation/codex"
	"github.com/ZanzyTHEbar/chatrelay/relay/generation/harness"
	"github.com/ZanzyTHEbar/chatrelay/relay/prompt"
	"github.com/ZanzyTHEbar/chatrelay/relay/serializer"
	discordconn "github.com/ZanzyTHEbar/chatrelay/relay/transport/discord"
	ircconn "github.com/ZanzyTHEbar/chatrelay/relay/transport/irc"
	slackconn "github.com/ZanzyTHEbar/chatrelay/relay/transport/slack"
)

// runner is a connected service.
type runner interface {
	Run(ctx context.Context) error
}

// app holds the components every service shares.
type app struct {
	cfg    *config.Config
	log    zerolog.Logger
	prompt *prompt.Source
	orch   *harness.HarnessOrchestrator
	queue  *serializer.Serializer
}

func newApp(cfg *config.Config, log zerolog.Logger) (*app, error) {
	creds, err := auth.NewCodexCredentials(auth.Options{
		RefreshToken: cfg.Auth.RefreshToken,
		Endpoint:     cfg.Auth.RefreshURL,
		ClientID:     cfg.Auth.ClientID,
		Logger:       log.With().Str("component", "auth").Logger(),
	})
	if err != nil {
		return nil, fmt.Errorf("%w (set auth.refresh_token or CODEX_REFRESH_TOKEN)", err)
	}

	client, err := codex.New(codex.Config{
		Endpoint:     cfg.Completion.Endpoint,
		DefaultModel: cfg.Completion.Model,
		Credentials:  creds,
		Logger:       log.With().Str("component", "codex").Logger(),
	})
	if err != nil {
		return nil, err
	}

	src, err := prompt.NewSource(cfg.Completion.SystemPrompt, cfg.Completion.SystemPromptFile, log.With().Str("component", "prompt").Logger())
	if err != nil {
		return nil, err
	}

	orch, err := harness.NewFactory(&cfg.Harness, cfg.Relay.MaxThreadHistory, log.With().Str("component", "harness").Logger()).
		CreateOrchestrator(client)
	if err != nil {
		return nil, err
	}

	return &app{
		cfg:    cfg,
		log:    log,
		prompt: src,
		orch:   orch,
		queue:  serializer.New(log.With().Str("component", "serializer").Logger()),
	}, nil
}

func (a *app) bridgeOptions(s config.ServiceConfig) bridge.Options {
	return bridge.Options{
		Service:         s.Name,
		Model:           a.cfg.ModelFor(s),
		WebSearch:       a.cfg.WebSearchFor(s),
		Timeout:         a.cfg.Completion.RequestTimeout,
		SystemPrompt:    s.SystemPrompt,
		Prompt:          a.prompt,
		Interval:        a.cfg.Relay.StreamInterval,
		EmptyReply:      a.cfg.Relay.EmptyReply,
		ErrorReply:      a.cfg.Relay.ErrorReply,
		MissingQuestion: a.cfg.Relay.MissingQuestion,
		Logger:          a.log,
	}
}

// service builds the connector for one configured service.
func (a *app) service(s config.ServiceConfig) (runner, error) {
	rel := bridge.New(a.orch, a.queue, a.bridgeOptions(s))
	log := a.log.With().Str("service", s.Name).Str("type", s.Type).Logger()

	switch s.Type {
	case config.ServiceIRC:
		return ircconn.NewConnector(
			ircconn.SessionConfig{
				Nick:           s.IRC.Nick,
				Username:       s.IRC.Username,
				Realname:       s.IRC.Realname,
				Password:       s.IRC.Password,
				Channels:       s.IRC.Channels,
				SASL:           s.IRC.SASLEnabled(),
				SASLUsername:   s.IRC.SASL.Username,
				SASLPassword:   s.IRC.SASL.Password,
				MaxNickRetries: s.IRC.MaxNickRetries,
			},
			ircconn.Options{
				Addr:             s.IRC.Addr(),
				TLS:              s.IRC.TLS,
				ConnectTimeout:   s.IRC.ConnectTimeout,
				MaxMessageLength: s.IRC.MaxMessageLength,
				Logger:           log,
			},
			rel,
		), nil
	case config.ServiceSlack:
		return slackconn.NewConnector(slackconn.Options{
			BotToken:   s.Slack.BotToken,
			AppToken:   s.Slack.AppToken,
			MaxHistory: a.cfg.Relay.MaxThreadHistory,
			Logger:     log,
		}, rel), nil
	case config.ServiceDiscord:
		return discordconn.NewConnector(discordconn.Options{
			Token:      s.Discord.Token,
			MaxHistory: a.cfg.Relay.MaxThreadHistory,
			Logger:     log,
		}, rel), nil
	default:
		return nil, fmt.Errorf("service %s: unknown type %q", s.Name, s.Type)
	}
}
