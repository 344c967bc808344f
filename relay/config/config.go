package config

import (
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	internal "github.com/ZanzyTHEbar/chatrelay/relay"

	"github.com/spf13/viper"
)

// Service types.
const (
	ServiceIRC     = "irc"
	ServiceSlack   = "slack"
	ServiceDiscord = "discord"
)

// Config stores all configuration of the application.
// The values are read by viper from a config file or environment variables.
type Config struct {
	Log        LogConfig        `mapstructure:"log"`
	Relay      RelayConfig      `mapstructure:"relay"`
	Completion CompletionConfig `mapstructure:"completion"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Harness    HarnessConfig    `mapstructure:"harness"`
	Services   []ServiceConfig  `mapstructure:"services"`
}

// LogConfig controls the root logger.
type LogConfig struct {
	Level  string `mapstructure:"level"`  // zerolog level name
	Pretty bool   `mapstructure:"pretty"` // console writer instead of JSON
}

// RelayConfig holds transport-independent reply behavior.
type RelayConfig struct {
	MaxThreadHistory int           `mapstructure:"max_thread_history"` // turns of context per conversation
	StreamInterval   time.Duration `mapstructure:"stream_interval"`    // min time between message edits
	EmptyReply       string        `mapstructure:"empty_reply"`        // sent when the model returns nothing
	ErrorReply       string        `mapstructure:"error_reply"`        // sent when the exchange fails
	MissingQuestion  string        `mapstructure:"missing_question"`   // sent for a bare mention
}

// CompletionConfig describes the Codex endpoint.
type CompletionConfig struct {
	Endpoint         string        `mapstructure:"endpoint"`
	Model            string        `mapstructure:"model"`
	SystemPrompt     string        `mapstructure:"system_prompt"`
	SystemPromptFile string        `mapstructure:"system_prompt_file"` // reloaded on change
	WebSearch        bool          `mapstructure:"web_search"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout"` // 0 disables
}

// AuthConfig holds the OAuth refresh flow settings.
type AuthConfig struct {
	RefreshToken string `mapstructure:"refresh_token"` // also CODEX_REFRESH_TOKEN
	RefreshURL   string `mapstructure:"refresh_url"`
	ClientID     string `mapstructure:"client_id"`
}

// HarnessConfig stores completion harness configurations.
type HarnessConfig struct {
	// Rate limiting
	RateLimitEnabled    bool          `mapstructure:"rate_limit_enabled"`     // Enable per-conversation rate limiting
	RateLimitCapacity   int           `mapstructure:"rate_limit_capacity"`    // Token bucket capacity
	RateLimitRefillRate time.Duration `mapstructure:"rate_limit_refill_rate"` // Refill rate

	// Conversation store
	StoreCapacity    int           `mapstructure:"store_capacity"`     // Max conversations kept in memory
	StoreIdleTimeout time.Duration `mapstructure:"store_idle_timeout"` // Drop conversations idle this long

	// Telemetry
	EnableTracing bool `mapstructure:"enable_tracing"` // Enable structured logging/tracing
}

// ServiceConfig is one named bridge instance.
type ServiceConfig struct {
	Name         string        `mapstructure:"name"`
	Type         string        `mapstructure:"type"`
	Model        string        `mapstructure:"model"`
	WebSearch    *bool         `mapstructure:"web_search"`
	SystemPrompt string        `mapstructure:"system_prompt"`
	IRC          IRCConfig     `mapstructure:"irc"`
	Slack        SlackConfig   `mapstructure:"slack"`
	Discord      DiscordConfig `mapstructure:"discord"`
}

// IRCConfig describes an IRC network connection.
type IRCConfig struct {
	Server           string        `mapstructure:"server"`
	Port             int           `mapstructure:"port"` // defaults to 6697 with TLS, 6667 without
	TLS              bool          `mapstructure:"tls"`
	Nick             string        `mapstructure:"nick"`
	Username         string        `mapstructure:"username"`
	Realname         string        `mapstructure:"realname"`
	Password         string        `mapstructure:"password"`
	Channels         []string      `mapstructure:"channels"`
	SASL             SASLConfig    `mapstructure:"sasl"`
	MaxMessageLength int           `mapstructure:"max_message_length"`
	ConnectTimeout   time.Duration `mapstructure:"connect_timeout"`
	MaxNickRetries   int           `mapstructure:"max_nick_retries"` // 0 retries forever
}

// SASLConfig enables SASL PLAIN.
type SASLConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// SlackConfig holds Socket Mode credentials.
type SlackConfig struct {
	BotToken string `mapstructure:"bot_token"`
	AppToken string `mapstructure:"app_token"`
}

// DiscordConfig holds the bot token.
type DiscordConfig struct {
	Token string `mapstructure:"token"`
}

// LoadConfig reads configuration from file or environment variables.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath(filepath.Join("etc", internal.DefaultAppName))
		v.AddConfigPath(internal.DefaultConfigPath)
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)

	v.SetDefault("relay.max_thread_history", internal.DefaultMaxThreadHistory)
	v.SetDefault("relay.stream_interval", internal.DefaultStreamInterval)
	v.SetDefault("relay.empty_reply", internal.DefaultEmptyReply)
	v.SetDefault("relay.error_reply", internal.DefaultErrorReply)
	v.SetDefault("relay.missing_question", internal.DefaultMissingQuestion)

	v.SetDefault("completion.endpoint", internal.DefaultCodexEndpoint)
	v.SetDefault("completion.model", internal.DefaultModel)
	v.SetDefault("completion.system_prompt", internal.DefaultSystemPrompt)
	v.SetDefault("completion.system_prompt_file", "")
	v.SetDefault("completion.web_search", false)
	v.SetDefault("completion.request_timeout", "5m")

	v.SetDefault("auth.refresh_token", "")
	v.SetDefault("auth.refresh_url", internal.DefaultRefreshURL)
	v.SetDefault("auth.client_id", internal.DefaultOAuthClientID)

	v.SetDefault("harness.rate_limit_enabled", true)
	v.SetDefault("harness.rate_limit_capacity", 10)
	v.SetDefault("harness.rate_limit_refill_rate", "6s")
	v.SetDefault("harness.store_capacity", 1000)
	v.SetDefault("harness.store_idle_timeout", "24h")
	v.SetDefault("harness.enable_tracing", true)

	v.SetDefault("services", []map[string]any{})

	v.AutomaticEnv()
	// Replace dots with underscores in env var names e.g. completion.model becomes COMPLETION_MODEL
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	if err := v.BindEnv("auth.refresh_token", "AUTH_REFRESH_TOKEN", "CODEX_REFRESH_TOKEN"); err != nil {
		return nil, fmt.Errorf("bind refresh token env: %w", err)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	cfg.Auth.RefreshToken = strings.TrimSpace(cfg.Auth.RefreshToken)
	for i := range cfg.Services {
		cfg.Services[i].Type = strings.ToLower(strings.TrimSpace(cfg.Services[i].Type))
	}

	return &cfg, nil
}

// Validate reports every configuration problem at once.
func (c *Config) Validate() error {
	var errs []error
	seen := map[string]bool{}

	for i, s := range c.Services {
		label := s.Name
		if label == "" {
			label = "#" + strconv.Itoa(i)
			errs = append(errs, fmt.Errorf("service %s: name is required", label))
		} else if seen[s.Name] {
			errs = append(errs, fmt.Errorf("service %s: duplicate name", label))
		}
		seen[s.Name] = true

		switch s.Type {
		case ServiceIRC:
			if s.IRC.Server == "" {
				errs = append(errs, fmt.Errorf("service %s: irc.server is required", label))
			}
			if s.IRC.Nick == "" {
				errs = append(errs, fmt.Errorf("service %s: irc.nick is required", label))
			}
			if s.IRC.MaxNickRetries < 0 {
				errs = append(errs, fmt.Errorf("service %s: irc.max_nick_retries must not be negative", label))
			}
		case ServiceSlack:
			if s.Slack.BotToken == "" || s.Slack.AppToken == "" {
				errs = append(errs, fmt.Errorf("service %s: slack.bot_token and slack.app_token are required", label))
			}
		case ServiceDiscord:
			if s.Discord.Token == "" {
				errs = append(errs, fmt.Errorf("service %s: discord.token is required", label))
			}
		default:
			errs = append(errs, fmt.Errorf("service %s: unknown type %q", label, s.Type))
		}
	}

	if c.Relay.MaxThreadHistory < 1 {
		errs = append(errs, errors.New("relay.max_thread_history must be positive"))
	}

	return errors.Join(errs...)
}

// ModelFor returns the service model or the completion default.
func (c *Config) ModelFor(s ServiceConfig) string {
	if m := strings.TrimSpace(s.Model); m != "" {
		return m
	}
	return c.Completion.Model
}

// WebSearchFor returns the service flag or the completion default.
func (c *Config) WebSearchFor(s ServiceConfig) bool {
	if s.WebSearch != nil {
		return *s.WebSearch
	}
	return c.Completion.WebSearch
}

// Addr joins server and port, defaulting the port from TLS.
func (c IRCConfig) Addr() string {
	port := c.Port
	if port == 0 {
		port = 6667
		if c.TLS {
			port = 6697
		}
	}
	return net.JoinHostPort(c.Server, strconv.Itoa(port))
}

// SASLEnabled treats any SASL credential as opting in.
func (c IRCConfig) SASLEnabled() bool {
	return c.SASL.Enabled || c.SASL.Username != "" || c.SASL.Password != ""
}
