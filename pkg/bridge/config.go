// Copyright 2024-2026 Aiku AI

package bridge

import (
	_ "embed"
	"fmt"
	"os"
	"strings"
	"text/template"

	"go.mau.fi/zeroconfig"
	"gopkg.in/yaml.v3"
)

//go:embed example-config.yaml
var ExampleConfig string

// HomeserverConfig describes the Matrix side of the bridge.
type HomeserverConfig struct {
	// Address is the internal URL used for client-server API calls.
	Address string `yaml:"address"`
	// PublicAddress is the externally reachable URL, used to build media
	// download links that the other platform can fetch.
	PublicAddress string `yaml:"public_address"`
	// Domain is the server name appearing in user IDs and room aliases.
	Domain string `yaml:"domain"`
}

// AppserviceConfig holds the application-service registration details.
type AppserviceConfig struct {
	// ListenAddress is where the transaction endpoint listens, e.g. ":29317".
	ListenAddress string `yaml:"listen_address"`
	// HSToken authenticates the homeserver to the bridge.
	HSToken string `yaml:"hs_token"`
	// ASToken authenticates the bridge to the homeserver.
	ASToken string `yaml:"as_token"`
	// BotUsername is the localpart of the main bridge bot.
	BotUsername string `yaml:"bot_username"`
	// GhostUsernameTemplate renders the localpart of Telegram ghost users.
	// The template receives {{.UserID}}.
	GhostUsernameTemplate string `yaml:"ghost_username_template"`
	// DisplaynameTemplate renders ghost display names from {{.Name}}.
	DisplaynameTemplate string `yaml:"displayname_template"`
}

// TelegramConfig describes the Telegram Bot API side.
type TelegramConfig struct {
	Token string `yaml:"token"`
	// APIURL overrides the Bot API server, for self-hosted instances.
	// Empty means api.telegram.org.
	APIURL string `yaml:"api_url"`
	// PollTimeout is the long-poll timeout in seconds for getUpdates.
	PollTimeout int `yaml:"poll_timeout"`
}

// RateLimitConfig configures one destination's token-bucket gate.
type RateLimitConfig struct {
	// MessagesPerSecond is the sustained send rate. Zero disables the gate.
	MessagesPerSecond float64 `yaml:"messages_per_second"`
	Burst             int     `yaml:"burst"`
}

// RelayConfig holds the relay engine's operational policy. None of these
// values are hard-coded anywhere; the retry budget and backoff curve are
// deployment decisions.
type RelayConfig struct {
	// MaxAttempts is the delivery attempt budget before dead-lettering.
	MaxAttempts int `yaml:"max_attempts"`
	// RetryBaseSeconds is the first backoff delay; it doubles per attempt.
	RetryBaseSeconds float64 `yaml:"retry_base_seconds"`
	// RetryMaxSeconds caps the backoff delay.
	RetryMaxSeconds float64 `yaml:"retry_max_seconds"`
	// Workers caps concurrent deliveries across all conversations.
	Workers int `yaml:"workers"`
	// QueueSize bounds each per-conversation queue and the shared intake.
	QueueSize int `yaml:"queue_size"`
	// EventCacheSize bounds the per-conversation recent event ID cache used
	// for reply resolution.
	EventCacheSize int `yaml:"event_cache_size"`
	// ProfileRefreshSeconds rate-limits ghost profile refreshes per user.
	ProfileRefreshSeconds int `yaml:"profile_refresh_seconds"`
	// MaxAttachmentBytes caps attachment size per destination platform;
	// larger files degrade to a link notice.
	MaxAttachmentBytes map[string]int64 `yaml:"max_attachment_bytes"`

	RateLimits map[string]RateLimitConfig `yaml:"rate_limits"`
}

// SeedLink pre-links a Matrix room with a Telegram chat at startup.
type SeedLink struct {
	MatrixRoom   string `yaml:"matrix_room"`
	TelegramChat int64  `yaml:"telegram_chat"`
}

// Config is the root bridge configuration.
type Config struct {
	Homeserver HomeserverConfig `yaml:"homeserver"`
	Appservice AppserviceConfig `yaml:"appservice"`
	Telegram   TelegramConfig   `yaml:"telegram"`
	Database   struct {
		Path string `yaml:"path"`
	} `yaml:"database"`
	Relay   RelayConfig       `yaml:"relay"`
	Links   []SeedLink        `yaml:"links"`
	Logging zeroconfig.Config `yaml:"logging"`

	ghostUsernameTemplate *template.Template
	displaynameTemplate   *template.Template
}

// LoadConfig reads and validates a config file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigError{Field: "file", Err: err}
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, &ConfigError{Field: "yaml", Err: err}
	}
	if err := cfg.PostProcess(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// PostProcess applies defaults, compiles templates and validates required
// fields. Any error here is fatal at startup.
func (c *Config) PostProcess() error {
	switch {
	case c.Homeserver.Address == "":
		return &ConfigError{Field: "homeserver.address", Err: fmt.Errorf("required")}
	case c.Homeserver.Domain == "":
		return &ConfigError{Field: "homeserver.domain", Err: fmt.Errorf("required")}
	case c.Appservice.HSToken == "":
		return &ConfigError{Field: "appservice.hs_token", Err: fmt.Errorf("required")}
	case c.Appservice.ASToken == "":
		return &ConfigError{Field: "appservice.as_token", Err: fmt.Errorf("required")}
	case c.Telegram.Token == "":
		return &ConfigError{Field: "telegram.token", Err: fmt.Errorf("required")}
	case c.Database.Path == "":
		return &ConfigError{Field: "database.path", Err: fmt.Errorf("required")}
	}

	if c.Homeserver.PublicAddress == "" {
		c.Homeserver.PublicAddress = c.Homeserver.Address
	}
	c.Homeserver.Address = strings.TrimRight(c.Homeserver.Address, "/")
	c.Homeserver.PublicAddress = strings.TrimRight(c.Homeserver.PublicAddress, "/")

	if c.Appservice.ListenAddress == "" {
		c.Appservice.ListenAddress = ":29317"
	}
	if c.Appservice.BotUsername == "" {
		c.Appservice.BotUsername = "telegrambot"
	}
	if c.Appservice.GhostUsernameTemplate == "" {
		c.Appservice.GhostUsernameTemplate = "telegram_{{.UserID}}"
	}
	if c.Appservice.DisplaynameTemplate == "" {
		c.Appservice.DisplaynameTemplate = "{{.Name}} (Telegram)"
	}
	if c.Telegram.PollTimeout <= 0 {
		c.Telegram.PollTimeout = 30
	}

	if c.Relay.MaxAttempts <= 0 {
		c.Relay.MaxAttempts = 6
	}
	if c.Relay.RetryBaseSeconds <= 0 {
		c.Relay.RetryBaseSeconds = 1
	}
	if c.Relay.RetryMaxSeconds <= 0 {
		c.Relay.RetryMaxSeconds = 60
	}
	if c.Relay.Workers <= 0 {
		c.Relay.Workers = 8
	}
	if c.Relay.QueueSize <= 0 {
		c.Relay.QueueSize = 64
	}
	if c.Relay.EventCacheSize <= 0 {
		c.Relay.EventCacheSize = 128
	}
	if c.Relay.ProfileRefreshSeconds <= 0 {
		c.Relay.ProfileRefreshSeconds = 3600
	}

	var err error
	c.ghostUsernameTemplate, err = template.New("ghost_username").Parse(c.Appservice.GhostUsernameTemplate)
	if err != nil {
		return &ConfigError{Field: "appservice.ghost_username_template", Err: err}
	}
	c.displaynameTemplate, err = template.New("displayname").Parse(c.Appservice.DisplaynameTemplate)
	if err != nil {
		return &ConfigError{Field: "appservice.displayname_template", Err: err}
	}
	return nil
}

// FormatGhostUsername renders the Matrix localpart for a Telegram user ID.
func (c *Config) FormatGhostUsername(userID string) string {
	var buf strings.Builder
	if err := c.ghostUsernameTemplate.Execute(&buf, struct{ UserID string }{userID}); err != nil {
		return "telegram_" + userID
	}
	return buf.String()
}

// FormatDisplayname renders a ghost display name from the source name.
func (c *Config) FormatDisplayname(name string) string {
	var buf strings.Builder
	if err := c.displaynameTemplate.Execute(&buf, struct{ Name string }{name}); err != nil {
		return name
	}
	return buf.String()
}

// MaxAttachmentBytes returns the attachment size cap for a destination
// platform, or 0 when unlimited.
func (c *Config) MaxAttachmentBytes(p Platform) int64 {
	return c.Relay.MaxAttachmentBytes[string(p)]
}
