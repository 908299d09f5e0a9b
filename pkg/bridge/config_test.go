// Copyright 2024-2026 Aiku AI

package bridge

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func validConfig() *Config {
	cfg := &Config{}
	cfg.Homeserver.Address = "http://localhost:8008/"
	cfg.Homeserver.Domain = "example.com"
	cfg.Appservice.HSToken = "hs"
	cfg.Appservice.ASToken = "as"
	cfg.Telegram.Token = "123:abc"
	cfg.Database.Path = "bridge.db"
	return cfg
}

func TestPostProcessDefaults(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	if err := cfg.PostProcess(); err != nil {
		t.Fatalf("post process: %v", err)
	}
	if cfg.Homeserver.Address != "http://localhost:8008" {
		t.Errorf("address not trimmed: %q", cfg.Homeserver.Address)
	}
	if cfg.Homeserver.PublicAddress != "http://localhost:8008" {
		t.Errorf("public address should default to address, got %q", cfg.Homeserver.PublicAddress)
	}
	if cfg.Appservice.ListenAddress != ":29317" {
		t.Errorf("listen address default: %q", cfg.Appservice.ListenAddress)
	}
	if cfg.Relay.MaxAttempts != 6 || cfg.Relay.Workers != 8 {
		t.Errorf("relay defaults: attempts=%d workers=%d", cfg.Relay.MaxAttempts, cfg.Relay.Workers)
	}
	if cfg.Telegram.PollTimeout != 30 {
		t.Errorf("poll timeout default: %d", cfg.Telegram.PollTimeout)
	}
}

func TestPostProcessRequiredFields(t *testing.T) {
	t.Parallel()
	mutations := map[string]func(*Config){
		"homeserver.address":  func(c *Config) { c.Homeserver.Address = "" },
		"homeserver.domain":   func(c *Config) { c.Homeserver.Domain = "" },
		"appservice.hs_token": func(c *Config) { c.Appservice.HSToken = "" },
		"appservice.as_token": func(c *Config) { c.Appservice.ASToken = "" },
		"telegram.token":      func(c *Config) { c.Telegram.Token = "" },
		"database.path":       func(c *Config) { c.Database.Path = "" },
	}
	for field, clear := range mutations {
		cfg := validConfig()
		clear(cfg)
		err := cfg.PostProcess()
		var cfgErr *ConfigError
		if !errors.As(err, &cfgErr) {
			t.Errorf("%s: got %v, want ConfigError", field, err)
			continue
		}
		if cfgErr.Field != field {
			t.Errorf("field: got %q, want %q", cfgErr.Field, field)
		}
	}
}

func TestGhostTemplates(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	if err := cfg.PostProcess(); err != nil {
		t.Fatalf("post process: %v", err)
	}
	if got := cfg.FormatGhostUsername("12345"); got != "telegram_12345" {
		t.Errorf("ghost username: got %q", got)
	}
	if got := cfg.FormatDisplayname("Alice"); got != "Alice (Telegram)" {
		t.Errorf("displayname: got %q", got)
	}
}

func TestPostProcessBadTemplate(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.Appservice.DisplaynameTemplate = "{{.Name"
	var cfgErr *ConfigError
	if err := cfg.PostProcess(); !errors.As(err, &cfgErr) {
		t.Errorf("got %v, want ConfigError", err)
	}
}

func TestLoadConfigRoundTrip(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte(`
homeserver:
    address: http://localhost:8008
    domain: example.com
appservice:
    hs_token: hs
    as_token: as
telegram:
    token: 123:abc
database:
    path: bridge.db
relay:
    max_attempts: 3
    rate_limits:
        telegram:
            messages_per_second: 1
            burst: 5
    max_attachment_bytes:
        telegram: 52428800
links:
    - matrix_room: "!room:example.com"
      telegram_chat: -1001234
`)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Relay.MaxAttempts != 3 {
		t.Errorf("max attempts: got %d", cfg.Relay.MaxAttempts)
	}
	if cfg.Relay.RateLimits["telegram"].Burst != 5 {
		t.Errorf("rate limit burst: got %d", cfg.Relay.RateLimits["telegram"].Burst)
	}
	if cfg.MaxAttachmentBytes(PlatformTelegram) != 52428800 {
		t.Errorf("attachment cap: got %d", cfg.MaxAttachmentBytes(PlatformTelegram))
	}
	if len(cfg.Links) != 1 || cfg.Links[0].TelegramChat != -1001234 {
		t.Errorf("links: got %+v", cfg.Links)
	}
}

func TestExampleConfigLoads(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(ExampleConfig), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := LoadConfig(path); err != nil {
		t.Errorf("the example config must pass validation: %v", err)
	}
}
