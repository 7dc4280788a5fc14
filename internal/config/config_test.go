//go:build !integration

package config

import (
	"strings"
	"testing"
	"time"
)

func TestParse(t *testing.T) {
	t.Run("should fill defaults", func(t *testing.T) {
		cfg, err := Parse([]byte(`
gateway:
  base_url: https://api.example.com/
auth:
  token: abc
changefeed:
  backend: none
`))
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if cfg.Gateway.BaseURL != "https://api.example.com" {
			t.Errorf("expected trailing slash trimmed, got %q", cfg.Gateway.BaseURL)
		}
		if cfg.Cache.Workers != 8 {
			t.Errorf("expected 8 cache workers, got %d", cfg.Cache.Workers)
		}
		if cfg.Chat.SendTimeout != 0 {
			t.Errorf("expected no send timeout by default, got %v", cfg.Chat.SendTimeout)
		}
		if cfg.Stream.IdleTimeout != 0 {
			t.Errorf("expected no idle timeout by default, got %v", cfg.Stream.IdleTimeout)
		}
		if cfg.ChangeFeed.Coalesce {
			t.Error("expected coalescing to be off by default")
		}
		if cfg.Redis.TTL != time.Hour {
			t.Errorf("expected 1h ttl, got %v", cfg.Redis.TTL)
		}
	})

	t.Run("should parse durations", func(t *testing.T) {
		cfg, err := Parse([]byte(`
gateway: {base_url: "http://localhost:8000"}
auth: {token: abc}
changefeed: {backend: none}
chat: {send_timeout: 45s}
jobs: {poll_interval: 2s}
`))
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if cfg.Chat.SendTimeout != 45*time.Second {
			t.Errorf("expected 45s, got %v", cfg.Chat.SendTimeout)
		}
		if cfg.Jobs.PollInterval != 2*time.Second {
			t.Errorf("expected 2s, got %v", cfg.Jobs.PollInterval)
		}
	})

	t.Run("should require a database url for the postgres feed", func(t *testing.T) {
		_, err := Parse([]byte(`
gateway: {base_url: "http://localhost:8000"}
auth: {token: abc}
`))
		if err == nil || !strings.Contains(err.Error(), "database.url") {
			t.Fatalf("expected database.url error, got %v", err)
		}
	})

	t.Run("should reject unknown feed backends", func(t *testing.T) {
		_, err := Parse([]byte(`
gateway: {base_url: "http://localhost:8000"}
auth: {token: abc}
changefeed: {backend: kafka}
`))
		if err == nil {
			t.Fatal("expected an error for an unknown backend")
		}
	})
	t.Run("should reject a snapshot key of the wrong size", func(t *testing.T) {
		t.Setenv("CODEFORGE_SNAPSHOT_KEY", "")
		_, err := Parse([]byte(`
gateway: {base_url: "http://localhost:8000"}
auth: {token: abc}
changefeed: {backend: none}
redis: {snapshot_key: "too-short"}
`))
		if err == nil || !strings.Contains(err.Error(), "snapshot_key") {
			t.Fatalf("expected snapshot_key error, got %v", err)
		}
	})
}
