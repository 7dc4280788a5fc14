// File: internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type RuntimeConfig struct {
	Dev bool
}

type LogConfig struct {
	Level    string `yaml:"level"`    // trace|debug|info|warn|error
	Format   string `yaml:"format"`   // json|console
	Sampling bool   `yaml:"sampling"` // enable sampling in prod
}

type GatewayConfig struct {
	BaseURL string        `yaml:"base_url"` // e.g. https://api.codeforge.dev (the /v1 prefix is added)
	Timeout time.Duration `yaml:"timeout"`
}

type AuthConfig struct {
	Token  string `yaml:"token"`
	UserID string `yaml:"user_id"` // overrides the JWT subject when set
}

type StreamConfig struct {
	// IdleTimeout closes a push connection that stays silent this long.
	// Zero keeps the connection open indefinitely.
	IdleTimeout time.Duration `yaml:"idle_timeout"`
}

type ChangeFeedConfig struct {
	Backend  string `yaml:"backend"`  // postgres|redis|none
	Coalesce bool   `yaml:"coalesce"` // share one channel per name across observers
}

type DatabaseConfig struct {
	URL      string `yaml:"url"`
	MaxConns int32  `yaml:"max_conns"`
}

type RedisConfig struct {
	URL      string        `yaml:"url"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
	Snapshot bool          `yaml:"snapshot"` // mirror fresh cache values for warm starts
	// SnapshotKey seals mirrored values with AES-GCM when set (16, 24 or 32 bytes).
	SnapshotKey string `yaml:"snapshot_key"`
}

type CacheConfig struct {
	Workers      int           `yaml:"workers"`
	FetchTimeout time.Duration `yaml:"fetch_timeout"`
}

type ChatConfig struct {
	AgentType     string        `yaml:"agent_type"`
	HistoryWindow int           `yaml:"history_window"`
	SendTimeout   time.Duration `yaml:"send_timeout"` // zero = no client-side timeout
}

type JobsConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"` // zero disables the poll fallback
	ListLimit    int           `yaml:"list_limit"`
}

type APIConfig struct {
	Port           int      `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type TelemetryConfig struct {
	Enabled      bool   `yaml:"enabled"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	ServiceName  string `yaml:"service_name"`
}

type Config struct {
	Log        LogConfig        `yaml:"log"`
	Gateway    GatewayConfig    `yaml:"gateway"`
	Auth       AuthConfig       `yaml:"auth"`
	Stream     StreamConfig     `yaml:"stream"`
	ChangeFeed ChangeFeedConfig `yaml:"changefeed"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Cache      CacheConfig      `yaml:"cache"`
	Chat       ChatConfig       `yaml:"chat"`
	Jobs       JobsConfig       `yaml:"jobs"`
	API        APIConfig        `yaml:"api"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Locale     string           `yaml:"locale"`

	Runtime RuntimeConfig `yaml:"-"`
}

func LoadConfig(path string, dev bool) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(b)
	if err != nil {
		return nil, err
	}
	cfg.Runtime.Dev = dev
	return cfg, nil
}

// Parse decodes YAML, fills defaults and validates.
func Parse(b []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	// defaults
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	if cfg.Gateway.Timeout <= 0 {
		cfg.Gateway.Timeout = 30 * time.Second
	}
	if cfg.ChangeFeed.Backend == "" {
		cfg.ChangeFeed.Backend = "postgres"
	}
	if cfg.Database.MaxConns <= 0 {
		cfg.Database.MaxConns = 10
	}
	cfg.Redis.TTL = normalizeTTL(cfg.Redis.TTL)
	if cfg.Cache.Workers <= 0 {
		cfg.Cache.Workers = 8
	}
	if cfg.Cache.FetchTimeout <= 0 {
		cfg.Cache.FetchTimeout = 30 * time.Second
	}
	if cfg.Chat.AgentType == "" {
		cfg.Chat.AgentType = "research"
	}
	if cfg.Chat.HistoryWindow <= 0 {
		cfg.Chat.HistoryWindow = 15
	}
	if cfg.Jobs.PollInterval < 0 {
		cfg.Jobs.PollInterval = 0
	}
	if cfg.Jobs.ListLimit <= 0 || cfg.Jobs.ListLimit > 100 {
		cfg.Jobs.ListLimit = 50
	}
	if cfg.API.Port == 0 {
		cfg.API.Port = 8787
	}
	if len(cfg.API.AllowedOrigins) == 0 {
		cfg.API.AllowedOrigins = []string{"http://localhost:3000"}
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "codeforge-sync"
	}
	if cfg.Locale == "" {
		cfg.Locale = "en"
	}

	// Minimal validation
	if cfg.Gateway.BaseURL == "" {
		return nil, errors.New("gateway.base_url is required")
	}
	if _, err := url.ParseRequestURI(cfg.Gateway.BaseURL); err != nil {
		return nil, fmt.Errorf("gateway.base_url: %w", err)
	}
	cfg.Gateway.BaseURL = strings.TrimRight(cfg.Gateway.BaseURL, "/")
	if cfg.Auth.Token == "" {
		cfg.Auth.Token = os.Getenv("CODEFORGE_TOKEN")
	}
	if cfg.Auth.Token == "" {
		return nil, errors.New("auth.token is required (or CODEFORGE_TOKEN)")
	}
	switch cfg.ChangeFeed.Backend {
	case "postgres":
		if cfg.Database.URL == "" {
			return nil, errors.New("database.url is required for the postgres change-feed")
		}
	case "redis":
		if cfg.Redis.URL == "" {
			return nil, errors.New("redis.url is required for the redis change-feed")
		}
	case "none":
	default:
		return nil, fmt.Errorf("changefeed.backend: unknown backend %q", cfg.ChangeFeed.Backend)
	}
	if cfg.Redis.Snapshot && cfg.Redis.URL == "" {
		return nil, errors.New("redis.url is required when redis.snapshot is enabled")
	}
	if cfg.Redis.SnapshotKey == "" {
		cfg.Redis.SnapshotKey = os.Getenv("CODEFORGE_SNAPSHOT_KEY")
	}
	switch len(cfg.Redis.SnapshotKey) {
	case 0, 16, 24, 32:
	default:
		return nil, fmt.Errorf("redis.snapshot_key must be 16, 24 or 32 bytes; got %d", len(cfg.Redis.SnapshotKey))
	}
	return &cfg, nil
}

func normalizeTTL(d time.Duration) time.Duration {
	if d <= 0 {
		return time.Hour
	}
	return d
}
