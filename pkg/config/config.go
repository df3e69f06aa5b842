package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Load reads the yaml config at path (optional: empty path yields an all
// defaults config), applies CHATSYNC_* environment overrides, validates and
// fills defaults. Environment wins over file, matching startup flags
// upstream of this call.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv overlays select environment variables onto cfg.
func applyEnv(cfg *Config) {
	if v := os.Getenv("CHATSYNC_USER_ID"); v != "" {
		cfg.Client.UserID = v
	}
	if v := os.Getenv("CHATSYNC_DATA_DIR"); v != "" {
		cfg.Client.DataDir = v
	}
	if v := os.Getenv("CHATSYNC_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("CHATSYNC_CHANNEL_URL"); v != "" {
		cfg.Channel.URL = v
	}
	if v := os.Getenv("CHATSYNC_API_BASE_URL"); v != "" {
		cfg.API.BaseURL = v
	}
	if v := os.Getenv("CHATSYNC_API_TOKEN"); v != "" {
		cfg.API.AuthToken = v
	}
	if v := os.Getenv("CHATSYNC_QUEUE_HARD_CAP"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Queue.HardCap = n
		}
	}
	if v := os.Getenv("CHATSYNC_SYNC_CRON"); v != "" {
		cfg.Sync.Cron = v
	}
}

// Validate applies canonical defaults and rejects impossible values. Later
// packages rely on defaults being present (queue, WAL-style tunables and
// timeouts must never be zero at runtime).
func (c *Config) Validate() error {
	if c.Client.DataDir == "" {
		c.Client.DataDir = "./chatsync-data"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Channel.AttemptTimeout.Duration() <= 0 {
		c.Channel.AttemptTimeout = Duration(3 * time.Second)
	}
	if c.Channel.PingInterval.Duration() <= 0 {
		c.Channel.PingInterval = Duration(15 * time.Second)
	}
	if c.Channel.ReconnectMin.Duration() <= 0 {
		c.Channel.ReconnectMin = Duration(time.Second)
	}
	if c.Channel.ReconnectMax.Duration() < c.Channel.ReconnectMin.Duration() {
		c.Channel.ReconnectMax = Duration(30 * time.Second)
	}
	if c.API.AttemptTimeout.Duration() <= 0 {
		c.API.AttemptTimeout = Duration(10 * time.Second)
	}
	if c.Queue.HardCap <= 0 {
		c.Queue.HardCap = 1000
	}
	if c.Queue.MaxRetries <= 0 {
		c.Queue.MaxRetries = 5
	}
	if c.Queue.MaxPayload <= 0 {
		c.Queue.MaxPayload = 256 * 1024
	}
	if c.Cache.PerConversation <= 0 {
		c.Cache.PerConversation = 200
	}
	if c.Cache.MaxConversations <= 0 {
		c.Cache.MaxConversations = 64
	}
	if c.Cache.HistoryTTL.Duration() <= 0 {
		c.Cache.HistoryTTL = Duration(5 * time.Minute)
	}
	if c.Cache.Persist == nil {
		t := true
		c.Cache.Persist = &t
	}
	if c.Connectivity.Debounce.Duration() <= 0 {
		c.Connectivity.Debounce = Duration(2 * time.Second)
	}
	if c.Connectivity.CheckInterval.Duration() <= 0 {
		c.Connectivity.CheckInterval = Duration(30 * time.Second)
	}
	if c.Sync.Cron == "" {
		c.Sync.Cron = "*/5 * * * *"
	}
	if c.Sync.DrainRPS <= 0 {
		c.Sync.DrainRPS = 10
	}
	if c.Sync.DrainBurst <= 0 {
		c.Sync.DrainBurst = 5
	}
	if c.Diagnostics.Enabled && c.Diagnostics.Address == "" {
		c.Diagnostics.Address = "127.0.0.1:6060"
	}
	if c.Channel.AttemptTimeout.Duration() >= c.API.AttemptTimeout.Duration() {
		return fmt.Errorf("channel attempt_timeout (%s) must be shorter than api attempt_timeout (%s)",
			c.Channel.AttemptTimeout.Duration(), c.API.AttemptTimeout.Duration())
	}
	return nil
}
