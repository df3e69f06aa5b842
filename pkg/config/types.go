package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// Config is the main configuration struct.
type Config struct {
	Client       ClientConfig       `yaml:"client"`
	Logging      LoggingConfig      `yaml:"logging"`
	Channel      ChannelConfig      `yaml:"channel"`
	API          APIConfig          `yaml:"api"`
	Queue        QueueConfig        `yaml:"queue"`
	Cache        CacheConfig        `yaml:"cache"`
	Connectivity ConnectivityConfig `yaml:"connectivity"`
	Sync         SyncConfig         `yaml:"sync"`
	Diagnostics  DiagnosticsConfig  `yaml:"diagnostics"`
}

// ClientConfig identifies this device and where durable state lives.
type ClientConfig struct {
	UserID  string `yaml:"user_id"`
	DataDir string `yaml:"data_dir"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// ChannelConfig holds real-time channel settings. AttemptTimeout bounds a
// single send over the channel; reconnect backoff is capped exponential.
type ChannelConfig struct {
	URL            string   `yaml:"url"`
	AttemptTimeout Duration `yaml:"attempt_timeout"`
	PingInterval   Duration `yaml:"ping_interval"`
	ReconnectMin   Duration `yaml:"reconnect_min"`
	ReconnectMax   Duration `yaml:"reconnect_max"`
}

// APIConfig holds the request/response fallback API settings.
type APIConfig struct {
	BaseURL        string   `yaml:"base_url"`
	AttemptTimeout Duration `yaml:"attempt_timeout"`
	AuthToken      string   `yaml:"auth_token"`
}

// QueueConfig holds durable action queue tunables.
type QueueConfig struct {
	// HardCap is the maximum number of persisted actions; enqueueing past it
	// evicts the oldest action and surfaces an overflow error.
	HardCap    int `yaml:"hard_cap"`
	MaxRetries int `yaml:"max_retries"`
	// MaxPayload rejects oversized action payloads before they reach disk.
	MaxPayload SizeBytes `yaml:"max_payload"`
}

// CacheConfig holds local message cache tunables.
type CacheConfig struct {
	// PerConversation caps resident messages per conversation; older history
	// is fetched from the API on demand.
	PerConversation  int      `yaml:"per_conversation"`
	MaxConversations int      `yaml:"max_conversations"`
	HistoryTTL       Duration `yaml:"history_ttl"`
	Persist          *bool    `yaml:"persist"`
}

// ConnectivityConfig holds reachability monitoring settings.
type ConnectivityConfig struct {
	// Debounce collapses reachability flapping into one restored event.
	Debounce      Duration `yaml:"debounce"`
	CheckInterval Duration `yaml:"check_interval"`
}

// SyncConfig holds drain scheduling settings. Cron is the safety-net pass
// that runs even if a restored event was missed.
type SyncConfig struct {
	Cron       string  `yaml:"cron"`
	DrainRPS   float64 `yaml:"drain_rps"`
	DrainBurst int     `yaml:"drain_burst"`
}

// DiagnosticsConfig controls the local diagnostics HTTP endpoint.
type DiagnosticsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// SizeBytes represents a number of bytes, unmarshaled from human-friendly
// strings like "64KB" or plain integers.
type SizeBytes int64

func (s *SizeBytes) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		*s = 0
		return nil
	}
	raw := strings.TrimSpace(node.Value)
	if raw == "" {
		*s = 0
		return nil
	}
	if v, err := humanize.ParseBytes(raw); err == nil {
		*s = SizeBytes(v)
		return nil
	}
	if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
		*s = SizeBytes(i)
		return nil
	}
	return fmt.Errorf("invalid size value: %q", node.Value)
}

func (s SizeBytes) Int64() int64 { return int64(s) }

// Duration is a wrapper around time.Duration that supports YAML parsing from
// strings like "100ms" or plain numbers (interpreted as seconds).
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		*d = Duration(0)
		return nil
	}
	raw := strings.TrimSpace(node.Value)
	if raw == "" {
		*d = Duration(0)
		return nil
	}
	if td, err := time.ParseDuration(raw); err == nil {
		*d = Duration(td)
		return nil
	}
	// allow numeric seconds
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		*d = Duration(time.Duration(f * float64(time.Second)))
		return nil
	}
	return fmt.Errorf("invalid duration value: %q", node.Value)
}

func (d Duration) Duration() time.Duration { return time.Duration(d) }
