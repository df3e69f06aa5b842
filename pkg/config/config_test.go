package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// TestLoadDefaults verifies an empty path produces a fully defaulted config.
func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Queue.HardCap != 1000 {
		t.Fatalf("expected queue hard_cap default 1000; got %d", cfg.Queue.HardCap)
	}
	if cfg.Channel.AttemptTimeout.Duration() != 3*time.Second {
		t.Fatalf("expected channel attempt_timeout 3s; got %s", cfg.Channel.AttemptTimeout.Duration())
	}
	if cfg.Sync.Cron != "*/5 * * * *" {
		t.Fatalf("expected safety-net cron default; got %q", cfg.Sync.Cron)
	}
	if cfg.Cache.Persist == nil || !*cfg.Cache.Persist {
		t.Fatalf("expected cache persistence on by default")
	}
}

// TestLoadFileAndEnv verifies file values parse (durations, sizes) and env
// overrides win over the file.
func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := []byte(`
client:
  user_id: u-1
channel:
  url: wss://chat.example.com/ws
  attempt_timeout: 1500ms
api:
  base_url: https://api.example.com
queue:
  hard_cap: 50
  max_payload: 64KB
cache:
  history_ttl: 90s
`)
	if err := os.WriteFile(path, body, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("CHATSYNC_QUEUE_HARD_CAP", "75")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Channel.AttemptTimeout.Duration() != 1500*time.Millisecond {
		t.Fatalf("expected 1500ms attempt_timeout; got %s", cfg.Channel.AttemptTimeout.Duration())
	}
	if cfg.Queue.MaxPayload.Int64() != 64*1000 {
		t.Fatalf("expected 64KB max_payload; got %d", cfg.Queue.MaxPayload.Int64())
	}
	if cfg.Queue.HardCap != 75 {
		t.Fatalf("env override lost: hard_cap = %d; want 75", cfg.Queue.HardCap)
	}
	if cfg.Cache.HistoryTTL.Duration() != 90*time.Second {
		t.Fatalf("expected 90s history_ttl; got %s", cfg.Cache.HistoryTTL.Duration())
	}
}

// TestValidateRejectsInvertedTimeouts checks the channel attempt must stay
// shorter than the HTTP attempt.
func TestValidateRejectsInvertedTimeouts(t *testing.T) {
	cfg := &Config{}
	cfg.Channel.AttemptTimeout = Duration(20 * time.Second)
	cfg.API.AttemptTimeout = Duration(10 * time.Second)
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error for channel timeout >= api timeout")
	}
}
