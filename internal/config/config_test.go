package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Addr != ":8787" || cfg.KVBackend != BackendMemory {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.PollInterval != 1500*time.Millisecond || cfg.ReloadAfter != 5*time.Second {
		t.Fatalf("timing defaults = %s / %s", cfg.PollInterval, cfg.ReloadAfter)
	}
	if cfg.SessionTTL != time.Hour || cfg.DailyLimit != 3 {
		t.Fatalf("session ttl = %s, daily limit = %d", cfg.SessionTTL, cfg.DailyLimit)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("TETOEGEN_KV_BACKEND", "redis")
	t.Setenv("SUPABASE_URL", "https://abc.supabase.co")
	t.Setenv("TETOEGEN_POLL_INTERVAL", "1s")
	t.Setenv("TETOEGEN_DAILY_LIMIT", "10")
	t.Setenv("TETOEGEN_TIME_ZONE", "UTC")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.KVBackend != BackendRedis || cfg.SupabaseURL != "https://abc.supabase.co" {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if cfg.PollInterval != time.Second || cfg.DailyLimit != 10 {
		t.Fatalf("poll = %s, limit = %d", cfg.PollInterval, cfg.DailyLimit)
	}
	if cfg.Location() != time.UTC {
		t.Fatalf("Location() = %v", cfg.Location())
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name, key, value, want string
	}{
		{"bad duration", "TETOEGEN_POLL_INTERVAL", "soon", "parse env"},
		{"backend", "TETOEGEN_KV_BACKEND", "sqlite", "unknown kv backend"},
		{"poll too slow", "TETOEGEN_POLL_INTERVAL", "10s", "poll interval"},
		{"reload too short", "TETOEGEN_RELOAD_AFTER", "1s", "reload window"},
		{"time zone", "TETOEGEN_TIME_ZONE", "Mars/Olympus", "time zone"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			_, err := Load()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Load() error = %v, want %q", err, tt.want)
			}
		})
	}
}
