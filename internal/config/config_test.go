package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadMergesFileOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	data := `
mode = "server"
log_level = "debug"

[engine]
owner = "0x00000000000000000000000000000000000000aa"

[postgres]
database = "markets"

[archive]
enabled = true
interval = "30m"
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Mode != "server" {
		t.Errorf("mode = %q, want server", cfg.Mode)
	}
	if cfg.Postgres.Database != "markets" {
		t.Errorf("postgres.database = %q, want markets", cfg.Postgres.Database)
	}
	// Untouched fields keep their defaults.
	if cfg.Postgres.Port != 5432 {
		t.Errorf("postgres.port = %d, want default 5432", cfg.Postgres.Port)
	}
	if cfg.Redis.Addr != "localhost:6379" {
		t.Errorf("redis.addr = %q, want default", cfg.Redis.Addr)
	}
	if cfg.Archive.Interval.Duration != 30*time.Minute {
		t.Errorf("archive.interval = %v, want 30m", cfg.Archive.Interval.Duration)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte(`mode = "full"`), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("PREDMARKET_MODE", "monitor")
	t.Setenv("PREDMARKET_POSTGRES_PASSWORD", "hunter2")
	t.Setenv("PREDMARKET_SERVER_PORT", "9090")
	t.Setenv("PREDMARKET_SERVER_CORS_ORIGINS", "https://a.example, https://b.example")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Mode != "monitor" {
		t.Errorf("mode = %q, want monitor", cfg.Mode)
	}
	if cfg.Postgres.Password != "hunter2" {
		t.Errorf("postgres.password not overridden")
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("server.port = %d, want 9090", cfg.Server.Port)
	}
	if len(cfg.Server.CORSOrigins) != 2 || cfg.Server.CORSOrigins[1] != "https://b.example" {
		t.Errorf("cors_origins = %v", cfg.Server.CORSOrigins)
	}
}

func TestValidateRejectsBadConfig(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "turbo"
	cfg.Engine.Owner = ""
	cfg.Redis.Addr = ""

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate accepted invalid config")
	}
	for _, want := range []string{"unknown mode", "owner must not be empty", "redis: addr"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error missing %q: %v", want, err)
		}
	}
}

func TestRedactedConfigHidesSecrets(t *testing.T) {
	cfg := Defaults()
	cfg.Engine.Owner = "0x00000000000000000000000000000000000000aa"
	cfg.Engine.ResolutionKey = "deadbeef"
	cfg.Postgres.Password = "hunter2"
	cfg.Server.APIKey = "topsecret"
	cfg.Server.APISecret = "signingsecret"

	red := RedactedConfig(&cfg)

	if red.Engine.ResolutionKey != redacted || red.Postgres.Password != redacted ||
		red.Server.APIKey != redacted || red.Server.APISecret != redacted {
		t.Errorf("secrets not redacted: %+v", red)
	}
	// The original must be untouched.
	if cfg.Postgres.Password != "hunter2" {
		t.Errorf("original mutated")
	}
	// Empty secrets stay empty rather than becoming placeholders.
	if red.Redis.Password != "" {
		t.Errorf("empty secret replaced: %q", red.Redis.Password)
	}
}
