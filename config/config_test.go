package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.General.Listen != ":8080" {
		t.Fatalf("listen = %q", cfg.General.Listen)
	}
	if cfg.LLM.CompletionModel != "gpt-4o-mini" || cfg.LLM.Timeout != 90*time.Second {
		t.Fatalf("llm defaults = %+v", cfg.LLM)
	}
	if cfg.Pipeline.MaxRetries != 2 || cfg.Pipeline.DefaultOutput != 260 {
		t.Fatalf("pipeline defaults = %+v", cfg.Pipeline)
	}
	if cfg.Memory.IndexPath != "data/vectors.idx" {
		t.Fatalf("index path = %q", cfg.Memory.IndexPath)
	}
}

func TestLoadConfigFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{"general":{"listen":":9091"},"storage":{"postgres":{"host":"db","dbname":"finsight"}}}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.General.Listen != ":9091" {
		t.Fatalf("listen = %q", cfg.General.Listen)
	}
	dsn, err := cfg.Storage.Postgres.DSN()
	if err != nil {
		t.Fatal(err)
	}
	if dsn != "postgres://:@db:5432/finsight?sslmode=disable" {
		t.Fatalf("dsn = %q", dsn)
	}
}

func TestPostgresDSNPrefersURL(t *testing.T) {
	p := PostgresConfig{URL: "postgres://u:p@h/db", Host: "ignored"}
	dsn, err := p.DSN()
	if err != nil {
		t.Fatal(err)
	}
	if dsn != "postgres://u:p@h/db" {
		t.Fatalf("dsn = %q", dsn)
	}
}

func TestPostgresValidate(t *testing.T) {
	if err := (PostgresConfig{}).Validate(); err == nil {
		t.Fatal("expected error for empty config")
	}
	if err := (PostgresConfig{Host: "db"}).Validate(); err == nil {
		t.Fatal("expected error for missing dbname")
	}
	if err := (PostgresConfig{URL: "postgres://x"}).Validate(); err != nil {
		t.Fatal(err)
	}
}

func TestRedisAddr(t *testing.T) {
	if addr := (RedisConfig{}).Addr(); addr != "" {
		t.Fatalf("addr = %q, want empty", addr)
	}
	if addr := (RedisConfig{Host: "cache"}).Addr(); addr != "cache:6379" {
		t.Fatalf("addr = %q", addr)
	}
}
