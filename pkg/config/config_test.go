package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d", cfg.Server.Port)
	}
	if cfg.Server.WriteTimeout != 0 {
		t.Errorf("Server.WriteTimeout = %v, SSE needs no write deadline", cfg.Server.WriteTimeout)
	}
	if cfg.Render.DPI != 300 || cfg.Render.MaxPages != 500 {
		t.Errorf("Render defaults = %+v", cfg.Render)
	}
	if cfg.Pipeline.IdleTimeout != 10*time.Minute {
		t.Errorf("Pipeline.IdleTimeout = %v", cfg.Pipeline.IdleTimeout)
	}
	if cfg.Kafka.Topics.CleanupRequests == "" || cfg.Kafka.Topics.RunEvents == "" {
		t.Errorf("Kafka topic defaults missing: %+v", cfg.Kafka.Topics)
	}
}

func TestLoadYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
server:
  port: 9999
pipeline:
  maxConcurrentRuns: 2
ai:
  model: test-model
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 9999 {
		t.Errorf("Server.Port = %d, want 9999", cfg.Server.Port)
	}
	if cfg.Pipeline.MaxConcurrentRuns != 2 {
		t.Errorf("MaxConcurrentRuns = %d", cfg.Pipeline.MaxConcurrentRuns)
	}
	if cfg.AI.Model != "test-model" {
		t.Errorf("AI.Model = %q", cfg.AI.Model)
	}
	// Untouched values keep their defaults.
	if cfg.Postgres.Port != 5432 {
		t.Errorf("Postgres.Port = %d", cfg.Postgres.Port)
	}
}

func TestLoadMissingFileFails(t *testing.T) {
	if _, err := Load("/does/not/exist.yaml"); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("NP_SERVER_PORT", "7001")
	t.Setenv("NP_POSTGRES_HOST", "db.internal")
	t.Setenv("NP_KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("NP_AI_MODEL", "override-model")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 7001 {
		t.Errorf("Server.Port = %d", cfg.Server.Port)
	}
	if cfg.Postgres.Host != "db.internal" {
		t.Errorf("Postgres.Host = %q", cfg.Postgres.Host)
	}
	if len(cfg.Kafka.Brokers) != 2 || cfg.Kafka.Brokers[1] != "k2:9092" {
		t.Errorf("Kafka.Brokers = %v", cfg.Kafka.Brokers)
	}
	if cfg.AI.Model != "override-model" {
		t.Errorf("AI.Model = %q", cfg.AI.Model)
	}
}

func TestPostgresDSN(t *testing.T) {
	dsn := PostgresConfig{
		Host: "h", Port: 5433, Database: "d", User: "u", Password: "p", SSLMode: "disable",
	}.DSN()
	want := "host=h port=5433 user=u password=p dbname=d sslmode=disable"
	if dsn != want {
		t.Errorf("DSN = %q, want %q", dsn, want)
	}
}
