package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestNew_Defaults(t *testing.T) {
	cfg, err := FromViper(viper.New())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Port() != DefaultPort {
		t.Errorf("Port = %d, want %d", cfg.Port(), DefaultPort)
	}
	if cfg.WorkerConcurrency() != 2 {
		t.Errorf("WorkerConcurrency = %d, want 2", cfg.WorkerConcurrency())
	}
	if cfg.AITimeout() != 30*time.Second {
		t.Errorf("AITimeout = %v, want 30s", cfg.AITimeout())
	}
	if cfg.LedgerDriver() != DriverSQLite || cfg.QueueDriver() != DriverMemory {
		t.Errorf("drivers = %s/%s, want sqlite/memory", cfg.LedgerDriver(), cfg.QueueDriver())
	}
	if got := cfg.CORSOrigins(); len(got) != 1 || got[0] != "*" {
		t.Errorf("CORSOrigins = %v, want [*]", got)
	}
	if cfg.RefreshInterval() != 24*time.Hour {
		t.Errorf("RefreshInterval = %v, want 24h", cfg.RefreshInterval())
	}
	if filepath.Base(cfg.DBPath()) != DBFilename {
		t.Errorf("DBPath = %s", cfg.DBPath())
	}
}

func TestNew_FromEnv(t *testing.T) {
	t.Setenv("ECHOFINITY_PORT", "8088")
	t.Setenv("ECHOFINITY_WORKER_CONCURRENCY", "4")
	t.Setenv("ECHOFINITY_AI_BASE_URL", "http://ai:8001")
	t.Setenv("ECHOFINITY_MEDIA_DELAY", "250ms")
	t.Setenv("ECHOFINITY_HTTP_CORS_ORIGINS", "http://a.test,http://b.test")
	t.Setenv(EnvConfigFile, "")

	cfg, err := New()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Port() != 8088 {
		t.Errorf("Port = %d, want 8088", cfg.Port())
	}
	if cfg.WorkerConcurrency() != 4 {
		t.Errorf("WorkerConcurrency = %d, want 4", cfg.WorkerConcurrency())
	}
	if cfg.AIBaseURL() != "http://ai:8001" {
		t.Errorf("AIBaseURL = %q", cfg.AIBaseURL())
	}
	if cfg.MediaDelay() != 250*time.Millisecond {
		t.Errorf("MediaDelay = %v, want 250ms", cfg.MediaDelay())
	}
	if got := cfg.CORSOrigins(); len(got) != 2 || got[1] != "http://b.test" {
		t.Errorf("CORSOrigins = %v", got)
	}
}

func TestNew_ConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "echofinity.yaml")
	content := "port: 9090\nqueue:\n  driver: redis\n  redis_url: redis://cache:6379/1\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv(EnvConfigFile, path)

	cfg, err := New()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Port() != 9090 {
		t.Errorf("Port = %d, want 9090", cfg.Port())
	}
	if cfg.QueueDriver() != DriverRedis {
		t.Errorf("QueueDriver = %q, want redis", cfg.QueueDriver())
	}
	if cfg.RedisURL() != "redis://cache:6379/1" {
		t.Errorf("RedisURL = %q", cfg.RedisURL())
	}
}

func TestNew_Invalid(t *testing.T) {
	tests := []struct {
		name string
		set  map[string]any
	}{
		{"bad port", map[string]any{KeyPort: 70000}},
		{"postgres without dsn", map[string]any{KeyLedgerDriver: DriverPostgres}},
		{"unknown ledger", map[string]any{KeyLedgerDriver: "mysql"}},
		{"unknown queue", map[string]any{KeyQueueDriver: "kafka"}},
		{"zero workers", map[string]any{KeyWorkerConcurrency: 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := viper.New()
			for k, val := range tt.set {
				v.Set(k, val)
			}
			if _, err := FromViper(v); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}
