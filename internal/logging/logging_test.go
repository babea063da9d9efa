package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNewLoggerTo_WritesJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := WithJobID(NewLoggerTo(&buf, "info"), "job-1")
	logger.Info("hello", "k", "v")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log output is not JSON: %v (%s)", err, buf.String())
	}
	if entry["job_id"] != "job-1" {
		t.Errorf("job_id = %v, want job-1", entry["job_id"])
	}
	if entry["msg"] != "hello" {
		t.Errorf("msg = %v, want hello", entry["msg"])
	}
}

func TestSanitizeToken(t *testing.T) {
	if got := SanitizeToken("short"); got != "****" {
		t.Errorf("SanitizeToken(short) = %q", got)
	}
	if got := SanitizeToken("abcdefghijkl"); got != "abcd...ijkl" {
		t.Errorf("SanitizeToken = %q, want abcd...ijkl", got)
	}
}

func TestSanitizeDSN(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"postgres://app:secret@db:5432/echofinity", "postgres://app:***@db:5432/echofinity"},
		{"redis://:pw@localhost:6379/0", "redis://:***@localhost:6379/0"},
		{"redis://localhost:6379", "redis://localhost:6379"},
		{"not a dsn", "not a dsn"},
	}
	for _, tt := range tests {
		if got := SanitizeDSN(tt.in); got != tt.want {
			t.Errorf("SanitizeDSN(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
