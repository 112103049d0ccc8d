package telemetry

import (
	"bufio"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewLogger_WritesJSONL(t *testing.T) {
	home := t.TempDir()
	logger, _, closer, err := NewLogger(home, "info", true)
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	logger.Info("task enqueued", "task_id", "t1")
	if err := closer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	f, err := os.Open(filepath.Join(home, "logs", "shell.jsonl"))
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		t.Fatal("log file empty")
	}
	var entry map[string]any
	if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
		t.Fatalf("parse log line: %v", err)
	}
	if entry["msg"] != "task enqueued" {
		t.Fatalf("msg = %v", entry["msg"])
	}
	if entry["component"] != "shell" {
		t.Fatalf("component = %v", entry["component"])
	}
	if _, ok := entry["timestamp"]; !ok {
		t.Fatal("timestamp key missing (time not renamed)")
	}
}

func TestNewLogger_RedactsSensitiveKeys(t *testing.T) {
	home := t.TempDir()
	logger, _, closer, err := NewLogger(home, "info", true)
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	logger.Info("executor configured", "api_key", "sk-live-verysecret")
	closer.Close()

	data, err := os.ReadFile(filepath.Join(home, "logs", "shell.jsonl"))
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if strings.Contains(string(data), "sk-live-verysecret") {
		t.Fatalf("secret leaked into log: %s", data)
	}
	if !strings.Contains(string(data), "[REDACTED]") {
		t.Fatalf("expected redaction marker in %s", data)
	}
}

func TestParseLevel(t *testing.T) {
	cases := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"warn", slog.LevelWarn},
		{"WARNING", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"bogus", slog.LevelInfo},
	}
	for _, tc := range cases {
		if got := ParseLevel(tc.in); got != tc.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}
