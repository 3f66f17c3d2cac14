package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/zulandar/agentbus/internal/config"
)

func TestNewWriter_JSON(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, config.LoggingConfig{Level: "info", Format: "json"})
	log.Info("message stored", "run_id", "run_1")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("invalid JSON: %v, output: %s", err, buf.String())
	}
	if entry["msg"] != "message stored" || entry["run_id"] != "run_1" {
		t.Errorf("entry = %v", entry)
	}
}

func TestNewWriter_TextRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, config.LoggingConfig{Level: "warn", Format: "text"})
	log.Info("hidden")
	log.Warn("shown")
	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("info logged at warn level: %s", out)
	}
	if !strings.Contains(out, "msg=shown") {
		t.Errorf("warn missing: %s", out)
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"unknown", slog.LevelInfo},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := parseLevel(tt.input); got != tt.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestNew_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bus.log")
	log, closer, err := New(config.LoggingConfig{Level: "info", Format: "text", Output: path})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	log.Info("to file")
	if err := closer(); err != nil {
		t.Fatalf("close: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "to file") {
		t.Errorf("file contents = %q", data)
	}
}

func TestNew_BadPath(t *testing.T) {
	_, _, err := New(config.LoggingConfig{Output: filepath.Join(t.TempDir(), "missing", "x.log")})
	if err == nil {
		t.Fatal("expected error")
	}
}
