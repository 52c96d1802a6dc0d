package logx

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestServiceFileSinkWritesJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "server.log")
	var console bytes.Buffer
	svc, log := NewWithWriter(Config{
		Level: "debug",
		File:  FileConfig{Enabled: true, Path: path, MaxSizeMB: 1},
	}, &console)

	log.With(String("comp", "test")).Info("hello", Int("n", 3))
	if err := svc.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	line := strings.TrimSpace(string(b))
	var m map[string]any
	if err := json.Unmarshal([]byte(line), &m); err != nil {
		t.Fatalf("log line is not JSON: %q: %v", line, err)
	}
	if m["message"] != "hello" || m["comp"] != "test" || m["n"] != float64(3) {
		t.Fatalf("unexpected record: %v", m)
	}
	if _, ok := m["caller"]; !ok {
		t.Fatalf("expected caller field, got %v", m)
	}
	if console.Len() != 0 {
		t.Fatalf("console sink should be off, got %q", console.String())
	}
}

func TestServiceApplyChangesLevel(t *testing.T) {
	var console bytes.Buffer
	svc, log := NewWithWriter(Config{Level: "warn", Console: true}, &console)
	defer svc.Close()

	log.Info("dropped")
	if console.Len() != 0 {
		t.Fatalf("info should be filtered at warn, got %q", console.String())
	}

	svc.Apply(Config{Level: "debug", Console: true})
	log.Debug("kept")
	if !strings.Contains(console.String(), "kept") {
		t.Fatalf("expected debug line after Apply, got %q", console.String())
	}
	if got := svc.Config().Level; got != "debug" {
		t.Fatalf("Config().Level = %q, want debug", got)
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want Level
	}{
		{"trace", LevelTrace},
		{" DEBUG ", LevelDebug},
		{"warning", LevelWarn},
		{"error", LevelError},
		{"bogus", LevelInfo},
		{"", LevelInfo},
	}
	for _, tt := range tests {
		if got := parseLevel(tt.in, LevelInfo); got != tt.want {
			t.Fatalf("parseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestZeroLoggerIsSafe(t *testing.T) {
	var l Logger
	if !l.IsZero() {
		t.Fatalf("zero Logger should report IsZero")
	}
	l.Info("nothing", Err(nil))
	Nop().With(String("a", "b")).Error("nothing")
}
