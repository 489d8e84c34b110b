package logger

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/baaaht/msgplane/internal/config"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.LoggingConfig
		wantErr bool
	}{
		{"json to stdout", config.LoggingConfig{Level: "info", Format: "json", Output: "stdout"}, false},
		{"text to stderr", config.LoggingConfig{Level: "debug", Format: "text", Output: "stderr"}, false},
		{"empty output", config.LoggingConfig{Level: "info", Format: "json"}, false},
		{"invalid level", config.LoggingConfig{Level: "loud", Format: "json", Output: "stdout"}, true},
		{"invalid format", config.LoggingConfig{Level: "info", Format: "xml", Output: "stdout"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, err := New(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && l == nil {
				t.Fatal("New() returned nil logger")
			}
		})
	}
}

func TestLoggerJSONOutput(t *testing.T) {
	var buf bytes.Buffer
	l, err := NewWithWriter(&buf, "json", LevelDebug)
	if err != nil {
		t.Fatalf("NewWithWriter() error = %v", err)
	}

	l.With("component", "ipc_broker").Info("connection accepted", "peer", "abc")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not JSON: %v (%q)", err, buf.String())
	}
	if entry["msg"] != "connection accepted" {
		t.Errorf("msg = %v", entry["msg"])
	}
	if entry["component"] != "ipc_broker" || entry["peer"] != "abc" {
		t.Errorf("attributes missing: %v", entry)
	}
}

func TestLoggerSetLevelPropagates(t *testing.T) {
	var buf bytes.Buffer
	root, err := NewWithWriter(&buf, "text", LevelInfo)
	if err != nil {
		t.Fatalf("NewWithWriter() error = %v", err)
	}
	child := root.With("component", "store")

	child.Debug("hidden")
	if buf.Len() != 0 {
		t.Fatalf("debug output at info level: %q", buf.String())
	}

	root.SetLevel(LevelDebug)
	if !child.Enabled(LevelDebug) {
		t.Error("child did not observe root level change")
	}
	child.Debug("visible")
	if !strings.Contains(buf.String(), "visible") {
		t.Errorf("expected debug output after SetLevel, got %q", buf.String())
	}
	if child.GetLevel() != LevelDebug {
		t.Errorf("GetLevel() = %s, want DEBUG", child.GetLevel())
	}
}

func TestLoggerFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "plane.log")
	l, err := New(config.LoggingConfig{Level: "info", Format: "json", Output: path})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	l.Info("hello file")
	child := l.WithGroup("grp")
	if err := child.Close(); err != nil {
		t.Errorf("Close() on derived logger error = %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := l.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read log file: %v", err)
	}
	if !strings.Contains(string(data), "hello file") {
		t.Errorf("log file content = %q", string(data))
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{"debug", LevelDebug, false},
		{"INFO", LevelInfo, false},
		{"", LevelInfo, false},
		{"warning", LevelWarn, false},
		{"error", LevelError, false},
		{"fatal", LevelInfo, true},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParseLevel(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestNewNop(t *testing.T) {
	l := NewNop()
	l.Error("discarded")
	if l.Enabled(LevelInfo) {
		t.Error("nop logger should not enable info")
	}
}

func TestGlobalLogger(t *testing.T) {
	prev := Global()
	defer SetGlobal(prev)

	var buf bytes.Buffer
	l, err := NewWithWriter(&buf, "text", LevelInfo)
	if err != nil {
		t.Fatalf("NewWithWriter() error = %v", err)
	}
	SetGlobal(l)

	Info("global info")
	With("k", "v").Warn("global warn")
	Debug("global debug")

	out := buf.String()
	if !strings.Contains(out, "global info") || !strings.Contains(out, "k=v") {
		t.Errorf("global output = %q", out)
	}
	if strings.Contains(out, "global debug") {
		t.Errorf("debug should be filtered: %q", out)
	}

	if err := InitGlobal(config.LoggingConfig{Level: "nope", Format: "json"}); err == nil {
		t.Error("InitGlobal() with invalid level should fail")
	}
	if Global() != l {
		t.Error("failed InitGlobal replaced the global logger")
	}
}
