package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := ParseLevel(tt.in); got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestNew_JSONErrorAttr(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "info", FormatJSON)

	logger.Error("failed", "error", WrapError(errors.New("boom"), "dial bus"))

	var entry struct {
		Error struct {
			Msg   string       `json:"msg"`
			Trace []stackFrame `json:"trace"`
		} `json:"error"`
	}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("unmarshal %q: %v", buf.String(), err)
	}
	if !strings.Contains(entry.Error.Msg, "dial bus: boom") {
		t.Errorf("error.msg = %q, want it to contain %q", entry.Error.Msg, "dial bus: boom")
	}
	if len(entry.Error.Trace) == 0 {
		t.Error("expected a stack trace on a wrapped error")
	}
}

func TestNew_PlainErrorHasNoTrace(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "info", FormatJSON)

	logger.Error("failed", "error", errors.New("plain"))

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	group, ok := entry["error"].(map[string]any)
	if !ok {
		t.Fatalf("error attr = %T, want object", entry["error"])
	}
	if group["msg"] != "plain" {
		t.Errorf("error.msg = %v, want plain", group["msg"])
	}
	if _, ok := group["trace"]; ok {
		t.Error("plain error should not carry a trace")
	}
}

func TestNew_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "warn", FormatText)

	logger.Info("hidden")
	logger.Warn("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("info line written at warn level: %q", out)
	}
	if !strings.Contains(out, "shown") {
		t.Errorf("warn line missing: %q", out)
	}
}

func TestNew_LevelFromEnv(t *testing.T) {
	t.Setenv(LevelEnv, "error")

	var buf bytes.Buffer
	logger := New(&buf, "", FormatJSON)
	logger.Warn("hidden")

	if buf.Len() != 0 {
		t.Errorf("expected no output, got %q", buf.String())
	}
}

func TestWrapError_Nil(t *testing.T) {
	if err := WrapError(nil, "x"); err != nil {
		t.Errorf("WrapError(nil) = %v, want nil", err)
	}
}

func TestWrapError_Unwraps(t *testing.T) {
	base := errors.New("base")
	err := WrapError(base, "ctx")
	if !errors.Is(err, base) {
		t.Error("wrapped error should match base with errors.Is")
	}
}
