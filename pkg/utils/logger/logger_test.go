package logger

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"ojexec/pkg/utils/contextkey"

	"go.uber.org/zap"
)

func TestLoggerWritesContextFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ojexec.log")
	l, err := NewLogger(Config{Level: "info", Format: "json", OutputPath: path, ErrorPath: "stderr"})
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}

	ctx := context.WithValue(context.Background(), contextkey.TraceID, "trace-1")
	ctx = WithJobID(ctx, "job-7")
	ctx = WithExecutionID(ctx, "exec-3")
	l.WithContext(ctx).Info("case finished", zap.Int("case", 2))
	l.WithContext(ctx).Debug("dropped below level")
	if err := l.Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected 1 log line, got %d: %s", len(lines), raw)
	}
	var entry map[string]interface{}
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	want := map[string]string{"msg": "case finished", "trace_id": "trace-1", "job_id": "job-7", "execution_id": "exec-3"}
	for k, v := range want {
		if entry[k] != v {
			t.Fatalf("expected %s=%s, got %v", k, v, entry[k])
		}
	}
	if _, ok := entry["user_id"]; ok {
		t.Fatalf("expected no user_id field when context lacks it")
	}
}

func TestNewLoggerRejectsBadLevel(t *testing.T) {
	if _, err := NewLogger(Config{Level: "loud"}); err == nil {
		t.Fatalf("expected error for invalid level")
	}
}

func TestGlobalHelpersAreNilSafe(t *testing.T) {
	prev := globalLogger
	globalLogger = nil
	defer func() { globalLogger = prev }()

	Info(context.Background(), "no logger yet")
	Error(context.Background(), "still fine")
	if err := Sync(); err != nil {
		t.Fatalf("expected nil sync without logger, got %v", err)
	}
}
