package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"ojexec/internal/executor/queue"
	"ojexec/internal/executor/repository"
	"ojexec/internal/executor/sandbox"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadAppConfigDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := loadAppConfig(filepath.Join(dir, "missing.yaml"), filepath.Join(dir, "missing.env"))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Server.Addr != defaultHTTPAddr || cfg.Redis.Addr != defaultRedisAddr {
		t.Fatalf("unexpected defaults: %+v", cfg.Server)
	}
	if cfg.Sandbox.Runner != runnerDocker || cfg.Verdict.Topic != repository.DefaultVerdictTopic {
		t.Fatalf("unexpected sandbox or verdict defaults: %+v %+v", cfg.Sandbox, cfg.Verdict)
	}
	if cfg.Redis.PoolSize == 0 || cfg.Verdict.TTL != time.Hour {
		t.Fatalf("expected redis and verdict defaults, got %+v %+v", cfg.Redis, cfg.Verdict)
	}
}

func TestLoadAppConfigYAMLAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "ojexec.yaml", `
server:
  addr: 127.0.0.1:9000
redis:
  addr: redis:6379
queue:
  queues:
    execution:
      concurrency: 8
      jobTimeout: 45s
sandbox:
  runner: process
  languages:
    - name: python
      image: python:3.12
      sourceFile: main.py
      run: python3 {src}
`)
	env := writeFile(t, dir, "test.env", "OJEXEC_KAFKA_BROKERS=k1:9092, k2:9092\nOJEXEC_MYSQL_DSN=user:pw@tcp(db:3306)/oj\n")
	t.Setenv("OJEXEC_REDIS_ADDR", "")
	t.Setenv("OJEXEC_KAFKA_BROKERS", "")
	t.Setenv("OJEXEC_MYSQL_DSN", "")
	os.Unsetenv("OJEXEC_KAFKA_BROKERS")
	os.Unsetenv("OJEXEC_MYSQL_DSN")

	cfg, err := loadAppConfig(path, env)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Server.Addr != "127.0.0.1:9000" || cfg.Redis.Addr != "redis:6379" {
		t.Fatalf("yaml not applied: %+v %+v", cfg.Server, cfg.Redis)
	}
	if got := cfg.Queue.Queues[queue.Execution]; got.Concurrency != 8 || got.JobTimeout != 45*time.Second {
		t.Fatalf("unexpected queue override: %+v", got)
	}
	if len(cfg.Kafka.Brokers) != 2 || cfg.Kafka.Brokers[1] != "k2:9092" {
		t.Fatalf("unexpected brokers: %v", cfg.Kafka.Brokers)
	}
	if !cfg.Verdict.Archive || cfg.Database.DSN == "" {
		t.Fatalf("expected archive enabled by dsn, got %+v", cfg.Verdict)
	}
	if cfg.Sandbox.Runner != runnerProcess || len(cfg.Sandbox.Languages) != 1 {
		t.Fatalf("unexpected sandbox config: %+v", cfg.Sandbox)
	}
}

func TestLoadAppConfigRejectsUnknownRunner(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "ojexec.yaml", "sandbox:\n  runner: firecracker\n")
	if _, err := loadAppConfig(path, ""); err == nil {
		t.Fatalf("expected error for unknown runner")
	}
	bad := writeFile(t, dir, "bad.yaml", "server: [unclosed\n")
	if _, err := loadAppConfig(bad, ""); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestLoadCases(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "cases.yaml", `
- input: "1 2\n"
  expected_output: "3\n"
- input: "5 5\n"
  expected_output: "10\n"
  hidden: true
  points: 3
`)
	cases, err := loadCases(path)
	if err != nil {
		t.Fatalf("load cases: %v", err)
	}
	if len(cases) != 2 || cases[0].InputText() != "1 2\n" || !cases[1].IsHidden || cases[1].Points != 3 {
		t.Fatalf("unexpected cases: %+v", cases)
	}
	empty := writeFile(t, dir, "empty.yaml", "[]\n")
	if _, err := loadCases(empty); err == nil {
		t.Fatalf("expected error for empty case file")
	}
}

func TestInferLanguage(t *testing.T) {
	table, err := sandbox.NewLanguageTable(nil)
	if err != nil {
		t.Fatalf("language table: %v", err)
	}
	cases := map[string]string{
		"a/solution.py":  "python",
		"Main.JAVA":      "java",
		"x.cpp":          "cpp",
		"x.c":            "c",
		"index.js":       "javascript",
		"README":         "",
		"script.unknown": "",
	}
	for path, want := range cases {
		if got := inferLanguage(table, path); got != want {
			t.Fatalf("%s: expected %q, got %q", path, want, got)
		}
	}
}
