//go:build linux

package sandbox

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
)

func runProcess(t *testing.T, cmd []string, stdin string, timeout time.Duration) RawResult {
	t.Helper()
	runner, err := NewProcessRunner(ProcessConfig{})
	if err != nil {
		t.Fatalf("new process runner: %v", err)
	}
	res, err := runner.Run(context.Background(), ContainerSpec{
		ID:            uuid.NewString(),
		Phase:         PhaseRun,
		Cmd:           cmd,
		HostDir:       t.TempDir(),
		Stdin:         stdin,
		WallTimeout:   timeout,
		MemoryLimitMb: 256,
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	return res
}

func TestProcessRunnerEchoesStdin(t *testing.T) {
	res := runProcess(t, []string{"sh", "-c", "cat"}, "hello\n", 5*time.Second)
	if res.ExitCode != 0 || res.Stdout != "hello\n" || res.TimedOut {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestProcessRunnerReportsExitCode(t *testing.T) {
	res := runProcess(t, []string{"sh", "-c", "echo oops >&2; exit 3"}, "", 5*time.Second)
	if res.ExitCode != 3 || res.Stderr != "oops\n" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestProcessRunnerKillsOnWallTimeout(t *testing.T) {
	start := time.Now()
	res := runProcess(t, []string{"sh", "-c", "sleep 5; echo done"}, "", 200*time.Millisecond)
	if !res.TimedOut {
		t.Fatalf("expected timeout, got %+v", res)
	}
	if res.Stdout != "" {
		t.Fatalf("expected no output, got %q", res.Stdout)
	}
	if time.Since(start) > 4*time.Second {
		t.Fatalf("expected process group killed promptly")
	}
}
