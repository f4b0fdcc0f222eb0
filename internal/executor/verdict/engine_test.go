package verdict

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"ojexec/internal/executor/model"
	"ojexec/internal/executor/sandbox"
)

// scriptRunner answers every container invocation with fn and counts the calls per phase.
type scriptRunner struct {
	mu    sync.Mutex
	fn    func(spec sandbox.ContainerSpec) (sandbox.RawResult, error)
	calls map[sandbox.Phase]int
}

func (s *scriptRunner) Run(ctx context.Context, spec sandbox.ContainerSpec) (sandbox.RawResult, error) {
	s.mu.Lock()
	if s.calls == nil {
		s.calls = make(map[sandbox.Phase]int)
	}
	s.calls[spec.Phase]++
	s.mu.Unlock()
	return s.fn(spec)
}

func (s *scriptRunner) count(phase sandbox.Phase) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[phase]
}

func echoRunner() *scriptRunner {
	return &scriptRunner{fn: func(spec sandbox.ContainerSpec) (sandbox.RawResult, error) {
		return sandbox.RawResult{Stdout: spec.Stdin + "\n", ElapsedMs: 10, MemoryUsedKB: 4096}, nil
	}}
}

func newEngine(t *testing.T, runner sandbox.ContainerRunner) *Engine {
	t.Helper()
	langs, err := sandbox.NewLanguageTable(nil)
	if err != nil {
		t.Fatalf("language table: %v", err)
	}
	exec, err := sandbox.NewExecutor(runner, langs, sandbox.Config{WorkRoot: t.TempDir()})
	if err != nil {
		t.Fatalf("new executor: %v", err)
	}
	return NewEngine(exec)
}

func submission(language string, cases ...model.TestCase) model.Submission {
	return model.Submission{
		SubmissionID: "sub-1",
		Code:         "print(input())",
		Language:     language,
		TestCases:    cases,
	}
}

func TestEvaluateAllAccepted(t *testing.T) {
	runner := echoRunner()
	engine := newEngine(t, runner)

	var progress []int
	sub := submission("python", model.NewTestCase("5", "5"), model.NewTestCase("hello", "hello"))
	sub.TestCases[1].Points = 3
	sub.TestCases[0].Points = 2
	v := engine.Evaluate(context.Background(), sub, func(done, total int) {
		if total != 2 {
			t.Errorf("expected total 2, got %d", total)
		}
		progress = append(progress, done)
	})

	if v.Verdict != model.VerdictAccepted {
		t.Fatalf("expected Accepted, got %s (%s)", v.Verdict, v.SystemError)
	}
	if v.PassedTestCases != 2 || v.FailedTestCases != 0 || v.TotalTestCases != 2 {
		t.Fatalf("unexpected counters: %+v", v)
	}
	if v.Score != 5 {
		t.Fatalf("expected score 5, got %d", v.Score)
	}
	if v.MemoryUsedMb != 4 || v.ExecutionTimeMs != 10 {
		t.Fatalf("expected maxima 10ms/4MB, got %dms/%dMB", v.ExecutionTimeMs, v.MemoryUsedMb)
	}
	if len(progress) != 2 || progress[1] != 2 {
		t.Fatalf("expected progress [1 2], got %v", progress)
	}
	if runner.count(sandbox.PhaseRun) != 2 {
		t.Fatalf("expected 2 runs, got %d", runner.count(sandbox.PhaseRun))
	}
}

func TestEvaluateCompilesOnce(t *testing.T) {
	runner := echoRunner()
	engine := newEngine(t, runner)

	sub := submission("cpp", model.NewTestCase("1", "1"), model.NewTestCase("2", "2"), model.NewTestCase("3", "3"))
	v := engine.Evaluate(context.Background(), sub, nil)
	if v.Verdict != model.VerdictAccepted {
		t.Fatalf("expected Accepted, got %s", v.Verdict)
	}
	if runner.count(sandbox.PhaseCompile) != 1 {
		t.Fatalf("expected 1 compile, got %d", runner.count(sandbox.PhaseCompile))
	}
	if runner.count(sandbox.PhaseRun) != 3 {
		t.Fatalf("expected 3 runs, got %d", runner.count(sandbox.PhaseRun))
	}
}

func TestEvaluateCompilationError(t *testing.T) {
	runner := &scriptRunner{fn: func(spec sandbox.ContainerSpec) (sandbox.RawResult, error) {
		if spec.Phase == sandbox.PhaseCompile {
			return sandbox.RawResult{ExitCode: 1, Stderr: "solution.cpp:1:1: error: expected unqualified-id"}, nil
		}
		return sandbox.RawResult{}, nil
	}}
	engine := newEngine(t, runner)

	sub := submission("cpp", model.NewTestCase("1", "1"), model.NewTestCase("2", "2"))
	v := engine.Evaluate(context.Background(), sub, nil)
	if v.Verdict != model.VerdictCompilationError {
		t.Fatalf("expected Compilation Error, got %s", v.Verdict)
	}
	if !strings.Contains(v.CompilationError, "expected unqualified-id") {
		t.Fatalf("expected compiler output, got %q", v.CompilationError)
	}
	if len(v.TestCaseResults) != 1 || v.TestCaseResults[0].Verdict != model.VerdictCompilationError {
		t.Fatalf("expected single CE result, got %+v", v.TestCaseResults)
	}
	if v.PassedTestCases+v.FailedTestCases != 0 {
		t.Fatalf("expected no counted cases, got %+v", v)
	}
	if runner.count(sandbox.PhaseRun) != 0 {
		t.Fatalf("expected no runs after CE")
	}
}

func TestEvaluateFirstFailureWins(t *testing.T) {
	runner := &scriptRunner{fn: func(spec sandbox.ContainerSpec) (sandbox.RawResult, error) {
		switch spec.Stdin {
		case "slow":
			return sandbox.RawResult{ExitCode: 137, TimedOut: true, ElapsedMs: 1000}, nil
		case "crash":
			return sandbox.RawResult{ExitCode: 1, Stderr: "Traceback: ZeroDivisionError"}, nil
		case "oom":
			return sandbox.RawResult{ExitCode: 137, OOMKilled: true}, nil
		}
		return sandbox.RawResult{Stdout: "wrong"}, nil
	}}
	engine := newEngine(t, runner)

	sub := submission("python",
		model.NewTestCase("slow", "x"),
		model.NewTestCase("crash", "x"),
		model.NewTestCase("oom", "x"),
		model.NewTestCase("other", "right"),
	)
	sub.TimeLimitMs = 1000
	sub.MemoryLimitMb = 64
	v := engine.Evaluate(context.Background(), sub, nil)

	if v.Verdict != model.VerdictTimeLimitExceeded {
		t.Fatalf("expected TLE, got %s", v.Verdict)
	}
	want := []model.Verdict{
		model.VerdictTimeLimitExceeded,
		model.VerdictRuntimeError,
		model.VerdictMemoryLimitExceeded,
		model.VerdictWrongAnswer,
	}
	for i, w := range want {
		if v.TestCaseResults[i].Verdict != w {
			t.Fatalf("case %d: expected %s, got %s", i+1, w, v.TestCaseResults[i].Verdict)
		}
	}
	if v.FailedTestCases != 4 || v.PassedTestCases != 0 {
		t.Fatalf("unexpected counters: %+v", v)
	}
	if v.MemoryUsedMb != 64 {
		t.Fatalf("expected memory at limit after MLE, got %d", v.MemoryUsedMb)
	}
	if v.TestCaseResults[1].Error != "Traceback: ZeroDivisionError" {
		t.Fatalf("expected stderr as RE error, got %q", v.TestCaseResults[1].Error)
	}
	if v.TestCaseResults[3].Difference == nil || v.TestCaseResults[3].Difference.Expected != "right" {
		t.Fatalf("expected difference on WA, got %+v", v.TestCaseResults[3].Difference)
	}
}

func TestEvaluateRuntimeErrorWithoutStderr(t *testing.T) {
	runner := &scriptRunner{fn: func(spec sandbox.ContainerSpec) (sandbox.RawResult, error) {
		return sandbox.RawResult{ExitCode: 1}, nil
	}}
	engine := newEngine(t, runner)

	v := engine.Evaluate(context.Background(), submission("python", model.NewTestCase("", "")), nil)
	if v.Verdict != model.VerdictRuntimeError {
		t.Fatalf("expected RE, got %s", v.Verdict)
	}
	if v.TestCaseResults[0].Error != "Process exited with code 1" {
		t.Fatalf("unexpected error text %q", v.TestCaseResults[0].Error)
	}
}

func TestEvaluateHiddenCaseOmitsData(t *testing.T) {
	runner := &scriptRunner{fn: func(spec sandbox.ContainerSpec) (sandbox.RawResult, error) {
		return sandbox.RawResult{Stdout: "nope"}, nil
	}}
	engine := newEngine(t, runner)

	sub := submission("python", model.NewTestCase("secret", "answer"))
	sub.TestCases[0].IsHidden = true
	v := engine.Evaluate(context.Background(), sub, nil)
	res := v.TestCaseResults[0]
	if res.Input != "" || res.ExpectedOutput != "" || res.Difference != nil {
		t.Fatalf("expected hidden data omitted, got %+v", res)
	}
}

func TestEvaluateSandboxFailureIsSystemError(t *testing.T) {
	runner := &scriptRunner{fn: func(spec sandbox.ContainerSpec) (sandbox.RawResult, error) {
		if spec.Stdin == "2" {
			return sandbox.RawResult{}, errors.New("docker daemon went away")
		}
		return sandbox.RawResult{Stdout: spec.Stdin}, nil
	}}
	engine := newEngine(t, runner)

	sub := submission("python", model.NewTestCase("1", "1"), model.NewTestCase("2", "2"), model.NewTestCase("3", "3"))
	v := engine.Evaluate(context.Background(), sub, nil)
	if v.Verdict != model.VerdictSystemError {
		t.Fatalf("expected System Error, got %s", v.Verdict)
	}
	if v.PassedTestCases != 1 || v.FailedTestCases != 0 {
		t.Fatalf("expected only the first case counted, got %+v", v)
	}
	if len(v.TestCaseResults) != 2 || v.TestCaseResults[1].Verdict != model.VerdictSystemError {
		t.Fatalf("expected SE placeholder result, got %+v", v.TestCaseResults)
	}
	if v.SystemError == "" {
		t.Fatalf("expected system error message")
	}
}

func TestEvaluateInvalidSubmissionNeverRuns(t *testing.T) {
	cases := []struct {
		name string
		mut  func(*model.Submission)
	}{
		{name: "empty code", mut: func(s *model.Submission) { s.Code = "" }},
		{name: "unknown language", mut: func(s *model.Submission) { s.Language = "ruby" }},
		{name: "no tests", mut: func(s *model.Submission) { s.TestCases = nil }},
		{name: "missing expected", mut: func(s *model.Submission) { s.TestCases[0].ExpectedOutput = nil }},
		{name: "time too large", mut: func(s *model.Submission) { s.TimeLimitMs = 30001 }},
		{name: "negative memory", mut: func(s *model.Submission) { s.MemoryLimitMb = -1 }},
		{name: "memory too large", mut: func(s *model.Submission) { s.MemoryLimitMb = 2048 }},
		{name: "code too long", mut: func(s *model.Submission) { s.Code = strings.Repeat("a", model.MaxCodeLength+1) }},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			runner := echoRunner()
			engine := newEngine(t, runner)
			sub := submission("python", model.NewTestCase("1", "1"))
			tc.mut(&sub)

			v := engine.Evaluate(context.Background(), sub, nil)
			if v.Verdict != model.VerdictSystemError {
				t.Fatalf("expected System Error, got %s", v.Verdict)
			}
			if v.SystemError == "" {
				t.Fatalf("expected validation message")
			}
			if runner.count(sandbox.PhaseCompile)+runner.count(sandbox.PhaseRun) != 0 {
				t.Fatalf("expected nothing executed")
			}
		})
	}
}

func TestEvaluateAppliesDefaults(t *testing.T) {
	var seen sandbox.ContainerSpec
	runner := &scriptRunner{fn: func(spec sandbox.ContainerSpec) (sandbox.RawResult, error) {
		seen = spec
		return sandbox.RawResult{Stdout: "1"}, nil
	}}
	engine := newEngine(t, runner)

	engine.Evaluate(context.Background(), submission("python", model.NewTestCase("1", "1")), nil)
	if seen.WallTimeout.Milliseconds() != model.DefaultTimeLimitMs || seen.MemoryLimitMb != model.DefaultMemoryLimitMb {
		t.Fatalf("expected default limits, got %s/%dMB", seen.WallTimeout, seen.MemoryLimitMb)
	}
}

func TestStateTransitions(t *testing.T) {
	if !CanTransition(StatePending, StateCompiling) || !CanTransition(StateRunning, StateCompleted) {
		t.Fatalf("expected forward transitions allowed")
	}
	if CanTransition(StateCompleted, StateRunning) || CanTransition(StatePending, StateCompleted) {
		t.Fatalf("expected illegal transitions rejected")
	}
	if CanTransition(StateCompilationError, StateSystemError) {
		t.Fatalf("expected terminal states to stay terminal")
	}
}
