// Package verdict judges a submission against its test cases.
package verdict

import (
	"context"
	"fmt"
	"time"

	"ojexec/internal/executor/model"
	"ojexec/internal/executor/sandbox"
	appErr "ojexec/pkg/errors"
	"ojexec/pkg/utils/logger"

	"go.uber.org/zap"
)

// State is the evaluation lifecycle.
type State string

const (
	StatePending          State = "Pending"
	StateCompiling        State = "Compiling"
	StateRunning          State = "Running"
	StateCompleted        State = "Completed"
	StateCompilationError State = "CompilationError"
	StateSystemError      State = "SystemError"
)

var transitions = map[State][]State{
	StatePending:   {StateCompiling, StateSystemError},
	StateCompiling: {StateRunning, StateCompilationError, StateSystemError},
	StateRunning:   {StateCompleted, StateSystemError},
}

// CanTransition reports whether from -> to is a legal step.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Sandbox is the part of the executor the engine drives.
type Sandbox interface {
	Compile(ctx context.Context, language, code string, memoryLimitMb int64) (*sandbox.Artifact, sandbox.CompileOutcome, error)
	Run(ctx context.Context, req sandbox.RunRequest) (sandbox.RunResult, error)
	Languages() *sandbox.LanguageTable
}

// ProgressFunc is called after each executed test case.
type ProgressFunc func(done, total int)

// Engine evaluates submissions. It is safe for concurrent use.
type Engine struct {
	sandbox Sandbox
}

// NewEngine creates an engine on top of a sandbox executor.
func NewEngine(sb Sandbox) *Engine {
	return &Engine{sandbox: sb}
}

// Languages exposes the supported language table.
func (e *Engine) Languages() *sandbox.LanguageTable {
	return e.sandbox.Languages()
}

// evaluation carries the mutable state of one Evaluate call.
type evaluation struct {
	state   State
	sub     model.Submission
	verdict *model.SubmissionVerdict
}

func (ev *evaluation) advance(next State) {
	if !CanTransition(ev.state, next) {
		panic(fmt.Sprintf("illegal verdict transition %s -> %s", ev.state, next))
	}
	ev.state = next
}

// Evaluate validates, compiles once and runs every test case in order.
// It always returns a well-formed verdict; infrastructure failures become System Error.
func (e *Engine) Evaluate(ctx context.Context, sub model.Submission, progress ProgressFunc) *model.SubmissionVerdict {
	started := time.Now()
	ev := &evaluation{
		state: StatePending,
		sub:   sub,
		verdict: &model.SubmissionVerdict{
			SubmissionID:    sub.SubmissionID,
			Language:        sub.Language,
			Verdict:         model.VerdictPending,
			TotalTestCases:  len(sub.TestCases),
			TestCaseResults: []model.ExecutionResult{},
		},
	}
	defer func() {
		ev.verdict.TotalExecutionMs = time.Since(started).Milliseconds()
		ev.verdict.Timestamp = time.Now()
	}()

	if err := Validate(sub, e.sandbox.Languages()); err != nil {
		ev.advance(StateSystemError)
		ev.verdict.Verdict = model.VerdictSystemError
		ev.verdict.SystemError = err.Error()
		return ev.verdict
	}
	ev.sub = ApplyDefaults(sub)

	ev.advance(StateCompiling)
	artifact, outcome, err := e.sandbox.Compile(ctx, ev.sub.Language, ev.sub.Code, ev.sub.MemoryLimitMb)
	if err != nil {
		e.failSystem(ctx, ev, 0, err)
		return ev.verdict
	}
	if !outcome.OK {
		ev.advance(StateCompilationError)
		ev.verdict.Verdict = model.VerdictCompilationError
		ev.verdict.CompilationError = outcome.Message
		ev.verdict.TestCaseResults = append(ev.verdict.TestCaseResults,
			withCase(model.ExecutionResult{
				TestCaseNumber: 1,
				Verdict:        model.VerdictCompilationError,
				Error:          outcome.Message,
			}, ev.sub.TestCases[0]))
		return ev.verdict
	}
	defer artifact.Release()

	ev.advance(StateRunning)
	total := len(ev.sub.TestCases)
	for i, tc := range ev.sub.TestCases {
		if err := ctx.Err(); err != nil {
			e.failSystem(ctx, ev, i, appErr.SystemError(err, "evaluation cancelled"))
			return ev.verdict
		}
		run, err := e.sandbox.Run(ctx, sandbox.RunRequest{
			Artifact:      artifact,
			Input:         tc.InputText(),
			TimeLimitMs:   ev.sub.TimeLimitMs,
			MemoryLimitMb: ev.sub.MemoryLimitMb,
		})
		if err != nil {
			e.failSystem(ctx, ev, i, err)
			return ev.verdict
		}
		res := judgeCase(i+1, tc, run)
		ev.record(res, tc)
		if progress != nil {
			progress(i+1, total)
		}
	}

	ev.advance(StateCompleted)
	if ev.verdict.Verdict == model.VerdictPending {
		ev.verdict.Verdict = model.VerdictAccepted
	}
	return ev.verdict
}

// failSystem records a System Error placeholder result for case index idx and stops evaluation.
func (e *Engine) failSystem(ctx context.Context, ev *evaluation, idx int, err error) {
	logger.Error(ctx, "evaluation failed",
		zap.String("submission_id", ev.sub.SubmissionID),
		zap.String("state", string(ev.state)),
		zap.Error(err),
	)
	ev.advance(StateSystemError)
	ev.verdict.Verdict = model.VerdictSystemError
	ev.verdict.SystemError = err.Error()
	if idx < len(ev.sub.TestCases) {
		ev.verdict.TestCaseResults = append(ev.verdict.TestCaseResults,
			withCase(model.ExecutionResult{
				TestCaseNumber: idx + 1,
				Verdict:        model.VerdictSystemError,
				Error:          err.Error(),
			}, ev.sub.TestCases[idx]))
	}
}

func (ev *evaluation) record(res model.ExecutionResult, tc model.TestCase) {
	v := ev.verdict
	if res.ExecutionTimeMs > v.ExecutionTimeMs {
		v.ExecutionTimeMs = res.ExecutionTimeMs
	}
	if res.MemoryUsedMb > v.MemoryUsedMb {
		v.MemoryUsedMb = res.MemoryUsedMb
	}
	if res.Verdict == model.VerdictAccepted {
		v.PassedTestCases++
		v.Score += tc.Points
	} else {
		v.FailedTestCases++
		if v.Verdict == model.VerdictPending {
			v.Verdict = res.Verdict
		}
	}
	v.TestCaseResults = append(v.TestCaseResults, res)
}

// judgeCase maps a run outcome to a per-case verdict.
func judgeCase(number int, tc model.TestCase, run sandbox.RunResult) model.ExecutionResult {
	res := model.ExecutionResult{
		TestCaseNumber:  number,
		ActualOutput:    run.Stdout,
		ExecutionTimeMs: run.ElapsedMs,
		MemoryUsedMb:    run.MemoryUsedMb,
		Stderr:          run.Stderr,
		ExitCode:        run.ExitCode,
	}
	switch {
	case run.TimedOut:
		res.Verdict = model.VerdictTimeLimitExceeded
		res.Error = "Time limit exceeded"
	case run.MemoryExceeded:
		res.Verdict = model.VerdictMemoryLimitExceeded
		res.Error = "Memory limit exceeded"
	case run.ExitCode != 0:
		res.Verdict = model.VerdictRuntimeError
		res.Error = run.Stderr
		if res.Error == "" {
			res.Error = describeExit(run.ExitCode)
		}
	default:
		ok, diff := Compare(run.Stdout, tc.ExpectedText())
		if ok {
			res.Verdict = model.VerdictAccepted
		} else {
			res.Verdict = model.VerdictWrongAnswer
			if !tc.IsHidden {
				res.Difference = diff
			}
		}
	}
	return withCase(res, tc)
}

// withCase attaches the visible parts of a test case to a result.
func withCase(res model.ExecutionResult, tc model.TestCase) model.ExecutionResult {
	if !tc.IsHidden {
		res.Input = tc.InputText()
		res.ExpectedOutput = tc.ExpectedText()
	}
	return res
}
