package sandbox

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	appErr "ojexec/pkg/errors"
	"ojexec/pkg/utils/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultCompileTimeout  = 30 * time.Second
	minCompileTimeout      = 15 * time.Second
	defaultCompileMemoryMb = 512
)

// Config holds executor settings.
type Config struct {
	WorkRoot        string        `yaml:"workRoot"`
	CompileTimeout  time.Duration `yaml:"compileTimeout"`
	CompileMemoryMb int64         `yaml:"compileMemoryMb"`
	Limits          Limits        `yaml:"limits"`
}

// Executor builds a submission once and runs the build against individual inputs.
type Executor struct {
	runner ContainerRunner
	langs  *LanguageTable
	cfg    Config
}

// NewExecutor wires a runner and a language table.
func NewExecutor(runner ContainerRunner, langs *LanguageTable, cfg Config) (*Executor, error) {
	if runner == nil {
		return nil, appErr.New(appErr.InvalidParams).WithMessage("container runner is required")
	}
	if langs == nil {
		return nil, appErr.New(appErr.InvalidParams).WithMessage("language table is required")
	}
	if cfg.WorkRoot == "" {
		cfg.WorkRoot = filepath.Join(os.TempDir(), "ojexec")
	}
	switch {
	case cfg.CompileTimeout <= 0:
		cfg.CompileTimeout = defaultCompileTimeout
	case cfg.CompileTimeout < minCompileTimeout:
		cfg.CompileTimeout = minCompileTimeout
	}
	if cfg.CompileMemoryMb < defaultCompileMemoryMb {
		cfg.CompileMemoryMb = defaultCompileMemoryMb
	}
	cfg.Limits = cfg.Limits.WithDefaults()
	if err := os.MkdirAll(cfg.WorkRoot, 0755); err != nil {
		return nil, appErr.Wrapf(err, appErr.SandboxSetupFailed, "create work root failed")
	}
	return &Executor{runner: runner, langs: langs, cfg: cfg}, nil
}

// Languages exposes the language table.
func (e *Executor) Languages() *LanguageTable {
	return e.langs
}

// Artifact is a built submission ready to be copied into run workspaces.
type Artifact struct {
	Language *Language
	Dir      string

	once    sync.Once
	cleanup func()
}

// Release deletes the artifact directory.
func (a *Artifact) Release() {
	if a == nil {
		return
	}
	a.once.Do(func() {
		if a.cleanup != nil {
			a.cleanup()
		}
	})
}

// CompileOutcome reports whether the build succeeded and the toolchain output when it did not.
type CompileOutcome struct {
	OK        bool
	Message   string
	ElapsedMs int64
	TimedOut  bool
}

// Compile writes the source and, for compiled languages, runs the toolchain once.
// On a failed build the artifact is released and nil is returned with OK=false.
func (e *Executor) Compile(ctx context.Context, language, code string, memoryLimitMb int64) (*Artifact, CompileOutcome, error) {
	lang, ok := e.langs.Lookup(language)
	if !ok {
		return nil, CompileOutcome{}, appErr.Newf(appErr.LanguageNotSupported, "unsupported language: %s", language)
	}

	dir, cleanup, err := newWorkspace(e.cfg.WorkRoot)
	if err != nil {
		return nil, CompileOutcome{}, err
	}
	artifact := &Artifact{Language: lang, Dir: dir, cleanup: cleanup}

	if err := os.WriteFile(filepath.Join(dir, lang.SourceFile), []byte(code), 0644); err != nil {
		artifact.Release()
		return nil, CompileOutcome{}, appErr.Wrapf(err, appErr.SandboxSetupFailed, "write source failed")
	}
	if !lang.Compiled() {
		return artifact, CompileOutcome{OK: true}, nil
	}

	memoryMb := memoryLimitMb
	if memoryMb < e.cfg.CompileMemoryMb {
		memoryMb = e.cfg.CompileMemoryMb
	}
	raw, err := e.runner.Run(ctx, ContainerSpec{
		ID:            uuid.NewString(),
		Phase:         PhaseCompile,
		Image:         lang.Image,
		Cmd:           lang.CompileCmd,
		HostDir:       dir,
		WallTimeout:   e.cfg.CompileTimeout,
		MemoryLimitMb: memoryMb,
		Limits:        e.cfg.Limits,
	})
	if err != nil {
		artifact.Release()
		return nil, CompileOutcome{}, appErr.SystemError(err, "compile step failed")
	}

	outcome := CompileOutcome{ElapsedMs: raw.ElapsedMs, TimedOut: raw.TimedOut}
	stderr := strings.TrimSpace(raw.Stderr)
	switch {
	case raw.TimedOut:
		outcome.Message = "Compilation timed out after " + e.cfg.CompileTimeout.String()
	case raw.ExitCode != 0 || stderr != "":
		outcome.Message = stderr
		if outcome.Message == "" {
			outcome.Message = strings.TrimSpace(raw.Stdout)
		}
	default:
		outcome.OK = true
		return artifact, outcome, nil
	}

	logger.Debug(ctx, "compilation failed",
		zap.String("language", lang.Name),
		zap.Int("exit_code", raw.ExitCode),
		zap.Bool("timed_out", raw.TimedOut),
	)
	artifact.Release()
	return nil, outcome, nil
}

// RunRequest runs an artifact against one input.
type RunRequest struct {
	Artifact      *Artifact
	Input         string
	TimeLimitMs   int64
	MemoryLimitMb int64
}

// RunResult is the trimmed outcome of one run.
type RunResult struct {
	ExitCode       int
	Stdout         string
	Stderr         string
	ElapsedMs      int64
	MemoryUsedMb   int64
	TimedOut       bool
	MemoryExceeded bool
}

// Run copies the artifact into a fresh workspace and executes it there.
// The workspace is removed on every path.
func (e *Executor) Run(ctx context.Context, req RunRequest) (RunResult, error) {
	if req.Artifact == nil || req.Artifact.Language == nil {
		return RunResult{}, appErr.New(appErr.InvalidParams).WithMessage("artifact is required")
	}
	if req.TimeLimitMs <= 0 || req.MemoryLimitMb <= 0 {
		return RunResult{}, appErr.New(appErr.InvalidParams).WithMessage("time and memory limits must be positive")
	}

	dir, cleanup, err := newWorkspace(e.cfg.WorkRoot)
	if err != nil {
		return RunResult{}, err
	}
	defer cleanup()

	if err := copyTree(req.Artifact.Dir, dir); err != nil {
		return RunResult{}, appErr.Wrapf(err, appErr.SandboxSetupFailed, "copy artifact failed")
	}

	lang := req.Artifact.Language
	raw, err := e.runner.Run(ctx, ContainerSpec{
		ID:            uuid.NewString(),
		Phase:         PhaseRun,
		Image:         lang.Image,
		Cmd:           lang.RunCmd,
		HostDir:       dir,
		Stdin:         req.Input,
		WallTimeout:   time.Duration(req.TimeLimitMs) * time.Millisecond,
		MemoryLimitMb: req.MemoryLimitMb,
		Limits:        e.cfg.Limits,
	})
	if err != nil {
		return RunResult{}, appErr.SystemError(err, "run step failed")
	}

	res := RunResult{
		ExitCode:       raw.ExitCode,
		Stdout:         strings.TrimSpace(raw.Stdout),
		Stderr:         strings.TrimSpace(raw.Stderr),
		ElapsedMs:      raw.ElapsedMs,
		MemoryUsedMb:   kbToMb(raw.MemoryUsedKB),
		TimedOut:       raw.TimedOut,
		MemoryExceeded: raw.OOMKilled,
	}
	if res.MemoryExceeded && res.MemoryUsedMb < req.MemoryLimitMb {
		res.MemoryUsedMb = req.MemoryLimitMb
	}
	return res, nil
}

func kbToMb(kb int64) int64 {
	if kb <= 0 {
		return 0
	}
	return (kb + 1023) / 1024
}
