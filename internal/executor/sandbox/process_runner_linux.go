//go:build linux

package sandbox

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"os/exec"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	appErr "ojexec/pkg/errors"
	"ojexec/pkg/utils/logger"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

const processWaitDelay = 2 * time.Second

// ProcessConfig holds host-process runner settings.
type ProcessConfig struct {
	CgroupRoot   string `yaml:"cgroupRoot"`
	EnableCgroup bool   `yaml:"enableCgroup"`
}

// ProcessRunner runs commands directly on the host in their own process group,
// bounded by rlimits and, when enabled, a cgroup v2 leaf.
type ProcessRunner struct {
	cfg ProcessConfig
}

// NewProcessRunner validates the cgroup root when cgroups are enabled.
func NewProcessRunner(cfg ProcessConfig) (*ProcessRunner, error) {
	if cfg.EnableCgroup {
		if cfg.CgroupRoot == "" {
			return nil, appErr.New(appErr.InvalidParams).WithMessage("cgroup root is required")
		}
		if !isCgroup2(cfg.CgroupRoot) {
			return nil, appErr.Newf(appErr.SandboxUnavailable, "%s is not a cgroup v2 mount", cfg.CgroupRoot)
		}
	}
	return &ProcessRunner{cfg: cfg}, nil
}

// Run starts the command, arms the wall timer and collects the outcome.
func (p *ProcessRunner) Run(ctx context.Context, spec ContainerSpec) (RawResult, error) {
	if len(spec.Cmd) == 0 {
		return RawResult{}, fmt.Errorf("command is required")
	}
	limits := spec.Limits.WithDefaults()

	cgroupPath := ""
	cgroupCleanup := func() {}
	if p.cfg.EnableCgroup {
		var err error
		cgroupPath, cgroupCleanup, err = createRunCgroup(p.cfg.CgroupRoot, spec.ID)
		if err != nil {
			return RawResult{}, appErr.Wrapf(err, appErr.SandboxSetupFailed, "create cgroup failed")
		}
		if err := applyCgroupLimits(cgroupPath, spec.MemoryLimitMb, limits.PidsLimit, limits.CPUs); err != nil {
			cgroupCleanup()
			return RawResult{}, appErr.Wrapf(err, appErr.SandboxSetupFailed, "apply cgroup limits failed")
		}
	}
	defer cgroupCleanup()

	stdout := newLimitedBuffer(limits.OutputMaxBytes)
	stderr := newLimitedBuffer(limits.OutputMaxBytes)

	cmd := exec.Command(spec.Cmd[0], spec.Cmd[1:]...)
	cmd.Dir = spec.HostDir
	cmd.Env = []string{
		"PATH=" + os.Getenv("PATH"),
		"HOME=" + spec.HostDir,
		"TMPDIR=" + spec.HostDir,
		"LANG=C.UTF-8",
	}
	cmd.Stdin = strings.NewReader(spec.Stdin)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = processWaitDelay
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return RawResult{}, appErr.Wrapf(err, appErr.SandboxSetupFailed, "start process failed")
	}
	pid := cmd.Process.Pid

	if err := applyRlimits(pid, limits, spec.WallTimeout); err != nil {
		logger.Warn(ctx, "apply rlimits failed", zap.Int("pid", pid), zap.Error(err))
	}
	if cgroupPath != "" {
		if err := addProcessToCgroup(cgroupPath, pid); err != nil {
			logger.Warn(ctx, "add process to cgroup failed", zap.String("cgroup", cgroupPath), zap.Error(err))
		}
	}

	var timedOut, cancelled atomic.Bool
	done := make(chan struct{})
	go func() {
		timer := time.NewTimer(spec.WallTimeout)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			cancelled.Store(true)
			killProcessGroup(pid, cgroupPath)
		case <-timer.C:
			timedOut.Store(true)
			killProcessGroup(pid, cgroupPath)
		case <-done:
		}
	}()

	waitErr := cmd.Wait()
	close(done)
	elapsed := time.Since(start).Milliseconds()

	if cancelled.Load() {
		return RawResult{}, appErr.SystemError(ctx.Err(), "run cancelled")
	}

	res := RawResult{
		ExitCode:     exitCodeFromErr(waitErr, cmd.ProcessState),
		Stdout:       stdout.String(),
		Stderr:       stderr.String(),
		ElapsedMs:    elapsed,
		MemoryUsedKB: memoryPeakKB(cgroupPath, cmd.ProcessState),
		TimedOut:     timedOut.Load(),
		OOMKilled:    wasOomKilled(cgroupPath),
	}
	if cgroupPath == "" && spec.MemoryLimitMb > 0 && res.MemoryUsedKB > spec.MemoryLimitMb*1024 {
		res.OOMKilled = true
	}
	if res.TimedOut {
		res.ExitCode = killedExitCode
	}
	return res, nil
}

func applyRlimits(pid int, limits Limits, wall time.Duration) error {
	cpuSeconds := uint64(math.Ceil(wall.Seconds())) + 1
	if err := unix.Prlimit(pid, unix.RLIMIT_CPU, &unix.Rlimit{Cur: cpuSeconds, Max: cpuSeconds}, nil); err != nil {
		return err
	}
	fsize := uint64(limits.FileSizeBytes)
	return unix.Prlimit(pid, unix.RLIMIT_FSIZE, &unix.Rlimit{Cur: fsize, Max: fsize}, nil)
}

func killProcessGroup(pid int, cgroupPath string) {
	if cgroupPath != "" {
		_ = killCgroup(cgroupPath)
	}
	if pid <= 0 {
		return
	}
	_ = unix.Kill(-pid, unix.SIGKILL)
}

func exitCodeFromErr(err error, state *os.ProcessState) int {
	if state != nil {
		return state.ExitCode()
	}
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

var _ ContainerRunner = (*ProcessRunner)(nil)
