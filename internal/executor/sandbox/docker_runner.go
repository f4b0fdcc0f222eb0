package sandbox

import (
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"strings"
	"time"

	appErr "ojexec/pkg/errors"
	"ojexec/pkg/utils/logger"

	"github.com/araddon/dateparse"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	units "github.com/docker/go-units"
	"go.uber.org/zap"
)

const (
	containerCodeDir      = "/code"
	containerWorkspaceDir = "/workspace"
	containerNamePrefix   = "ojexec-"
	killedExitCode        = 137
	outputDrainGrace      = 2 * time.Second
	cleanupTimeout        = 10 * time.Second
)

// copyIntoWorkspace copies the read-only mount into the writable tmpfs, then execs the command.
const copyIntoWorkspace = `cp -r ` + containerCodeDir + `/. ` + containerWorkspaceDir + `/ && exec "$@"`

// DockerRunner runs each ContainerSpec in a throwaway container.
type DockerRunner struct {
	cli *client.Client
}

// NewDockerRunner connects using the DOCKER_* environment.
func NewDockerRunner() (*DockerRunner, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.SandboxUnavailable, "create docker client failed")
	}
	return &DockerRunner{cli: cli}, nil
}

// Ping reports whether the daemon answers.
func (d *DockerRunner) Ping(ctx context.Context) error {
	_, err := d.cli.Ping(ctx)
	return err
}

// Close releases the client.
func (d *DockerRunner) Close() error {
	return d.cli.Close()
}

// EnsureImages pulls every image that is not present locally.
func (d *DockerRunner) EnsureImages(ctx context.Context, images []string) error {
	for _, img := range images {
		_, _, err := d.cli.ImageInspectWithRaw(ctx, img)
		if err == nil {
			continue
		}
		if !errdefs.IsNotFound(err) {
			return appErr.Wrapf(err, appErr.SandboxUnavailable, "inspect image %s failed", img)
		}
		logger.Info(ctx, "pulling sandbox image", zap.String("image", img))
		out, err := d.cli.ImagePull(ctx, img, image.PullOptions{})
		if err != nil {
			return appErr.Wrapf(err, appErr.ImagePullFailed, "pull image %s failed", img)
		}
		// the pull only completes once the progress stream is drained
		_, copyErr := io.Copy(io.Discard, out)
		_ = out.Close()
		if copyErr != nil {
			return appErr.Wrapf(copyErr, appErr.ImagePullFailed, "read pull stream for %s failed", img)
		}
	}
	return nil
}

// Run creates, starts, waits for and removes one container.
func (d *DockerRunner) Run(ctx context.Context, spec ContainerSpec) (RawResult, error) {
	if len(spec.Cmd) == 0 {
		return RawResult{}, fmt.Errorf("command is required")
	}
	limits := spec.Limits.WithDefaults()

	cfg, hostCfg, err := d.buildConfig(spec, limits)
	if err != nil {
		return RawResult{}, err
	}

	created, err := d.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, containerNamePrefix+spec.ID)
	if err != nil {
		return RawResult{}, appErr.Wrapf(err, appErr.SandboxSetupFailed, "create container failed")
	}
	defer func() {
		rmCtx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
		defer cancel()
		if err := d.cli.ContainerRemove(rmCtx, created.ID, container.RemoveOptions{Force: true}); err != nil {
			logger.Warn(ctx, "remove container failed", zap.String("container", created.ID), zap.Error(err))
		}
	}()

	hijack, err := d.cli.ContainerAttach(ctx, created.ID, container.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		return RawResult{}, appErr.Wrapf(err, appErr.SandboxSetupFailed, "attach container failed")
	}
	defer hijack.Close()

	stdout := newLimitedBuffer(limits.OutputMaxBytes)
	stderr := newLimitedBuffer(limits.OutputMaxBytes)
	copyDone := make(chan struct{})
	go func() {
		defer close(copyDone)
		_, _ = stdcopy.StdCopy(stdout, stderr, hijack.Reader)
	}()

	start := time.Now()
	if err := d.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return RawResult{}, appErr.Wrapf(err, appErr.SandboxSetupFailed, "start container failed")
	}

	go func() {
		if spec.Stdin != "" {
			_, _ = io.Copy(hijack.Conn, strings.NewReader(spec.Stdin))
		}
		_ = hijack.CloseWrite()
	}()

	res := RawResult{}
	waitCtx, cancelWait := context.WithTimeout(ctx, spec.WallTimeout)
	defer cancelWait()
	statusCh, errCh := d.cli.ContainerWait(waitCtx, created.ID, container.WaitConditionNotRunning)

	select {
	case status := <-statusCh:
		if status.Error != nil && status.Error.Message != "" {
			return RawResult{}, appErr.Newf(appErr.JudgeSystemError, "container wait failed: %s", status.Error.Message)
		}
		res.ExitCode = int(status.StatusCode)
	case waitErr := <-errCh:
		if ctx.Err() != nil {
			d.kill(created.ID)
			return RawResult{}, appErr.SystemError(ctx.Err(), "run cancelled")
		}
		if waitCtx.Err() == nil {
			return RawResult{}, appErr.SystemError(waitErr, "container wait failed")
		}
		d.kill(created.ID)
		res.TimedOut = true
		res.ExitCode = killedExitCode
	}
	wallMs := time.Since(start).Milliseconds()

	select {
	case <-copyDone:
	case <-time.After(outputDrainGrace):
		hijack.Close()
		<-copyDone
	}
	res.Stdout = stdout.String()
	res.Stderr = stderr.String()
	res.ElapsedMs = wallMs

	inspectCtx, cancelInspect := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancelInspect()
	inspect, err := d.cli.ContainerInspect(inspectCtx, created.ID)
	if err != nil {
		logger.Warn(ctx, "inspect container failed", zap.String("container", created.ID), zap.Error(err))
		return res, nil
	}
	if inspect.ContainerJSONBase != nil && inspect.State != nil {
		res.OOMKilled = inspect.State.OOMKilled
		if elapsed, ok := containerElapsedMs(inspect.State.StartedAt, inspect.State.FinishedAt); ok && !res.TimedOut {
			res.ElapsedMs = elapsed
		}
	}
	return res, nil
}

func (d *DockerRunner) buildConfig(spec ContainerSpec, limits Limits) (*container.Config, *container.HostConfig, error) {
	memBytes := spec.MemoryLimitMb << 20
	pids := limits.PidsLimit
	cpuSeconds := int64(math.Ceil(spec.WallTimeout.Seconds())) + 1

	cfg := &container.Config{
		Image:           spec.Image,
		WorkingDir:      containerWorkspaceDir,
		AttachStdin:     true,
		AttachStdout:    true,
		AttachStderr:    true,
		OpenStdin:       true,
		StdinOnce:       true,
		NetworkDisabled: true,
		Labels:          map[string]string{"ojexec.phase": string(spec.Phase)},
	}
	hostCfg := &container.HostConfig{
		NetworkMode:    container.NetworkMode("none"),
		ReadonlyRootfs: true,
		SecurityOpt:    []string{"no-new-privileges"},
		CapDrop:        []string{"ALL"},
		Tmpfs: map[string]string{
			"/tmp": "rw,noexec,size=" + limits.TmpSize,
		},
		Resources: container.Resources{
			Memory:     memBytes,
			MemorySwap: memBytes,
			NanoCPUs:   int64(limits.CPUs * 1e9),
			PidsLimit:  &pids,
			Ulimits: []*units.Ulimit{
				{Name: "nproc", Soft: limits.NprocLimit, Hard: limits.NprocLimit},
				{Name: "fsize", Soft: limits.FileSizeBytes, Hard: limits.FileSizeBytes},
				{Name: "cpu", Soft: cpuSeconds, Hard: cpuSeconds},
			},
		},
	}

	switch spec.Phase {
	case PhaseCompile:
		// the toolchain writes its output next to the source
		if err := os.Chmod(spec.HostDir, 0777); err != nil {
			return nil, nil, appErr.Wrapf(err, appErr.SandboxSetupFailed, "prepare build dir failed")
		}
		hostCfg.Binds = []string{spec.HostDir + ":" + containerWorkspaceDir + ":rw"}
		cfg.Cmd = spec.Cmd
	default:
		hostCfg.Binds = []string{spec.HostDir + ":" + containerCodeDir + ":ro"}
		hostCfg.Tmpfs[containerWorkspaceDir] = "rw,exec,size=" + limits.WorkspaceSize
		cfg.Cmd = append([]string{"sh", "-c", copyIntoWorkspace, "sh"}, spec.Cmd...)
	}
	return cfg, hostCfg, nil
}

func (d *DockerRunner) kill(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if err := d.cli.ContainerKill(ctx, id, "KILL"); err != nil && !errdefs.IsNotFound(err) {
		logger.Warn(ctx, "kill container failed", zap.String("container", id), zap.Error(err))
	}
}

func containerElapsedMs(startedAt, finishedAt string) (int64, bool) {
	start, err := dateparse.ParseAny(startedAt)
	if err != nil {
		return 0, false
	}
	finish, err := dateparse.ParseAny(finishedAt)
	if err != nil || finish.Before(start) {
		return 0, false
	}
	return finish.Sub(start).Milliseconds(), true
}

var _ ContainerRunner = (*DockerRunner)(nil)
