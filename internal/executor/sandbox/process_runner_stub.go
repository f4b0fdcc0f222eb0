//go:build !linux

package sandbox

import (
	"context"

	appErr "ojexec/pkg/errors"
)

// ProcessConfig holds host-process runner settings.
type ProcessConfig struct {
	CgroupRoot   string `yaml:"cgroupRoot"`
	EnableCgroup bool   `yaml:"enableCgroup"`
}

// ProcessRunner is only available on linux.
type ProcessRunner struct{}

func NewProcessRunner(cfg ProcessConfig) (*ProcessRunner, error) {
	return nil, appErr.New(appErr.SandboxUnavailable).WithMessage("process runner is only supported on linux")
}

func (p *ProcessRunner) Run(ctx context.Context, spec ContainerSpec) (RawResult, error) {
	return RawResult{}, appErr.New(appErr.SandboxUnavailable).WithMessage("process runner is only supported on linux")
}
