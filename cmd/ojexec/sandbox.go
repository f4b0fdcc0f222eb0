package main

import (
	"context"
	"fmt"

	"ojexec/internal/executor/sandbox"
	"ojexec/internal/executor/verdict"
	"ojexec/pkg/utils/logger"

	"go.uber.org/zap"
)

// sandboxStack is the evaluation side shared by serve and run.
type sandboxStack struct {
	engine *verdict.Engine
	// docker is nil for the process runner.
	docker *sandbox.DockerRunner
}

func (s *sandboxStack) Close() {
	if s.docker != nil {
		_ = s.docker.Close()
	}
}

func buildSandbox(ctx context.Context, cfg SandboxConfig) (*sandboxStack, error) {
	langs, err := sandbox.NewLanguageTable(cfg.Languages)
	if err != nil {
		return nil, err
	}

	stack := &sandboxStack{}
	var runner sandbox.ContainerRunner
	switch cfg.Runner {
	case runnerProcess:
		p, err := sandbox.NewProcessRunner(cfg.Process)
		if err != nil {
			return nil, err
		}
		runner = p
	default:
		d, err := sandbox.NewDockerRunner()
		if err != nil {
			return nil, err
		}
		stack.docker = d
		runner = d
		if err := d.Ping(ctx); err != nil {
			// the service still starts and reports itself degraded
			logger.Warn(ctx, "docker daemon unreachable", zap.Error(err))
		} else if cfg.PullImages {
			if err := d.EnsureImages(ctx, langs.Images()); err != nil {
				stack.Close()
				return nil, fmt.Errorf("prepare sandbox images failed: %w", err)
			}
		}
	}

	executor, err := sandbox.NewExecutor(runner, langs, cfg.Executor)
	if err != nil {
		stack.Close()
		return nil, err
	}
	stack.engine = verdict.NewEngine(executor)
	logger.Info(ctx, "sandbox ready", zap.String("runner", cfg.Runner), zap.Strings("languages", langs.Names()))
	return stack, nil
}
