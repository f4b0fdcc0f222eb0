// Package sandbox compiles and runs untrusted code inside resource-bounded environments.
package sandbox

import (
	"context"
	"time"
)

// Phase tells the runner whether it is building or running user code.
type Phase string

const (
	PhaseCompile Phase = "compile"
	PhaseRun     Phase = "run"
)

// Limits are the isolation settings shared by every run.
type Limits struct {
	CPUs           float64 `yaml:"cpus"`
	PidsLimit      int64   `yaml:"pidsLimit"`
	NprocLimit     int64   `yaml:"nprocLimit"`
	FileSizeBytes  int64   `yaml:"fileSizeBytes"`
	TmpSize        string  `yaml:"tmpSize"`
	WorkspaceSize  string  `yaml:"workspaceSize"`
	OutputMaxBytes int64   `yaml:"outputMaxBytes"`
}

// DefaultLimits returns the isolation defaults.
func DefaultLimits() Limits {
	return Limits{
		CPUs:           0.5,
		PidsLimit:      50,
		NprocLimit:     50,
		FileSizeBytes:  10 << 20,
		TmpSize:        "100m",
		WorkspaceSize:  "50m",
		OutputMaxBytes: 64 << 10,
	}
}

// WithDefaults fills zero fields from DefaultLimits.
func (l Limits) WithDefaults() Limits {
	d := DefaultLimits()
	if l.CPUs <= 0 {
		l.CPUs = d.CPUs
	}
	if l.PidsLimit <= 0 {
		l.PidsLimit = d.PidsLimit
	}
	if l.NprocLimit <= 0 {
		l.NprocLimit = d.NprocLimit
	}
	if l.FileSizeBytes <= 0 {
		l.FileSizeBytes = d.FileSizeBytes
	}
	if l.TmpSize == "" {
		l.TmpSize = d.TmpSize
	}
	if l.WorkspaceSize == "" {
		l.WorkspaceSize = d.WorkspaceSize
	}
	if l.OutputMaxBytes <= 0 {
		l.OutputMaxBytes = d.OutputMaxBytes
	}
	return l
}

// ContainerSpec is one isolated command invocation.
type ContainerSpec struct {
	ID            string
	Phase         Phase
	Image         string
	Cmd           []string
	HostDir       string
	Stdin         string
	WallTimeout   time.Duration
	MemoryLimitMb int64
	Limits        Limits
}

// RawResult is what the runner observed, before any verdict mapping.
type RawResult struct {
	ExitCode     int
	Stdout       string
	Stderr       string
	ElapsedMs    int64
	MemoryUsedKB int64
	TimedOut     bool
	OOMKilled    bool
}

// ContainerRunner executes one ContainerSpec. A returned error means the sandbox itself failed;
// user program failures are reported through RawResult.
type ContainerRunner interface {
	Run(ctx context.Context, spec ContainerSpec) (RawResult, error)
}
