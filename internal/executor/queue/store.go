package queue

import (
	"context"
	"time"
)

// StalledReport lists the jobs a stall sweep moved.
type StalledReport struct {
	Requeued []string
	Failed   []string
}

// JobStore persists jobs and performs every state transition atomically.
// Claim returns (nil, nil) when nothing is ready.
type JobStore interface {
	Add(ctx context.Context, job *Job) error
	Claim(ctx context.Context, queue, workerID string, now time.Time) (*Job, error)
	Heartbeat(ctx context.Context, queue, id, workerID string, now time.Time) error
	UpdateProgress(ctx context.Context, queue, id string, progress int) error
	Complete(ctx context.Context, queue, id, workerID string, result []byte, now time.Time, keep int) error
	// Fail moves the job to delayed when retryAt is non-zero, otherwise to failed.
	Fail(ctx context.Context, queue, id, workerID, reason string, attempts int, retryAt, now time.Time, keep int) error
	// RecoverStalled requeues active jobs whose heartbeat is older than deadline,
	// failing those that already stalled maxStalled times.
	RecoverStalled(ctx context.Context, queue string, deadline time.Time, maxStalled int, now time.Time, keepFailed int) (StalledReport, error)
	Get(ctx context.Context, queue, id string) (*Job, error)
	Counts(ctx context.Context, queue string) (Counts, error)
	// Clean removes terminal jobs of state finished before olderThan.
	Clean(ctx context.Context, queue string, state State, olderThan time.Time) (int, error)
}

const stalledReason = "job stalled more than allowable limit"
