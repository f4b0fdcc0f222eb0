// Package queue schedules jobs onto bounded worker pools with retries, heartbeats and stall recovery.
package queue

import (
	"encoding/json"
	"time"
)

// State is the lifecycle position of a job.
type State string

const (
	StateWaiting   State = "waiting"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateDelayed   State = "delayed"
)

// MaxPriority bounds job priorities; higher runs first.
const MaxPriority = 1000

// Job is one queue entry.
type Job struct {
	ID           string          `json:"id"`
	Queue        string          `json:"queue"`
	Name         string          `json:"name"`
	Data         json.RawMessage `json:"data"`
	Priority     int             `json:"priority"`
	Seq          int64           `json:"seq"`
	State        State           `json:"state"`
	AttemptsMade int             `json:"attempts_made"`
	MaxAttempts  int             `json:"max_attempts"`
	StalledCount int             `json:"stalled_count"`
	Progress     int             `json:"progress"`
	Result       json.RawMessage `json:"result,omitempty"`
	FailedReason string          `json:"failed_reason,omitempty"`
	WorkerID     string          `json:"-"`
	CreatedAt    time.Time       `json:"created_at"`
	ProcessedAt  time.Time       `json:"processed_at,omitempty"`
	FinishedAt   time.Time       `json:"finished_at,omitempty"`
	DelayUntil   time.Time       `json:"delay_until,omitempty"`
	HeartbeatAt  time.Time       `json:"-"`
}

// Terminal reports whether the job will not run again.
func (j *Job) Terminal() bool {
	return j.State == StateCompleted || j.State == StateFailed
}

// Counts is the number of jobs per state.
type Counts struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Delayed   int64 `json:"delayed"`
	Paused    bool  `json:"paused"`
}

// rank orders waiting jobs: higher priority first, then insertion order.
func rank(priority int, seq int64) float64 {
	return float64(int64(MaxPriority-clampPriority(priority))<<40 + seq)
}

func clampPriority(p int) int {
	switch {
	case p < 0:
		return 0
	case p > MaxPriority:
		return MaxPriority
	}
	return p
}

// Backoff returns base * 2^(attempt-1), capped at max when max > 0.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	delay := base
	for i := 1; i < attempt; i++ {
		if max > 0 && delay > max/2 {
			return max
		}
		delay *= 2
	}
	if max > 0 && delay > max {
		return max
	}
	return delay
}
