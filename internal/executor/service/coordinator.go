package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"ojexec/internal/executor/model"
	"ojexec/internal/executor/sandbox"
	"ojexec/internal/executor/verdict"
	"ojexec/pkg/utils/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Evaluator judges one submission.
type Evaluator interface {
	Evaluate(ctx context.Context, sub model.Submission, progress verdict.ProgressFunc) *model.SubmissionVerdict
	Languages() *sandbox.LanguageTable
}

// ExecutionStatus is the coordinator's view of one execution.
type ExecutionStatus string

const (
	ExecutionQueued  ExecutionStatus = "queued"
	ExecutionRunning ExecutionStatus = "running"
)

// Execution is one in-flight evaluation.
type Execution struct {
	ExecutionID  string          `json:"execution_id"`
	SubmissionID string          `json:"submission_id"`
	JobID        string          `json:"job_id,omitempty"`
	Language     string          `json:"language"`
	StartTime    time.Time       `json:"start_time"`
	Status       ExecutionStatus `json:"status"`
}

// CoordinatorStats summarizes executions since start.
type CoordinatorStats struct {
	ActiveExecutions   int              `json:"active_executions"`
	TotalExecutions    int64            `json:"total_executions"`
	SystemErrors       int64            `json:"system_errors"`
	Verdicts           map[string]int64 `json:"verdicts"`
	SupportedLanguages []string         `json:"supported_languages"`
}

// Coordinator runs evaluations and keeps the table of active executions.
type Coordinator struct {
	engine Evaluator

	mu     sync.Mutex
	active map[string]*Execution
	counts map[model.Verdict]int64

	total atomic.Int64
}

// NewCoordinator creates a coordinator over an evaluator.
func NewCoordinator(engine Evaluator) *Coordinator {
	return &Coordinator{
		engine: engine,
		active: make(map[string]*Execution),
		counts: make(map[model.Verdict]int64),
	}
}

// Execute evaluates one job. It never fails: any error or panic becomes a
// System Error verdict.
func (c *Coordinator) Execute(ctx context.Context, job model.ExecutionJob, progress verdict.ProgressFunc) (result *model.SubmissionVerdict) {
	executionID := uuid.NewString()
	ctx = logger.WithExecutionID(ctx, executionID)
	c.begin(&Execution{
		ExecutionID:  executionID,
		SubmissionID: job.SubmissionID,
		JobID:        job.JobID,
		Language:     job.Language,
		StartTime:    time.Now(),
		Status:       ExecutionQueued,
	})
	c.total.Add(1)

	defer func() {
		if r := recover(); r != nil {
			logger.Error(ctx, "execution panicked",
				zap.String("submission_id", job.SubmissionID),
				zap.Any("panic", r),
			)
			result = model.SystemErrorVerdict(job.Submission, fmt.Sprintf("internal error: %v", r))
		}
		if result == nil {
			result = model.SystemErrorVerdict(job.Submission, "evaluation produced no verdict")
		}
		result.ExecutionID = executionID
		c.end(executionID, result.Verdict)
	}()

	logger.Info(ctx, "execution started",
		zap.String("submission_id", job.SubmissionID),
		zap.String("language", job.Language),
		zap.Int("test_cases", len(job.TestCases)),
	)
	c.setStatus(executionID, ExecutionRunning)
	result = c.engine.Evaluate(ctx, job.Submission, progress)
	logger.Info(ctx, "execution finished",
		zap.String("submission_id", job.SubmissionID),
		zap.String("verdict", string(result.Verdict)),
		zap.Int("passed", result.PassedTestCases),
		zap.Int("total", result.TotalTestCases),
	)
	return result
}

func (c *Coordinator) begin(e *Execution) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active[e.ExecutionID] = e
}

func (c *Coordinator) setStatus(executionID string, status ExecutionStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.active[executionID]; ok {
		e.Status = status
	}
}

func (c *Coordinator) end(executionID string, v model.Verdict) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.active, executionID)
	c.counts[v]++
}

// Active lists running executions, oldest first.
func (c *Coordinator) Active() []Execution {
	c.mu.Lock()
	out := make([]Execution, 0, len(c.active))
	for _, e := range c.active {
		out = append(out, *e)
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out
}

// Stats returns execution counters.
func (c *Coordinator) Stats() CoordinatorStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	verdicts := make(map[string]int64, len(c.counts))
	for v, n := range c.counts {
		verdicts[string(v)] = n
	}
	return CoordinatorStats{
		ActiveExecutions:   len(c.active),
		TotalExecutions:    c.total.Load(),
		SystemErrors:       c.counts[model.VerdictSystemError],
		Verdicts:           verdicts,
		SupportedLanguages: c.engine.Languages().Names(),
	}
}
