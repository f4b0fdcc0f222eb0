package service

import (
	"context"
	"encoding/json"
	"time"

	"ojexec/internal/executor/model"
	"ojexec/internal/executor/queue"
	"ojexec/internal/executor/repository"
	appErr "ojexec/pkg/errors"
	"ojexec/pkg/utils/logger"

	"go.uber.org/zap"
)

const (
	progressStarted = 10
	expiredReason   = "Execution timed out without a result"
)

// JobVerdict is the stored result of an execution job.
type JobVerdict struct {
	*model.SubmissionVerdict
	JobID       string    `json:"job_id"`
	UserID      string    `json:"user_id,omitempty"`
	QueueWaitMs int64     `json:"queue_wait_ms"`
	ProcessedAt time.Time `json:"processed_at"`
}

func (s *Service) handleExecution(ctx context.Context, job *queue.Job, progress queue.ProgressFunc) ([]byte, error) {
	var payload model.ExecutionJob
	if err := json.Unmarshal(job.Data, &payload); err != nil {
		return nil, appErr.Wrapf(err, appErr.InvalidFormat, "decode execution job failed")
	}
	payload.JobID = job.ID
	ctx = logger.WithJobID(ctx, job.ID)

	progress(progressStarted)
	s.tracker.Progress(payload.SubmissionID, progressStarted)
	v := s.coordinator.Execute(ctx, payload, func(done, total int) {
		pct := progressStarted + done*(99-progressStarted)/total
		progress(pct)
		s.tracker.Progress(payload.SubmissionID, pct)
	})
	// leave the tracker entry in place so a retry or the sweeper settles it
	if err := ctx.Err(); err != nil {
		return nil, appErr.SystemError(err, "execution interrupted")
	}

	s.finish(ctx, job, payload.UserID, v)
	progress(100)
	return json.Marshal(JobVerdict{
		SubmissionVerdict: v,
		JobID:             job.ID,
		UserID:            payload.UserID,
		QueueWaitMs:       job.ProcessedAt.Sub(job.CreatedAt).Milliseconds(),
		ProcessedAt:       time.Now(),
	})
}

func (s *Service) handleBatch(ctx context.Context, job *queue.Job, progress queue.ProgressFunc) ([]byte, error) {
	var batch model.BatchJob
	if err := json.Unmarshal(job.Data, &batch); err != nil {
		return nil, appErr.Wrapf(err, appErr.InvalidFormat, "decode batch job failed")
	}
	ctx = logger.WithJobID(ctx, job.ID)

	total := len(batch.Submissions)
	result := model.BatchResult{TotalSubmissions: total, Results: make([]model.BatchItemResult, 0, total)}
	for i, sub := range batch.Submissions {
		progress(i * 100 / total)
		if err := ctx.Err(); err != nil {
			return nil, appErr.SystemError(err, "batch interrupted after %d of %d submissions", i, total)
		}
		sub.JobID = job.ID
		v := s.coordinator.Execute(ctx, sub, nil)
		s.finish(ctx, job, sub.UserID, v)

		item := model.BatchItemResult{SubmissionID: sub.SubmissionID, Success: v.Verdict != model.VerdictSystemError}
		if item.Success {
			item.Result = v
			result.SuccessfulSubmissions++
		} else {
			item.Error = v.SystemError
			result.FailedSubmissions++
		}
		result.Results = append(result.Results, item)
	}
	progress(100)
	logger.Info(ctx, "batch finished",
		zap.Int("total", total),
		zap.Int("successful", result.SuccessfulSubmissions),
		zap.Int("failed", result.FailedSubmissions),
	)
	return json.Marshal(result)
}

// finish records a final verdict in every configured sink, unless the sweeper
// has already settled the submission. Sink failures are logged and never fail
// the job.
func (s *Service) finish(ctx context.Context, job *queue.Job, userID string, v *model.SubmissionVerdict) {
	s.tracker.Done(v.SubmissionID)

	ctxSide, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.sideTimeout)
	defer cancel()
	if s.expiredBySweeper(ctxSide, v.SubmissionID, job.CreatedAt) {
		logger.Warn(ctx, "verdict arrived after the submission expired, dropped",
			zap.String("submission_id", v.SubmissionID),
			zap.String("verdict", string(v.Verdict)),
		)
		return
	}
	if err := s.verdicts.Save(ctxSide, v); err != nil {
		logger.Warn(ctx, "cache verdict failed", zap.String("submission_id", v.SubmissionID), zap.Error(err))
	}
	if s.publisher != nil {
		event := repository.VerdictEvent{JobID: job.ID, Queue: job.Queue, UserID: userID, Verdict: v}
		if err := s.publisher.PublishFinal(ctxSide, event); err != nil {
			logger.Warn(ctx, "publish verdict failed", zap.String("submission_id", v.SubmissionID), zap.Error(err))
		}
	}
	if s.archive != nil {
		record := repository.ArchiveRecord{JobID: job.ID, Queue: job.Queue, UserID: userID, Verdict: v}
		if err := s.archive.Save(ctxSide, record); err != nil {
			logger.Warn(ctx, "archive verdict failed", zap.String("submission_id", v.SubmissionID), zap.Error(err))
		}
	}
}

// expire writes a System Error verdict for a submission the sweeper found
// stale. Jobs that can still produce a verdict are left alone: waiting and
// delayed jobs, and active jobs whose worker still holds the lock.
func (s *Service) expire(ctx context.Context, entry TrackedSubmission, now time.Time) bool {
	q, err := s.queues.Queue(entry.Queue)
	if err != nil {
		return false
	}
	job, err := q.Get(ctx, entry.JobID)
	switch {
	case appErr.Is(err, appErr.JobNotFound):
	case err != nil:
		logger.Warn(ctx, "load stale job failed", zap.String("job_id", entry.JobID), zap.Error(err))
		return false
	case job.State == queue.StateCompleted:
		// finished on another worker process
		return true
	case job.State == queue.StateWaiting, job.State == queue.StateDelayed:
		return false
	case job.State == queue.StateActive && now.Sub(job.HeartbeatAt) < q.Options().LockDuration:
		return false
	}

	v := &model.SubmissionVerdict{
		SubmissionID:    entry.SubmissionID,
		Verdict:         model.VerdictSystemError,
		SystemError:     expiredReason,
		TestCaseResults: []model.ExecutionResult{},
		Timestamp:       now,
	}
	ctxSide, cancel := context.WithTimeout(ctx, s.sideTimeout)
	defer cancel()
	if err := s.verdicts.Save(ctxSide, v); err != nil {
		logger.Warn(ctx, "store expired verdict failed", zap.String("submission_id", entry.SubmissionID), zap.Error(err))
	}
	if s.publisher != nil {
		event := repository.VerdictEvent{JobID: entry.JobID, Queue: entry.Queue, UserID: entry.UserID, Verdict: v}
		if err := s.publisher.PublishFinal(ctxSide, event); err != nil {
			logger.Warn(ctx, "publish expired verdict failed", zap.String("submission_id", entry.SubmissionID), zap.Error(err))
		}
	}
	return true
}

// expiredBySweeper reports whether the sweeper settled a submission after the
// job was enqueued. An older expiry belongs to an earlier job for the same id.
func (s *Service) expiredBySweeper(ctx context.Context, submissionID string, enqueued time.Time) bool {
	v, err := s.verdicts.Get(ctx, submissionID)
	return err == nil && isExpiredVerdict(v) && !v.Timestamp.Before(enqueued)
}

func isExpiredVerdict(v *model.SubmissionVerdict) bool {
	return v.Verdict == model.VerdictSystemError && v.ExecutionID == "" && v.SystemError == expiredReason
}
