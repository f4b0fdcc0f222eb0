// Package service wires the queues, the coordinator and the result stores
// into the operations exposed over HTTP.
package service

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"ojexec/internal/executor/model"
	"ojexec/internal/executor/queue"
	"ojexec/internal/executor/ratelimit"
	"ojexec/internal/executor/repository"
	"ojexec/internal/executor/sandbox"
	appErr "ojexec/pkg/errors"
	"ojexec/pkg/utils/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultSideEffectTimeout = 3 * time.Second
	defaultCleanGrace        = 5 * time.Second
	anonymousUser            = "anonymous"

	jobNameExecute = "execute"
	jobNameBatch   = "batch-execute"
)

// RateLimiter admits requests per user and action.
type RateLimiter interface {
	Admit(ctx context.Context, userID, action string) ratelimit.Decision
	Stats(ctx context.Context, userID string) (map[string]ratelimit.ActionStats, error)
	Reset(ctx context.Context, userID string) error
}

// VerdictStore caches final verdicts by submission id.
type VerdictStore interface {
	Save(ctx context.Context, verdict *model.SubmissionVerdict) error
	Get(ctx context.Context, submissionID string) (*model.SubmissionVerdict, error)
}

// Pinger reports whether the sandbox backend is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config holds service dependencies and settings.
type Config struct {
	Queues      *queue.Manager
	Coordinator *Coordinator
	Limiter     RateLimiter
	Verdicts    VerdictStore
	// Optional sinks and health checks.
	Publisher repository.VerdictPublisher
	Archive   repository.VerdictArchive
	Sandbox   Pinger

	TrackerMaxAge        time.Duration
	TrackerSweepInterval time.Duration
	SideEffectTimeout    time.Duration
}

// Service handles execution requests.
type Service struct {
	queues      *queue.Manager
	coordinator *Coordinator
	limiter     RateLimiter
	verdicts    VerdictStore
	publisher   repository.VerdictPublisher
	archive     repository.VerdictArchive
	sandbox     Pinger
	tracker     *Tracker
	sideTimeout time.Duration

	mu          sync.Mutex
	stopTracker context.CancelFunc
	trackerDone chan struct{}
}

// NewService validates dependencies and registers the queue handlers.
func NewService(cfg Config) (*Service, error) {
	if cfg.Queues == nil {
		return nil, appErr.New(appErr.InvalidParams).WithMessage("queue manager is required")
	}
	if cfg.Coordinator == nil {
		return nil, appErr.New(appErr.InvalidParams).WithMessage("coordinator is required")
	}
	if cfg.Limiter == nil {
		return nil, appErr.New(appErr.InvalidParams).WithMessage("rate limiter is required")
	}
	if cfg.Verdicts == nil {
		return nil, appErr.New(appErr.InvalidParams).WithMessage("verdict store is required")
	}
	sideTimeout := cfg.SideEffectTimeout
	if sideTimeout <= 0 {
		sideTimeout = defaultSideEffectTimeout
	}
	s := &Service{
		queues:      cfg.Queues,
		coordinator: cfg.Coordinator,
		limiter:     cfg.Limiter,
		verdicts:    cfg.Verdicts,
		publisher:   cfg.Publisher,
		archive:     cfg.Archive,
		sandbox:     cfg.Sandbox,
		sideTimeout: sideTimeout,
	}
	s.tracker = NewTracker(cfg.TrackerMaxAge, cfg.TrackerSweepInterval, s.expire)

	for _, name := range []string{queue.Execution, queue.Priority} {
		q, err := s.queues.Queue(name)
		if err != nil {
			return nil, err
		}
		q.Process(s.handleExecution)
	}
	batch, err := s.queues.Queue(queue.Batch)
	if err != nil {
		return nil, err
	}
	batch.Process(s.handleBatch)
	return s, nil
}

// Start starts the queue workers and the tracker sweeper.
func (s *Service) Start() error {
	if err := s.queues.Start(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopTracker != nil {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.stopTracker = cancel
	s.trackerDone = make(chan struct{})
	go func() {
		defer close(s.trackerDone)
		s.tracker.Run(ctx)
	}()
	return nil
}

// Close stops the sweeper and drains the queues until ctx is done.
func (s *Service) Close(ctx context.Context) error {
	s.mu.Lock()
	stop, done := s.stopTracker, s.trackerDone
	s.stopTracker = nil
	s.mu.Unlock()
	if stop != nil {
		stop()
		<-done
	}
	return s.queues.Close(ctx)
}

// Tracker exposes the submission tracking table.
func (s *Service) Tracker() *Tracker {
	return s.tracker
}

// Admit checks the rate limit of userID for action.
func (s *Service) Admit(ctx context.Context, userID, action string) ratelimit.Decision {
	if userID == "" {
		userID = anonymousUser
	}
	return s.limiter.Admit(ctx, userID, action)
}

// SubmitResult is returned when a submission is queued.
type SubmitResult struct {
	JobID         string `json:"job_id"`
	SubmissionID  string `json:"submission_id"`
	Queue         string `json:"queue"`
	EstimatedTime string `json:"estimated_time"`
}

// Submit queues one submission on the execution or the priority queue.
func (s *Service) Submit(ctx context.Context, job model.ExecutionJob) (*SubmitResult, error) {
	if job.Code == "" || job.Language == "" || len(job.TestCases) == 0 {
		return nil, appErr.New(appErr.ValidationFailed).WithMessage("code, language and test cases are required")
	}
	job = normalizeJob(job)

	queueName := queue.Execution
	var opts queue.AddOptions
	if job.Priority.Urgent() {
		queueName = queue.Priority
		opts.Priority = queue.WithPriority(int(job.Priority))
	}
	q, err := s.queues.Queue(queueName)
	if err != nil {
		return nil, err
	}
	queued, err := q.Add(ctx, jobNameExecute, job, opts)
	if err != nil {
		return nil, err
	}
	s.tracker.Track(job.SubmissionID, queued.ID, queueName, job.UserID)
	logger.Info(ctx, "submission queued",
		zap.String("submission_id", job.SubmissionID),
		zap.String("job_id", queued.ID),
		zap.String("queue", queueName),
		zap.Int("priority", queued.Priority),
	)
	return &SubmitResult{
		JobID:         queued.ID,
		SubmissionID:  job.SubmissionID,
		Queue:         queueName,
		EstimatedTime: strconv.FormatInt(EstimateSeconds(job.Submission), 10) + "s",
	}, nil
}

// BatchSubmitResult is returned when a batch is queued.
type BatchSubmitResult struct {
	JobID            string `json:"job_id"`
	Queue            string `json:"queue"`
	TotalSubmissions int    `json:"total_submissions"`
}

// SubmitBatch queues up to MaxBatchSize submissions as one batch job.
func (s *Service) SubmitBatch(ctx context.Context, userID string, submissions []model.ExecutionJob) (*BatchSubmitResult, error) {
	if len(submissions) == 0 {
		return nil, appErr.New(appErr.ValidationFailed).WithMessage("submissions array is required and must not be empty")
	}
	if len(submissions) > model.MaxBatchSize {
		return nil, appErr.Newf(appErr.BatchTooLarge, "maximum %d submissions allowed per batch", model.MaxBatchSize)
	}
	if userID == "" {
		userID = anonymousUser
	}
	batch := model.BatchJob{UserID: userID, Submissions: make([]model.ExecutionJob, 0, len(submissions))}
	for _, sub := range submissions {
		if sub.UserID == "" {
			sub.UserID = userID
		}
		batch.Submissions = append(batch.Submissions, normalizeJob(sub))
	}

	q, err := s.queues.Queue(queue.Batch)
	if err != nil {
		return nil, err
	}
	queued, err := q.Add(ctx, jobNameBatch, batch, queue.AddOptions{})
	if err != nil {
		return nil, err
	}
	for _, sub := range batch.Submissions {
		s.tracker.Track(sub.SubmissionID, queued.ID, queue.Batch, sub.UserID)
	}
	logger.Info(ctx, "batch queued", zap.String("job_id", queued.ID), zap.Int("submissions", len(batch.Submissions)))
	return &BatchSubmitResult{JobID: queued.ID, Queue: queue.Batch, TotalSubmissions: len(batch.Submissions)}, nil
}

// EstimateSeconds is the rough wall time of a submission, in whole seconds.
func EstimateSeconds(sub model.Submission) int64 {
	limit := sub.TimeLimitMs
	if limit <= 0 {
		limit = model.DefaultTimeLimitMs
	}
	ms := int64(len(sub.TestCases))*limit + 2000
	return (ms + 999) / 1000
}

func normalizeJob(job model.ExecutionJob) model.ExecutionJob {
	if job.SubmissionID == "" {
		job.SubmissionID = "temp_" + strconv.FormatInt(time.Now().UnixMilli(), 10) + "_" + uuid.NewString()[:8]
	}
	if job.UserID == "" {
		job.UserID = anonymousUser
	}
	if job.TimeLimitMs == 0 {
		job.TimeLimitMs = model.DefaultTimeLimitMs
	}
	if job.MemoryLimitMb == 0 {
		job.MemoryLimitMb = model.DefaultMemoryLimitMb
	}
	return job
}

// Result states reported to callers in addition to the queue states.
const (
	ResultCompleted = "completed"
	ResultFailed    = "failed"
)

// JobResult is the caller's view of one job.
type JobResult struct {
	JobID        string          `json:"job_id"`
	Queue        string          `json:"queue"`
	Status       string          `json:"status"`
	Progress     int             `json:"progress"`
	Result       json.RawMessage `json:"result,omitempty"`
	Error        string          `json:"error,omitempty"`
	AttemptsMade int             `json:"attempts_made"`
	StalledCount int             `json:"stalled_count"`
	ProcessedAt  *time.Time      `json:"processed_at,omitempty"`
	FinishedAt   *time.Time      `json:"finished_at,omitempty"`
}

// Terminal reports whether the job will not change any more.
func (r *JobResult) Terminal() bool {
	return r.Status == ResultCompleted || r.Status == ResultFailed
}

// GetResult returns the state of a job; queueName defaults to the execution queue.
func (s *Service) GetResult(ctx context.Context, jobID, queueName string) (*JobResult, error) {
	if jobID == "" {
		return nil, appErr.ValidationError("job_id", "required")
	}
	if queueName == "" {
		queueName = queue.Execution
	}
	q, err := s.queues.Queue(queueName)
	if err != nil {
		return nil, err
	}
	job, err := q.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}

	res := &JobResult{
		JobID:        job.ID,
		Queue:        queueName,
		Status:       string(job.State),
		Progress:     job.Progress,
		AttemptsMade: job.AttemptsMade,
		StalledCount: job.StalledCount,
		ProcessedAt:  optionalTime(job.ProcessedAt),
		FinishedAt:   optionalTime(job.FinishedAt),
	}
	switch job.State {
	case queue.StateCompleted:
		res.Status = ResultCompleted
		res.Result = json.RawMessage(job.Result)
	case queue.StateFailed:
		res.Status = ResultFailed
		res.Error = job.FailedReason
	default:
		if expired := s.expiredVerdict(ctx, job); expired != nil {
			data, _ := json.Marshal(expired)
			res.Status = ResultFailed
			res.Result = data
			res.Error = expired.SystemError
		}
	}
	return res, nil
}

// expiredVerdict returns the System Error verdict written by the sweeper for a
// job that never finished.
func (s *Service) expiredVerdict(ctx context.Context, job *queue.Job) *model.SubmissionVerdict {
	if job.Queue == queue.Batch {
		return nil
	}
	var payload model.ExecutionJob
	if err := json.Unmarshal(job.Data, &payload); err != nil || payload.SubmissionID == "" {
		return nil
	}
	v, err := s.verdicts.Get(ctx, payload.SubmissionID)
	if err != nil || !isExpiredVerdict(v) || v.Timestamp.Before(job.CreatedAt) {
		return nil
	}
	return v
}

// GetVerdict returns the final verdict of a submission from the cache or the archive.
func (s *Service) GetVerdict(ctx context.Context, submissionID string) (*model.SubmissionVerdict, error) {
	v, err := s.verdicts.Get(ctx, submissionID)
	if err == nil {
		return v, nil
	}
	if s.archive == nil || !appErr.Is(err, appErr.SubmissionNotFound) {
		return nil, err
	}
	return s.archive.GetBySubmission(ctx, submissionID)
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// HealthReport is the liveness view of the service.
type HealthReport struct {
	Status           string                  `json:"status"`
	Docker           bool                    `json:"docker"`
	DockerError      string                  `json:"docker_error,omitempty"`
	Queues           map[string]queue.Counts `json:"queues,omitempty"`
	QueueError       string                  `json:"queue_error,omitempty"`
	ActiveExecutions int                     `json:"active_executions"`
	Timestamp        time.Time               `json:"timestamp"`
}

// Health pings the sandbox backend and the job store.
func (s *Service) Health(ctx context.Context) HealthReport {
	report := HealthReport{
		Status:           "OK",
		ActiveExecutions: len(s.coordinator.Active()),
		Timestamp:        time.Now(),
	}
	if s.sandbox != nil {
		if err := s.sandbox.Ping(ctx); err != nil {
			report.Status = "DEGRADED"
			report.DockerError = err.Error()
		} else {
			report.Docker = true
		}
	}
	stats, err := s.queues.Stats(ctx)
	if err != nil {
		report.Status = "DEGRADED"
		report.QueueError = err.Error()
	} else {
		report.Queues = stats
	}
	return report
}

// StatsReport aggregates queue and execution statistics.
type StatsReport struct {
	Queues      map[string]queue.Counts `json:"queues"`
	Execution   CoordinatorStats        `json:"execution"`
	Active      []Execution             `json:"active_execution_details"`
	Submissions []TrackedSubmission     `json:"tracked_submissions"`
}

// Stats returns queue counts, execution counters and tracked submissions.
func (s *Service) Stats(ctx context.Context) (*StatsReport, error) {
	queues, err := s.queues.Stats(ctx)
	if err != nil {
		return nil, err
	}
	return &StatsReport{
		Queues:      queues,
		Execution:   s.coordinator.Stats(),
		Active:      s.coordinator.Active(),
		Submissions: s.tracker.Snapshot(),
	}, nil
}

// RateLimitStats returns the usage of every action for a user.
func (s *Service) RateLimitStats(ctx context.Context, userID string) (map[string]ratelimit.ActionStats, error) {
	if userID == "" {
		return nil, appErr.ValidationError("user_id", "required")
	}
	return s.limiter.Stats(ctx, userID)
}

// ResetRateLimit clears every window of a user.
func (s *Service) ResetRateLimit(ctx context.Context, userID string) error {
	if userID == "" {
		return appErr.ValidationError("user_id", "required")
	}
	return s.limiter.Reset(ctx, userID)
}

// PauseQueue stops a queue from claiming new jobs.
func (s *Service) PauseQueue(name string) error {
	q, err := s.queues.Queue(name)
	if err != nil {
		return err
	}
	q.Pause()
	return nil
}

// ResumeQueue restarts claiming on a queue.
func (s *Service) ResumeQueue(name string) error {
	q, err := s.queues.Queue(name)
	if err != nil {
		return err
	}
	q.Resume()
	return nil
}

// CleanQueue removes finished jobs older than grace; zero grace uses 5s.
func (s *Service) CleanQueue(ctx context.Context, name string, grace time.Duration) (int, error) {
	q, err := s.queues.Queue(name)
	if err != nil {
		return 0, err
	}
	if grace <= 0 {
		grace = defaultCleanGrace
	}
	return q.Clean(ctx, grace)
}

// LanguageInfo describes one supported language.
type LanguageInfo struct {
	Name     string `json:"name"`
	Image    string `json:"image"`
	Compiled bool   `json:"compiled"`
}

// Languages lists the supported languages.
func (s *Service) Languages() []LanguageInfo {
	table := s.coordinator.engine.Languages()
	out := make([]LanguageInfo, 0)
	for _, name := range table.Names() {
		lang, _ := table.Lookup(name)
		out = append(out, languageInfo(lang))
	}
	return out
}

func languageInfo(lang *sandbox.Language) LanguageInfo {
	return LanguageInfo{Name: lang.Name, Image: lang.Image, Compiled: lang.Compiled()}
}
