package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	appErr "ojexec/pkg/errors"
	"ojexec/pkg/utils/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Options configures one queue.
type Options struct {
	Concurrency     int           `yaml:"concurrency"`
	Attempts        int           `yaml:"attempts"`
	BackoffBase     time.Duration `yaml:"backoffBase"`
	MaxBackoff      time.Duration `yaml:"maxBackoff"`
	DefaultPriority int           `yaml:"defaultPriority"`
	JobTimeout      time.Duration `yaml:"jobTimeout"`
	LockDuration    time.Duration `yaml:"lockDuration"`
	StalledInterval time.Duration `yaml:"stalledInterval"`
	MaxStalledCount int           `yaml:"maxStalledCount"`
	// KeepCompleted and KeepFailed bound retained terminal jobs; 0 keeps all.
	KeepCompleted int           `yaml:"keepCompleted"`
	KeepFailed    int           `yaml:"keepFailed"`
	PollInterval  time.Duration `yaml:"pollInterval"`
	StoreTimeout  time.Duration `yaml:"storeTimeout"`
}

func (o Options) withDefaults() Options {
	if o.Concurrency <= 0 {
		o.Concurrency = 1
	}
	if o.Attempts <= 0 {
		o.Attempts = 1
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = time.Minute
	}
	if o.JobTimeout <= 0 {
		o.JobTimeout = 5 * time.Minute
	}
	if o.LockDuration <= 0 {
		o.LockDuration = 30 * time.Second
	}
	if o.StalledInterval <= 0 {
		o.StalledInterval = 30 * time.Second
	}
	if o.MaxStalledCount < 0 {
		o.MaxStalledCount = 0
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 200 * time.Millisecond
	}
	if o.StoreTimeout <= 0 {
		o.StoreTimeout = 3 * time.Second
	}
	return o
}

// AddOptions overrides per-job settings. An empty JobID or a nil Priority
// uses the queue defaults; an explicit priority of 0 is kept.
type AddOptions struct {
	JobID    string
	Priority *int
}

// WithPriority returns a pointer suitable for AddOptions.Priority.
func WithPriority(p int) *int {
	return &p
}

// ProgressFunc reports job progress in percent.
type ProgressFunc func(percent int)

// Handler processes one job and returns the bytes stored as its result.
type Handler func(ctx context.Context, job *Job, progress ProgressFunc) ([]byte, error)

// Queue feeds jobs from a JobStore to a bounded set of workers.
type Queue struct {
	name    string
	opts    Options
	store   JobStore
	slots   *slots
	handler Handler
	now     func() time.Time

	paused   atomic.Bool
	claimSeq atomic.Int64
	workerID string

	mu      sync.Mutex
	started bool
	closed  bool

	loopCtx    context.Context
	loopCancel context.CancelFunc
	runCtx     context.Context
	runCancel  context.CancelFunc
	loopWg     sync.WaitGroup
	jobWg      sync.WaitGroup
}

// New creates a stopped queue.
func New(name string, store JobStore, opts Options) *Queue {
	opts = opts.withDefaults()
	host, _ := os.Hostname()
	q := &Queue{
		name:     name,
		opts:     opts,
		store:    store,
		slots:    newSlots(opts.Concurrency),
		now:      time.Now,
		workerID: fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8]),
	}
	q.loopCtx, q.loopCancel = context.WithCancel(context.Background())
	q.runCtx, q.runCancel = context.WithCancel(context.Background())
	return q
}

// Name returns the queue name.
func (q *Queue) Name() string { return q.name }

// Options returns the effective options.
func (q *Queue) Options() Options { return q.opts }

// Process registers the handler. It must be called before Start.
func (q *Queue) Process(h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handler = h
}

// Start launches the fetch loop and the stalled-job checker.
func (q *Queue) Start() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return appErr.Newf(appErr.QueueClosed, "queue %s is closed", q.name)
	}
	if q.started {
		return nil
	}
	if q.handler == nil {
		return appErr.Newf(appErr.InvalidParams, "queue %s has no handler", q.name)
	}
	q.started = true

	q.loopWg.Add(2)
	go func() {
		defer q.loopWg.Done()
		q.fetchLoop()
	}()
	go func() {
		defer q.loopWg.Done()
		q.stalledLoop()
	}()
	return nil
}

// Add enqueues payload, JSON-encoded, as a waiting job.
func (q *Queue) Add(ctx context.Context, name string, payload interface{}, opts AddOptions) (*Job, error) {
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return nil, appErr.Newf(appErr.QueueClosed, "queue %s is closed", q.name)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.InvalidParams, "encode job payload failed")
	}
	id := opts.JobID
	if id == "" {
		id = uuid.NewString()
	}
	priority := q.opts.DefaultPriority
	if opts.Priority != nil {
		priority = *opts.Priority
	}
	job := &Job{
		ID:          id,
		Queue:       q.name,
		Name:        name,
		Data:        data,
		Priority:    clampPriority(priority),
		MaxAttempts: q.opts.Attempts,
		CreatedAt:   q.now(),
	}

	ctxStore, cancel := context.WithTimeout(ctx, q.opts.StoreTimeout)
	defer cancel()
	if err := q.store.Add(ctxStore, job); err != nil {
		return nil, err
	}
	logger.Debug(ctx, "job added", zap.String("queue", q.name), zap.String("job_id", id), zap.Int("priority", job.Priority))
	return job, nil
}

// Get loads a job by id.
func (q *Queue) Get(ctx context.Context, id string) (*Job, error) {
	ctxStore, cancel := context.WithTimeout(ctx, q.opts.StoreTimeout)
	defer cancel()
	return q.store.Get(ctxStore, q.name, id)
}

// Pause stops claiming new jobs; in-flight jobs finish.
func (q *Queue) Pause() {
	q.paused.Store(true)
	logger.Info(context.Background(), "queue paused", zap.String("queue", q.name))
}

// Resume restarts claiming.
func (q *Queue) Resume() {
	q.paused.Store(false)
	logger.Info(context.Background(), "queue resumed", zap.String("queue", q.name))
}

// IsPaused reports whether claiming is paused.
func (q *Queue) IsPaused() bool {
	return q.paused.Load()
}

// Clean removes completed and failed jobs that finished more than grace ago.
func (q *Queue) Clean(ctx context.Context, grace time.Duration) (int, error) {
	ctxStore, cancel := context.WithTimeout(ctx, q.opts.StoreTimeout)
	defer cancel()
	olderThan := q.now().Add(-grace)
	total := 0
	for _, state := range []State{StateCompleted, StateFailed} {
		n, err := q.store.Clean(ctxStore, q.name, state, olderThan)
		if err != nil {
			return total, err
		}
		total += n
	}
	logger.Info(ctx, "queue cleaned", zap.String("queue", q.name), zap.Int("removed", total))
	return total, nil
}

// Counts returns the number of jobs per state.
func (q *Queue) Counts(ctx context.Context) (Counts, error) {
	ctxStore, cancel := context.WithTimeout(ctx, q.opts.StoreTimeout)
	defer cancel()
	c, err := q.store.Counts(ctxStore, q.name)
	if err != nil {
		return Counts{}, err
	}
	c.Paused = q.IsPaused()
	return c, nil
}

// Close stops claiming and waits for in-flight jobs until ctx is done,
// after which they are cancelled.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()

	q.loopCancel()
	q.loopWg.Wait()

	done := make(chan struct{})
	go func() {
		q.jobWg.Wait()
		close(done)
	}()
	select {
	case <-done:
		q.runCancel()
		return nil
	case <-ctx.Done():
		q.runCancel()
		logger.Warn(ctx, "queue closed with jobs in flight", zap.String("queue", q.name), zap.Int("in_flight", q.slots.inUse()))
		return ctx.Err()
	}
}

func (q *Queue) fetchLoop() {
	for {
		if q.loopCtx.Err() != nil {
			return
		}
		if q.paused.Load() {
			q.sleep(q.opts.PollInterval)
			continue
		}
		if err := q.slots.acquire(q.loopCtx); err != nil {
			return
		}
		token := q.workerID + ":" + strconv.FormatInt(q.claimSeq.Add(1), 10)
		ctxStore, cancel := context.WithTimeout(q.loopCtx, q.opts.StoreTimeout)
		job, err := q.store.Claim(ctxStore, q.name, token, q.now())
		cancel()
		if err != nil || job == nil {
			q.slots.release()
			if err != nil && q.loopCtx.Err() == nil {
				logger.Warn(q.loopCtx, "claim job failed", zap.String("queue", q.name), zap.Error(err))
			}
			q.sleep(q.opts.PollInterval)
			continue
		}
		job.WorkerID = token
		q.jobWg.Add(1)
		go q.run(job)
	}
}

func (q *Queue) stalledLoop() {
	q.recoverStalled()
	ticker := time.NewTicker(q.opts.StalledInterval)
	defer ticker.Stop()
	for {
		select {
		case <-q.loopCtx.Done():
			return
		case <-ticker.C:
			q.recoverStalled()
		}
	}
}

func (q *Queue) recoverStalled() {
	ctx, cancel := context.WithTimeout(q.loopCtx, q.opts.StoreTimeout)
	defer cancel()
	now := q.now()
	report, err := q.store.RecoverStalled(ctx, q.name, now.Add(-q.opts.LockDuration), q.opts.MaxStalledCount, now, q.opts.KeepFailed)
	if err != nil {
		if q.loopCtx.Err() == nil {
			logger.Warn(ctx, "recover stalled jobs failed", zap.String("queue", q.name), zap.Error(err))
		}
		return
	}
	for _, id := range report.Requeued {
		logger.Warn(ctx, "job stalled, requeued", zap.String("queue", q.name), zap.String("job_id", id))
	}
	for _, id := range report.Failed {
		logger.Warn(ctx, "job stalled too many times, failed", zap.String("queue", q.name), zap.String("job_id", id))
	}
}

func (q *Queue) run(job *Job) {
	defer q.jobWg.Done()
	defer q.slots.release()

	ctx := logger.WithJobID(q.runCtx, job.ID)
	jobCtx, cancel := context.WithTimeout(ctx, q.opts.JobTimeout)
	defer cancel()

	hbDone := make(chan struct{})
	go q.heartbeat(jobCtx, cancel, job, hbDone)

	started := q.now()
	logger.Info(ctx, "job started", zap.String("queue", q.name), zap.Int("attempt", job.AttemptsMade+1))
	result, err := q.invoke(jobCtx, job)
	close(hbDone)
	if err == nil && errors.Is(jobCtx.Err(), context.DeadlineExceeded) {
		err = appErr.Newf(appErr.JobTimedOut, "job timed out after %s", q.opts.JobTimeout)
	} else if err != nil && errors.Is(jobCtx.Err(), context.DeadlineExceeded) {
		err = appErr.Wrapf(err, appErr.JobTimedOut, "job timed out after %s", q.opts.JobTimeout)
	}

	ctxStore, cancelStore := context.WithTimeout(context.Background(), q.opts.StoreTimeout)
	defer cancelStore()
	now := q.now()
	elapsed := now.Sub(started)

	if err == nil {
		if cerr := q.store.Complete(ctxStore, q.name, job.ID, job.WorkerID, result, now, q.opts.KeepCompleted); cerr != nil {
			logger.Warn(ctx, "mark job completed failed", zap.String("queue", q.name), zap.Error(cerr))
			return
		}
		logger.Info(ctx, "job completed", zap.String("queue", q.name), zap.Duration("elapsed", elapsed))
		return
	}

	attempts := job.AttemptsMade + 1
	var retryAt time.Time
	if attempts < job.MaxAttempts {
		retryAt = now.Add(Backoff(attempts, q.opts.BackoffBase, q.opts.MaxBackoff))
	}
	if ferr := q.store.Fail(ctxStore, q.name, job.ID, job.WorkerID, err.Error(), attempts, retryAt, now, q.opts.KeepFailed); ferr != nil {
		logger.Warn(ctx, "mark job failed failed", zap.String("queue", q.name), zap.Error(ferr))
		return
	}
	if retryAt.IsZero() {
		logger.Error(ctx, "job failed", zap.String("queue", q.name), zap.Int("attempts", attempts), zap.Error(err))
		return
	}
	logger.Warn(ctx, "job failed, retry scheduled",
		zap.String("queue", q.name),
		zap.Int("attempts", attempts),
		zap.Time("retry_at", retryAt),
		zap.Error(err),
	)
}

// invoke runs the handler, turning a panic into an error.
func (q *Queue) invoke(ctx context.Context, job *Job) (result []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = appErr.Newf(appErr.JudgeSystemError, "job handler panic: %v", r)
		}
	}()
	progress := func(percent int) {
		if percent < 0 {
			percent = 0
		}
		if percent > 100 {
			percent = 100
		}
		ctxStore, cancel := context.WithTimeout(context.Background(), q.opts.StoreTimeout)
		defer cancel()
		if err := q.store.UpdateProgress(ctxStore, q.name, job.ID, percent); err != nil {
			logger.Debug(ctx, "update job progress failed", zap.Error(err))
		}
	}
	return q.handler(ctx, job, progress)
}

// heartbeat extends the job lock until done is closed; losing the lock cancels the job.
func (q *Queue) heartbeat(ctx context.Context, cancel context.CancelFunc, job *Job, done <-chan struct{}) {
	ticker := time.NewTicker(q.opts.LockDuration / 2)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			ctxStore, cancelStore := context.WithTimeout(ctx, q.opts.StoreTimeout)
			err := q.store.Heartbeat(ctxStore, q.name, job.ID, job.WorkerID, q.now())
			cancelStore()
			if err == nil {
				continue
			}
			if appErr.Is(err, appErr.JobAlreadyTaken) || appErr.Is(err, appErr.JobNotFound) {
				logger.Warn(ctx, "job lock lost, cancelling", zap.String("queue", q.name), zap.Error(err))
				cancel()
				return
			}
			logger.Warn(ctx, "job heartbeat failed", zap.String("queue", q.name), zap.Error(err))
		}
	}
}

func (q *Queue) sleep(d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-q.loopCtx.Done():
	case <-timer.C:
	}
}
