package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	appErr "ojexec/pkg/errors"
)

// MemoryStore is an in-process JobStore.
type MemoryStore struct {
	mu     sync.Mutex
	queues map[string]*memQueue
}

type memQueue struct {
	seq  int64
	jobs map[string]*Job
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{queues: make(map[string]*memQueue)}
}

func (s *MemoryStore) queue(name string) *memQueue {
	q, ok := s.queues[name]
	if !ok {
		q = &memQueue{jobs: make(map[string]*Job)}
		s.queues[name] = q
	}
	return q
}

func (s *MemoryStore) Add(ctx context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.queue(job.Queue)
	if _, ok := q.jobs[job.ID]; ok {
		return appErr.Newf(appErr.InvalidParams, "job %s already exists", job.ID)
	}
	q.seq++
	job.Seq = q.seq
	job.State = StateWaiting
	stored := *job
	q.jobs[job.ID] = &stored
	return nil
}

func (s *MemoryStore) Claim(ctx context.Context, queue, workerID string, now time.Time) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.queue(queue)

	var next *Job
	for _, j := range q.jobs {
		if j.State == StateDelayed && !j.DelayUntil.After(now) {
			j.State = StateWaiting
		}
	}
	for _, j := range q.jobs {
		if j.State != StateWaiting {
			continue
		}
		if next == nil || rank(j.Priority, j.Seq) < rank(next.Priority, next.Seq) {
			next = j
		}
	}
	if next == nil {
		return nil, nil
	}
	next.State = StateActive
	next.WorkerID = workerID
	next.HeartbeatAt = now
	next.ProcessedAt = now
	out := *next
	return &out, nil
}

func (s *MemoryStore) Heartbeat(ctx context.Context, queue, id, workerID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.owned(queue, id, workerID)
	if err != nil {
		return err
	}
	j.HeartbeatAt = now
	return nil
}

func (s *MemoryStore) UpdateProgress(ctx context.Context, queue, id string, progress int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.queue(queue).jobs[id]
	if !ok {
		return appErr.Newf(appErr.JobNotFound, "job %s not found", id)
	}
	j.Progress = progress
	return nil
}

func (s *MemoryStore) Complete(ctx context.Context, queue, id, workerID string, result []byte, now time.Time, keep int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.owned(queue, id, workerID)
	if err != nil {
		return err
	}
	j.State = StateCompleted
	j.Result = append([]byte(nil), result...)
	j.Progress = 100
	j.FinishedAt = now
	j.WorkerID = ""
	s.trim(queue, StateCompleted, keep)
	return nil
}

func (s *MemoryStore) Fail(ctx context.Context, queue, id, workerID, reason string, attempts int, retryAt, now time.Time, keep int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.owned(queue, id, workerID)
	if err != nil {
		return err
	}
	j.AttemptsMade = attempts
	j.FailedReason = reason
	j.WorkerID = ""
	if !retryAt.IsZero() {
		j.State = StateDelayed
		j.DelayUntil = retryAt
		return nil
	}
	j.State = StateFailed
	j.FinishedAt = now
	s.trim(queue, StateFailed, keep)
	return nil
}

func (s *MemoryStore) RecoverStalled(ctx context.Context, queue string, deadline time.Time, maxStalled int, now time.Time, keepFailed int) (StalledReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var report StalledReport
	for _, j := range s.queue(queue).jobs {
		if j.State != StateActive || j.HeartbeatAt.After(deadline) {
			continue
		}
		j.StalledCount++
		j.WorkerID = ""
		if j.StalledCount > maxStalled {
			j.State = StateFailed
			j.FailedReason = stalledReason
			j.FinishedAt = now
			report.Failed = append(report.Failed, j.ID)
			continue
		}
		j.State = StateWaiting
		report.Requeued = append(report.Requeued, j.ID)
	}
	if len(report.Failed) > 0 {
		s.trim(queue, StateFailed, keepFailed)
	}
	return report, nil
}

func (s *MemoryStore) Get(ctx context.Context, queue, id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.queue(queue).jobs[id]
	if !ok {
		return nil, appErr.Newf(appErr.JobNotFound, "job %s not found", id)
	}
	out := *j
	return &out, nil
}

func (s *MemoryStore) Counts(ctx context.Context, queue string) (Counts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var c Counts
	for _, j := range s.queue(queue).jobs {
		switch j.State {
		case StateWaiting:
			c.Waiting++
		case StateActive:
			c.Active++
		case StateCompleted:
			c.Completed++
		case StateFailed:
			c.Failed++
		case StateDelayed:
			c.Delayed++
		}
	}
	return c, nil
}

func (s *MemoryStore) Clean(ctx context.Context, queue string, state State, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.queue(queue)
	removed := 0
	for id, j := range q.jobs {
		if j.State == state && j.FinishedAt.Before(olderThan) {
			delete(q.jobs, id)
			removed++
		}
	}
	return removed, nil
}

// owned returns the active job if workerID still holds it. Caller holds mu.
func (s *MemoryStore) owned(queue, id, workerID string) (*Job, error) {
	j, ok := s.queue(queue).jobs[id]
	if !ok {
		return nil, appErr.Newf(appErr.JobNotFound, "job %s not found", id)
	}
	if j.State != StateActive || j.WorkerID != workerID {
		return nil, appErr.Newf(appErr.JobAlreadyTaken, "job %s is no longer held by %s", id, workerID)
	}
	return j, nil
}

// trim keeps the newest keep jobs of state. Caller holds mu.
func (s *MemoryStore) trim(queue string, state State, keep int) {
	if keep <= 0 {
		return
	}
	q := s.queue(queue)
	var jobs []*Job
	for _, j := range q.jobs {
		if j.State == state {
			jobs = append(jobs, j)
		}
	}
	if len(jobs) <= keep {
		return
	}
	sort.Slice(jobs, func(a, b int) bool {
		if jobs[a].FinishedAt.Equal(jobs[b].FinishedAt) {
			return jobs[a].Seq > jobs[b].Seq
		}
		return jobs[a].FinishedAt.After(jobs[b].FinishedAt)
	})
	for _, j := range jobs[keep:] {
		delete(q.jobs, j.ID)
	}
}

var _ JobStore = (*MemoryStore)(nil)
