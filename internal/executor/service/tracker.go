package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"ojexec/pkg/utils/logger"

	"go.uber.org/zap"
)

// Submissions without progress for longer than this are considered lost.
const (
	DefaultTrackerMaxAge        = 10 * time.Minute
	DefaultTrackerSweepInterval = 5 * time.Minute
)

// TrackedSubmission is one in-flight submission.
type TrackedSubmission struct {
	SubmissionID string    `json:"submission_id"`
	JobID        string    `json:"job_id"`
	Queue        string    `json:"queue"`
	UserID         string    `json:"user_id,omitempty"`
	StartTime      time.Time `json:"start_time"`
	LastProgress   int       `json:"last_progress"`
	LastProgressAt time.Time `json:"last_progress_at"`
}

// ExpireFunc settles a stale entry. Returning false keeps the entry tracked
// and restarts its clock, for jobs that are still waiting or running.
type ExpireFunc func(ctx context.Context, entry TrackedSubmission, now time.Time) bool

// Tracker maps submissions to the jobs processing them and evicts entries
// that never finish.
type Tracker struct {
	mu       sync.Mutex
	entries  map[string]*TrackedSubmission
	maxAge   time.Duration
	interval time.Duration
	onExpire ExpireFunc
	now      func() time.Time
}

// NewTracker creates a tracker; zero durations use the defaults.
func NewTracker(maxAge, interval time.Duration, onExpire ExpireFunc) *Tracker {
	if maxAge <= 0 {
		maxAge = DefaultTrackerMaxAge
	}
	if interval <= 0 {
		interval = DefaultTrackerSweepInterval
	}
	return &Tracker{
		entries:  make(map[string]*TrackedSubmission),
		maxAge:   maxAge,
		interval: interval,
		onExpire: onExpire,
		now:      time.Now,
	}
}

// Track starts tracking a submission, replacing an older entry for the same id.
func (t *Tracker) Track(submissionID, jobID, queueName, userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	t.entries[submissionID] = &TrackedSubmission{
		SubmissionID:   submissionID,
		JobID:          jobID,
		Queue:          queueName,
		UserID:         userID,
		StartTime:      now,
		LastProgressAt: now,
	}
}

// Progress records the last reported progress and refreshes the entry's clock.
func (t *Tracker) Progress(submissionID string, percent int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[submissionID]; ok {
		e.LastProgress = percent
		e.LastProgressAt = t.now()
	}
}

// Done stops tracking a submission.
func (t *Tracker) Done(submissionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, submissionID)
}

// Len returns the number of tracked submissions.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Snapshot returns the tracked submissions ordered by start time.
func (t *Tracker) Snapshot() []TrackedSubmission {
	t.mu.Lock()
	out := make([]TrackedSubmission, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, *e)
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out
}

// Sweep hands every entry without progress for maxAge to the expire callback
// and evicts the ones it settles. It returns the evicted entries.
func (t *Tracker) Sweep(ctx context.Context) []TrackedSubmission {
	now := t.now()
	cutoff := now.Add(-t.maxAge)
	var stale []TrackedSubmission
	t.mu.Lock()
	for _, e := range t.entries {
		if e.LastProgressAt.Before(cutoff) {
			stale = append(stale, *e)
		}
	}
	t.mu.Unlock()

	var expired []TrackedSubmission
	for _, e := range stale {
		settled := t.onExpire == nil || t.onExpire(ctx, e, now)

		t.mu.Lock()
		cur, ok := t.entries[e.SubmissionID]
		// skip entries replaced or refreshed while the callback ran
		if !ok || cur.JobID != e.JobID || cur.LastProgressAt.After(e.LastProgressAt) {
			t.mu.Unlock()
			continue
		}
		if !settled {
			cur.LastProgressAt = now
			t.mu.Unlock()
			continue
		}
		delete(t.entries, e.SubmissionID)
		t.mu.Unlock()

		logger.Warn(ctx, "submission expired without a verdict",
			zap.String("submission_id", e.SubmissionID),
			zap.String("job_id", e.JobID),
			zap.String("queue", e.Queue),
			zap.Int("last_progress", e.LastProgress),
			zap.Time("last_progress_at", e.LastProgressAt),
		)
		expired = append(expired, e)
	}
	return expired
}

// Run sweeps on every interval until ctx is done.
func (t *Tracker) Run(ctx context.Context) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Sweep(ctx)
		}
	}
}
