package service

import (
	"context"
	"sync"
	"testing"

	"ojexec/internal/executor/model"
	"ojexec/internal/executor/ratelimit"
	"ojexec/internal/executor/repository"
	"ojexec/internal/executor/sandbox"
	"ojexec/internal/executor/verdict"
	appErr "ojexec/pkg/errors"
)

type fakeEngine struct {
	langs    *sandbox.LanguageTable
	evaluate func(ctx context.Context, sub model.Submission, progress verdict.ProgressFunc) *model.SubmissionVerdict
}

func newFakeEngine(t *testing.T, fn func(ctx context.Context, sub model.Submission, progress verdict.ProgressFunc) *model.SubmissionVerdict) *fakeEngine {
	t.Helper()
	langs, err := sandbox.NewLanguageTable(nil)
	if err != nil {
		t.Fatalf("language table: %v", err)
	}
	return &fakeEngine{langs: langs, evaluate: fn}
}

func (f *fakeEngine) Evaluate(ctx context.Context, sub model.Submission, progress verdict.ProgressFunc) *model.SubmissionVerdict {
	return f.evaluate(ctx, sub, progress)
}

func (f *fakeEngine) Languages() *sandbox.LanguageTable { return f.langs }

func acceptAll(ctx context.Context, sub model.Submission, progress verdict.ProgressFunc) *model.SubmissionVerdict {
	for i := range sub.TestCases {
		if progress != nil {
			progress(i+1, len(sub.TestCases))
		}
	}
	return &model.SubmissionVerdict{
		SubmissionID:    sub.SubmissionID,
		Language:        sub.Language,
		Verdict:         model.VerdictAccepted,
		TotalTestCases:  len(sub.TestCases),
		PassedTestCases: len(sub.TestCases),
		TestCaseResults: []model.ExecutionResult{},
	}
}

type fakeLimiter struct {
	mu      sync.Mutex
	allowed bool
	calls   []string
	reset   []string
}

func (f *fakeLimiter) Admit(ctx context.Context, userID, action string) ratelimit.Decision {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, userID+":"+action)
	return ratelimit.Decision{Allowed: f.allowed, Limit: 10, Current: 1}
}

func (f *fakeLimiter) Stats(ctx context.Context, userID string) (map[string]ratelimit.ActionStats, error) {
	return map[string]ratelimit.ActionStats{ratelimit.ActionExecute: {Current: 1, Limit: 10, Remaining: 9}}, nil
}

func (f *fakeLimiter) Reset(ctx context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reset = append(f.reset, userID)
	return nil
}

type memoryVerdicts struct {
	mu    sync.Mutex
	items map[string]*model.SubmissionVerdict
}

func newMemoryVerdicts() *memoryVerdicts {
	return &memoryVerdicts{items: make(map[string]*model.SubmissionVerdict)}
}

func (m *memoryVerdicts) Save(ctx context.Context, v *model.SubmissionVerdict) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *v
	m.items[v.SubmissionID] = &cp
	return nil
}

func (m *memoryVerdicts) Get(ctx context.Context, submissionID string) (*model.SubmissionVerdict, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.items[submissionID]
	if !ok {
		return nil, appErr.New(appErr.SubmissionNotFound)
	}
	cp := *v
	return &cp, nil
}

type fakePublisher struct {
	mu     sync.Mutex
	events []repository.VerdictEvent
}

func (f *fakePublisher) PublishFinal(ctx context.Context, event repository.VerdictEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return nil
}

func (f *fakePublisher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

type fakeArchive struct {
	mu      sync.Mutex
	records []repository.ArchiveRecord
}

func (f *fakeArchive) Save(ctx context.Context, record repository.ArchiveRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, record)
	return nil
}

func (f *fakeArchive) GetBySubmission(ctx context.Context, submissionID string) (*model.SubmissionVerdict, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.records) - 1; i >= 0; i-- {
		if f.records[i].Verdict.SubmissionID == submissionID {
			return f.records[i].Verdict, nil
		}
	}
	return nil, appErr.New(appErr.SubmissionNotFound)
}

type fakePinger struct{ err error }

func (f fakePinger) Ping(ctx context.Context) error { return f.err }

func (f *fakeArchive) snapshot() []repository.ArchiveRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]repository.ArchiveRecord(nil), f.records...)
}

func archivedRecord(v *model.SubmissionVerdict) repository.ArchiveRecord {
	return repository.ArchiveRecord{JobID: "job-" + v.SubmissionID, Queue: "execution", Verdict: v}
}
