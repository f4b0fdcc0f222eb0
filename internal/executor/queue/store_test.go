package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"ojexec/internal/common/cache"
	appErr "ojexec/pkg/errors"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type storeFactory struct {
	name string
	new  func(t *testing.T) JobStore
}

func storeFactories() []storeFactory {
	return []storeFactory{
		{name: "memory", new: func(t *testing.T) JobStore { return NewMemoryStore() }},
		{name: "redis", new: func(t *testing.T) JobStore { return newRedisStore(t) }},
	}
}

func newRedisStore(t *testing.T) *RedisStore {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	c, err := cache.NewRedisCacheWithClient(client)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	return NewRedisStore(c, "")
}

func addJob(t *testing.T, s JobStore, id string, priority int, attempts int) {
	t.Helper()
	job := &Job{
		ID:          id,
		Queue:       "q",
		Name:        "execute",
		Data:        json.RawMessage(`{"id":"` + id + `"}`),
		Priority:    priority,
		MaxAttempts: attempts,
		CreatedAt:   time.Now(),
	}
	if err := s.Add(context.Background(), job); err != nil {
		t.Fatalf("add %s: %v", id, err)
	}
}

func claim(t *testing.T, s JobStore, worker string, now time.Time) *Job {
	t.Helper()
	job, err := s.Claim(context.Background(), "q", worker, now)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	return job
}

func TestStoreClaimOrder(t *testing.T) {
	for _, f := range storeFactories() {
		f := f
		t.Run(f.name, func(t *testing.T) {
			t.Parallel()
			s := f.new(t)
			addJob(t, s, "j1", 0, 1)
			addJob(t, s, "j2", 10, 1)
			addJob(t, s, "j3", 0, 1)
			addJob(t, s, "j4", 10, 1)

			now := time.Now()
			var order []string
			for i := 0; i < 4; i++ {
				job := claim(t, s, "w", now)
				if job == nil {
					t.Fatalf("expected job %d", i+1)
				}
				if job.State != StateActive {
					t.Fatalf("expected active, got %s", job.State)
				}
				order = append(order, job.ID)
			}
			if got := strings.Join(order, ","); got != "j2,j4,j1,j3" {
				t.Fatalf("expected j2,j4,j1,j3, got %s", got)
			}
			if job := claim(t, s, "w", now); job != nil {
				t.Fatalf("expected empty queue, got %s", job.ID)
			}
		})
	}
}

func TestStoreRejectsDuplicateID(t *testing.T) {
	for _, f := range storeFactories() {
		f := f
		t.Run(f.name, func(t *testing.T) {
			t.Parallel()
			s := f.new(t)
			addJob(t, s, "j1", 0, 1)
			err := s.Add(context.Background(), &Job{ID: "j1", Queue: "q"})
			if err == nil {
				t.Fatalf("expected duplicate error")
			}
		})
	}
}

func TestStoreCompleteAndOwnership(t *testing.T) {
	for _, f := range storeFactories() {
		f := f
		t.Run(f.name, func(t *testing.T) {
			t.Parallel()
			s := f.new(t)
			ctx := context.Background()
			addJob(t, s, "j1", 0, 1)
			now := time.Now()
			job := claim(t, s, "w1", now)

			if err := s.Heartbeat(ctx, "q", job.ID, "w2", now); !appErr.Is(err, appErr.JobAlreadyTaken) {
				t.Fatalf("expected JobAlreadyTaken for foreign worker, got %v", err)
			}
			if err := s.Heartbeat(ctx, "q", job.ID, "w1", now); err != nil {
				t.Fatalf("heartbeat: %v", err)
			}
			if err := s.UpdateProgress(ctx, "q", job.ID, 40); err != nil {
				t.Fatalf("progress: %v", err)
			}
			if err := s.Complete(ctx, "q", job.ID, "w1", []byte(`{"verdict":"Accepted"}`), now, 0); err != nil {
				t.Fatalf("complete: %v", err)
			}
			if err := s.Complete(ctx, "q", job.ID, "w1", nil, now, 0); !appErr.Is(err, appErr.JobAlreadyTaken) {
				t.Fatalf("expected second completion rejected, got %v", err)
			}

			got, err := s.Get(ctx, "q", job.ID)
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if got.State != StateCompleted || got.Progress != 100 || string(got.Result) != `{"verdict":"Accepted"}` {
				t.Fatalf("unexpected job: %+v", got)
			}
			if _, err := s.Get(ctx, "q", "missing"); !appErr.Is(err, appErr.JobNotFound) {
				t.Fatalf("expected JobNotFound, got %v", err)
			}
		})
	}
}

func TestStoreFailRetryThenFinal(t *testing.T) {
	for _, f := range storeFactories() {
		f := f
		t.Run(f.name, func(t *testing.T) {
			t.Parallel()
			s := f.new(t)
			ctx := context.Background()
			addJob(t, s, "j1", 0, 2)
			now := time.Now()

			job := claim(t, s, "w", now)
			retryAt := now.Add(2 * time.Second)
			if err := s.Fail(ctx, "q", job.ID, "w", "boom", 1, retryAt, now, 0); err != nil {
				t.Fatalf("fail: %v", err)
			}
			if job := claim(t, s, "w", now.Add(time.Second)); job != nil {
				t.Fatalf("expected delayed job not claimable before retry time")
			}
			counts, _ := s.Counts(ctx, "q")
			if counts.Delayed != 1 {
				t.Fatalf("expected 1 delayed, got %+v", counts)
			}

			job = claim(t, s, "w", retryAt.Add(time.Millisecond))
			if job == nil || job.AttemptsMade != 1 {
				t.Fatalf("expected retried job with 1 attempt, got %+v", job)
			}
			if err := s.Fail(ctx, "q", job.ID, "w", "boom again", 2, time.Time{}, now, 0); err != nil {
				t.Fatalf("fail: %v", err)
			}
			got, _ := s.Get(ctx, "q", "j1")
			if got.State != StateFailed || got.FailedReason != "boom again" || got.AttemptsMade != 2 {
				t.Fatalf("unexpected failed job: %+v", got)
			}
		})
	}
}

func TestStoreRecoverStalled(t *testing.T) {
	for _, f := range storeFactories() {
		f := f
		t.Run(f.name, func(t *testing.T) {
			t.Parallel()
			s := f.new(t)
			ctx := context.Background()
			addJob(t, s, "j1", 0, 1)
			addJob(t, s, "j2", 0, 1)
			start := time.Now()

			claim(t, s, "w1", start)
			claim(t, s, "w2", start.Add(time.Minute))

			// only j1 missed its heartbeat
			report, err := s.RecoverStalled(ctx, "q", start.Add(30*time.Second), 1, start.Add(time.Minute), 0)
			if err != nil {
				t.Fatalf("recover: %v", err)
			}
			if len(report.Requeued) != 1 || report.Requeued[0] != "j1" || len(report.Failed) != 0 {
				t.Fatalf("unexpected report: %+v", report)
			}
			if err := s.Heartbeat(ctx, "q", "j1", "w1", start); !appErr.Is(err, appErr.JobAlreadyTaken) {
				t.Fatalf("expected old worker to lose the job, got %v", err)
			}

			again := claim(t, s, "w3", start.Add(time.Minute))
			if again == nil || again.ID != "j1" || again.StalledCount != 1 {
				t.Fatalf("expected j1 reclaimed with stalled count 1, got %+v", again)
			}

			report, err = s.RecoverStalled(ctx, "q", start.Add(2*time.Minute), 1, start.Add(3*time.Minute), 0)
			if err != nil {
				t.Fatalf("recover: %v", err)
			}
			if len(report.Failed) != 1 || report.Failed[0] != "j1" {
				t.Fatalf("expected j1 failed on second stall, got %+v", report)
			}
			if len(report.Requeued) != 1 || report.Requeued[0] != "j2" {
				t.Fatalf("expected j2 requeued on first stall, got %+v", report)
			}
			j1, _ := s.Get(ctx, "q", "j1")
			if j1.State != StateFailed || j1.FailedReason != stalledReason {
				t.Fatalf("unexpected stalled job: %+v", j1)
			}
			j2, _ := s.Get(ctx, "q", "j2")
			if j2.State != StateWaiting {
				t.Fatalf("expected j2 waiting, got %s", j2.State)
			}
		})
	}
}

func TestStoreRetentionAndClean(t *testing.T) {
	for _, f := range storeFactories() {
		f := f
		t.Run(f.name, func(t *testing.T) {
			t.Parallel()
			s := f.new(t)
			ctx := context.Background()
			base := time.Now()
			for i := 0; i < 4; i++ {
				id := "c" + string(rune('0'+i))
				addJob(t, s, id, 0, 1)
				job := claim(t, s, "w", base)
				if err := s.Complete(ctx, "q", job.ID, "w", nil, base.Add(time.Duration(i)*time.Second), 2); err != nil {
					t.Fatalf("complete: %v", err)
				}
			}
			counts, _ := s.Counts(ctx, "q")
			if counts.Completed != 2 {
				t.Fatalf("expected 2 retained, got %d", counts.Completed)
			}
			if _, err := s.Get(ctx, "q", "c0"); !appErr.Is(err, appErr.JobNotFound) {
				t.Fatalf("expected oldest trimmed, got %v", err)
			}

			removed, err := s.Clean(ctx, "q", StateCompleted, base.Add(2500*time.Millisecond))
			if err != nil {
				t.Fatalf("clean: %v", err)
			}
			if removed != 1 {
				t.Fatalf("expected 1 removed, got %d", removed)
			}
			if _, err := s.Get(ctx, "q", "c3"); err != nil {
				t.Fatalf("expected newest kept: %v", err)
			}
		})
	}
}

func TestRedisStoreCompressesLargePayloads(t *testing.T) {
	s := newRedisStore(t)
	ctx := context.Background()
	code := strings.Repeat("print('hello world')\n", 500)
	data, _ := json.Marshal(map[string]string{"code": code})
	if err := s.Add(ctx, &Job{ID: "big", Queue: "q", Data: data, MaxAttempts: 1, CreatedAt: time.Now()}); err != nil {
		t.Fatalf("add: %v", err)
	}

	fields, err := s.cache.HGetAll(ctx, s.jobPrefix("q")+"big")
	if err != nil {
		t.Fatalf("hgetall: %v", err)
	}
	raw := fields["data"]
	if raw == "" {
		t.Fatalf("expected data field, got %v", fields)
	}
	if raw[0] != blobZstd || len(raw) >= len(data) {
		t.Fatalf("expected compressed payload, got %d bytes for %d", len(raw), len(data))
	}
	job, err := s.Get(ctx, "q", "big")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !bytes.Equal(job.Data, data) {
		t.Fatalf("payload changed after round trip")
	}
}
