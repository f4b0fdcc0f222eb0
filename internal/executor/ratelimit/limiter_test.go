package ratelimit

import (
	"context"
	"testing"
	"time"

	"ojexec/internal/common/cache"
	appErr "ojexec/pkg/errors"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func newTestLimiter(t *testing.T, cfg Config) (*Limiter, *miniredis.Miniredis, *fakeClock) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	store, err := cache.NewRedisCacheWithClient(client)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	clock := &fakeClock{now: time.UnixMilli(1_700_000_000_000)}
	limiter := NewLimiter(store, cfg)
	limiter.now = clock.Now
	return limiter, mr, clock
}

func TestAdmitRejectsOverLimit(t *testing.T) {
	limiter, mr, clock := newTestLimiter(t, Config{})
	ctx := context.Background()

	for i := 1; i <= 10; i++ {
		d := limiter.Admit(ctx, "u1", ActionExecute)
		if !d.Allowed || d.Current != i {
			t.Fatalf("request %d: expected allowed with current %d, got %+v", i, i, d)
		}
		clock.now = clock.now.Add(time.Second)
	}

	d := limiter.Admit(ctx, "u1", ActionExecute)
	if d.Allowed {
		t.Fatalf("expected 11th request rejected")
	}
	if d.Limit != 10 || d.Current != 10 {
		t.Fatalf("unexpected decision: %+v", d)
	}
	// oldest entry was at t0, now is t0+10s, so the window frees up in 50s
	if d.RetryAfter != 50 {
		t.Fatalf("expected retry after 50s, got %d", d.RetryAfter)
	}
	if members, _ := mr.ZMembers(Key(ActionExecute, "u1")); len(members) != 10 {
		t.Fatalf("expected rejected request not recorded, got %d entries", len(members))
	}
	if ttl := mr.TTL(Key(ActionExecute, "u1")); ttl <= 0 || ttl > time.Minute {
		t.Fatalf("expected key ttl within the window, got %s", ttl)
	}
}

func TestAdmitSlidesWindow(t *testing.T) {
	limiter, _, clock := newTestLimiter(t, Config{})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if d := limiter.Admit(ctx, "u1", ActionBatch); !d.Allowed {
			t.Fatalf("expected batch %d allowed", i+1)
		}
	}
	if d := limiter.Admit(ctx, "u1", ActionBatch); d.Allowed {
		t.Fatalf("expected third batch rejected")
	}

	clock.now = clock.now.Add(5*time.Minute + time.Millisecond)
	d := limiter.Admit(ctx, "u1", ActionBatch)
	if !d.Allowed || d.Current != 1 {
		t.Fatalf("expected admission after the window, got %+v", d)
	}
}

func TestAdmitSeparatesUsersAndActions(t *testing.T) {
	limiter, _, _ := newTestLimiter(t, Config{Policies: map[string]Policy{
		ActionExecute: {Limit: 1, Window: time.Minute},
	}})
	ctx := context.Background()

	if !limiter.Admit(ctx, "u1", ActionExecute).Allowed {
		t.Fatalf("expected u1 allowed")
	}
	if limiter.Admit(ctx, "u1", ActionExecute).Allowed {
		t.Fatalf("expected u1 limited")
	}
	if !limiter.Admit(ctx, "u2", ActionExecute).Allowed {
		t.Fatalf("expected u2 unaffected")
	}
	if !limiter.Admit(ctx, "u1", ActionPriority).Allowed {
		t.Fatalf("expected priority budget separate")
	}
}

func TestUnknownActionUsesExecutePolicy(t *testing.T) {
	limiter, _, _ := newTestLimiter(t, Config{})
	p := limiter.PolicyFor("export")
	if p.Limit != 10 || p.Window != time.Minute {
		t.Fatalf("expected execute policy, got %+v", p)
	}
	d := limiter.Admit(context.Background(), "u1", "export")
	if !d.Allowed || d.Limit != 10 {
		t.Fatalf("unexpected decision: %+v", d)
	}
}

func TestAdmitFailsOpen(t *testing.T) {
	limiter, mr, _ := newTestLimiter(t, Config{RedisTimeout: 200 * time.Millisecond})
	mr.Close()

	for i := 0; i < 20; i++ {
		d := limiter.Admit(context.Background(), "u1", ActionExecute)
		if !d.Allowed || d.Current != 0 {
			t.Fatalf("expected fail-open decision, got %+v", d)
		}
	}
}

func TestParseDecision(t *testing.T) {
	policy := Policy{Limit: 2, Window: time.Minute}
	now := time.UnixMilli(1_700_000_000_000)

	d, err := parseDecision([]interface{}{int64(0), int64(2), now.Add(1500 * time.Millisecond).UnixMilli()}, policy, now)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if d.Allowed || d.Current != 2 || d.Limit != 2 || d.RetryAfter != 2 {
		t.Fatalf("unexpected decision %+v", d)
	}

	bad := []struct {
		name string
		raw  interface{}
	}{
		{"not a list", "OK"},
		{"short list", []interface{}{int64(1), int64(1)}},
		{"non integer element", []interface{}{int64(1), "1", int64(0)}},
	}
	for _, tc := range bad {
		if _, err := parseDecision(tc.raw, policy, now); !appErr.Is(err, appErr.RateLimitStoreFailed) {
			t.Fatalf("%s: expected RateLimitStoreFailed, got %v", tc.name, err)
		}
	}
}

func TestStatsAndReset(t *testing.T) {
	limiter, _, _ := newTestLimiter(t, Config{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		limiter.Admit(ctx, "u1", ActionExecute)
	}
	limiter.Admit(ctx, "u1", ActionPriority)

	stats, err := limiter.Stats(ctx, "u1")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if got := stats[ActionExecute]; got.Current != 3 || got.Remaining != 7 || got.Limit != 10 {
		t.Fatalf("unexpected execute stats: %+v", got)
	}
	if got := stats[ActionPriority]; got.Current != 1 || got.Remaining != 4 {
		t.Fatalf("unexpected priority stats: %+v", got)
	}
	if got := stats[ActionBatch]; got.Current != 0 || got.Remaining != 2 {
		t.Fatalf("unexpected batch stats: %+v", got)
	}

	if err := limiter.Reset(ctx, "u1"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	stats, err = limiter.Stats(ctx, "u1")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats[ActionExecute].Current != 0 {
		t.Fatalf("expected cleared window, got %+v", stats[ActionExecute])
	}
}
