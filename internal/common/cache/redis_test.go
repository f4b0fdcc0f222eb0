package cache

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestCache(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c, err := NewRedisCacheWithClient(client)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	t.Cleanup(func() {
		_ = c.Close()
	})
	return c, mr
}

func TestRedisCacheBasicAndHash(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	if _, err := c.Get(ctx, "missing"); !errors.Is(err, ErrNil) {
		t.Fatalf("expected ErrNil, got %v", err)
	}
	if err := c.Set(ctx, "verdict:s1", "payload", time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	if got, _ := c.Get(ctx, "verdict:s1"); got != "payload" {
		t.Fatalf("expected payload, got %q", got)
	}
	if ttl := mr.TTL("verdict:s1"); ttl != time.Minute {
		t.Fatalf("expected ttl 1m, got %v", ttl)
	}

	if err := c.HMSet(ctx, "job:1", map[string]interface{}{"state": "waiting", "progress": 0}); err != nil {
		t.Fatalf("hmset: %v", err)
	}
	fields, err := c.HGetAll(ctx, "job:1")
	if err != nil || fields["state"] != "waiting" || fields["progress"] != "0" {
		t.Fatalf("unexpected hash %v err=%v", fields, err)
	}
	if n, _ := c.Exists(ctx, "job:1", "verdict:s1", "nope"); n != 2 {
		t.Fatalf("expected 2 existing keys, got %d", n)
	}
}

func TestRedisCacheSortedSets(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	for member, score := range map[string]float64{"a": 1, "b": 2, "c": 3} {
		if _, err := mr.ZAdd("q:wait", score, member); err != nil {
			t.Fatalf("seed zset: %v", err)
		}
	}
	if n, err := c.ZCard(ctx, "q:wait"); err != nil || n != 3 {
		t.Fatalf("expected 3 members, got %d err=%v", n, err)
	}
	members, err := c.ZRangeByScore(ctx, "q:wait", math.Inf(-1), 2, 0)
	if err != nil || len(members) != 2 || members[0] != "a" {
		t.Fatalf("unexpected range %v err=%v", members, err)
	}
	limited, _ := c.ZRangeByScore(ctx, "q:wait", math.Inf(-1), math.Inf(1), 1)
	if len(limited) != 1 {
		t.Fatalf("expected limit to apply, got %v", limited)
	}
	removed, err := c.ZRemRangeByScore(ctx, "q:wait", 0, 1)
	if err != nil || removed != 1 {
		t.Fatalf("expected 1 removed, got %d err=%v", removed, err)
	}
	left, _ := mr.ZMembers("q:wait")
	if len(left) != 2 || left[1] != "c" {
		t.Fatalf("unexpected remaining members %v", left)
	}
}

func TestRedisCacheScriptAndPipeline(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	script := NewScript(`redis.call("SET", KEYS[1], ARGV[1]); return redis.call("INCR", KEYS[2])`)
	res, err := c.RunScript(ctx, script, []string{"k", "counter"}, "v")
	if err != nil || res.(int64) != 1 {
		t.Fatalf("unexpected script result %v err=%v", res, err)
	}
	if _, err := c.RunScript(ctx, nil, nil); err == nil {
		t.Fatalf("expected error for nil script")
	}

	if _, err := mr.ZAdd("q:done", 1, "j1"); err != nil {
		t.Fatalf("seed zset: %v", err)
	}
	_, _ = mr.ZAdd("q:done", 2, "j2")
	err = c.Pipeline(ctx, func(pipe Pipeliner) error {
		if err := pipe.ZRem("q:done", "j1"); err != nil {
			return err
		}
		return pipe.Del("k")
	})
	if err != nil {
		t.Fatalf("pipeline: %v", err)
	}
	if n, _ := c.Exists(ctx, "k", "counter"); n != 1 {
		t.Fatalf("expected k deleted, got %d keys", n)
	}
	if left, _ := mr.ZMembers("q:done"); len(left) != 1 || left[0] != "j2" {
		t.Fatalf("expected j1 removed, got %v", left)
	}
}

func TestJitterTTL(t *testing.T) {
	ttl := time.Hour
	for i := 0; i < 20; i++ {
		got := JitterTTL(ttl)
		if got > ttl || got < ttl-ttl/10 {
			t.Fatalf("jittered ttl %v out of range", got)
		}
	}
	if JitterTTL(0) != 0 {
		t.Fatalf("expected zero ttl to stay zero")
	}
}
