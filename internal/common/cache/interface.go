package cache

import (
	"context"
	"time"
)

// Cache is the subset of Redis used by the job store, the rate limiter and
// the verdict cache. Multi-key state transitions go through RunScript so
// they stay atomic.
type Cache interface {
	BasicOps
	HashOps
	ZSetOps
	ScriptOps
	PipelineOps

	Ping(ctx context.Context) error
	Close() error
}

// BasicOps defines plain key operations.
type BasicOps interface {
	// Get returns ErrNil when the key is absent.
	Get(ctx context.Context, key string) (string, error)

	// Set stores value; ttl 0 means no expiry.
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error

	Del(ctx context.Context, keys ...string) error

	// Exists returns how many of keys exist.
	Exists(ctx context.Context, keys ...string) (int64, error)

	Incr(ctx context.Context, key string) (int64, error)
}

// HashOps defines the hash operations used for job records.
type HashOps interface {
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HMSet(ctx context.Context, key string, fields map[string]interface{}) error
}

// ZSetOps defines the sorted set operations used for state indexes and
// sliding windows.
type ZSetOps interface {
	ZCard(ctx context.Context, key string) (int64, error)

	// ZRangeByScore returns members with min <= score <= max, at most limit (0 = all).
	ZRangeByScore(ctx context.Context, key string, min, max float64, limit int64) ([]string, error)
	ZRemRangeByScore(ctx context.Context, key string, min, max float64) (int64, error)
}

// ScriptOps runs Lua scripts server side.
type ScriptOps interface {
	// RunScript evaluates script, loading it on first use.
	RunScript(ctx context.Context, script *Script, keys []string, args ...interface{}) (interface{}, error)
}

// PipelineOps batches writes into one MULTI/EXEC round trip.
type PipelineOps interface {
	Pipeline(ctx context.Context, fn func(pipe Pipeliner) error) error
}

// Pipeliner queues writes inside Pipeline.
type Pipeliner interface {
	Del(keys ...string) error
	ZRem(key string, members ...string) error
}
