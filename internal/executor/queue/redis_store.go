package queue

import (
	"context"
	"errors"
	"math"
	"strconv"
	"time"

	"ojexec/internal/common/cache"
	appErr "ojexec/pkg/errors"
)

const defaultKeyPrefix = "ojexec:q:"

const luaTrim = `
local function trim(set, keep, prefix)
  if keep <= 0 then return end
  local old = redis.call('ZRANGE', set, 0, -(keep + 1))
  for _, id in ipairs(old) do
    redis.call('DEL', prefix .. id)
  end
  if #old > 0 then redis.call('ZREM', set, unpack(old)) end
end
`

// KEYS: waiting, job. ARGV: rank, id, field/value pairs...
var addScript = cache.NewScript(`
if redis.call('EXISTS', KEYS[2]) == 1 then return 0 end
redis.call('HSET', KEYS[2], unpack(ARGV, 3))
redis.call('ZADD', KEYS[1], ARGV[1], ARGV[2])
return 1
`)

// KEYS: waiting, active, delayed. ARGV: now, worker, job prefix.
var claimScript = cache.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[3], '-inf', ARGV[1])
for _, id in ipairs(due) do
  redis.call('ZREM', KEYS[3], id)
  redis.call('ZADD', KEYS[1], redis.call('HGET', ARGV[3] .. id, 'rank'), id)
  redis.call('HSET', ARGV[3] .. id, 'state', 'waiting')
end
local ids = redis.call('ZRANGE', KEYS[1], 0, 0)
if #ids == 0 then return false end
local id = ids[1]
local key = ARGV[3] .. id
redis.call('ZREM', KEYS[1], id)
redis.call('ZADD', KEYS[2], ARGV[1], id)
redis.call('HSET', key, 'state', 'active', 'worker', ARGV[2], 'heartbeat_at', ARGV[1], 'processed_at', ARGV[1])
return id
`)

// KEYS: active, job. ARGV: worker, now, id.
var heartbeatScript = cache.NewScript(`
if redis.call('EXISTS', KEYS[2]) == 0 then return -1 end
if redis.call('HGET', KEYS[2], 'state') ~= 'active' or redis.call('HGET', KEYS[2], 'worker') ~= ARGV[1] then return 0 end
redis.call('ZADD', KEYS[1], ARGV[2], ARGV[3])
redis.call('HSET', KEYS[2], 'heartbeat_at', ARGV[2])
return 1
`)

// KEYS: active, completed, job. ARGV: worker, now, result, keep, job prefix, id.
var completeScript = cache.NewScript(luaTrim + `
if redis.call('EXISTS', KEYS[3]) == 0 then return -1 end
if redis.call('HGET', KEYS[3], 'state') ~= 'active' or redis.call('HGET', KEYS[3], 'worker') ~= ARGV[1] then return 0 end
redis.call('ZREM', KEYS[1], ARGV[6])
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[6])
redis.call('HSET', KEYS[3], 'state', 'completed', 'result', ARGV[3], 'progress', '100', 'finished_at', ARGV[2], 'worker', '')
trim(KEYS[2], tonumber(ARGV[4]), ARGV[5])
return 1
`)

// KEYS: active, delayed, failed, job. ARGV: worker, now, reason, attempts, retryAt (0 = final), keep, job prefix, id.
var failScript = cache.NewScript(luaTrim + `
if redis.call('EXISTS', KEYS[4]) == 0 then return -1 end
if redis.call('HGET', KEYS[4], 'state') ~= 'active' or redis.call('HGET', KEYS[4], 'worker') ~= ARGV[1] then return 0 end
redis.call('ZREM', KEYS[1], ARGV[8])
redis.call('HSET', KEYS[4], 'failed_reason', ARGV[3], 'attempts', ARGV[4], 'worker', '')
if tonumber(ARGV[5]) > 0 then
  redis.call('ZADD', KEYS[2], ARGV[5], ARGV[8])
  redis.call('HSET', KEYS[4], 'state', 'delayed', 'delay_until', ARGV[5])
  return 1
end
redis.call('ZADD', KEYS[3], ARGV[2], ARGV[8])
redis.call('HSET', KEYS[4], 'state', 'failed', 'finished_at', ARGV[2])
trim(KEYS[3], tonumber(ARGV[6]), ARGV[7])
return 1
`)

// KEYS: active, waiting, failed. ARGV: deadline, maxStalled, now, keep, job prefix, reason.
var stalledScript = cache.NewScript(luaTrim + `
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
local requeued, failed = {}, {}
for _, id in ipairs(ids) do
  local key = ARGV[5] .. id
  redis.call('ZREM', KEYS[1], id)
  local stalled = redis.call('HINCRBY', key, 'stalled', 1)
  if stalled > tonumber(ARGV[2]) then
    redis.call('ZADD', KEYS[3], ARGV[3], id)
    redis.call('HSET', key, 'state', 'failed', 'failed_reason', ARGV[6], 'finished_at', ARGV[3], 'worker', '')
    table.insert(failed, id)
  else
    redis.call('ZADD', KEYS[2], redis.call('HGET', key, 'rank'), id)
    redis.call('HSET', key, 'state', 'waiting', 'worker', '')
    table.insert(requeued, id)
  end
end
if #failed > 0 then trim(KEYS[3], tonumber(ARGV[4]), ARGV[5]) end
return {requeued, failed}
`)

// RedisStore keeps each job in a hash and each state in a sorted set.
type RedisStore struct {
	cache  cache.Cache
	prefix string
}

// NewRedisStore creates a store; prefix defaults to "ojexec:q:".
func NewRedisStore(c cache.Cache, prefix string) *RedisStore {
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &RedisStore{cache: c, prefix: prefix}
}

func (s *RedisStore) key(queue, part string) string {
	return s.prefix + queue + ":" + part
}

func (s *RedisStore) jobPrefix(queue string) string {
	return s.prefix + queue + ":job:"
}

func (s *RedisStore) Add(ctx context.Context, job *Job) error {
	seq, err := s.cache.Incr(ctx, s.key(job.Queue, "seq"))
	if err != nil {
		return appErr.Wrapf(err, appErr.JobStoreError, "allocate job sequence failed")
	}
	job.Seq = seq
	job.State = StateWaiting
	r := formatFloat(rank(job.Priority, seq))

	args := []interface{}{r, job.ID,
		"name", job.Name,
		"data", encodeBlob(job.Data),
		"priority", job.Priority,
		"seq", seq,
		"rank", r,
		"state", string(StateWaiting),
		"attempts", job.AttemptsMade,
		"max_attempts", job.MaxAttempts,
		"stalled", 0,
		"progress", 0,
		"created_at", job.CreatedAt.UnixMilli(),
	}
	res, err := s.cache.RunScript(ctx, addScript,
		[]string{s.key(job.Queue, "waiting"), s.jobPrefix(job.Queue) + job.ID}, args...)
	if err != nil {
		return appErr.Wrapf(err, appErr.JobStoreError, "add job failed")
	}
	if n, _ := res.(int64); n == 0 {
		return appErr.Newf(appErr.InvalidParams, "job %s already exists", job.ID)
	}
	return nil
}

func (s *RedisStore) Claim(ctx context.Context, queue, workerID string, now time.Time) (*Job, error) {
	res, err := s.cache.RunScript(ctx, claimScript,
		[]string{s.key(queue, "waiting"), s.key(queue, "active"), s.key(queue, "delayed")},
		now.UnixMilli(), workerID, s.jobPrefix(queue))
	if errors.Is(err, cache.ErrNil) {
		return nil, nil
	}
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.JobStoreError, "claim job failed")
	}
	id, ok := res.(string)
	if !ok {
		return nil, nil
	}
	return s.Get(ctx, queue, id)
}

func (s *RedisStore) Heartbeat(ctx context.Context, queue, id, workerID string, now time.Time) error {
	res, err := s.cache.RunScript(ctx, heartbeatScript,
		[]string{s.key(queue, "active"), s.jobPrefix(queue) + id},
		workerID, now.UnixMilli(), id)
	if err != nil {
		return appErr.Wrapf(err, appErr.JobStoreError, "heartbeat failed")
	}
	return ownershipError(res, id, workerID)
}

func (s *RedisStore) UpdateProgress(ctx context.Context, queue, id string, progress int) error {
	key := s.jobPrefix(queue) + id
	n, err := s.cache.Exists(ctx, key)
	if err != nil {
		return appErr.Wrapf(err, appErr.JobStoreError, "update progress failed")
	}
	if n == 0 {
		return appErr.Newf(appErr.JobNotFound, "job %s not found", id)
	}
	if err := s.cache.HMSet(ctx, key, map[string]interface{}{"progress": progress}); err != nil {
		return appErr.Wrapf(err, appErr.JobStoreError, "update progress failed")
	}
	return nil
}

func (s *RedisStore) Complete(ctx context.Context, queue, id, workerID string, result []byte, now time.Time, keep int) error {
	res, err := s.cache.RunScript(ctx, completeScript,
		[]string{s.key(queue, "active"), s.key(queue, "completed"), s.jobPrefix(queue) + id},
		workerID, now.UnixMilli(), encodeBlob(result), keep, s.jobPrefix(queue), id)
	if err != nil {
		return appErr.Wrapf(err, appErr.JobStoreError, "complete job failed")
	}
	return ownershipError(res, id, workerID)
}

func (s *RedisStore) Fail(ctx context.Context, queue, id, workerID, reason string, attempts int, retryAt, now time.Time, keep int) error {
	var retryMs int64
	if !retryAt.IsZero() {
		retryMs = retryAt.UnixMilli()
	}
	res, err := s.cache.RunScript(ctx, failScript,
		[]string{s.key(queue, "active"), s.key(queue, "delayed"), s.key(queue, "failed"), s.jobPrefix(queue) + id},
		workerID, now.UnixMilli(), reason, attempts, retryMs, keep, s.jobPrefix(queue), id)
	if err != nil {
		return appErr.Wrapf(err, appErr.JobStoreError, "fail job failed")
	}
	return ownershipError(res, id, workerID)
}

func (s *RedisStore) RecoverStalled(ctx context.Context, queue string, deadline time.Time, maxStalled int, now time.Time, keepFailed int) (StalledReport, error) {
	res, err := s.cache.RunScript(ctx, stalledScript,
		[]string{s.key(queue, "active"), s.key(queue, "waiting"), s.key(queue, "failed")},
		deadline.UnixMilli(), maxStalled, now.UnixMilli(), keepFailed, s.jobPrefix(queue), stalledReason)
	if err != nil {
		return StalledReport{}, appErr.Wrapf(err, appErr.JobStoreError, "recover stalled jobs failed")
	}
	var report StalledReport
	parts, _ := res.([]interface{})
	if len(parts) == 2 {
		report.Requeued = toStrings(parts[0])
		report.Failed = toStrings(parts[1])
	}
	return report, nil
}

func (s *RedisStore) Get(ctx context.Context, queue, id string) (*Job, error) {
	fields, err := s.cache.HGetAll(ctx, s.jobPrefix(queue)+id)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.JobStoreError, "load job failed")
	}
	if len(fields) == 0 {
		return nil, appErr.Newf(appErr.JobNotFound, "job %s not found", id)
	}
	return decodeJob(queue, id, fields)
}

func (s *RedisStore) Counts(ctx context.Context, queue string) (Counts, error) {
	var c Counts
	targets := []struct {
		state State
		dst   *int64
	}{
		{StateWaiting, &c.Waiting},
		{StateActive, &c.Active},
		{StateCompleted, &c.Completed},
		{StateFailed, &c.Failed},
		{StateDelayed, &c.Delayed},
	}
	for _, t := range targets {
		n, err := s.cache.ZCard(ctx, s.key(queue, string(t.state)))
		if err != nil {
			return Counts{}, appErr.Wrapf(err, appErr.JobStoreError, "count %s jobs failed", t.state)
		}
		*t.dst = n
	}
	return c, nil
}

func (s *RedisStore) Clean(ctx context.Context, queue string, state State, olderThan time.Time) (int, error) {
	set := s.key(queue, string(state))
	ids, err := s.cache.ZRangeByScore(ctx, set, math.Inf(-1), float64(olderThan.UnixMilli()), 0)
	if err != nil {
		return 0, appErr.Wrapf(err, appErr.JobStoreError, "list %s jobs failed", state)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	err = s.cache.Pipeline(ctx, func(pipe cache.Pipeliner) error {
		if err := pipe.ZRem(set, ids...); err != nil {
			return err
		}
		keys := make([]string, 0, len(ids))
		for _, id := range ids {
			keys = append(keys, s.jobPrefix(queue)+id)
		}
		return pipe.Del(keys...)
	})
	if err != nil {
		return 0, appErr.Wrapf(err, appErr.JobStoreError, "clean %s jobs failed", state)
	}
	return len(ids), nil
}

func ownershipError(res interface{}, id, workerID string) error {
	switch n, _ := res.(int64); n {
	case 1:
		return nil
	case -1:
		return appErr.Newf(appErr.JobNotFound, "job %s not found", id)
	default:
		return appErr.Newf(appErr.JobAlreadyTaken, "job %s is no longer held by %s", id, workerID)
	}
}

func decodeJob(queue, id string, f map[string]string) (*Job, error) {
	data, err := decodeBlob(f["data"])
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.JobStoreError, "decode job data failed")
	}
	result, err := decodeBlob(f["result"])
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.JobStoreError, "decode job result failed")
	}
	return &Job{
		ID:           id,
		Queue:        queue,
		Name:         f["name"],
		Data:         data,
		Priority:     atoi(f["priority"]),
		Seq:          atoi64(f["seq"]),
		State:        State(f["state"]),
		AttemptsMade: atoi(f["attempts"]),
		MaxAttempts:  atoi(f["max_attempts"]),
		StalledCount: atoi(f["stalled"]),
		Progress:     atoi(f["progress"]),
		Result:       result,
		FailedReason: f["failed_reason"],
		WorkerID:     f["worker"],
		CreatedAt:    msTime(f["created_at"]),
		ProcessedAt:  msTime(f["processed_at"]),
		FinishedAt:   msTime(f["finished_at"]),
		DelayUntil:   msTime(f["delay_until"]),
		HeartbeatAt:  msTime(f["heartbeat_at"]),
	}, nil
}

func toStrings(v interface{}) []string {
	items, _ := v.([]interface{})
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func atoi64(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}

func msTime(s string) time.Time {
	ms := atoi64(s)
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

var _ JobStore = (*RedisStore)(nil)
