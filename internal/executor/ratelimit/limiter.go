// Package ratelimit enforces per-user sliding-window limits backed by Redis sorted sets.
package ratelimit

import (
	"context"
	"math"
	"sort"
	"strconv"
	"time"

	"ojexec/internal/common/cache"
	appErr "ojexec/pkg/errors"
	"ojexec/pkg/utils/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	ActionExecute  = "execute"
	ActionPriority = "priority"
	ActionBatch    = "batch"

	keyPrefix = "rate_limit:"
)

// purge, count, conditional add and expire in one round trip.
// Returns {allowed, current, resetAtMs}.
const admitScript = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', key, '-inf', ARGV[5])
local current = redis.call('ZCARD', key)
if current >= limit then
  local reset = now + window
  local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
  if #oldest > 0 then
    reset = tonumber(oldest[2]) + window
  end
  return {0, current, reset}
end
redis.call('ZADD', key, ARGV[1], ARGV[4])
redis.call('PEXPIRE', key, ARGV[2])
return {1, current + 1, now + window}
`

// Policy is the request budget for one action.
type Policy struct {
	Limit  int           `yaml:"limit"`
	Window time.Duration `yaml:"window"`
}

// DefaultPolicies returns the built-in budgets.
func DefaultPolicies() map[string]Policy {
	return map[string]Policy{
		ActionExecute:  {Limit: 10, Window: time.Minute},
		ActionPriority: {Limit: 5, Window: 30 * time.Second},
		ActionBatch:    {Limit: 2, Window: 5 * time.Minute},
	}
}

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed    bool      `json:"allowed"`
	Limit      int       `json:"limit"`
	Current    int       `json:"current"`
	ResetTime  time.Time `json:"reset_time"`
	RetryAfter int64     `json:"retry_after"`
}

// ActionStats is the current usage of one action.
type ActionStats struct {
	Current   int       `json:"current"`
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	ResetTime time.Time `json:"reset_time"`
}

// Store is the Redis surface the limiter needs.
type Store interface {
	cache.ScriptOps
	cache.ZSetOps
	Del(ctx context.Context, keys ...string) error
}

// Config holds limiter settings.
type Config struct {
	Policies     map[string]Policy `yaml:"policies"`
	RedisTimeout time.Duration     `yaml:"redisTimeout"`
}

// Limiter admits or rejects requests per user and action.
type Limiter struct {
	store        Store
	script       *cache.Script
	policies     map[string]Policy
	redisTimeout time.Duration
	now          func() time.Time
}

// NewLimiter builds a limiter; configured policies override the defaults per action.
func NewLimiter(store Store, cfg Config) *Limiter {
	policies := DefaultPolicies()
	for action, p := range cfg.Policies {
		if p.Limit > 0 && p.Window > 0 {
			policies[action] = p
		}
	}
	timeout := cfg.RedisTimeout
	if timeout <= 0 {
		timeout = time.Second
	}
	return &Limiter{
		store:        store,
		script:       cache.NewScript(admitScript),
		policies:     policies,
		redisTimeout: timeout,
		now:          time.Now,
	}
}

// PolicyFor returns the policy of action, falling back to the execute policy.
func (l *Limiter) PolicyFor(action string) Policy {
	if p, ok := l.policies[action]; ok {
		return p
	}
	return l.policies[ActionExecute]
}

// Admit records the request if the user still has budget for action.
// Store failures admit the request.
func (l *Limiter) Admit(ctx context.Context, userID, action string) Decision {
	policy := l.PolicyFor(action)
	now := l.now()
	nowMs := now.UnixMilli()
	windowMs := policy.Window.Milliseconds()

	ctxRedis, cancel := context.WithTimeout(ctx, l.redisTimeout)
	defer cancel()
	member := strconv.FormatInt(nowMs, 10) + "-" + uuid.NewString()
	raw, err := l.store.RunScript(ctxRedis, l.script, []string{Key(action, userID)},
		nowMs, windowMs, policy.Limit, member, nowMs-windowMs)
	if err != nil {
		err = appErr.Wrapf(err, appErr.RateLimitStoreFailed, "run rate limit script failed")
	} else {
		var d Decision
		d, err = parseDecision(raw, policy, now)
		if err == nil {
			return d
		}
	}

	logger.Warn(ctx, "rate limit check failed, allowing request",
		zap.String("user_id", userID),
		zap.String("action", action),
		zap.Int("code", int(appErr.GetCode(err))),
		zap.Error(err),
	)
	return Decision{
		Allowed:   true,
		Limit:     policy.Limit,
		Current:   0,
		ResetTime: now.Add(policy.Window),
	}
}

// Stats reports usage for every configured action.
func (l *Limiter) Stats(ctx context.Context, userID string) (map[string]ActionStats, error) {
	ctxRedis, cancel := context.WithTimeout(ctx, l.redisTimeout)
	defer cancel()

	now := l.now()
	stats := make(map[string]ActionStats, len(l.policies))
	for _, action := range l.Actions() {
		policy := l.policies[action]
		key := Key(action, userID)
		cutoff := float64(now.Add(-policy.Window).UnixMilli())
		if _, err := l.store.ZRemRangeByScore(ctxRedis, key, math.Inf(-1), cutoff); err != nil {
			return nil, appErr.Wrapf(err, appErr.RateLimitStoreFailed, "purge rate limit window failed")
		}
		current, err := l.store.ZCard(ctxRedis, key)
		if err != nil {
			return nil, appErr.Wrapf(err, appErr.RateLimitStoreFailed, "count rate limit window failed")
		}
		remaining := policy.Limit - int(current)
		if remaining < 0 {
			remaining = 0
		}
		stats[action] = ActionStats{
			Current:   int(current),
			Limit:     policy.Limit,
			Remaining: remaining,
			ResetTime: now.Add(policy.Window),
		}
	}
	return stats, nil
}

// Reset clears every window of the user.
func (l *Limiter) Reset(ctx context.Context, userID string) error {
	ctxRedis, cancel := context.WithTimeout(ctx, l.redisTimeout)
	defer cancel()

	actions := l.Actions()
	keys := make([]string, 0, len(actions))
	for _, action := range actions {
		keys = append(keys, Key(action, userID))
	}
	if err := l.store.Del(ctxRedis, keys...); err != nil {
		return appErr.Wrapf(err, appErr.RateLimitStoreFailed, "reset rate limits failed")
	}
	logger.Info(ctx, "rate limits reset", zap.String("user_id", userID))
	return nil
}

// Actions lists the configured actions in sorted order.
func (l *Limiter) Actions() []string {
	actions := make([]string, 0, len(l.policies))
	for action := range l.policies {
		actions = append(actions, action)
	}
	sort.Strings(actions)
	return actions
}

// Key is the sorted-set key of a user's window for action.
func Key(action, userID string) string {
	return keyPrefix + action + ":" + userID
}

func parseDecision(raw interface{}, policy Policy, now time.Time) (Decision, error) {
	vals, ok := raw.([]interface{})
	if !ok || len(vals) != 3 {
		return Decision{}, appErr.Newf(appErr.RateLimitStoreFailed, "unexpected script reply %T", raw)
	}
	nums := make([]int64, 3)
	for i, v := range vals {
		n, ok := v.(int64)
		if !ok {
			return Decision{}, appErr.Newf(appErr.RateLimitStoreFailed, "unexpected script reply element %T", v)
		}
		nums[i] = n
	}
	reset := time.UnixMilli(nums[2])
	d := Decision{
		Allowed:   nums[0] == 1,
		Limit:     policy.Limit,
		Current:   int(nums[1]),
		ResetTime: reset,
	}
	if !d.Allowed {
		d.RetryAfter = int64(math.Ceil(float64(reset.Sub(now).Milliseconds()) / 1000))
		if d.RetryAfter < 0 {
			d.RetryAfter = 0
		}
	}
	return d, nil
}
