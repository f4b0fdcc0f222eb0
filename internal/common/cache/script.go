package cache

import (
	"crypto/rand"
	"math/big"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNil is returned by Get and HGet when the key or field is missing.
var ErrNil = redis.Nil

// Script is a Lua script cached server side by its SHA.
type Script struct {
	script *redis.Script
}

// NewScript wraps a Lua source.
func NewScript(src string) *Script {
	return &Script{script: redis.NewScript(src)}
}

// JitterTTL shaves up to 10% off ttl so keys written together do not expire together.
func JitterTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return ttl
	}
	maxJitter := int64(ttl / 10)
	if maxJitter <= 0 {
		return ttl
	}
	n, err := rand.Int(rand.Reader, big.NewInt(maxJitter+1))
	if err != nil {
		return ttl
	}
	return ttl - time.Duration(n.Int64())
}
