package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RunLock keeps replicas from running the same scheduled job at the same time. Row
// level claims still guarantee correctness without it; the lock only avoids wasted
// scans.
type RunLock interface {
	// Acquire returns a release func when the lock was taken, or ok=false when another
	// holder has it.
	Acquire(ctx context.Context, name string, ttl time.Duration) (release func(), ok bool, err error)
}

var releaseRunLockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisRunLock implements RunLock with SET NX PX and a token-checked release.
type RedisRunLock struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisRunLock(client redis.UniversalClient, prefix string) *RedisRunLock {
	trimmedPrefix := strings.TrimSpace(prefix)
	if trimmedPrefix == "" {
		trimmedPrefix = "transfa:escrow:lock"
	}
	trimmedPrefix = strings.TrimSuffix(trimmedPrefix, ":")

	return &RedisRunLock{
		client: client,
		prefix: trimmedPrefix,
	}
}

func (l *RedisRunLock) key(name string) string {
	return fmt.Sprintf("%s:%s", l.prefix, strings.TrimSpace(name))
}

func (l *RedisRunLock) Acquire(ctx context.Context, name string, ttl time.Duration) (func(), bool, error) {
	if l == nil || l.client == nil {
		return func() {}, true, nil
	}
	if strings.TrimSpace(name) == "" {
		return nil, false, errors.New("run lock name is required")
	}
	if ttl < time.Second {
		ttl = time.Second
	}

	key := l.key(name)
	token := uuid.NewString()
	acquired, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, err
	}
	if !acquired {
		return nil, false, nil
	}

	release := func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = releaseRunLockScript.Run(releaseCtx, l.client, []string{key}, token).Err()
	}
	return release, true, nil
}

// NoopRunLock always grants the lock. It is used when Redis is not configured.
type NoopRunLock struct{}

func (NoopRunLock) Acquire(ctx context.Context, name string, ttl time.Duration) (func(), bool, error) {
	return func() {}, true, nil
}
