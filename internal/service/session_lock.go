package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"exam_session_engine/internal/util"

	"github.com/go-redis/redis/v8"
)

// ClientLock 同一 attempt 只允许一个客户端作答：先到者持有，
// 心跳续期，超时未续期后其他客户端可以接管
type ClientLock interface {
	Acquire(ctx context.Context, attemptID, clientID string) error
	Refresh(ctx context.Context, attemptID, clientID string) error
	Release(ctx context.Context, attemptID, clientID string) error
}

func lockKey(attemptID string) string {
	return fmt.Sprintf("exam:attempt:%s:client", attemptID)
}

// 仅当持有者是自己时续期 / 删除
var (
	refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0`)
)

type RedisClientLock struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisClientLock(rdb *redis.Client, ttl time.Duration) *RedisClientLock {
	return &RedisClientLock{rdb: rdb, ttl: ttl}
}

func (l *RedisClientLock) Acquire(ctx context.Context, attemptID, clientID string) error {
	ok, err := l.rdb.SetNX(ctx, lockKey(attemptID), clientID, l.ttl).Result()
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	// 同一客户端重复进入视为续期
	return l.Refresh(ctx, attemptID, clientID)
}

func (l *RedisClientLock) Refresh(ctx context.Context, attemptID, clientID string) error {
	n, err := refreshScript.Run(ctx, l.rdb, []string{lockKey(attemptID)}, clientID, l.ttl.Milliseconds()).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return l.heldError(ctx, attemptID)
	}
	return nil
}

func (l *RedisClientLock) heldError(ctx context.Context, attemptID string) error {
	if err := l.rdb.Get(ctx, lockKey(attemptID)).Err(); err == redis.Nil {
		return util.ErrLockLost
	}
	return util.ErrSessionLocked
}

func (l *RedisClientLock) Release(ctx context.Context, attemptID, clientID string) error {
	return releaseScript.Run(ctx, l.rdb, []string{lockKey(attemptID)}, clientID).Err()
}

// MemoryClientLock 单实例部署与测试使用
type MemoryClientLock struct {
	mu    sync.Mutex
	ttl   time.Duration
	now   func() time.Time
	holds map[string]lockHold
}

type lockHold struct {
	clientID string
	expires  time.Time
}

func NewMemoryClientLock(ttl time.Duration) *MemoryClientLock {
	return &MemoryClientLock{ttl: ttl, now: time.Now, holds: make(map[string]lockHold)}
}

func (l *MemoryClientLock) Acquire(_ context.Context, attemptID, clientID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if h, ok := l.holds[attemptID]; ok && h.clientID != clientID && now.Before(h.expires) {
		return util.ErrSessionLocked
	}
	l.holds[attemptID] = lockHold{clientID: clientID, expires: now.Add(l.ttl)}
	return nil
}

func (l *MemoryClientLock) Refresh(_ context.Context, attemptID, clientID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	h, ok := l.holds[attemptID]
	switch {
	case !ok || !now.Before(h.expires):
		return util.ErrLockLost
	case h.clientID != clientID:
		return util.ErrSessionLocked
	}
	h.expires = now.Add(l.ttl)
	l.holds[attemptID] = h
	return nil
}

func (l *MemoryClientLock) Release(_ context.Context, attemptID, clientID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if h, ok := l.holds[attemptID]; ok && h.clientID == clientID {
		delete(l.holds, attemptID)
	}
	return nil
}
