package sessionstore

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisStore 每个 attempt 一个 hash，字段为 scope 短名
type RedisStore struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisStore(rdb *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{rdb: rdb, ttl: ttl}
}

func attemptKey(attemptID string) string {
	return fmt.Sprintf("exam:session:%s", attemptID)
}

func (s *RedisStore) Name() string { return "redis" }

func (s *RedisStore) Save(ctx context.Context, scope Scope, payload []byte) error {
	if err := scope.Validate(); err != nil {
		return err
	}
	key := attemptKey(scope.AttemptID)
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, scope.Field(), payload)
		if s.ttl > 0 {
			pipe.Expire(ctx, key, s.ttl)
		}
		return nil
	})
	return err
}

func (s *RedisStore) Load(ctx context.Context, scope Scope) ([]byte, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	b, err := s.rdb.HGet(ctx, attemptKey(scope.AttemptID), scope.Field()).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (s *RedisStore) LoadAttempt(ctx context.Context, attemptID string) ([]Entry, error) {
	fields, err := s.rdb.HGetAll(ctx, attemptKey(attemptID)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(fields))
	for field, v := range fields {
		scope, err := scopeFromField(attemptID, field)
		if err != nil {
			continue
		}
		out = append(out, Entry{Scope: scope, Payload: []byte(v)})
	}
	return out, nil
}

func (s *RedisStore) Clear(ctx context.Context, attemptID string) error {
	return s.rdb.Del(ctx, attemptKey(attemptID)).Err()
}
