package redisstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// GetKV returns the value stored under key, or "" when it is unset.
func (s *Store) GetKV(ctx context.Context, key string) (string, error) {
	v, err := s.rdb.HGet(ctx, s.key("kv"), key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return v, err
}

// SetKV stores value under key.
func (s *Store) SetKV(ctx context.Context, key, value string) error {
	return s.rdb.HSet(ctx, s.key("kv"), key, value).Err()
}

// Allow counts one hit for id in a fixed window and reports whether the count
// is still within limit. Counters expire with their window.
func (s *Store) Allow(ctx context.Context, id string, limit int, window time.Duration) (bool, error) {
	bucket := time.Now().UnixNano() / int64(window)
	k := s.key("ratelimit", id, fmt.Sprint(bucket))
	var incr *redis.IntCmd
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, k)
		pipe.Expire(ctx, k, window)
		return nil
	})
	if err != nil {
		return false, err
	}
	return incr.Val() <= int64(limit), nil
}
