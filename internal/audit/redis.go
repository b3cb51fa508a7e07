package audit

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisSink stores each slot as a hash. Existing keys are never
// overwritten.
type RedisSink struct {
	rdb    *redis.Client
	prefix string
}

// OpenRedis connects using a redis:// URL.
func OpenRedis(ctx context.Context, url string) (*RedisSink, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisSink{rdb: rdb, prefix: "helix:"}, nil
}

func (s *RedisSink) Insert(ctx context.Context, slot, key string, value []byte) error {
	ok, err := s.rdb.HSetNX(ctx, s.prefix+slot, key, value).Result()
	if err != nil {
		return fmt.Errorf("redis hsetnx %s: %w", slot, err)
	}
	if !ok {
		return fmt.Errorf("redis: %s/%s already recorded", slot, key)
	}
	return nil
}

// Get returns the value stored under key, for inspection.
func (s *RedisSink) Get(ctx context.Context, slot, key string) ([]byte, error) {
	return s.rdb.HGet(ctx, s.prefix+slot, key).Bytes()
}

func (s *RedisSink) Close() error { return s.rdb.Close() }
