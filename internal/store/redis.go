package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"onecell/internal/domain"
)

const redisKeyPrefix = "onecell:credential:"

// RedisStore persists credentials as JSON strings in Redis.
type RedisStore struct {
	rdb *redis.Client
}

// NewRedisStore connects to redisURL (redis://host:port/db) and pings it.
func NewRedisStore(ctx context.Context, redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisStore{rdb: rdb}, nil
}

func (s *RedisStore) Get(ctx context.Context, platform domain.PlatformID) (domain.Credential, bool, error) {
	data, err := s.rdb.Get(ctx, redisKeyPrefix+string(platform)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.Credential{}, false, nil
	}
	if err != nil {
		return domain.Credential{}, false, fmt.Errorf("load credential %s: %w", platform, err)
	}
	cred, err := decodeCredential(platform, data)
	if err != nil {
		return domain.Credential{}, true, err
	}
	return cred, true, nil
}

func (s *RedisStore) Set(ctx context.Context, platform domain.PlatformID, cred domain.Credential) error {
	data, err := encodeCredential(cred)
	if err != nil {
		return err
	}
	if err := s.rdb.Set(ctx, redisKeyPrefix+string(platform), data, 0).Err(); err != nil {
		return fmt.Errorf("save credential %s: %w", platform, err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, platform domain.PlatformID) error {
	if err := s.rdb.Del(ctx, redisKeyPrefix+string(platform)).Err(); err != nil {
		return fmt.Errorf("delete credential %s: %w", platform, err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}
