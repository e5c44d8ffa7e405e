package media

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisWebKeyPrefix = "dashd:artwork:web:"

// RedisWebStore shares the web artwork cache through redis, letting redis
// expire entries after the TTL.
type RedisWebStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisWebStore(client *redis.Client, ttl time.Duration) *RedisWebStore {
	if ttl <= 0 {
		ttl = DefaultWebArtworkTTL
	}
	return &RedisWebStore{client: client, ttl: ttl}
}

func (s *RedisWebStore) Get(ctx context.Context, key string) (string, bool, error) {
	url, err := s.client.Get(ctx, redisWebKeyPrefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return url, true, nil
}

func (s *RedisWebStore) Put(ctx context.Context, key, url string) error {
	return s.client.Set(ctx, redisWebKeyPrefix+key, url, s.ttl).Err()
}
