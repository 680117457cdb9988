package livecache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"pipetrack/internal/models"
)

const keyPrefix = "pipetrack:latest"

// RedisCache implements Publisher using Redis
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache creates a new Redis-backed sample cache. Keys expire after
// ttl so entries for finished runs vanish on their own.
func NewRedisCache(addr, password string, db int, ttl time.Duration) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, err
	}

	return &RedisCache{client: client, ttl: ttl}, nil
}

// Publish overwrites the run's latest-sample key
func (r *RedisCache) Publish(ctx context.Context, sample *models.ProcessMetricSample) error {
	data, err := json.Marshal(sample)
	if err != nil {
		return err
	}

	key := fmt.Sprintf("%s:%s:%s", keyPrefix, sample.Hostname, sample.RunID)
	return r.client.Set(ctx, key, data, r.ttl).Err()
}

// Close terminates the Redis connection
func (r *RedisCache) Close() error {
	return r.client.Close()
}
