package tasks

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisBacklog shares task retry state across engine instances through
// redis, so a worker picking up after a crash sees burned attempts.
type RedisBacklog struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisBacklog creates a redis-backed backlog
func NewRedisBacklog(addr, password string, db int) (*RedisBacklog, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisBacklog{client: client, ttl: 24 * time.Hour}, nil
}

func (b *RedisBacklog) key(taskID string) string {
	return "proximity:task:" + taskID + ":attempt"
}

// SaveAttempt persists the current attempt number for a task
func (b *RedisBacklog) SaveAttempt(ctx context.Context, taskID string, attempt int) error {
	return b.client.Set(ctx, b.key(taskID), attempt, b.ttl).Err()
}

// Clear drops the retry state for a finished task
func (b *RedisBacklog) Clear(ctx context.Context, taskID string) error {
	return b.client.Del(ctx, b.key(taskID)).Err()
}

// Attempts returns the recorded attempt count for a task, zero when unknown
func (b *RedisBacklog) Attempts(ctx context.Context, taskID string) (int, error) {
	n, err := b.client.Get(ctx, b.key(taskID)).Int()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read task backlog: %w", err)
	}
	return n, nil
}

// Close closes the redis connection
func (b *RedisBacklog) Close() error {
	return b.client.Close()
}
