package results

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/cuemby/maestro/pkg/types"
)

// RedisBlobs stores blobs in Redis under a key prefix. The per-blob TTL
// (when non-zero) acts as a safety net behind the retention sweep, so
// orphaned blobs expire even if the sweep never sees their result record.
type RedisBlobs struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// RedisOptions configures the Redis blob backend.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int

	// TTL expires blobs server-side; zero keeps them until removed.
	TTL time.Duration
}

// NewRedisBlobs connects to Redis and verifies the connection.
func NewRedisBlobs(ctx context.Context, opts RedisOptions) (*RedisBlobs, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &RedisBlobs{
		client: client,
		prefix: "maestro:blob:",
		ttl:    opts.TTL,
	}, nil
}

func (r *RedisBlobs) key(locator string) string {
	return r.prefix + locator
}

func (r *RedisBlobs) Write(ctx context.Context, data []byte) (string, error) {
	locator := uuid.New().String()
	if err := r.client.Set(ctx, r.key(locator), data, r.ttl).Err(); err != nil {
		return "", fmt.Errorf("failed to write blob: %w", err)
	}
	return locator, nil
}

func (r *RedisBlobs) Read(ctx context.Context, locator string) ([]byte, error) {
	data, err := r.client.Get(ctx, r.key(locator)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("blob %s: %w", locator, types.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read blob: %w", err)
	}
	return data, nil
}

func (r *RedisBlobs) Remove(ctx context.Context, locator string) error {
	if err := r.client.Del(ctx, r.key(locator)).Err(); err != nil {
		return fmt.Errorf("failed to remove blob: %w", err)
	}
	return nil
}

// Close releases the Redis connection.
func (r *RedisBlobs) Close() error {
	return r.client.Close()
}
