package cache

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Redis is a Cache backed by a Redis instance, grounded on the same
// client wiring the coordinator uses for its idempotency store. Values are
// stored as checksum-wrapped blobs under a "peerdb:cache:" prefix so the
// keyspace doesn't collide with other uses of the same Redis instance.
type Redis struct {
	client *redis.Client
	logger *zap.Logger
	prefix string
}

func NewRedis(host string, port int, password string, db int, logger *zap.Logger) *Redis {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", host, port),
		Password: password,
		DB:       db,
	})

	return &Redis{client: client, logger: logger, prefix: "peerdb:cache:"}
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	wrapped, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, false, nil
		}
		r.logger.Error("cache: redis get failed", zap.String("key", key), zap.Error(err))
		return nil, false, fmt.Errorf("cache: redis get: %w", err)
	}

	data, valid := unwrapChecksum(wrapped)
	if !valid {
		r.logger.Warn("cache: checksum mismatch, treating as miss", zap.String("key", key))
		return nil, false, nil
	}
	return data, true, nil
}

func (r *Redis) Set(ctx context.Context, key string, value []byte) error {
	if err := r.client.Set(ctx, r.prefix+key, wrapChecksum(value), 0).Err(); err != nil {
		r.logger.Error("cache: redis set failed", zap.String("key", key), zap.Error(err))
		return fmt.Errorf("cache: redis set: %w", err)
	}
	return nil
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.prefix+key).Err(); err != nil {
		r.logger.Error("cache: redis delete failed", zap.String("key", key), zap.Error(err))
		return fmt.Errorf("cache: redis delete: %w", err)
	}
	return nil
}

// Close releases the underlying Redis connection.
func (r *Redis) Close() error {
	return r.client.Close()
}
