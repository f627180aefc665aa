package presence

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// DefaultDirectoryKey is the Redis set holding online user identifiers.
const DefaultDirectoryKey = "homigo:presence:online"

// Directory mirrors the online set to storage shared by every gateway process.
// The Registry stays authoritative for delivery; the directory only answers
// "who is online anywhere".
type Directory interface {
	Add(ctx context.Context, userID string) error
	Remove(ctx context.Context, userID string) error
	Members(ctx context.Context) ([]string, error)
}

// RedisDirectory is a Directory backed by a Redis set.
type RedisDirectory struct {
	rdb *redis.Client
	key string
}

// NewRedisDirectory creates a directory using key, or DefaultDirectoryKey when empty.
func NewRedisDirectory(rdb *redis.Client, key string) *RedisDirectory {
	if key == "" {
		key = DefaultDirectoryKey
	}
	return &RedisDirectory{rdb: rdb, key: key}
}

// ConnectRedis parses url, connects, and pings.
func ConnectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse REDIS_URL: %w", err)
	}

	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return rdb, nil
}

func (d *RedisDirectory) Add(ctx context.Context, userID string) error {
	return d.rdb.SAdd(ctx, d.key, userID).Err()
}

func (d *RedisDirectory) Remove(ctx context.Context, userID string) error {
	return d.rdb.SRem(ctx, d.key, userID).Err()
}

func (d *RedisDirectory) Members(ctx context.Context) ([]string, error) {
	return d.rdb.SMembers(ctx, d.key).Result()
}
