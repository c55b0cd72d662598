package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig holds connection settings for the Redis tier.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// RedisTier is a PersistentTier backed by Redis keys with native TTL.
type RedisTier struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisTier connects to Redis and verifies the connection.
func NewRedisTier(ctx context.Context, cfg RedisConfig) (*RedisTier, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "consensus:cache:"
	}
	return &RedisTier{rdb: rdb, prefix: prefix}, nil
}

func (r *RedisTier) key(fp string) string { return r.prefix + fp }

// GetCacheEntry returns the stored value and its expiry.
func (r *RedisTier) GetCacheEntry(ctx context.Context, fingerprint string) ([]byte, time.Time, bool, error) {
	var (
		get *redis.StringCmd
		ttl *redis.DurationCmd
	)
	k := r.key(fingerprint)
	_, err := r.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		get = p.Get(ctx, k)
		ttl = p.PTTL(ctx, k)
		return nil
	})
	if errors.Is(err, redis.Nil) {
		return nil, time.Time{}, false, nil
	}
	if err != nil {
		return nil, time.Time{}, false, fmt.Errorf("redis get: %w", err)
	}

	value, err := get.Bytes()
	if err != nil {
		return nil, time.Time{}, false, fmt.Errorf("redis get: %w", err)
	}
	var expiresAt time.Time
	if d := ttl.Val(); d > 0 {
		expiresAt = time.Now().Add(d)
	}
	return value, expiresAt, true, nil
}

// PutCacheEntry stores value until expiresAt. The stage is not kept; Redis
// keys carry no metadata.
func (r *RedisTier) PutCacheEntry(ctx context.Context, fingerprint, stage string, value []byte, expiresAt time.Time) error {
	var ttl time.Duration
	if !expiresAt.IsZero() {
		ttl = time.Until(expiresAt)
		if ttl <= 0 {
			return nil
		}
	}
	if err := r.rdb.Set(ctx, r.key(fingerprint), value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// DeleteCacheEntry removes one entry.
func (r *RedisTier) DeleteCacheEntry(ctx context.Context, fingerprint string) error {
	return r.rdb.Del(ctx, r.key(fingerprint)).Err()
}

// Ping checks if Redis is reachable.
func (r *RedisTier) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

// Close closes the connection.
func (r *RedisTier) Close() error {
	return r.rdb.Close()
}
