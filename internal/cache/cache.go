// Package cache provides the expiring key/value cache shared by the proxy
// pool and the SMS webhook, with in-process and Redis back-ends.
package cache

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/JakeFAU/social-crawler/internal/cache/memory"
	"github.com/JakeFAU/social-crawler/internal/cache/redis"
	"github.com/JakeFAU/social-crawler/internal/crawler"
)

// Cache stores byte values with a per-entry TTL.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Keys lists live keys matching pattern; "*" matches everything.
	Keys(ctx context.Context, pattern string) ([]string, error)
	Close() error
}

// Back-end tags accepted by New.
const (
	TypeMemory = "memory"
	TypeRedis  = "redis"
)

// Options configures the back-end selected by New.
type Options struct {
	CronInterval  time.Duration
	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

// New selects a cache back-end by tag.
func New(ctx context.Context, kind string, opts Options) (Cache, error) {
	switch kind {
	case TypeMemory:
		c, err := memory.New(memory.Config{CronInterval: opts.CronInterval})
		if err != nil {
			return nil, fmt.Errorf("memory cache: %w", err)
		}
		return c, nil
	case TypeRedis:
		client := goredis.NewClient(&goredis.Options{
			Addr:     opts.RedisAddr,
			Password: opts.RedisPassword,
			DB:       opts.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("ping redis %s: %w", opts.RedisAddr, err)
		}
		return redis.New(client), nil
	default:
		return nil, crawler.Errorf(crawler.KindUnknownCacheType, "cache.New", "unknown cache type %q", kind)
	}
}
