// Package redis adapts a go-redis client to the expiring cache contract.
package redis

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

const scanBatch = 200

// Client is the subset of go-redis the cache depends on.
type Client interface {
	Get(ctx context.Context, key string) *goredis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *goredis.StatusCmd
	Scan(ctx context.Context, cursor uint64, match string, count int64) *goredis.ScanCmd
	Close() error
}

// Cache stores length-prefixed values in Redis.
type Cache struct {
	client Client
}

// New wraps an existing client.
func New(client Client) *Cache {
	return &Cache{client: client}
}

// Get fetches and decodes a value. Missing keys return ok=false.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	raw, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %s: %w", key, err)
	}
	value, err := Decode(raw)
	if err != nil {
		return nil, false, fmt.Errorf("redis get %s: %w", key, err)
	}
	return value, true, nil
}

// Set encodes and stores value. A non-positive ttl never expires.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := c.client.Set(ctx, key, Encode(value), ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// Keys walks SCAN with the Redis glob pattern.
func (c *Cache) Keys(ctx context.Context, pattern string) ([]string, error) {
	var (
		cursor uint64
		keys   []string
	)
	for {
		batch, next, err := c.client.Scan(ctx, cursor, pattern, scanBatch).Result()
		if err != nil {
			return nil, fmt.Errorf("redis scan %s: %w", pattern, err)
		}
		keys = append(keys, batch...)
		if next == 0 {
			return keys, nil
		}
		cursor = next
	}
}

// Close releases the client.
func (c *Cache) Close() error {
	if err := c.client.Close(); err != nil {
		return fmt.Errorf("close redis: %w", err)
	}
	return nil
}

// Encode prefixes value with its 4-byte big-endian length.
func Encode(value []byte) []byte {
	out := make([]byte, 4+len(value))
	binary.BigEndian.PutUint32(out, uint32(len(value)))
	copy(out[4:], value)
	return out
}

// Decode validates the length prefix and returns the payload.
func Decode(raw []byte) ([]byte, error) {
	if len(raw) < 4 {
		return nil, fmt.Errorf("value too short for length prefix (%d bytes)", len(raw))
	}
	n := binary.BigEndian.Uint32(raw)
	if int(n) != len(raw)-4 {
		return nil, fmt.Errorf("length prefix %d does not match payload %d", n, len(raw)-4)
	}
	return append([]byte(nil), raw[4:]...), nil
}
