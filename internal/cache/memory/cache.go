// Package memory implements an in-process expiring cache.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Config controls the sweeper schedule.
type Config struct {
	// CronInterval is how often expired entries are dropped (default 10s).
	CronInterval time.Duration
	// Now overrides the clock (tests).
	Now func() time.Time
}

type entry struct {
	value  []byte
	expiry time.Time
}

// Cache is a map of key to (value, absolute expiry) with a scheduled sweeper.
type Cache struct {
	mu      sync.Mutex
	entries map[string]entry
	now     func() time.Time
	sched   *cron.Cron
	once    sync.Once
}

// New creates a Cache and starts its sweeper.
func New(cfg Config) (*Cache, error) {
	interval := cfg.CronInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	c := &Cache{
		entries: make(map[string]entry),
		now:     now,
		sched:   cron.New(),
	}
	spec := fmt.Sprintf("@every %s", interval)
	if _, err := c.sched.AddFunc(spec, c.Sweep); err != nil {
		return nil, fmt.Errorf("schedule sweeper %q: %w", spec, err)
	}
	c.sched.Start()
	return c, nil
}

// Get returns a live value, dropping it lazily when expired.
func (c *Cache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, false, nil
	}
	if c.expired(e) {
		delete(c.entries, key)
		return nil, false, nil
	}
	return append([]byte(nil), e.value...), true, nil
}

// Set stores value until now+ttl. A non-positive ttl never expires.
func (c *Cache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	e := entry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expiry = c.now().Add(ttl)
	}
	c.mu.Lock()
	c.entries[key] = e
	c.mu.Unlock()
	return nil
}

// Keys returns live keys sorted. "*" matches all; otherwise the "*" wildcards
// are stripped and the remainder is matched as a substring.
func (c *Cache) Keys(_ context.Context, pattern string) ([]string, error) {
	needle := strings.ReplaceAll(pattern, "*", "")
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, 0, len(c.entries))
	for k, e := range c.entries {
		if c.expired(e) {
			continue
		}
		if pattern == "*" || strings.Contains(k, needle) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Sweep drops every expired entry.
func (c *Cache) Sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, e := range c.entries {
		if c.expired(e) {
			delete(c.entries, k)
		}
	}
}

// Len reports the number of stored entries, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Close stops the sweeper.
func (c *Cache) Close() error {
	c.once.Do(func() {
		<-c.sched.Stop().Done()
	})
	return nil
}

func (c *Cache) expired(e entry) bool {
	return !e.expiry.IsZero() && !c.now().Before(e.expiry)
}
