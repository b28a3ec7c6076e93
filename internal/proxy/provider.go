package proxy

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/social-crawler/internal/cache"
	"github.com/JakeFAU/social-crawler/internal/crawler"
)

// MaxBatch caps how many endpoints are requested from a provider at once.
const MaxBatch = 100

// Provider fetches fresh endpoints from a proxy vendor.
type Provider interface {
	Name() string
	GetProxies(ctx context.Context, n int) ([]Endpoint, error)
}

// IPGetError reports a provider-side failure to hand out endpoints.
type IPGetError struct {
	Provider string
	Code     int
	Msg      string
}

func (e *IPGetError) Error() string {
	return fmt.Sprintf("%s: get proxies failed (code %d): %s", e.Provider, e.Code, e.Msg)
}

// CachedProvider reads cached endpoints first and asks the wrapped provider
// only for the shortfall. New endpoints are cached under {name}_{ip}_{port}
// with their remaining lifetime minus SafetyBuffer.
type CachedProvider struct {
	inner  Provider
	cache  cache.Cache
	clock  crawler.Clock
	logger *zap.Logger
}

// NewCachedProvider wraps inner with cache c.
func NewCachedProvider(inner Provider, c cache.Cache, clock crawler.Clock, logger *zap.Logger) *CachedProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CachedProvider{inner: inner, cache: c, clock: clock, logger: logger}
}

// Name returns the wrapped provider's name.
func (p *CachedProvider) Name() string {
	return p.inner.Name()
}

// GetProxies returns up to n endpoints, cache first.
func (p *CachedProvider) GetProxies(ctx context.Context, n int) ([]Endpoint, error) {
	cached, err := p.loadCached(ctx)
	if err != nil {
		p.logger.Warn("proxy cache read failed", zap.String("provider", p.Name()), zap.Error(err))
	}
	if len(cached) >= n {
		return cached[:n], nil
	}
	need := n - len(cached)
	if need > MaxBatch {
		need = MaxBatch
	}
	fresh, err := p.inner.GetProxies(ctx, need)
	if err != nil {
		if len(cached) > 0 {
			p.logger.Warn("proxy provider failed, using cached endpoints",
				zap.String("provider", p.Name()), zap.Int("cached", len(cached)), zap.Error(err))
			return cached, nil
		}
		return nil, fmt.Errorf("%s get proxies: %w", p.Name(), err)
	}
	now := p.clock.Now()
	for _, e := range fresh {
		ttl, expires := e.TTL(now)
		if expires && ttl <= 0 {
			continue
		}
		data, err := e.Marshal()
		if err != nil {
			return nil, err
		}
		if err := p.cache.Set(ctx, e.Key(p.Name()), data, ttl); err != nil {
			p.logger.Warn("proxy cache write failed", zap.String("proxy", e.String()), zap.Error(err))
		}
	}
	return append(cached, fresh...), nil
}

func (p *CachedProvider) loadCached(ctx context.Context) ([]Endpoint, error) {
	keys, err := p.cache.Keys(ctx, p.Name()+"_*")
	if err != nil {
		return nil, fmt.Errorf("list cached proxies: %w", err)
	}
	now := p.clock.Now()
	out := make([]Endpoint, 0, len(keys))
	for _, key := range keys {
		data, ok, err := p.cache.Get(ctx, key)
		if err != nil || !ok {
			continue
		}
		e, err := UnmarshalEndpoint(data)
		if err != nil {
			p.logger.Debug("dropping undecodable cached proxy", zap.String("key", key), zap.Error(err))
			continue
		}
		if e.IsExpired(now, SafetyBuffer) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}
