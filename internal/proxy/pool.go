package proxy

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/social-crawler/internal/clock/system"
	"github.com/JakeFAU/social-crawler/internal/crawler"
	"github.com/JakeFAU/social-crawler/internal/metrics"
)

const defaultMaxRefills = 3

// Validator probes an endpoint for liveness.
type Validator interface {
	Validate(ctx context.Context, e Endpoint) error
}

// HTTPValidator issues a GET through the proxy to a neutral echo endpoint.
type HTTPValidator struct {
	URL     string
	Timeout time.Duration
}

// Validate fails on transport errors and non-2xx responses.
func (v HTTPValidator) Validate(ctx context.Context, e Endpoint) error {
	timeout := v.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	client := &http.Client{
		Timeout:   timeout,
		Transport: &http.Transport{Proxy: http.ProxyURL(e.URL())},
	}
	defer client.CloseIdleConnections()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.URL, nil)
	if err != nil {
		return fmt.Errorf("build probe request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("probe %s via %s: %w", v.URL, e, err)
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("probe %s via %s: status %d", v.URL, e, resp.StatusCode)
	}
	return nil
}

// PoolConfig controls pool sizing and validation.
type PoolConfig struct {
	Size       int
	Validate   bool
	Validator  Validator
	Clock      crawler.Clock
	Logger     *zap.Logger
	MaxRefills int
	// Backoff is the wait after a failed refill or validation (attempt is 1-based).
	Backoff func(attempt int) time.Duration
}

// Pool hands out endpoints, removing each one from its list on Get.
type Pool struct {
	mu       sync.Mutex
	provider Provider
	cfg      PoolConfig
	list     []Endpoint
	current  *Endpoint
	logger   *zap.Logger
}

// NewPool creates a pool over provider.
func NewPool(provider Provider, cfg PoolConfig) *Pool {
	if cfg.Size <= 0 {
		cfg.Size = 1
	}
	if cfg.MaxRefills <= 0 {
		cfg.MaxRefills = defaultMaxRefills
	}
	if cfg.Clock == nil {
		cfg.Clock = system.New()
	}
	if cfg.Backoff == nil {
		policy := crawler.NewRetryPolicy(cfg.MaxRefills, 500*time.Millisecond, 250*time.Millisecond)
		cfg.Backoff = func(attempt int) time.Duration { return policy.Backoff(attempt - 1) }
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{provider: provider, cfg: cfg, logger: logger}
}

// Get returns a validated endpoint that is not within SafetyBuffer of expiry.
// It fails with proxy-exhausted after MaxRefills unsuccessful refills.
func (p *Pool) Get(ctx context.Context) (Endpoint, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.getLocked(ctx)
}

func (p *Pool) getLocked(ctx context.Context) (Endpoint, error) {
	refills := 0
	for {
		if err := ctx.Err(); err != nil {
			return Endpoint{}, crawler.NewError(crawler.KindCancelled, "proxy.Get", err)
		}
		if len(p.list) == 0 {
			if refills >= p.cfg.MaxRefills {
				return Endpoint{}, crawler.Errorf(crawler.KindProxyExhausted, "proxy.Get",
					"%s: no valid proxy after %d refills", p.provider.Name(), refills)
			}
			refills++
			if err := p.refill(ctx); err != nil {
				p.logger.Warn("proxy refill failed",
					zap.String("provider", p.provider.Name()), zap.Int("attempt", refills), zap.Error(err))
				if err := p.sleep(ctx, refills); err != nil {
					return Endpoint{}, err
				}
			}
			continue
		}
		e := p.pop()
		if e.IsExpired(p.cfg.Clock.Now(), SafetyBuffer) {
			p.logger.Debug("discarding expiring proxy", zap.String("proxy", e.String()))
			continue
		}
		if p.cfg.Validate && p.cfg.Validator != nil {
			if err := p.cfg.Validator.Validate(ctx, e); err != nil {
				p.logger.Warn("proxy validation failed", zap.String("proxy", e.String()), zap.Error(err))
				if err := p.sleep(ctx, refills); err != nil {
					return Endpoint{}, err
				}
				continue
			}
		}
		p.current = &e
		return e, nil
	}
}

// IsCurrentExpired peeks at the endpoint last handed out without consuming anything.
// No current endpoint counts as expired.
func (p *Pool) IsCurrentExpired(buffer time.Duration) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.currentExpiredLocked(buffer)
}

// GetOrRefresh reuses the current endpoint while valid, else acquires a new one.
func (p *Pool) GetOrRefresh(ctx context.Context, buffer time.Duration) (Endpoint, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.currentExpiredLocked(buffer) {
		return *p.current, nil
	}
	hadCurrent := p.current != nil
	e, err := p.getLocked(ctx)
	if err != nil {
		return Endpoint{}, err
	}
	if hadCurrent {
		metrics.ObserveProxyRotation(p.provider.Name())
		p.logger.Info("proxy rotated", zap.String("provider", p.provider.Name()), zap.String("proxy", e.String()))
	}
	return e, nil
}

// Available reports how many endpoints wait in the list.
func (p *Pool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.list)
}

func (p *Pool) currentExpiredLocked(buffer time.Duration) bool {
	if p.current == nil {
		return true
	}
	if buffer < SafetyBuffer {
		buffer = SafetyBuffer
	}
	return p.current.IsExpired(p.cfg.Clock.Now(), buffer)
}

func (p *Pool) refill(ctx context.Context) error {
	eps, err := p.provider.GetProxies(ctx, p.cfg.Size)
	if err != nil {
		return err
	}
	if len(eps) == 0 {
		return fmt.Errorf("%s returned no proxies", p.provider.Name())
	}
	p.list = append(p.list, eps...)
	p.logger.Debug("proxy pool refilled", zap.String("provider", p.provider.Name()), zap.Int("count", len(eps)))
	return nil
}

func (p *Pool) pop() Endpoint {
	i := rand.IntN(len(p.list))
	e := p.list[i]
	p.list[i] = p.list[len(p.list)-1]
	p.list = p.list[:len(p.list)-1]
	return e
}

func (p *Pool) sleep(ctx context.Context, attempt int) error {
	d := p.cfg.Backoff(attempt)
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return crawler.NewError(crawler.KindCancelled, "proxy.Get", ctx.Err())
	case <-t.C:
		return nil
	}
}
