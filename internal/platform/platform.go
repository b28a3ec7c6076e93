// Package platform selects the driver for a platform tag.
package platform

import (
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/social-crawler/internal/client"
	"github.com/JakeFAU/social-crawler/internal/crawler"
	"github.com/JakeFAU/social-crawler/internal/platform/bilibili"
	"github.com/JakeFAU/social-crawler/internal/platform/tieba"
)

// Deps are the collaborators every driver's client is built from.
type Deps struct {
	Limiter      client.Limiter
	Proxy        client.ProxySource
	Retry        client.RetryPolicy
	Timeout      time.Duration
	MediaTimeout time.Duration
	UserAgent    string
	// DateFrom and DateTo bound search results on platforms that filter by date.
	DateFrom time.Time
	DateTo   time.Time
	Logger   *zap.Logger
}

// New returns the driver registered for p.
func New(p crawler.Platform, deps Deps) (crawler.PlatformDriver, error) {
	cc := client.Config{
		Platform:     p,
		Timeout:      deps.Timeout,
		MediaTimeout: deps.MediaTimeout,
		UserAgent:    deps.UserAgent,
		Limiter:      deps.Limiter,
		Proxy:        deps.Proxy,
		Retry:        deps.Retry,
		Logger:       deps.Logger,
	}
	switch p {
	case crawler.PlatformBili:
		return bilibili.New(bilibili.Config{Client: cc, DateFrom: deps.DateFrom, DateTo: deps.DateTo, Logger: deps.Logger}), nil
	case crawler.PlatformTieba:
		return tieba.New(tieba.Config{Client: cc, Logger: deps.Logger}), nil
	default:
		return nil, crawler.Errorf(crawler.KindConfiguration, "platform.New", "no driver registered for platform %q", p)
	}
}

// Registered lists platforms with a driver.
func Registered() []crawler.Platform {
	return []crawler.Platform{crawler.PlatformBili, crawler.PlatformTieba}
}
