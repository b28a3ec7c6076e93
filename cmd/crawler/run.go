package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/social-crawler/internal/auth"
	"github.com/JakeFAU/social-crawler/internal/browser"
	"github.com/JakeFAU/social-crawler/internal/cache"
	"github.com/JakeFAU/social-crawler/internal/client"
	"github.com/JakeFAU/social-crawler/internal/clock/system"
	"github.com/JakeFAU/social-crawler/internal/config"
	"github.com/JakeFAU/social-crawler/internal/crawler"
	"github.com/JakeFAU/social-crawler/internal/logging"
	"github.com/JakeFAU/social-crawler/internal/metrics"
	"github.com/JakeFAU/social-crawler/internal/platform"
	"github.com/JakeFAU/social-crawler/internal/policy/ratelimit"
	"github.com/JakeFAU/social-crawler/internal/proxy"
	"github.com/JakeFAU/social-crawler/internal/proxy/providers"
	pubsubpublisher "github.com/JakeFAU/social-crawler/internal/publisher/pubsub"
	"github.com/JakeFAU/social-crawler/internal/runner"
	"github.com/JakeFAU/social-crawler/internal/storage"
	"github.com/JakeFAU/social-crawler/internal/storage/gcs"
	"github.com/JakeFAU/social-crawler/internal/storage/mongo"
	"github.com/JakeFAU/social-crawler/internal/storage/postgres"
)

const (
	proxyProviderTimeout = 10 * time.Second
	// Shorter than the control plane's stop grace so the backstop fires before SIGKILL.
	browserCleanupGrace = 10 * time.Second
)

func runJob(ctx context.Context, base config.Config, job config.JobConfig, out io.Writer) error {
	logger, err := logging.Build(logging.Options{
		Development: base.Logging.Development,
		// Output is piped to the control plane, which classifies plain level names.
		Plain: true,
		File:  base.Logging.File,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)
	metrics.Init()

	defer browser.CloseAll()
	uninstall := browser.InstallSignalCleanup(browserCleanupGrace)
	defer uninstall()

	clock := system.New()
	logger = logger.With(zap.String("job_id", job.JobID))
	logger.Info("Starting crawl",
		zap.String("platform", string(job.Platform)),
		zap.String("crawler_type", string(job.Mode)),
		zap.String("save_option", string(job.SaveOption)))

	codes, err := cache.New(ctx, base.Cache.Type, cache.Options{
		CronInterval:  time.Duration(base.Cache.CronIntervalSeconds) * time.Second,
		RedisAddr:     base.Cache.Redis.Addr,
		RedisPassword: base.Cache.Redis.Password,
		RedisDB:       base.Cache.Redis.DB,
	})
	if err != nil {
		return err
	}
	defer func() { _ = codes.Close() }()

	deps := platform.Deps{
		Limiter: ratelimit.New(ratelimit.Config{
			DefaultRPS:   base.HTTP.RequestsPerSecond,
			DefaultBurst: 1,
		}),
		Retry:        crawler.NewRetryPolicy(base.HTTP.MaxAttempts, time.Duration(base.HTTP.BackoffBaseMs)*time.Millisecond, time.Second),
		Timeout:      base.RequestTimeout(),
		MediaTimeout: base.MediaTimeout(),
		UserAgent:    base.HTTP.UserAgent,
		DateFrom:     job.DateRange.Start,
		DateTo:       job.DateRange.End,
		Logger:       logger,
	}
	if job.EnableIPProxy {
		pool, err := buildProxyPool(base, job, codes, clock, logger)
		if err != nil {
			return err
		}
		deps.Proxy = pool
	}
	driver, err := platform.New(job.Platform, deps)
	if err != nil {
		return err
	}

	store, err := storage.New(ctx, job.SaveOption, storage.Deps{
		Platform: job.Platform,
		Mode:     job.Mode,
		DataDir:  job.DataDir,
		Keyword:  firstOr(job.Keywords, ""),
		Postgres: postgres.Config{
			DSN:      base.DB.DSN,
			MaxConns: base.DB.MaxConns,
			MinConns: base.DB.MinConns,
		},
		SQLitePath: base.SQLite.Path,
		Mongo:      mongo.Config{URI: base.Mongo.URI, Database: base.Mongo.Database},
		GCS:        gcs.Config{Bucket: base.Storage.GCSBucket, Prefix: base.Storage.Prefix},
		Clock:      clock,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	rdeps := runner.Deps{
		Driver: driver,
		Store:  store,
		Launch: func(ctx context.Context) (runner.Session, error) {
			return openBrowser(ctx, base, job, logger)
		},
		Login: func(ctx context.Context, session runner.Session) error {
			return login(ctx, job, session, driver, codes, out, logger)
		},
		Clock:  clock,
		Logger: logger,
	}
	if base.PubSub.ProjectID != "" && base.PubSub.TopicName != "" {
		pub, err := pubsubpublisher.Open(ctx, base.PubSub.ProjectID, logger)
		if err != nil {
			logger.Warn("pubsub unavailable, job summary will not be published", zap.Error(err))
		} else {
			defer func() { _ = pub.Close() }()
			rdeps.Publisher = pub
			rdeps.Topic = base.PubSub.TopicName
		}
	}

	r, err := runner.New(job, rdeps)
	if err != nil {
		_ = store.Close(context.Background())
		return err
	}
	summary, err := r.Run(ctx)
	logger.Info("crawl summary",
		zap.String("state", string(summary.State)),
		zap.Int64("items", summary.Items),
		zap.Int64("comments", summary.Comments),
		zap.Int64("creators", summary.Creators),
		zap.Int64("failures", summary.Failures),
		zap.Duration("elapsed", summary.FinishedAt.Sub(summary.StartedAt)))
	return err
}

func openBrowser(ctx context.Context, base config.Config, job config.JobConfig, logger *zap.Logger) (*browser.Session, error) {
	launcher := browser.NewLauncher(browser.LauncherConfig{
		BinaryPath:     base.Browser.BinaryPath,
		DataDir:        job.DataDir,
		Platform:       job.Platform,
		Headless:       job.Headless,
		SaveLoginState: job.SaveLoginState,
		ReadyTimeout:   time.Duration(base.Browser.ReadyTimeoutSeconds) * time.Second,
		Logger:         logger,
	})
	return browser.Open(ctx, browser.Options{
		Mode:              base.Browser.Mode,
		DebuggerURL:       base.Browser.DebuggerURL,
		UserAgent:         base.HTTP.UserAgent,
		StealthScriptPath: base.Browser.StealthScriptPath,
		Launcher:          launcher,
		Logger:            logger,
	})
}

func login(ctx context.Context, job config.JobConfig, session runner.Session, driver crawler.PlatformDriver,
	codes cache.Cache, out io.Writer, logger *zap.Logger,
) error {
	page, ok := session.(auth.Page)
	if !ok {
		return crawler.Errorf(crawler.KindConfiguration, "crawler.login", "browser session cannot drive a login page")
	}
	flow, err := auth.New(job.LoginType, auth.Deps{
		Page:    page,
		Driver:  driver,
		Cache:   codes,
		Out:     out,
		DataDir: job.DataDir,
		Phone:   job.Phone,
		Cookies: job.Cookies,
		Logger:  logger,
	})
	if err != nil {
		return err
	}
	return flow.Login(ctx)
}

func buildProxyPool(base config.Config, job config.JobConfig, codes cache.Cache, clock crawler.Clock, logger *zap.Logger) (client.ProxySource, error) {
	vendor, err := providers.New(job.ProxyProvider, providers.Credentials{
		JiSuEndpoint:        base.Proxy.JiSu.Endpoint,
		JiSuKey:             base.Proxy.JiSu.Key,
		JiSuCrypto:          base.Proxy.JiSu.Crypto,
		JiSuValidityMinutes: base.Proxy.JiSu.ValidityMinute,
		WanDouEndpoint:      base.Proxy.WanDou.Endpoint,
		WanDouAppKey:        base.Proxy.WanDou.AppKey,
		KuaiDaiLiEndpoint:   base.Proxy.KuaiDaiLi.Endpoint,
		KuaiDaiLiSecretID:   base.Proxy.KuaiDaiLi.SecretID,
		KuaiDaiLiSignature:  base.Proxy.KuaiDaiLi.Signature,
		KuaiDaiLiUser:       base.Proxy.KuaiDaiLi.User,
		KuaiDaiLiPassword:   base.Proxy.KuaiDaiLi.Password,
	}, &http.Client{Timeout: proxyProviderTimeout})
	if err != nil {
		return nil, crawler.NewError(crawler.KindConfiguration, "crawler.buildProxyPool", err)
	}
	return proxy.NewPool(proxy.NewCachedProvider(vendor, codes, clock, logger), proxy.PoolConfig{
		Size:      base.Proxy.PoolCount,
		Validate:  base.Proxy.Validate,
		Validator: proxy.HTTPValidator{URL: base.Proxy.ValidateURL},
		Clock:     clock,
		Logger:    logger,
	}), nil
}

func firstOr(values []string, def string) string {
	if len(values) > 0 {
		return values[0]
	}
	return def
}
