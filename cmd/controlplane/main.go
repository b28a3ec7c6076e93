// The controlplane binary serves the HTTP and WebSocket API that starts,
// stops, and observes one crawler child process at a time.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/social-crawler/internal/api"
	"github.com/JakeFAU/social-crawler/internal/cache"
	"github.com/JakeFAU/social-crawler/internal/config"
	"github.com/JakeFAU/social-crawler/internal/logging"
	"github.com/JakeFAU/social-crawler/internal/loghub"
	"github.com/JakeFAU/social-crawler/internal/metrics"
	"github.com/JakeFAU/social-crawler/internal/supervisor"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)
	metrics.Init()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hub := loghub.New(loghub.Config{
		Capacity: cfg.ControlPlane.LogBuffer,
		Logger:   logger.Named("loghub"),
	})

	var archive io.WriteCloser
	if cfg.ControlPlane.LogFile != "" {
		archive = logging.RotatingWriter(logging.Options{File: cfg.ControlPlane.LogFile})
		defer func() { _ = archive.Close() }()
	}

	codes, err := cache.New(ctx, cfg.Cache.Type, cache.Options{
		CronInterval:  time.Duration(cfg.Cache.CronIntervalSeconds) * time.Second,
		RedisAddr:     cfg.Cache.Redis.Addr,
		RedisPassword: cfg.Cache.Redis.Password,
		RedisDB:       cfg.Cache.Redis.DB,
	})
	if err != nil {
		logger.Warn("sms code cache unavailable", zap.Error(err))
	} else {
		defer func() { _ = codes.Close() }()
	}

	manager, err := supervisor.New(supervisor.Config{
		Binary:      cfg.ControlPlane.CrawlerBinary,
		BaseArgs:    cfg.ControlPlane.CrawlerArgs,
		StopGrace:   cfg.StopGrace(),
		Archive:     archive,
		SharedCodes: codes != nil && cfg.Cache.Type == cache.TypeRedis,
		Logger:      logger.Named("supervisor"),
	}, hub)
	if err != nil {
		logger.Error("supervisor init failed", zap.Error(err))
		return
	}

	apiServer := api.NewServer(manager, hub, codes, api.Config{
		AuthEnabled: cfg.Auth.Enabled,
		APIKey:      cfg.Auth.APIKey,
		DataDir:     cfg.Storage.DataDir,
	}, logger.Named("api"))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	if manager.Running() {
		if err := manager.Stop(); err != nil && !errors.Is(err, supervisor.ErrNotRunning) {
			logger.Warn("stop crawler failed", zap.Error(err))
		}
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	if err := hub.Close(shutdownCtx); err != nil {
		logger.Warn("log hub close failed", zap.Error(err))
	}
	logger.Info("shutdown complete")
}
