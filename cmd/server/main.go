package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/visteria/visteria/internal/api"
	"github.com/visteria/visteria/internal/config"
	"github.com/visteria/visteria/internal/pkg/logger"
	"github.com/visteria/visteria/internal/ratelimit"
	"github.com/visteria/visteria/internal/storage"
)

func main() {
	cfg, err := config.LoadFromEnv(os.Getenv("VISTERIA_CONFIG"))
	if err != nil {
		logger.Error("load config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	store, err := storage.Connect(ctx, cfg.Mongo)
	cancel()
	if err != nil {
		logger.Error("connect storage", "error", err)
		os.Exit(1)
	}

	var limiter *ratelimit.Limiter
	if cfg.RateLimit.RedisURL != "" {
		limiter, err = ratelimit.NewFromURL(cfg.RateLimit.RedisURL, cfg.RateLimit.TrackPerMinute)
		if err != nil {
			logger.Error("connect redis", "error", err)
			os.Exit(1)
		}
		logger.Info("track rate limiting enabled", "per_minute", cfg.RateLimit.TrackPerMinute)
	}

	srv := api.NewServer(cfg, store, limiter)
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)

	go func() {
		logger.Info("visteria API listening", "addr", addr, "track_auth", cfg.Auth.TrackAuth)
		if err := srv.ListenAndServe(addr); err != nil && err != http.ErrServerClosed {
			logger.Error("listen", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server shutdown", "error", err)
	}
	if limiter != nil {
		_ = limiter.Close()
	}
	if err := store.Close(shutdownCtx); err != nil {
		logger.Warn("storage close", "error", err)
	}
}
