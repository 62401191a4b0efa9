package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"libraryhub/internal/metrics"
	"libraryhub/internal/ratelimit"
	"libraryhub/internal/util"
	"libraryhub/pkg/events"
	"libraryhub/pkg/store"
	"libraryhub/services/library/internal/app"
	"libraryhub/services/library/internal/config"
	"libraryhub/services/library/internal/server"
)

const shutdownTimeout = 30 * time.Second

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger := util.InitLogger(cfg.LogLevel)
	if err := run(cfg, logger); err != nil {
		logger.Error("library service stopped", "err", err)
		os.Exit(1)
	}
}

func run(cfg config.FileConfig, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	dataStore, err := store.Open(cfg.DatabaseURL, store.WithRetryPolicy(store.RetryPolicy{
		MaxAttempts: cfg.TxMaxAttempts,
		OnRetry: func(attempt int, err error) {
			m.TxRetry(attempt, err)
			logger.Debug("retrying serializable transaction", "attempt", attempt, "err", err)
		},
	}))
	if err != nil {
		return err
	}
	defer dataStore.Close()

	trusted, err := util.NewTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		return err
	}

	var (
		limiter   server.RateLimiter
		publisher app.EventPublisher
	)
	if cfg.RedisAddr != "" {
		if cfg.WriteRateLimitPerMinute > 0 {
			l, err := ratelimit.NewFixedWindowLimiter(ratelimit.Config{
				Addr:     cfg.RedisAddr,
				Password: cfg.RedisPassword,
				Limit:    cfg.WriteRateLimitPerMinute,
				Window:   time.Minute,
			})
			if err != nil {
				return err
			}
			defer l.Close()
			limiter = l
		}
		stream, err := events.NewRedisStream(events.RedisStreamConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			Stream:   cfg.EventStream,
		})
		if err != nil {
			return err
		}
		defer stream.Close()
		publisher = stream
		logger.Info("loan events enabled", "stream", stream.Stream())
	} else {
		logger.Warn("redis not configured: write rate limiting and loan events disabled")
	}

	core, err := app.New(app.Config{Store: dataStore, Events: publisher, Metrics: m})
	if err != nil {
		return err
	}
	httpServer, err := server.New(server.Config{
		App:            core,
		Limiter:        limiter,
		TrustedProxies: trusted,
		CORSOrigins:    cfg.CORSAllowedOrigins,
		Metrics:        m,
	})
	if err != nil {
		return err
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           httpServer.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("library server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down library server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
