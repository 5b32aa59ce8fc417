package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/weiawesome/wes-io-relay/notification-service/internal/config"
	"github.com/weiawesome/wes-io-relay/notification-service/internal/delivery"
	"github.com/weiawesome/wes-io-relay/notification-service/internal/handler"
	"github.com/weiawesome/wes-io-relay/notification-service/internal/metrics"
	"github.com/weiawesome/wes-io-relay/notification-service/internal/provider"
	"github.com/weiawesome/wes-io-relay/notification-service/internal/scheduler"
	"github.com/weiawesome/wes-io-relay/notification-service/internal/worker"
	"github.com/weiawesome/wes-io-relay/pkg/credential"
	"github.com/weiawesome/wes-io-relay/pkg/database"
	"github.com/weiawesome/wes-io-relay/pkg/directory"
	pkglog "github.com/weiawesome/wes-io-relay/pkg/log"
	"github.com/weiawesome/wes-io-relay/pkg/middleware"
	"github.com/weiawesome/wes-io-relay/pkg/notification"
	"github.com/weiawesome/wes-io-relay/pkg/pubsub"
	"github.com/weiawesome/wes-io-relay/pkg/queue"
	"github.com/weiawesome/wes-io-relay/pkg/store"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		l := pkglog.L()
		l.Fatal().Err(err).Msg("failed to load config")
	}

	// Initialize structured logger
	pkglog.Init(pkglog.Config{
		Level:       cfg.Log.Level,
		Pretty:      cfg.Log.Level == "debug",
		ServiceName: "notification-service",
		InstanceID:  cfg.Log.InstanceID,
	})
	logger := pkglog.L()

	if cfg.Live.InternalToken == "" {
		logger.Warn().Msg("live.internal_token is empty, websocket delivery will be rejected by chat-service")
	}

	// Connect to database using GORM
	db, err := database.New(&cfg.Database)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	if err := database.AutoMigrate(db, store.Models()...); err != nil {
		logger.Fatal().Err(err).Msg("failed to auto-migrate")
	}
	logger.Info().Str("driver", cfg.Database.Driver).Msg("database migration completed")
	gormStore := store.New(db)

	// Connect to Redis
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		pingCancel()
		logger.Fatal().Err(err).Str("addr", cfg.Redis.Address).Msg("failed to connect to redis")
	}
	pingCancel()
	logger.Info().Str("addr", cfg.Redis.Address).Msg("redis connected")

	// Event bus
	bus, err := pubsub.NewPubSub(cfg.PubSub)
	if err != nil {
		logger.Fatal().Err(err).Str("driver", cfg.PubSub.Driver).Msg("failed to initialize event bus")
	}
	defer bus.Close()

	q := queue.NewRedisQueue(rdb, queue.RedisConfig{
		Prefix:     cfg.Queue.Prefix,
		Visibility: cfg.Queue.Visibility,
		Backoff:    cfg.Queue.Backoff,
	})
	svc := notification.NewService(gormStore, q)

	// Providers; the directory is read-only here.
	dir := directory.New(rdb, cfg.Directory, "")
	rooms := store.NewCachedRoomStore(gormStore, rdb, "relay:room_members", cfg.Redis.MemberCacheTTL)
	providers, err := provider.NewSet(provider.NewFactory(), cfg.Providers, provider.Deps{
		Live: provider.LiveDeps{Directory: dir, Rooms: rooms, InternalToken: cfg.Live.InternalToken},
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to configure providers")
	}
	logger.Info().Strs("providers", providers.Names()).Msg("providers configured")

	m := metrics.New()
	orch := delivery.New(gormStore, providers, cfg.Delivery,
		delivery.WithEvents(bus),
		delivery.WithObserver(m),
		delivery.WithFallback(svc),
	)
	pool := worker.New(q, orch, cfg.Worker)
	sweeper := scheduler.New(gormStore, svc, pool, cfg.Scheduler)
	fanout := delivery.NewFanout(bus, gormStore, svc)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ctx = pkglog.WithLogger(ctx, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return pool.Run(gctx) })
	g.Go(func() error { return fanout.Run(gctx) })
	if err := sweeper.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to start sweeper")
	}

	// HTTP API
	var tokens handler.TokenIssuer
	if cfg.Auth.TokenSecret != "" {
		tokens = credential.NewTokenManager(cfg.Auth.TokenSecret, cfg.Auth.TokenIssuer, cfg.Auth.TokenLifetime)
	} else {
		logger.Warn().Msg("auth.token_secret is empty, connection tokens are disabled")
	}
	verifier := credential.NewVerifier(gormStore, nil)
	authMiddleware := middleware.NewAuthMiddleware(verifier)
	h := handler.NewHandler(handler.Deps{
		Notifications: svc,
		Webhooks:      gormStore,
		Tokens:        tokens,
		Tenants:       gormStore,
		Observer:      m,
		AdminToken:    cfg.Server.AdminToken,
	}, authMiddleware)

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(pkglog.GinMiddleware(logger))

	r.GET("/health", func(c *gin.Context) {
		due, inflight, err := q.Depth(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "queue_due": due, "queue_inflight": inflight})
	})
	r.GET("/metrics", gin.WrapH(m.Handler()))
	h.RegisterRoutes(r)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", server.Addr).Int("workers", cfg.Worker.Concurrency).Msg("notification-service starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case <-gctx.Done():
		logger.Error().Msg("background worker stopped unexpectedly")
	}

	logger.Info().Msg("shutting down notification-service")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server forced to shutdown")
	}
	sweeper.Stop(shutdownCtx)
	cancel()
	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("background workers failed")
	}
	if err := q.Close(); err != nil {
		logger.Error().Err(err).Msg("failed to close queue")
	}

	logger.Info().Msg("notification-service stopped")
}
