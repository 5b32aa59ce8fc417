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

	"github.com/weiawesome/wes-io-relay/chat-service/internal/config"
	"github.com/weiawesome/wes-io-relay/chat-service/internal/handler"
	"github.com/weiawesome/wes-io-relay/chat-service/internal/presence"
	"github.com/weiawesome/wes-io-relay/chat-service/internal/registry"
	"github.com/weiawesome/wes-io-relay/chat-service/internal/router"
	"github.com/weiawesome/wes-io-relay/chat-service/internal/session"
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
		ServiceName: "chat-service",
		InstanceID:  cfg.Log.InstanceID,
	})
	logger := pkglog.L()

	if cfg.Auth.TokenSecret == "" {
		logger.Warn().Msg("auth.token_secret is empty, connection tokens are disabled")
	}
	if cfg.Server.InternalToken == "" {
		logger.Warn().Msg("server.internal_token is empty, internal delivery is disabled")
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

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Session directory, mirrored from the local registry
	dir := directory.New(rdb, cfg.Directory, cfg.Server.AdvertiseAddress)
	dir.StartHeartbeat(ctx)
	defer dir.Close()
	mirror := registry.NewDirectoryMirror(dir, 0)
	defer mirror.Close()
	reg := registry.New(registry.WithObserver(mirror))

	// Event bus
	bus, err := pubsub.NewPubSub(cfg.PubSub)
	if err != nil {
		logger.Fatal().Err(err).Str("driver", cfg.PubSub.Driver).Msg("failed to initialize event bus")
	}
	defer bus.Close()

	// Notification submission for undelivered messages
	q := queue.NewRedisQueue(rdb, queue.RedisConfig{
		Prefix:     cfg.Queue.Prefix,
		Visibility: cfg.Queue.Visibility,
		Backoff:    cfg.Queue.Backoff,
	})
	notifier := notification.NewService(gormStore, q)

	rooms := store.NewCachedRoomStore(gormStore, rdb, "relay:room_members", cfg.Redis.MemberCacheTTL)
	var tokens *credential.TokenManager
	if cfg.Auth.TokenSecret != "" {
		tokens = credential.NewTokenManager(cfg.Auth.TokenSecret, cfg.Auth.TokenIssuer, time.Hour)
	}
	verifier := credential.NewVerifier(gormStore, tokens)

	bcast := presence.New(reg, bus)
	msgRouter := router.New(reg, gormStore, notifier, router.Options{
		DedupeWindow: cfg.Router.DedupeWindow,
		Dedupe:       router.NewRedisDedupe(rdb, "relay:dedupe", cfg.Router.DedupeWindow),
		Publisher:    bus,
	})

	wsHandler := handler.NewWSHandler(ctx, session.Deps{
		Auth:       verifier,
		Registry:   reg,
		Rooms:      rooms,
		Presence:   bcast,
		Dispatcher: handler.NewDispatcher(msgRouter, rooms, bcast, reg),
		Config:     cfg.WebSocket,
	})
	internalHandler := handler.NewInternalHandler(msgRouter, cfg.Server.InternalToken)
	roomHandler := handler.NewRoomHandler(handler.RoomDeps{
		Rooms:    gormStore,
		Cache:    rooms,
		Sessions: reg,
		Presence: bcast,
	}, middleware.NewAuthMiddleware(verifier))

	// Setup Gin router
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(pkglog.GinMiddleware(logger))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "sessions": reg.Count()})
	})
	wsHandler.RegisterRoutes(r)
	internalHandler.RegisterRoutes(r)
	roomHandler.RegisterRoutes(r)

	server := &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:     r,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", server.Addr).Str("advertise", cfg.Server.AdvertiseAddress).Msg("chat-service starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Int("sessions", reg.Count()).Msg("shutting down chat-service")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server forced to shutdown")
	}
	// Hijacked websocket connections are not closed by Shutdown.
	cancel()
	if err := wsHandler.Wait(shutdownCtx); err != nil {
		logger.Warn().Err(err).Int("sessions", reg.Count()).Msg("sessions still open at shutdown")
	}

	logger.Info().Msg("chat-service stopped")
}
