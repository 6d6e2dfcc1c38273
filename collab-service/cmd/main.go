package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/weiawesome/wes-trip-collab/collab-service/internal/auth"
	"github.com/weiawesome/wes-trip-collab/collab-service/internal/config"
	"github.com/weiawesome/wes-trip-collab/collab-service/internal/handler"
	"github.com/weiawesome/wes-trip-collab/collab-service/internal/hub"
	"github.com/weiawesome/wes-trip-collab/collab-service/internal/identity"
	"github.com/weiawesome/wes-trip-collab/collab-service/internal/liveness"
	"github.com/weiawesome/wes-trip-collab/collab-service/internal/service"
	"github.com/weiawesome/wes-trip-collab/pkg/database"
	"github.com/weiawesome/wes-trip-collab/pkg/jwt"
	pkglog "github.com/weiawesome/wes-trip-collab/pkg/log"
	"github.com/weiawesome/wes-trip-collab/pkg/middleware"
	"github.com/weiawesome/wes-trip-collab/pkg/pubsub"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		l := pkglog.L()
		l.Fatal().Err(err).Msg("failed to load configuration")
	}

	// Initialize structured logger
	pkglog.Init(cfg.Log)
	logger := pkglog.L()

	logger.Info().
		Str("host", cfg.Server.Host).
		Int("port", cfg.Server.Port).
		Str(pkglog.FieldInstance, cfg.Server.InstanceID).
		Str("pubsub_driver", cfg.PubSub.Driver).
		Msg("starting collab-service")

	tokens, err := jwt.NewManager(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.TokenTTL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create token manager")
	}

	// Optional identity directory
	var profiles auth.ProfileLookup
	if cfg.Identity.Enabled {
		db, err := database.New(&cfg.Database)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to identity database")
		}
		defer database.Close(db)

		dir := identity.NewDirectory(db, cfg.Identity.CacheTTL)
		if err := dir.Migrate(); err != nil {
			logger.Fatal().Err(err).Msg("failed to migrate identity tables")
		}
		profiles = dir
		logger.Info().Str("driver", cfg.Database.Driver).Msg("identity directory enabled")
	}
	authenticator := auth.NewAuthenticator(tokens, profiles)

	// Cluster bus
	bus, err := pubsub.NewPubSub(cfg.PubSub)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create pubsub")
	}
	defer bus.Close()

	// Create hub
	h := hub.NewHub()
	go h.Run()

	// Optional instance liveness, backed by the bus's redis when it has one
	var opts []service.Option
	if cfg.Liveness.Enabled {
		client := redisClient(bus, cfg.PubSub.Redis)
		reg := liveness.NewRedisRegistry(client, cfg.Server.InstanceID, cfg.Liveness.Config)
		defer reg.Close()
		opts = append(opts, service.WithLiveness(reg, cfg.Liveness.ReapInterval))
		logger.Info().Dur("reap_interval", cfg.Liveness.ReapInterval).Msg("instance liveness enabled")
	}

	// Create service
	svc := service.NewCollabService(h, bus, cfg.Server.InstanceID, opts...)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := svc.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to start collab service")
	}

	// Create handlers
	wsHandler := handler.NewWSHandler(h, svc, authenticator, cfg.WebSocket)
	httpHandler := handler.NewHTTPHandler(svc, middleware.NewAuthMiddleware(tokens))
	router := handler.NewRouter(wsHandler, httpHandler, logger)

	// Create server
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      pkglog.HTTPMiddleware(logger)(router),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info().Str("addr", addr).Msg("collab-service listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down collab-service")

	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)

		svc.Stop() // 1. announce local departures, stop bus consumer

		h.Stop() // 2. close all WS clients, stop Hub.Run()

		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("server shutdown error")
		}
	}()

	select {
	case <-shutdownDone:
		logger.Info().Msg("collab-service stopped")
	case <-time.After(30 * time.Second):
		logger.Warn().Msg("shutdown timed out after 30s")
	}
}

// redisClient reuses the redis bus connection, or opens one from the same
// settings when the bus runs on another driver.
func redisClient(bus pubsub.PubSub, cfg pubsub.RedisConfig) *redis.Client {
	if rb, ok := bus.(*pubsub.RedisPubSub); ok {
		return rb.Client()
	}
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}
