package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"bookloan/internal/metrics"
	"bookloan/internal/usertoken"
	"bookloan/internal/util"
	"bookloan/pkg/events"
	"bookloan/pkg/store"
	"bookloan/services/library/internal/app"
	"bookloan/services/library/internal/config"
	"bookloan/services/library/internal/server"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	leeway, err := config.ParseJWTLeeway(cfg.JWTLeeway)
	if err != nil {
		log.Fatalf("failed to parse jwt leeway: %v", err)
	}

	logger := util.InitLogger(cfg.LogLevel)

	var (
		publisher events.Publisher = events.Nop{}
		revoker   store.TokenRevoker
	)
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer client.Close()
		streamPublisher, err := events.NewRedisStreamPublisher(client, events.RedisStreamConfig{
			Stream: cfg.EventStream,
			MaxLen: cfg.EventStreamMaxLen,
		})
		if err != nil {
			log.Fatalf("failed to init event publisher: %v", err)
		}
		publisher = streamPublisher
		redisRevoker, err := store.NewRedisTokenRevoker(client, "")
		if err != nil {
			log.Fatalf("failed to init token revoker: %v", err)
		}
		revoker = redisRevoker
	}

	registry := metrics.New()
	appCore, err := app.New(app.Config{
		DatabaseURL: cfg.DatabaseURL,
		Publisher:   publisher,
		Metrics:     registry,
	})
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}

	verifier, err := usertoken.NewVerifier(usertoken.Config{
		JWKSURL:  cfg.AuthJWKSURL,
		Issuer:   cfg.JWTIssuer,
		Audience: cfg.JWTAudience,
		Leeway:   leeway,
		Revoker:  revoker,
	})
	if err != nil {
		log.Fatalf("failed to init token verifier: %v", err)
	}

	httpServer, err := server.New(server.Config{
		App:            appCore,
		Verifier:       verifier,
		Metrics:        registry.Handler(),
		AllowedOrigins: cfg.CORSAllowedOrigins,
	})
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown failed", "err", err)
		}
	}()

	slog.Info("library server listening", "addr", addr, "redis", cfg.RedisAddr != "")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", "err", err)
	}
}
