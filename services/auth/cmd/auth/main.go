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

	"bookloan/internal/ratelimit"
	"bookloan/internal/util"
	"bookloan/pkg/store"
	"bookloan/services/auth/internal/app"
	"bookloan/services/auth/internal/config"
	"bookloan/services/auth/internal/security"
	"bookloan/services/auth/internal/server"
)

const rateWindow = time.Minute

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	sessionTTL, err := config.ParseSessionTTL(cfg.SessionTTL)
	if err != nil {
		log.Fatalf("failed to parse session TTL: %v", err)
	}
	refreshTTL, err := config.ParseRefreshTTL(cfg.RefreshTTL)
	if err != nil {
		log.Fatalf("failed to parse refresh TTL: %v", err)
	}
	leeway, err := config.ParseJWTLeeway(cfg.JWTLeeway)
	if err != nil {
		log.Fatalf("failed to parse jwt leeway: %v", err)
	}
	verifyKeys, err := config.ParseVerifyPublicKeys(cfg.JWTVerifyPublicKeys)
	if err != nil {
		log.Fatalf("failed to parse verify keys: %v", err)
	}
	trusted, err := util.NewTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		log.Fatalf("failed to parse trusted proxies: %v", err)
	}

	logger := util.InitLogger(cfg.LogLevel)

	appCfg := app.Config{
		DatabaseURL:         cfg.DatabaseURL,
		SessionTTL:          sessionTTL,
		RefreshTTL:          refreshTTL,
		JWTPrivateKeyPath:   cfg.JWTPrivateKeyPath,
		JWTKeyID:            cfg.JWTKeyID,
		JWTVerifyPublicKeys: verifyKeys,
		JWTIssuer:           cfg.JWTIssuer,
		JWTAudience:         cfg.JWTAudience,
		JWTLeeway:           leeway,
	}
	serverCfg := server.Config{
		TrustedProxies: trusted,
		AllowedOrigins: cfg.CORSAllowedOrigins,
	}

	// Without Redis every store and limiter stays in-process.
	newLimiter := func(name string, limit int) ratelimit.Limiter {
		if limit <= 0 {
			return nil
		}
		limiter, err := ratelimit.NewMemoryFixedWindowLimiter(limit, rateWindow)
		if err != nil {
			log.Fatalf("failed to init %s limiter: %v", name, err)
		}
		return limiter
	}
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer client.Close()
		revoker, err := store.NewRedisTokenRevoker(client, "")
		if err != nil {
			log.Fatalf("failed to init token revoker: %v", err)
		}
		appCfg.Revoker = revoker
		refreshTokens, err := store.NewRedisRefreshTokenStore(client)
		if err != nil {
			log.Fatalf("failed to init refresh token store: %v", err)
		}
		appCfg.RefreshTokens = refreshTokens
		alerter, err := security.NewAuditAlerter(client, "")
		if err != nil {
			log.Fatalf("failed to init audit alerter: %v", err)
		}
		serverCfg.Alerter = alerter
		newLimiter = func(name string, limit int) ratelimit.Limiter {
			if limit <= 0 {
				return nil
			}
			limiter, err := ratelimit.NewRedisFixedWindowLimiter(client, "bookloan:auth:ratelimit:"+name, limit, rateWindow)
			if err != nil {
				log.Fatalf("failed to init %s limiter: %v", name, err)
			}
			return limiter
		}
	}
	serverCfg.RegisterLimiter = newLimiter("register", cfg.RegisterRateLimitPerMinute)
	serverCfg.TokenLimiter = newLimiter("token", cfg.TokenRateLimitPerMinute)
	serverCfg.RefreshLimiter = newLimiter("refresh", cfg.RefreshRateLimitPerMinute)

	appCore, err := app.New(appCfg)
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}
	serverCfg.App = appCore
	httpServer, err := server.New(serverCfg)
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

	slog.Info("auth server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", "err", err)
	}
}
