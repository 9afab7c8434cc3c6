package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"supportdesk/internal/ratelimit"
	"supportdesk/internal/util"
	"supportdesk/pkg/events"
	"supportdesk/pkg/storage"
	"supportdesk/pkg/store"
	"supportdesk/services/support/internal/app"
	"supportdesk/services/support/internal/config"
	"supportdesk/services/support/internal/security"
	"supportdesk/services/support/internal/server"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := util.InitLogger(util.LogConfig{
		Level:   cfg.LogLevel,
		Service: "support",
		Dir:     cfg.LogDir,
	})

	sessionTTL := mustDuration("sessionTTL", cfg.SessionTTL)
	jwtLeeway := mustDuration("jwtLeeway", cfg.JWTLeeway)
	cacheTTL := mustDuration("knowledgeCacheTTL", cfg.KnowledgeCacheTTL)
	exportTTL := mustDuration("minio.exportURLTTL", cfg.MinIO.ExportURLTTL)
	shutdownTimeout := mustDuration("shutdownTimeout", cfg.ShutdownTimeout)
	if shutdownTimeout == 0 {
		shutdownTimeout = 15 * time.Second
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var dataStore store.Store
	switch cfg.StoreDriver {
	case config.StoreDriverMemory:
		logger.Warn("using in-memory store; data is lost on restart")
		dataStore = store.NewMemoryStore()
	default:
		gormStore, err := store.NewGormStore(cfg.DatabaseURL)
		if err != nil {
			util.Fatal("failed to init postgres store", "err", err)
		}
		dataStore = gormStore
	}

	var redisClient redis.UniversalClient
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			cancel()
			util.Fatal("failed to reach redis", "addr", cfg.RedisAddr, "err", err)
		}
		cancel()
		defer redisClient.Close()
	} else {
		logger.Warn("redis not configured; rate limits and token revocation are per instance")
	}

	var revoker store.TokenRevoker = store.NewMemoryTokenRevoker()
	if redisClient != nil {
		revoker = store.NewRedisTokenRevoker(redisClient)
	}
	sessions, err := store.NewJWTSessionStore(cfg.JWTSecret, sessionTTL, revoker, store.JWTOptions{
		Issuer:   cfg.JWTIssuer,
		Audience: cfg.JWTAudience,
		Leeway:   jwtLeeway,
	})
	if err != nil {
		util.Fatal("failed to init session store", "err", err)
	}

	publisher, err := newPublisher(cfg.Events, redisClient)
	if err != nil {
		util.Fatal("failed to init event publisher", "driver", cfg.Events.Driver, "err", err)
	}
	defer publisher.Close()

	var objects storage.ObjectStore
	if cfg.MinIO.Endpoint != "" {
		minioStore, err := storage.NewMinioStore(ctx, storage.MinioConfig{
			Endpoint:  cfg.MinIO.Endpoint,
			AccessKey: cfg.MinIO.AccessKey,
			SecretKey: cfg.MinIO.SecretKey,
			Bucket:    cfg.MinIO.Bucket,
			Region:    cfg.MinIO.Region,
			Prefix:    cfg.MinIO.Prefix,
			UseSSL:    cfg.MinIO.UseSSL,
		})
		if err != nil {
			util.Fatal("failed to init object storage", "err", err)
		}
		objects = minioStore
	}

	appCore, err := app.New(app.Config{
		Store:             dataStore,
		Sessions:          sessions,
		KnowledgeCache:    redisClient,
		KnowledgeCacheTTL: cacheTTL,
		Objects:           objects,
		ExportURLTTL:      exportTTL,
		Publisher:         publisher,
	})
	if err != nil {
		util.Fatal("failed to init app", "err", err)
	}

	trusted, err := util.NewTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		util.Fatal("invalid trustedProxies", "err", err)
	}
	httpServer, err := server.New(server.Config{
		App:                appCore,
		ChatLimiter:        mustLimiter(redisClient, "chat", cfg.ChatRateLimitPerMinute, 20),
		LoginLimiter:       mustLimiter(redisClient, "login", cfg.LoginRateLimitPerMinute, 10),
		SignupLimiter:      mustLimiter(redisClient, "signup", cfg.SignupRateLimitPerMinute, 5),
		Alerter:            security.NewAuditAlerter(redisClient, ""),
		TrustedProxies:     trusted,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
	})
	if err != nil {
		util.Fatal("failed to init http server", "err", err)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("support server listening", "addr", addr, "store", cfg.StoreDriver, "events", cfg.Events.Driver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "err", err)
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "err", err)
	}
	slog.Info("support server stopped")
}

func mustDuration(field, raw string) time.Duration {
	d, err := config.ParseDuration(field, raw)
	if err != nil {
		util.Fatal("invalid duration", "field", field, "err", err)
	}
	return d
}

func mustLimiter(client redis.UniversalClient, name string, limit, def int) ratelimit.Limiter {
	if limit <= 0 {
		limit = def
	}
	if client == nil {
		l, err := ratelimit.NewMemoryFixedWindowLimiter(limit, time.Minute)
		if err != nil {
			util.Fatal("failed to init limiter", "name", name, "err", err)
		}
		return l
	}
	l, err := ratelimit.NewRedisFixedWindowLimiter(client, "supportdesk:ratelimit:"+name, limit, time.Minute)
	if err != nil {
		util.Fatal("failed to init limiter", "name", name, "err", err)
	}
	return l
}

func newPublisher(cfg config.EventsConfig, client redis.UniversalClient) (events.Publisher, error) {
	switch cfg.Driver {
	case "amqp":
		return events.NewAMQPPublisher(events.AMQPConfig{URL: cfg.AMQPURL, Exchange: cfg.Exchange})
	case "redis":
		return events.NewRedisStreamPublisher(client, cfg.Stream, 10000)
	default:
		return events.NopPublisher{}, nil
	}
}
