// Command relay runs the signaling relay and the call-log API.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/NeoRevolt/byoncall-sdk/internal/api"
	"github.com/NeoRevolt/byoncall-sdk/internal/auth"
	"github.com/NeoRevolt/byoncall-sdk/internal/config"
	"github.com/NeoRevolt/byoncall-sdk/internal/database"
	"github.com/NeoRevolt/byoncall-sdk/internal/middleware"
	"github.com/NeoRevolt/byoncall-sdk/internal/pubsub"
	"github.com/NeoRevolt/byoncall-sdk/internal/relay"
	"github.com/NeoRevolt/byoncall-sdk/internal/server"
	"github.com/NeoRevolt/byoncall-sdk/internal/storage"
)

func main() {
	// Structured logging from the start
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Create context for initialization
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	db, err := database.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	slog.Info("connected to database")

	if err := database.EnsureSchema(ctx, db, database.Migrations, "migrations", logger); err != nil {
		slog.Error("failed to ensure database schema", "error", err)
		os.Exit(1)
	}

	callRepo := database.NewCallLogRepository(db)
	permissionRepo := database.NewPermissionRepository(db)

	tokens, err := auth.NewTokenService(cfg.JWTSigningKey, cfg.TokenTTL)
	if err != nil {
		slog.Error("failed to create token service", "error", err)
		os.Exit(1)
	}

	// Recording storage is optional
	var recordings api.RecordingPresigner
	if cfg.StorageEnabled() {
		store, err := storage.NewRecordingStore(storage.Config{
			Endpoint:        cfg.S3Endpoint,
			Region:          cfg.S3Region,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
			Bucket:          cfg.S3Bucket,
			PresignTTL:      cfg.PresignTTL,
		})
		if err != nil {
			slog.Error("failed to initialize recording storage", "error", err)
			os.Exit(1)
		}
		recordings = store
		slog.Info("recording storage initialized", "bucket", cfg.S3Bucket)
	} else {
		slog.Warn("recording storage not configured - recording uploads disabled")
	}

	// memory:// for a single instance, redis:// to fan out across instances
	ps, err := pubsub.Open(cfg.PubSubURL)
	if err != nil {
		slog.Error("failed to open pubsub", "error", err, "url", cfg.PubSubURL)
		os.Exit(1)
	}
	defer ps.Close()

	relayLimiter := middleware.NewRateLimiterPerSecond(cfg.RelayRatePerSecond, cfg.RelayBurst)
	apiLimiter := middleware.NewRateLimiter(120)

	if cfg.RegistrationSecret == "" {
		slog.Info("token issuance disabled (REGISTRATION_SECRET not set)")
	}

	runCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hub := relay.NewHub(ps, relayLimiter, logger)
	go hub.Run(runCtx)
	go cleanupLimiters(runCtx, relayLimiter, apiLimiter)

	srv := server.New(cfg, &server.Dependencies{
		Ready:         db.Health,
		Tokens:        tokens,
		Limiter:       apiLimiter,
		CallHandler:   api.NewCallHandler(callRepo, recordings, logger),
		ReportHandler: api.NewReportHandler(permissionRepo, logger),
		TokenHandler:  api.NewTokenHandler(tokens, cfg.RegistrationSecret, logger),
		Relay:         relay.NewHandler(hub, ps, tokens, nil, logger),
		Logger:        logger,
	})

	go func() {
		slog.Info("starting server", "addr", cfg.ServerAddr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt
	<-runCtx.Done()
	slog.Info("shutting down gracefully...")

	// Give active connections 10 seconds to finish
	timeoutCtx, timeoutCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer timeoutCancel()

	if err := srv.Shutdown(timeoutCtx); err != nil {
		slog.Error("forced shutdown", "error", err)
	}

	slog.Info("server stopped")
}

func cleanupLimiters(ctx context.Context, limiters ...*middleware.RateLimiter) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, l := range limiters {
				l.Cleanup()
			}
		}
	}
}
