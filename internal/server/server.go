// Package server assembles the relay and call-log API into one HTTP server.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/rs/cors"

	"github.com/NeoRevolt/byoncall-sdk/internal/api"
	"github.com/NeoRevolt/byoncall-sdk/internal/auth"
	"github.com/NeoRevolt/byoncall-sdk/internal/config"
	"github.com/NeoRevolt/byoncall-sdk/internal/middleware"
)

// Dependencies holds all service dependencies for the server
type Dependencies struct {
	// Ready reports whether backing services are reachable; nil means always ready
	Ready         func(ctx context.Context) error
	Tokens        *auth.TokenService
	Limiter       *middleware.RateLimiter
	CallHandler   *api.CallHandler
	ReportHandler *api.ReportHandler
	TokenHandler  *api.TokenHandler
	Relay         http.Handler
	Logger        *slog.Logger
}

// New creates an HTTP server with all routes configured.
func New(cfg *config.Config, deps *Dependencies) *http.Server {
	mux := http.NewServeMux()

	registerRoutes(mux, deps)

	handler := chainMiddleware(mux,
		requestIDMiddleware,
		corsMiddleware(cfg),
		loggingMiddleware(deps.Logger),
		recoverMiddleware(deps.Logger),
	)

	return &http.Server{
		Addr:         cfg.ServerAddr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

func registerRoutes(mux *http.ServeMux, deps *Dependencies) {
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})

	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if deps.Ready != nil {
			if err := deps.Ready(r.Context()); err != nil {
				deps.Logger.Warn("readiness check failed", "error", err)
				w.WriteHeader(http.StatusServiceUnavailable)
				w.Write([]byte(`{"status":"not ready","error":"database unavailable"}`))
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ready"}`))
	})

	// =========================================================================
	// Auth routes (public, secret-guarded)
	// =========================================================================
	if deps.TokenHandler != nil {
		mux.HandleFunc("POST /auth/token", deps.TokenHandler.IssueToken)
	}

	// =========================================================================
	// Protected routes (require auth, rate limited per phone)
	// =========================================================================
	protected := func(h http.HandlerFunc) http.Handler {
		var next http.Handler = h
		if deps.Limiter != nil {
			next = deps.Limiter.Middleware(next)
		}
		return auth.Middleware(deps.Tokens)(next)
	}

	if deps.CallHandler != nil {
		mux.Handle("GET /calls", protected(deps.CallHandler.GetCallHistory))
		mux.Handle("POST /calls", protected(deps.CallHandler.RecordCall))
		mux.Handle("GET /calls/{id}", protected(deps.CallHandler.GetCall))
		mux.Handle("POST /calls/{id}/recording", protected(deps.CallHandler.CreateRecordingUpload))
	}
	if deps.ReportHandler != nil {
		mux.Handle("POST /reports/permissions", protected(deps.ReportHandler.ReportPermissions))
	}

	// =========================================================================
	// Signaling relay (authenticates the upgrade itself)
	// =========================================================================
	if deps.Relay != nil {
		mux.Handle("GET /ws", deps.Relay)
	}
}

// corsMiddleware allows the configured origins; "*" allows any
func corsMiddleware(cfg *config.Config) Middleware {
	c := cors.New(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: !allowsAny(cfg.AllowedOrigins),
		MaxAge:           86400,
	})
	return c.Handler
}

func allowsAny(origins []string) bool {
	for _, o := range origins {
		if o == "*" {
			return true
		}
	}
	return false
}
