package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	mongocrud "github.com/parlane-io/mongocrud"
	"github.com/parlane-io/mongocrud/internal/cache"
	"github.com/parlane-io/mongocrud/internal/config"
	dbMongo "github.com/parlane-io/mongocrud/internal/db/mongo"
	logpkg "github.com/parlane-io/mongocrud/internal/logger"
	"github.com/parlane-io/mongocrud/internal/metrics"
	"github.com/parlane-io/mongocrud/internal/transport/rest"
	"github.com/parlane-io/mongocrud/internal/version"
)

func main() {
	// Load configuration based on ENV
	env := config.GetEnv()

	cfg, err := config.Load(env)
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	logger, err := logpkg.NewLogger(env, cfg.Logging.Level)
	if err != nil {
		panic("failed to create logger: " + err.Error())
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting mongocrud API server",
		zap.String("version", version.Version),
		zap.String("commit", version.Commit),
		zap.String("env", env),
		zap.Int("http_port", cfg.HTTP.Port),
		zap.String("database", cfg.Database.Database),
		zap.Int("models", len(cfg.Models)),
	)

	ctx := context.Background()

	store, err := dbMongo.NewStore(ctx, dbMongo.Config{
		URI:      cfg.Database.URI,
		Database: cfg.Database.Database,
	})
	if err != nil {
		logger.Fatal("Failed to create database store", zap.Error(err))
	}
	defer store.Close()

	if err := store.WaitForReady(ctx, time.Duration(cfg.Database.ReadinessTimeout)*time.Second); err != nil {
		logger.Fatal("Database not ready", zap.Error(err))
	}
	logger.Info("Connected to database")

	// Register query metrics explicitly (no init())
	metrics.RegisterQueryMetrics()

	registryOpts := []mongocrud.RegistryOption{mongocrud.WithLogger(logger)}

	// Optional query cache, enabled only when addrs are configured.
	if len(cfg.Cache.Addrs) > 0 {
		queryCache, err := cache.NewStore(cache.Config{
			Addrs:    cfg.Cache.Addrs,
			Username: cfg.Cache.Username,
			Password: cfg.Cache.Password,
			DB:       cfg.Cache.DB,
			TTL:      time.Duration(cfg.Cache.TTLSec) * time.Second,
		})
		if err != nil {
			logger.Fatal("Failed to create query cache", zap.Error(err))
		}
		defer queryCache.Close()
		registryOpts = append(registryOpts, mongocrud.WithCache(queryCache))
		logger.Info("Query cache enabled", zap.Strings("addrs", cfg.Cache.Addrs))
	}

	registry := mongocrud.NewRegistry(store, registryOpts...)
	for _, mc := range cfg.Models {
		if _, err := registry.Register(definitionFromConfig(mc)); err != nil {
			logger.Fatal("Failed to register model", zap.String("model", mc.Name), zap.Error(err))
		}
		logger.Info("Registered model",
			zap.String("model", mc.Name),
			zap.String("collection", mc.Collection),
			zap.Int("fields", len(mc.Fields)),
			zap.Int("relations", len(mc.Relations)),
		)
	}

	server := rest.NewServer(registry, store, logger).
		WithPagination(int64(cfg.Query.DefaultPageSize), int64(cfg.Query.MaxPageSize))

	r := chi.NewRouter()
	r.Use(jsonRecoverer(logger))
	r.Use(chiMiddleware.RequestID)
	r.Use(wideEventMiddleware(logger))
	r.Use(rest.BearerAuthMiddleware(cfg.Auth.APIKeys))
	r.Use(metrics.Middleware())
	r.Mount("/", server.Router())

	addr := fmt.Sprintf(":%d", cfg.HTTP.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  time.Duration(cfg.HTTP.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(cfg.HTTP.WriteTimeoutSec) * time.Second,
	}

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	go func() {
		logger.Info("Starting HTTP server", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("HTTP server error", zap.Error(err))
		}
	}()

	<-quit
	logger.Info("Received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.HTTP.ShutdownSec)*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error during shutdown", zap.Error(err))
	}

	logger.Info("Server stopped gracefully")
}

// definitionFromConfig turns one declared model into a registerable definition.
func definitionFromConfig(mc config.ModelConfig) mongocrud.Definition {
	s := mongocrud.NewSchema()
	for _, f := range mc.Fields {
		s.Field(f.Name, mongocrud.ParseKind(f.Kind))
	}
	for _, rel := range mc.Relations {
		s.Relate(mongocrud.Relation{
			Name:         rel.Name,
			LocalField:   rel.LocalField,
			ForeignField: rel.ForeignField,
			Model:        rel.Model,
			Many:         rel.Many,
		})
	}
	return mongocrud.Definition{
		Name:       mc.Name,
		Collection: mc.Collection,
		Schema:     s,
	}
}

// jsonRecoverer is a recovery middleware that returns JSON instead of a plain text stacktrace.
func jsonRecoverer(logger *zap.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rvr := recover(); rvr != nil {
					logger.Error("panic recovered",
						zap.Any("panic", rvr),
						zap.Stack("stacktrace"),
					)
					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusInternalServerError)
					_ = json.NewEncoder(w).Encode(map[string]string{
						"code":    "internal_error",
						"message": "internal error",
					})
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// wideEventMiddleware emits a canonical log line per request and propagates X-Request-ID.
func wideEventMiddleware(logger *zap.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			// chi.middleware.RequestID already placed request_id in context
			requestID := chiMiddleware.GetReqID(r.Context())

			// Set X-Request-ID in response header
			if requestID != "" {
				w.Header().Set("X-Request-ID", requestID)
			}

			// Per-request logger with request_id
			reqLogger := logger.With(zap.String("request_id", requestID))
			ctx := logpkg.ContextWithLogger(r.Context(), reqLogger)

			ww := chiMiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r.WithContext(ctx))

			// Canonical log line — one line per request
			reqLogger.Info("http_request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("latency", time.Since(start)),
				zap.String("ip", r.RemoteAddr),
				zap.Int64("content_length", r.ContentLength),
				zap.String("user_agent", r.UserAgent()),
				zap.Int("response_bytes", ww.BytesWritten()),
			)
		})
	}
}
