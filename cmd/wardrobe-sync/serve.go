package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/wardrobe-sync/internal/codec"
	"github.com/ashureev/wardrobe-sync/internal/config"
	"github.com/ashureev/wardrobe-sync/internal/middleware"
	"github.com/ashureev/wardrobe-sync/internal/store"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

// openStore opens the shared store and the record codec both devices use.
func openStore(ctx context.Context, cfg *config.Config) (*store.SQLiteStore, codec.Codec, error) {
	rc, err := codec.ByName(cfg.Store.Codec)
	if err != nil {
		return nil, nil, err
	}

	db, err := store.Open(cfg.Store.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("initialize store: %w", err)
	}
	if err := db.Ping(ctx); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("store health check: %w", err)
	}
	slog.Info("Shared store connected", "path", db.Path(), "codec", rc.Name())
	return db, rc, nil
}

func closeStore(db *store.SQLiteStore) {
	if err := db.Close(); err != nil {
		slog.Error("Failed to close store", "error", err)
	}
}

// newRouter returns a router with the common middleware stack.
func newRouter(cfg *config.Config) *chi.Mux {
	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(cfg.AllowedOrigins))
	return r
}

// serve runs the HTTP server and every background task until ctx ends or
// one of them fails, then shuts the server down gracefully.
func serve(ctx context.Context, cfg *config.Config, handler http.Handler, background ...func(ctx context.Context) error) error {
	// SSE connections require long timeouts (no WriteTimeout).
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("Server listening", "addr", srv.Addr, "role", string(cfg.Role), "dev", cfg.IsDevelopment())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	for _, task := range background {
		g.Go(func() error {
			return task(ctx)
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		slog.Info("Shutting down gracefully...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("Server stopped successfully")
	return nil
}
