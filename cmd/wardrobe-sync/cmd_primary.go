package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ashureev/wardrobe-sync/internal/api"
	"github.com/ashureev/wardrobe-sync/internal/config"
	"github.com/ashureev/wardrobe-sync/internal/device"
	"github.com/ashureev/wardrobe-sync/internal/middleware"
	"github.com/ashureev/wardrobe-sync/internal/stylist"
	"github.com/spf13/cobra"
)

// newPrimaryCmd creates the "wardrobe-sync primary" subcommand.
func newPrimaryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "primary",
		Short: "Run the phone side",
		Long:  "Owns the profile and collections, writes the shared store and accepts the companion's link on /ws/peer.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(config.RolePrimary)
			if err != nil {
				return err
			}
			return runPrimary(cmd.Context(), cfg)
		},
	}
}

func runPrimary(ctx context.Context, cfg *config.Config) error {
	db, rc, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore(db)

	responder, closeResponder := newResponder(cfg)
	defer closeResponder()

	dev, err := device.NewPrimary(device.PrimaryOptions{
		Shared:         db.Namespace(cfg.Store.SharedNamespace),
		Codec:          rc,
		Responder:      responder,
		RequestTimeout: cfg.Peer.RequestTimeout,
		RepeatCount:    cfg.Push.RepeatCount,
		RepeatDelay:    cfg.Push.RepeatDelay,
	})
	if err != nil {
		return fmt.Errorf("initialize primary: %w", err)
	}
	defer dev.Close()

	if err := dev.Start(ctx); err != nil {
		slog.Warn("Failed to prime profile context", "error", err)
	}

	r := newRouter(cfg)
	api.NewHealthHandler(db).RegisterHealth(r)
	api.NewPrimaryHandler(dev).RegisterRoutes(r)
	r.With(middleware.PeerAuth(cfg.Peer.Token)).Get("/ws/peer", dev.PeerHandler(cfg.AllowedOrigins).ServeHTTP)

	if cfg.Peer.Token == "" {
		slog.Warn("PEER_TOKEN not set, accepting any companion")
	}
	return serve(ctx, cfg, r)
}

// newResponder returns the remote stylist when STYLIST_ADDR is set and
// reachable, with the local rules as fallback.
func newResponder(cfg *config.Config) (stylist.Responder, func()) {
	if cfg.StylistAddr == "" {
		slog.Info("Stylist answering locally (STYLIST_ADDR not set)")
		return stylist.Local{}, func() {}
	}

	slog.Info("Attempting to connect to stylist service via gRPC", "address", cfg.StylistAddr)
	client, err := stylist.NewGrpcClient(stylist.DefaultGrpcClientConfig(cfg.StylistAddr), slog.Default())
	if err != nil {
		slog.Warn("Failed to connect to stylist service, answering locally", "error", err)
		return stylist.Local{}, func() {}
	}
	return stylist.WithFallback(client, stylist.Local{}, slog.Default()), client.Close
}
