package main

import (
	"context"
	"fmt"
	"os"

	"github.com/ashureev/wardrobe-sync/internal/api"
	"github.com/ashureev/wardrobe-sync/internal/config"
	"github.com/ashureev/wardrobe-sync/internal/device"
	"github.com/ashureev/wardrobe-sync/internal/retry"
	"github.com/spf13/cobra"
)

// newCompanionCmd creates the "wardrobe-sync companion" subcommand.
func newCompanionCmd() *cobra.Command {
	var deviceName string
	cmd := &cobra.Command{
		Use:   "companion",
		Short: "Run the watch side",
		Long:  "Dials the primary, determines whether a configured profile exists and serves the mirrored collections.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(config.RoleCompanion)
			if err != nil {
				return err
			}
			return runCompanion(cmd.Context(), cfg, deviceName)
		},
	}
	hostname, _ := os.Hostname()
	cmd.Flags().StringVar(&deviceName, "device", hostname, "name presented to the primary")
	return cmd
}

func runCompanion(ctx context.Context, cfg *config.Config, deviceName string) error {
	db, rc, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore(db)

	reconnect := retry.Exponential(cfg.Peer.ReconnectBase, 2, cfg.Peer.ReconnectMax, 0)
	reconnect.Jitter = cfg.Peer.ReconnectBase / 2

	dev, err := device.NewCompanion(device.CompanionOptions{
		Shared:         db.Namespace(cfg.Store.SharedNamespace),
		Local:          db.Namespace(cfg.Store.LocalNamespace),
		Codec:          rc,
		PeerURL:        cfg.Peer.URL,
		PeerToken:      cfg.Peer.Token,
		DeviceName:     deviceName,
		RequestTimeout: cfg.Peer.RequestTimeout,
		Reconnect:      reconnect,
		CheckTimeout:   cfg.Handshake.CheckTimeout,
		StartupTimeout: cfg.Handshake.StartupTimeout,
		Retry:          retry.Fixed(cfg.Handshake.RetryInterval, cfg.Handshake.RetryMaxAttempts),
	})
	if err != nil {
		return fmt.Errorf("initialize companion: %w", err)
	}

	r := newRouter(cfg)
	api.NewHealthHandler(db).RegisterHealth(r)
	api.NewCompanionHandler(dev, dev.Mirror(), dev.Bus()).RegisterRoutes(r)

	return serve(ctx, cfg, r, dev.Run)
}
