// wardrobe-sync keeps a companion device in step with the primary's
// wardrobe profile.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/ashureev/wardrobe-sync/internal/config"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		slog.Error("Command failed", "error", err)
		stop()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "wardrobe-sync",
		Short:         "Configuration handshake and data sync between a phone and its watch",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newPrimaryCmd(),
		newCompanionCmd(),
		newStoreCmd(),
		newStylistCmd(),
	)
	return root
}

// loadConfig reads the configuration for role and applies its log level.
func loadConfig(role config.Role) (*config.Config, error) {
	cfg, err := config.Load(role)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		return nil, err
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	})))
	return cfg, nil
}
