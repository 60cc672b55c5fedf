package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"github.com/ashureev/wardrobe-sync/internal/stylist"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
)

// newStylistCmd creates the "wardrobe-sync stylist" subcommand.
func newStylistCmd() *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "stylist",
		Short: "Serve the rule-based stylist over gRPC",
		Long:  "Runs a standalone stylist service the primary can reach through STYLIST_ADDR.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStylist(cmd.Context(), listen)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", ":50051", "gRPC listen address")
	return cmd
}

func runStylist(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	srv := grpc.NewServer()
	stylist.RegisterServer(srv, stylist.Local{})

	go func() {
		<-ctx.Done()
		slog.Info("Stopping stylist service")
		srv.GracefulStop()
	}()

	slog.Info("Stylist service listening", "addr", lis.Addr().String())
	if err := srv.Serve(lis); err != nil {
		return fmt.Errorf("serve stylist: %w", err)
	}
	return nil
}
