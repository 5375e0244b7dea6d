package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/ashureev/itinera/internal/healthsrv"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func healthCmd() *cobra.Command {
	var (
		addr    string
		service string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Query the server's gRPC health service",
		Long: `Query grpc.health.v1.Health on the server.

An empty --service checks the whole server; "` + healthsrv.EngineService + `" checks
only the generation engine.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
			if err != nil {
				return fmt.Errorf("dial %s: %w", addr, err)
			}
			defer conn.Close()

			return checkHealth(ctx, cmd.OutOrStdout(), healthpb.NewHealthClient(conn), service)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "localhost:9090", "gRPC health address")
	cmd.Flags().StringVar(&service, "service", "", "Service name to check")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "Call timeout")

	return cmd
}

func checkHealth(ctx context.Context, out io.Writer, client healthpb.HealthClient, service string) error {
	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return fmt.Errorf("health check: %w", err)
	}

	name := service
	if name == "" {
		name = "(server)"
	}
	fmt.Fprintf(out, "%s: %s\n", name, resp.GetStatus())

	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("%s is %s", name, resp.GetStatus())
	}
	return nil
}
