package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/lexiqai/voice-server/internal/config"
	"github.com/lexiqai/voice-server/internal/grpchealth"
)

var healthcheckCmd = &cobra.Command{
	Use:   "healthcheck",
	Short: "Probe a running server's gRPC health service",
	Long: `Probe a running server's gRPC health service and exit non-zero unless
it reports SERVING. Use --service to probe a single port (transcription,
history, sessions); the default probes the whole server.`,
	Args: cobra.NoArgs,
	RunE: runHealthcheck,
}

var (
	healthAddr    string
	healthService string
	healthTimeout time.Duration
)

func init() {
	healthcheckCmd.Flags().StringVar(&healthAddr, "addr", "localhost:"+config.GetEnv("GRPC_PORT", "9090"), "health service address")
	healthcheckCmd.Flags().StringVar(&healthService, "service", "", "service to probe, empty for the whole server")
	healthcheckCmd.Flags().DurationVar(&healthTimeout, "timeout", 3*time.Second, "probe timeout")
	rootCmd.AddCommand(healthcheckCmd)
}

func runHealthcheck(cmd *cobra.Command, _ []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), healthTimeout)
	defer cancel()

	status, err := grpchealth.Probe(ctx, healthAddr, healthService)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), status.String())
	if status != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("server is %s", status)
	}
	return nil
}
