// Command voice-server runs the device voice server.
//
// Usage:
//
//	voice-server [serve]              run the server (default)
//	voice-server healthcheck          probe a running server over gRPC
//	voice-server history <device-id>  print a device's durable history
//
// Configuration comes from the environment and an optional .env file.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:          "voice-server",
	Short:        "Real-time voice interaction server for embedded devices",
	SilenceUsage: true,
	RunE:         runServe,
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
