package main

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/lexiqai/voice-server/internal/config"
	"github.com/lexiqai/voice-server/internal/history"
)

var historyCmd = &cobra.Command{
	Use:   "history <device-id>",
	Short: "Print or clear a device's durable conversation history",
	Long: `Print or clear the conversation history kept by the badger backend.
The server holds an exclusive lock on the data directory, so stop it first.`,
	Args: cobra.ExactArgs(1),
	RunE: runHistory,
}

var (
	historyDir   string
	historyJSON  bool
	historyClear bool
)

func init() {
	historyCmd.Flags().StringVar(&historyDir, "dir", config.GetEnv("HISTORY_DIR", "./data/history"), "badger data directory")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "print turns as JSON")
	historyCmd.Flags().BoolVar(&historyClear, "clear", false, "delete the device's history")
	rootCmd.AddCommand(historyCmd)
}

func runHistory(cmd *cobra.Command, args []string) error {
	maxTurns, err := strconv.Atoi(config.GetEnv("HISTORY_MAX_TURNS", strconv.Itoa(history.DefaultMaxTurns)))
	if err != nil {
		return fmt.Errorf("invalid HISTORY_MAX_TURNS: %w", err)
	}
	store, err := history.NewBadgerStore(historyDir, maxTurns, false)
	if err != nil {
		return err
	}
	defer store.Close()

	deviceID := args[0]
	if historyClear {
		if err := store.Clear(cmd.Context(), deviceID); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Cleared history of %s\n", deviceID)
		return nil
	}

	turns, err := store.Load(cmd.Context(), deviceID)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if historyJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(turns)
	}
	if len(turns) == 0 {
		fmt.Fprintf(out, "No history for %s\n", deviceID)
		return nil
	}
	for _, t := range turns {
		fmt.Fprintf(out, "%s  %-9s  %s\n", t.Timestamp.Format(time.RFC3339), t.Role, t.Text)
	}
	return nil
}
