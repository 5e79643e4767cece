package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/keepmind9/imnotify/internal/core"
	"github.com/keepmind9/imnotify/pkg/constants"
	"github.com/spf13/cobra"
)

var (
	statusRecent int
	statusJSON   bool

	statusCmd = &cobra.Command{
		Use:   "status",
		Short: "Show daemon status",
		Long:  "Display the IM connection state of a running daemon and, with --recent, its latest journal entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			if statusRecent < 0 || statusRecent > constants.MaxRecentJournalEntries {
				return fmt.Errorf("--recent must be between 0 and %d", constants.MaxRecentJournalEntries)
			}

			client := NewHookClient(settings.GetString("server"), constants.HookHTTPTimeout)
			st, err := client.Status(cmd.Context(), statusRecent)
			if err != nil {
				return fmt.Errorf("status failed: %w", err)
			}
			return outputStatus(cmd.OutOrStdout(), st, statusJSON)
		},
	}
)

func outputStatus(w io.Writer, st *core.Status, jsonFormat bool) error {
	if jsonFormat {
		output, err := json.MarshalIndent(st, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal json: %w", err)
		}
		fmt.Fprintln(w, string(output))
		return nil
	}

	fmt.Fprintln(w, "imnotify status:")
	fmt.Fprintf(w, "  Network:        %s\n", st.Network)
	if !st.Enabled {
		fmt.Fprintln(w, "  State:          disabled (im.hostname is empty)")
		return nil
	}
	fmt.Fprintf(w, "  Host:           %s\n", st.Hostname)
	fmt.Fprintf(w, "  Account:        %s\n", st.Account)
	fmt.Fprintf(w, "  State:          %s\n", st.State)
	fmt.Fprintf(w, "  Cached targets: %d\n", st.CachedTargets)

	if len(st.Recent) > 0 {
		fmt.Fprintf(w, "\nRecent deliveries (%d):\n", len(st.Recent))
		for _, e := range st.Recent {
			line := fmt.Sprintf("  %s  %-12s %-10s %s",
				e.RecordedAt.Local().Format(time.DateTime), e.Outcome, e.Target, e.NotificationID)
			if e.Reason != "" {
				line += " (" + e.Reason + ")"
			}
			fmt.Fprintln(w, line)
		}
	}
	return nil
}

func init() {
	statusCmd.Flags().IntVarP(&statusRecent, "recent", "n", 0, "Number of recent journal entries to show")
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Output in JSON format")
}
