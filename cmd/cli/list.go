package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/alphauslabs/ferry/internal/adminrpc"
)

var listCmd = &cobra.Command{
	Use:   "list <kind>",
	Short: "List trackers",
	Long:  "ferryctl list <export|import> [--state s] [--instance i] [--user email] [--output json]\n\nDisplays the tracking records of one kind, optionally filtered.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, err := kindArg(args[0])
		if err != nil {
			return err
		}
		state, _ := cmd.Flags().GetString("state")
		instance, _ := cmd.Flags().GetString("instance")
		user, _ := cmd.Flags().GetString("user")
		outputFmt, _ := cmd.Flags().GetString("output")

		client, err := newAdminClient(cmd)
		if err != nil {
			return err
		}
		trackers, err := client.ListTrackers(cmd.Context(), adminrpc.ListTrackersRequest{
			Kind:     string(kind),
			State:    state,
			Instance: instance,
			User:     user,
		})
		if err != nil {
			return fmt.Errorf("failed to list %ss: %w", kind, err)
		}

		out := cmd.OutOrStdout()
		if outputFmt == "json" {
			return printJSON(out, trackers)
		}
		if len(trackers) == 0 {
			fmt.Fprintf(out, "No %ss found.\n", kind)
			return nil
		}

		fmt.Fprintf(out, "%-18s  %-24s  %-28s  %-30s  %s\n", "ID", "STATE", "INSTANCE", "USER", "UPDATED")
		fmt.Fprintln(out, strings.Repeat("─", 120))
		for _, t := range trackers {
			fmt.Fprintf(out, "%-18s  %-24s  %-28s  %-30s  %s\n", t.ID, t.State, t.Instance, t.UserEmail, formatTime(t.UpdateTime))
		}
		return nil
	},
}

func init() {
	listCmd.Flags().String("state", "", "Only trackers in this state")
	listCmd.Flags().String("instance", "", "Only trackers for this instance")
	listCmd.Flags().String("user", "", "Only trackers for this user email")
	listCmd.Flags().String("output", "", "Output format: json")
}
