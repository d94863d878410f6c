package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var getCmd = &cobra.Command{
	Use:   "get <kind> <id>",
	Short: "Get tracker details",
	Long:  "ferryctl get <export|import> <id> [--output json]\n\nFetches and displays one tracking record.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, err := kindArg(args[0])
		if err != nil {
			return err
		}
		outputFmt, _ := cmd.Flags().GetString("output")

		client, err := newAdminClient(cmd)
		if err != nil {
			return err
		}
		t, err := client.GetTracker(cmd.Context(), string(kind), args[1])
		if err != nil {
			return fmt.Errorf("failed to get %s %s: %w", kind, args[1], err)
		}

		out := cmd.OutOrStdout()
		if outputFmt == "json" {
			return printJSON(out, t)
		}

		fmt.Fprintln(out, "Tracker Details")
		fmt.Fprintln(out, "───────────────")
		fmt.Fprintf(out, "ID:        %s\n", t.ID)
		fmt.Fprintf(out, "Type:      %s\n", t.Kind)
		fmt.Fprintf(out, "State:     %s\n", t.State)
		fmt.Fprintf(out, "Instance:  %s\n", t.Instance)
		fmt.Fprintf(out, "User:      %s\n", t.UserEmail)
		fmt.Fprintf(out, "History:   %s\n", t.HistoryID)
		fmt.Fprintf(out, "Export ID: %s\n", deref(t.ExportID))
		fmt.Fprintf(out, "NeLS ID:   %d\n", t.NelsID)
		if t.Destination != "" {
			fmt.Fprintf(out, "Dest:      %s\n", t.Destination)
		}
		if t.Source != "" {
			fmt.Fprintf(out, "Source:    %s\n", t.Source)
		}
		fmt.Fprintf(out, "Tmp file:  %s\n", deref(t.TmpFile))
		fmt.Fprintf(out, "Created:   %s\n", formatTime(t.CreateTime))
		fmt.Fprintf(out, "Updated:   %s\n", formatTime(t.UpdateTime))
		if t.LeaseOwner != nil && t.LeaseExpiresAt != nil {
			fmt.Fprintf(out, "Lease:     %s until %s\n", *t.LeaseOwner, formatTime(*t.LeaseExpiresAt))
		}
		fmt.Fprintf(out, "Last log:  %s\n", deref(t.Log))
		return nil
	},
}

func init() {
	getCmd.Flags().String("output", "", "Output format: json")
}
