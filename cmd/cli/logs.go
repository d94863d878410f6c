package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var logsCmd = &cobra.Command{
	Use:   "logs <kind> <id>",
	Short: "Show a tracker's audit log",
	Long:  "ferryctl logs <export|import> <id> [--output json]\n\nPrints every state change and message recorded for a tracker, oldest first.",
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
		logs, err := client.ListLogs(cmd.Context(), string(kind), args[1])
		if err != nil {
			return fmt.Errorf("failed to get logs of %s %s: %w", kind, args[1], err)
		}

		out := cmd.OutOrStdout()
		if outputFmt == "json" {
			return printJSON(out, logs)
		}
		if len(logs) == 0 {
			fmt.Fprintln(out, "No log entries.")
			return nil
		}
		for _, e := range logs {
			fmt.Fprintf(out, "%s  %s\n", formatTime(e.CreateTime), e.Message)
		}
		return nil
	},
}

func init() {
	logsCmd.Flags().String("output", "", "Output format: json")
}
