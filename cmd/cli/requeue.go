package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/alphauslabs/ferry/internal/states"
)

var requeueCmd = &cobra.Command{
	Use:   "requeue <kind> <id>",
	Short: "Requeue a finished or failed tracker",
	Long: "ferryctl requeue <export|import> <id> [--state s] [--force [--reason r]] [--output json]\n\n" +
		"Copies a tracker in a terminal state into a new tracker starting at --state\n" +
		"(default: the kind's first state) and queues it for the workers.\n\n" +
		"With --force, a tracker stuck in a running state whose worker is gone is\n" +
		"first moved to that step's error state. Trackers with a live lease are refused.",
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, err := kindArg(args[0])
		if err != nil {
			return err
		}
		state, _ := cmd.Flags().GetString("state")
		force, _ := cmd.Flags().GetBool("force")
		reason, _ := cmd.Flags().GetString("reason")
		outputFmt, _ := cmd.Flags().GetString("output")
		if state == "" {
			state = states.Initial(kind)
		}
		if !states.Valid(kind, state) {
			return fmt.Errorf("%q is not an %s state", state, kind)
		}

		client, err := newAdminClient(cmd)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if force {
			failed, err := client.Fail(cmd.Context(), string(kind), args[1], reason)
			if err != nil {
				return fmt.Errorf("failed to stop %s %s: %w", kind, args[1], err)
			}
			if outputFmt != "json" {
				fmt.Fprintf(out, "Moved %s %s to %s\n", kind, args[1], failed.State)
			}
		}

		t, err := client.Requeue(cmd.Context(), string(kind), args[1], state)
		if err != nil {
			return fmt.Errorf("failed to requeue %s %s: %w", kind, args[1], err)
		}

		if outputFmt == "json" {
			return printJSON(out, t)
		}
		fmt.Fprintf(out, "✅ Requeued %s %s as %s (state %s)\n", kind, args[1], t.ID, t.State)
		return nil
	},
}

func init() {
	requeueCmd.Flags().String("state", "", "State the new tracker starts in")
	requeueCmd.Flags().Bool("force", false, "Fail a tracker stuck in a running state before requeueing it")
	requeueCmd.Flags().String("reason", "", "Reason recorded when --force fails the tracker")
	requeueCmd.Flags().String("output", "", "Output format: json")
}
