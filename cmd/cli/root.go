package main

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "ferryctl",
	Short: "Ferry operator CLI",
	Long: "-------------------------------------------------------------------\n" +
		"                    Ferry history transfer CLI\n" +
		"-------------------------------------------------------------------",
	SilenceUsage: true,
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

func init() {
	cobra.EnableCommandSorting = false

	rootCmd.PersistentFlags().String("api", "", "Tracking API URL (or FERRY_API env var)")
	rootCmd.PersistentFlags().String("token", "", "API token (or FERRY_TOKEN env var)")

	rootCmd.CompletionOptions.DisableDefaultCmd = true

	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(logsCmd)
	rootCmd.AddCommand(requeueCmd)
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
