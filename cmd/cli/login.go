package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/alphauslabs/ferry/internal/adminrpc"
	"github.com/alphauslabs/ferry/internal/states"
)

// Config holds saved credentials.
type Config struct {
	API   string `json:"api"`
	Token string `json:"token"`
}

// configPath is swapped in tests.
var configPath = func() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "ferry", "config.json"), nil
}

func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

func prompt(cmd *cobra.Command, label string) (string, error) {
	fmt.Fprintf(cmd.OutOrStdout(), "%s: ", label)
	reader := bufio.NewReader(cmd.InOrStdin())
	val, err := reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(val), nil
}

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Save the API URL and token",
	Long:  "ferryctl login [--api url] [--token t]\n\nChecks the credentials against the API and saves them locally so you don't need to provide them on every command.",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		api, _ := cmd.Flags().GetString("api")
		token, _ := cmd.Flags().GetString("token")

		var err error
		if api == "" {
			if api, err = prompt(cmd, "API URL"); err != nil {
				return err
			}
		}
		if api == "" {
			return fmt.Errorf("API URL cannot be empty")
		}
		if token == "" {
			if token, err = prompt(cmd, "Token"); err != nil {
				return err
			}
		}
		if token == "" {
			return fmt.Errorf("token cannot be empty")
		}

		fmt.Fprintln(out, "Checking credentials...")
		client := adminrpc.NewClient(httpClient, api, token)
		if _, err := client.ListTrackers(cmd.Context(), adminrpc.ListTrackersRequest{
			Kind:  string(states.KindExport),
			State: states.Finished,
		}); err != nil {
			return fmt.Errorf("could not reach %s: %w", api, err)
		}

		if err := saveConfig(&Config{API: api, Token: token}); err != nil {
			return fmt.Errorf("failed to save credentials: %w", err)
		}
		fmt.Fprintf(out, "✅ Logged in to \033[36m%s\033[0m\n", api)
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Remove saved credentials",
	Long:  "ferryctl logout\n\nRemoves your locally saved API URL and token.",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg == nil {
			fmt.Fprintln(out, "Not logged in.")
			return nil
		}

		path, err := configPath()
		if err != nil {
			return err
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return err
		}
		fmt.Fprintln(out, "Logged out.")
		return nil
	},
}
