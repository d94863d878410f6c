package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/alphauslabs/ferry/internal/adminrpc"
	"github.com/alphauslabs/ferry/internal/states"
)

// httpClient is swapped in tests.
var httpClient = &http.Client{Timeout: 30 * time.Second}

// newAdminClient builds an admin RPC client from flags, env vars, or saved config.
func newAdminClient(cmd *cobra.Command) (*adminrpc.Client, error) {
	api, _ := cmd.Flags().GetString("api")
	token, _ := cmd.Flags().GetString("token")

	if api == "" {
		api = os.Getenv("FERRY_API")
	}
	if token == "" {
		token = os.Getenv("FERRY_TOKEN")
	}

	// Fall back to saved config from `ferryctl login`
	if api == "" || token == "" {
		if cfg, err := loadConfig(); err == nil && cfg != nil {
			if api == "" {
				api = cfg.API
			}
			if token == "" {
				token = cfg.Token
			}
		}
	}

	if api == "" {
		return nil, fmt.Errorf("no API configured: pass --api, set FERRY_API or run 'ferryctl login'")
	}
	if token == "" {
		return nil, fmt.Errorf("no token configured: pass --token, set FERRY_TOKEN or run 'ferryctl login'")
	}
	return adminrpc.NewClient(httpClient, api, token), nil
}

// kindArg validates the <kind> positional argument.
func kindArg(s string) (states.Kind, error) {
	kind, ok := states.ParseKind(s)
	if !ok {
		return "", fmt.Errorf("unknown kind %q: use export or import", s)
	}
	return kind, nil
}

func printJSON(w io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(w, string(b))
	return nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func deref(s *string) string {
	if s == nil || *s == "" {
		return "-"
	}
	return *s
}
