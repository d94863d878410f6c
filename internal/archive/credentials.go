package archive

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/alphauslabs/ferry/internal/apiclient"
)

// Credentials are the short-lived SSH credentials of one archive user.
type Credentials struct {
	PrivateKey string `json:"key-rsa"`
	Username   string `json:"username"`
	Hostname   string `json:"hostname"`
}

// CredentialClient fetches credentials from the storage secrets endpoint.
type CredentialClient struct {
	api *apiclient.Client
}

// NewCredentialClient creates a client authenticating with basic auth.
func NewCredentialClient(storageURL, key, secret string, opts apiclient.Options) *CredentialClient {
	return &CredentialClient{api: apiclient.New(storageURL, apiclient.Basic(key, secret), opts)}
}

// Fetch returns the credentials for nelsID.
func (c *CredentialClient) Fetch(ctx context.Context, nelsID int64) (*Credentials, error) {
	var creds Credentials
	if err := c.api.GetJSON(ctx, "/users/"+strconv.FormatInt(nelsID, 10), nil, &creds); err != nil {
		return nil, fmt.Errorf("failed to fetch credentials for user %d: %w", nelsID, err)
	}
	if creds.PrivateKey == "" {
		return nil, fmt.Errorf("no key returned for user %d", nelsID)
	}
	return &creds, nil
}

// StageKey writes the private key to a 0600 file in dir and returns its path.
// The caller removes it.
func StageKey(dir string, creds *Credentials) (string, error) {
	f, err := os.CreateTemp(dir, "nels-key-*.txt")
	if err != nil {
		return "", fmt.Errorf("failed to stage key: %w", err)
	}
	name := f.Name()
	if err := f.Chmod(0o600); err != nil {
		f.Close()
		os.Remove(name)
		return "", fmt.Errorf("failed to stage key: %w", err)
	}
	if _, err := f.WriteString(creds.PrivateKey); err != nil {
		f.Close()
		os.Remove(name)
		return "", fmt.Errorf("failed to stage key: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(name)
		return "", fmt.Errorf("failed to stage key: %w", err)
	}
	return name, nil
}
