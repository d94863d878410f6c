package instance

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/alphauslabs/ferry/internal/apiclient"
	"github.com/alphauslabs/ferry/internal/config"
)

const galaxyKeyHeader = "x-api-key"

// Client implements Instance over HTTP.
type Client struct {
	cfg    config.InstanceConfig
	galaxy *apiclient.Client
	nga    *apiclient.Client
	opts   apiclient.Options
}

// NewClient creates a client for one configured instance.
func NewClient(cfg config.InstanceConfig, opts apiclient.Options) *Client {
	return &Client{
		cfg:    cfg,
		galaxy: apiclient.New(cfg.URL, apiclient.HeaderKey(galaxyKeyHeader, cfg.APIKey), opts),
		nga:    apiclient.New(cfg.NgaURL, apiclient.Bearer(cfg.NgaKey), opts),
		opts:   opts,
	}
}

func (c *Client) ID() string   { return c.cfg.ID }
func (c *Client) Name() string { return c.cfg.Name }

func (c *Client) GetInfo(ctx context.Context) (*Info, error) {
	var info Info
	if err := c.nga.GetJSON(ctx, "/info/", nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

type exportRequest struct {
	GZip           bool `json:"gzip"`
	IncludeHidden  bool `json:"include_hidden"`
	IncludeDeleted bool `json:"include_deleted"`
}

func (c *Client) TriggerExport(ctx context.Context, historyID string) (string, error) {
	path := fmt.Sprintf("/api/histories/%s/exports", url.PathEscape(historyID))
	if err := c.galaxy.PutJSON(ctx, path, exportRequest{GZip: true}, nil); err != nil {
		return "", fmt.Errorf("failed to trigger export of history %s: %w", historyID, err)
	}

	export, err := c.LatestHistoryExport(ctx, historyID)
	if err != nil {
		return "", fmt.Errorf("failed to look up export of history %s: %w", historyID, err)
	}
	if export.ExportID == "" {
		return "", fmt.Errorf("no export recorded for history %s", historyID)
	}
	return export.ExportID, nil
}

func (c *Client) PollExport(ctx context.Context, exportID string) (string, error) {
	export, err := c.GetHistoryExport(ctx, exportID)
	if err != nil {
		return "", err
	}
	return export.State, nil
}

func (c *Client) GetHistoryExport(ctx context.Context, exportID string) (*HistoryExport, error) {
	var export HistoryExport
	path := "/history/export/" + url.PathEscape(exportID)
	if err := c.nga.GetJSON(ctx, path, nil, &export); err != nil {
		return nil, err
	}
	return &export, nil
}

func (c *Client) LatestHistoryExport(ctx context.Context, historyID string) (*HistoryExport, error) {
	var export HistoryExport
	q := url.Values{"history_id": {historyID}}
	if err := c.nga.GetJSON(ctx, "/history/export/", q, &export); err != nil {
		return nil, err
	}
	return &export, nil
}

func (c *Client) DownloadExport(ctx context.Context, exportID string, w io.Writer) (int64, error) {
	path := fmt.Sprintf("/history/download/%s/", url.PathEscape(exportID))
	resp, err := c.nga.Do(ctx, http.MethodGet, path, nil, nil, "")
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return n, fmt.Errorf("failed to download export %s: %w", exportID, err)
	}
	return n, nil
}

type apiKey struct {
	Key string `json:"key"`
}

type galaxyUser struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

func (c *Client) UserAPIKey(ctx context.Context, email string) (string, error) {
	var users []galaxyUser
	if err := c.galaxy.GetJSON(ctx, "/api/users", url.Values{"f_email": {email}}, &users); err != nil {
		return "", fmt.Errorf("failed to look up user %s: %w", email, err)
	}

	var id string
	for _, u := range users {
		if u.Email == email {
			id = u.ID
			break
		}
	}
	if id == "" {
		return "", fmt.Errorf("user %s not found on %s", email, c.cfg.ID)
	}

	// Creating a key revokes the user's existing ones, so an existing key
	// is reused and a new one is only created when there is none.
	path := fmt.Sprintf("/api/users/%s/api_key", url.PathEscape(id))
	var current apiKey
	if err := c.galaxy.GetJSON(ctx, path+"/detailed", nil, &current); err != nil && !apiclient.IsNotFound(err) {
		return "", fmt.Errorf("failed to get api key for %s: %w", email, err)
	}
	if current.Key != "" {
		return current.Key, nil
	}

	var key string
	if err := c.galaxy.PostJSON(ctx, path, nil, &key); err != nil {
		return "", fmt.Errorf("failed to create api key for %s: %w", email, err)
	}
	if key == "" {
		return "", errors.New("galaxy returned an empty api key")
	}
	return key, nil
}

type importRequest struct {
	ArchiveSource string `json:"archive_source"`
	ArchiveType   string `json:"archive_type"`
}

type jobResponse struct {
	ID    string `json:"id"`
	State string `json:"state"`
}

func (c *Client) TriggerImport(ctx context.Context, userKey, path string) (string, error) {
	api := apiclient.New(c.cfg.URL, apiclient.HeaderKey(galaxyKeyHeader, userKey), c.opts)

	var job jobResponse
	req := importRequest{ArchiveSource: path, ArchiveType: "file"}
	if err := api.PostJSON(ctx, "/api/histories", req, &job); err != nil {
		return "", fmt.Errorf("failed to trigger import of %s: %w", path, err)
	}
	if job.ID == "" {
		return "", fmt.Errorf("import of %s returned no job id", path)
	}
	return job.ID, nil
}

func (c *Client) GetJobState(ctx context.Context, jobID string) (string, error) {
	var job jobResponse
	if err := c.galaxy.GetJSON(ctx, "/api/jobs/"+url.PathEscape(jobID), nil, &job); err != nil {
		return "", err
	}
	return job.State, nil
}
