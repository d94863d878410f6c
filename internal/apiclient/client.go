// Package apiclient is a small JSON-over-HTTP requester shared by the
// tracking and instance clients.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Method string
	URL    string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.URL, e.Code, strings.TrimSpace(e.Body))
}

// IsNotFound reports whether err is a 404 StatusError.
func IsNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == http.StatusNotFound
}

// Auth decorates outgoing requests with credentials.
type Auth func(*http.Request)

// Bearer sends "Authorization: bearer <token>".
func Bearer(token string) Auth {
	return func(r *http.Request) {
		if token != "" {
			r.Header.Set("Authorization", "bearer "+token)
		}
	}
}

// HeaderKey sends the key in the named header, as Galaxy's x-api-key.
func HeaderKey(name, key string) Auth {
	return func(r *http.Request) {
		if key != "" {
			r.Header.Set(name, key)
		}
	}
}

// Basic sends HTTP basic credentials.
func Basic(user, password string) Auth {
	return func(r *http.Request) {
		r.SetBasicAuth(user, password)
	}
}

// Options tune a Client.
type Options struct {
	HTTPClient *http.Client

	// RequestsPerSecond limits outgoing calls. Zero disables limiting.
	RequestsPerSecond float64
	Burst             int
}

// Client issues requests relative to a base URL.
type Client struct {
	base    string
	auth    Auth
	http    *http.Client
	limiter *rate.Limiter
}

// New creates a client for base.
func New(base string, auth Auth, opts Options) *Client {
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 60 * time.Second}
	}
	c := &Client{
		base: strings.TrimRight(base, "/"),
		auth: auth,
		http: hc,
	}
	if opts.RequestsPerSecond > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}
	return c
}

// BaseURL returns the client's base URL.
func (c *Client) BaseURL() string { return c.base }

// URL joins path and an optional query onto the base URL.
func (c *Client) URL(path string, query url.Values) string {
	u := c.base + "/" + strings.TrimLeft(path, "/")
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

// Do sends a request and returns the response when the status is 2xx.
// The caller closes the body.
func (c *Client) Do(ctx context.Context, method, path string, query url.Values, body io.Reader, contentType string) (*http.Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	u := c.URL(path, query)
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	if c.auth != nil {
		c.auth(req)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, u, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &StatusError{Method: method, URL: u, Code: resp.StatusCode, Body: string(b)}
	}
	return resp, nil
}

// JSON sends in (when non-nil) as a JSON body and decodes the response into
// out (when non-nil).
func (c *Client) JSON(ctx context.Context, method, path string, query url.Values, in, out any) error {
	var body io.Reader
	var ct string
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(b)
		ct = "application/json"
	}

	resp, err := c.Do(ctx, method, path, query, body, ct)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s %s response: %w", method, path, err)
	}
	return nil
}

// GetJSON is JSON with GET.
func (c *Client) GetJSON(ctx context.Context, path string, query url.Values, out any) error {
	return c.JSON(ctx, http.MethodGet, path, query, nil, out)
}

// PostJSON is JSON with POST.
func (c *Client) PostJSON(ctx context.Context, path string, in, out any) error {
	return c.JSON(ctx, http.MethodPost, path, nil, in, out)
}

// PatchJSON is JSON with PATCH.
func (c *Client) PatchJSON(ctx context.Context, path string, in, out any) error {
	return c.JSON(ctx, http.MethodPatch, path, nil, in, out)
}

// PutJSON is JSON with PUT.
func (c *Client) PutJSON(ctx context.Context, path string, in, out any) error {
	return c.JSON(ctx, http.MethodPut, path, nil, in, out)
}

// Delete sends a DELETE and discards the body.
func (c *Client) Delete(ctx context.Context, path string) error {
	return c.JSON(ctx, http.MethodDelete, path, nil, nil, nil)
}
