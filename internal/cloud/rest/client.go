// Package rest implements cloud.Adapter over a JSON/HTTP storage API.
// Node listings, metadata, and folder operations are JSON calls; file
// content is streamed.
package rest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/tidwall/gjson"

	"github.com/alexjbarnes/skysync/internal/cloud"
)

// TransientError wraps an error that is likely temporary and safe to retry.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err (or any error in its chain) is a
// TransientError, meaning the caller should retry after a backoff.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

const (
	// maxRedirects is the maximum number of HTTP redirects to follow
	// before giving up, matching the default net/http limit.
	maxRedirects = 10

	// httpClientTimeout is the timeout for the default HTTP client used
	// when no custom client is provided. Transfers stream and are not
	// bounded by it; the timeout applies to metadata calls.
	httpClientTimeout = 30 * time.Second

	// maxAPIResponseBytes caps metadata response reads to prevent a
	// misbehaving server from consuming unbounded memory.
	maxAPIResponseBytes = 1024 * 1024
)

// Client talks to a provider's storage REST API. It implements
// cloud.Adapter.
type Client struct {
	httpClient   *http.Client
	streamClient *http.Client
	baseURL      string
	token        string
}

var _ cloud.Adapter = (*Client)(nil)

// sameHostRedirectPolicy follows redirects only when the target host
// matches the original request host. This prevents the bearer token
// from leaking to third-party domains.
func sameHostRedirectPolicy(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return errors.New("stopped after 10 redirects")
	}

	if len(via) > 0 {
		origHost := via[0].URL.Host
		if req.URL.Host != origHost {
			return fmt.Errorf("redirect to different host blocked: %s -> %s", origHost, req.URL.Host)
		}
	}

	return nil
}

// NewClient creates an adapter for the API at baseURL, authenticating
// with token. If httpClient is nil, a client with a 30-second timeout
// and same-host redirect policy is created; transfers always use an
// untimed client so large files are never cut off mid-stream.
func NewClient(baseURL, token string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:       httpClientTimeout,
			CheckRedirect: sameHostRedirectPolicy,
		}
	}

	return &Client{
		httpClient:   httpClient,
		streamClient: &http.Client{CheckRedirect: sameHostRedirectPolicy},
		baseURL:      strings.TrimRight(baseURL, "/"),
		token:        token,
	}
}

// sanitizeResponseBody truncates and sanitizes a response body for
// inclusion in error messages. Limits to 256 bytes and replaces
// non-printable characters to prevent log injection.
func sanitizeResponseBody(body []byte) string {
	const maxLen = 256
	if len(body) > maxLen {
		body = body[:maxLen]
	}
	// Ensure valid UTF-8 and replace control characters.
	var clean []byte

	for len(body) > 0 {
		r, size := utf8.DecodeRune(body)
		if r == utf8.RuneError && size <= 1 {
			clean = append(clean, '?')
			body = body[1:]

			continue
		}

		if r < 0x20 && r != '\n' && r != '\r' && r != '\t' {
			clean = append(clean, '?')
		} else {
			clean = append(clean, body[:size]...)
		}

		body = body[size:]
	}

	return string(clean)
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.token)

	return req, nil
}

// statusError converts a non-2xx response into an error, preferring the
// API's own "error" field over the raw body.
func statusError(path string, code int, body []byte) error {
	msg := gjson.GetBytes(body, "error").String()
	if msg == "" {
		msg = sanitizeResponseBody(body)
	}

	err := fmt.Errorf("API %s returned status %d: %s", path, code, msg)
	if isTransientStatus(code) {
		return &TransientError{Err: err}
	}

	return err
}

// call performs a JSON API request and returns the raw response body.
func (c *Client) call(ctx context.Context, method, path string, body io.Reader) ([]byte, error) {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return nil, err
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Network errors (timeouts, connection refused, DNS failures)
		// are transient by nature.
		return nil, &TransientError{Err: fmt.Errorf("sending request to %s: %w", path, err)}
	}
	defer resp.Body.Close()

	// Cap response reads at 1MB. API responses are small JSON payloads.
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("reading response from %s: %w", path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, statusError(path, resp.StatusCode, respBody)
	}

	return respBody, nil
}

// isTransientStatus returns true for HTTP status codes that indicate a
// temporary server-side problem worth retrying.
func isTransientStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}

	return false
}

// ListFolder implements cloud.Adapter.
func (c *Client) ListFolder(ctx context.Context, folderID string) ([]cloud.Node, error) {
	body, err := c.call(ctx, http.MethodGet, "/nodes/"+url.PathEscape(folderID)+"/children", nil)
	if err != nil {
		return nil, fmt.Errorf("listing folder %s: %w", folderID, err)
	}

	var nodes []cloud.Node

	gjson.GetBytes(body, "nodes").ForEach(func(_, item gjson.Result) bool {
		nodes = append(nodes, cloud.Node{
			ID:     item.Get("id").String(),
			Name:   item.Get("name").String(),
			Folder: item.Get("folder").Bool(),
		})

		return true
	})

	return nodes, nil
}

// Metadata implements cloud.Adapter.
func (c *Client) Metadata(ctx context.Context, id string) (cloud.FileMeta, error) {
	body, err := c.call(ctx, http.MethodGet, "/nodes/"+url.PathEscape(id), nil)
	if err != nil {
		return cloud.FileMeta{}, fmt.Errorf("fetching metadata for %s: %w", id, err)
	}

	return cloud.FileMeta{Size: gjson.GetBytes(body, "size").Int()}, nil
}

// CreateFolder implements cloud.Adapter.
func (c *Client) CreateFolder(ctx context.Context, name, parentID string) (string, error) {
	payload := fmt.Sprintf(`{"name":%q,"parent_id":%q,"folder":true}`, name, parentID)

	body, err := c.call(ctx, http.MethodPost, "/nodes", strings.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("creating folder %s: %w", name, err)
	}

	id := gjson.GetBytes(body, "id").String()
	if id == "" {
		return "", fmt.Errorf("creating folder %s: response missing id", name)
	}

	return id, nil
}

// DeleteNode implements cloud.Adapter.
func (c *Client) DeleteNode(ctx context.Context, id string) error {
	if _, err := c.call(ctx, http.MethodDelete, "/nodes/"+url.PathEscape(id), nil); err != nil {
		return fmt.Errorf("deleting node %s: %w", id, err)
	}

	return nil
}

// Upload implements cloud.Adapter. The reader streams directly into the
// request body.
func (c *Client) Upload(ctx context.Context, name, parentID string, r io.Reader, size int64) (string, error) {
	path := "/files?parent_id=" + url.QueryEscape(parentID) + "&name=" + url.QueryEscape(name)

	req, err := c.newRequest(ctx, http.MethodPost, path, r)
	if err != nil {
		return "", err
	}

	req.Header.Set("Content-Type", "application/octet-stream")

	if size >= 0 {
		req.ContentLength = size
	}

	resp, err := c.streamClient.Do(req)
	if err != nil {
		return "", &TransientError{Err: fmt.Errorf("uploading %s: %w", name, err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponseBytes))
	if err != nil {
		return "", fmt.Errorf("reading upload response for %s: %w", name, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", statusError(path, resp.StatusCode, body)
	}

	id := gjson.GetBytes(body, "id").String()
	if id == "" {
		return "", fmt.Errorf("uploading %s: response missing id", name)
	}

	return id, nil
}

// Download implements cloud.Adapter. The caller owns the returned body
// and must close it.
func (c *Client) Download(ctx context.Context, id string) (io.ReadCloser, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/files/"+url.PathEscape(id)+"/content", nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.streamClient.Do(req)
	if err != nil {
		return nil, &TransientError{Err: fmt.Errorf("downloading %s: %w", id, err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponseBytes))
		resp.Body.Close()

		return nil, statusError("/files/"+id+"/content", resp.StatusCode, body)
	}

	return resp.Body, nil
}
