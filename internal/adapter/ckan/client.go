// Package ckan reads the latest downloadable resource of a CKAN package.
package ckan

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/couchcryptid/festival-events-etl/internal/domain"
)

var (
	// ErrNoResource is returned when the package has no downloadable resource.
	ErrNoResource = errors.New("no non-datastore resource in package")
	// ErrUnexpectedPayload is returned when a resource is neither a JSON
	// array nor an object wrapping one under "value".
	ErrUnexpectedPayload = errors.New("unexpected resource payload")
)

// Config holds the connection settings of a Client.
type Config struct {
	BaseURL    string
	Package    string
	Timeout    time.Duration
	MaxRetries int
}

// Client talks to a CKAN portal over HTTP with bounded retries.
type Client struct {
	cfg    Config
	http   *retryablehttp.Client
	logger *slog.Logger
}

// NewClient creates a CKAN client.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = cfg.MaxRetries
	rc.HTTPClient.Timeout = cfg.Timeout
	rc.Logger = logger
	return &Client{cfg: cfg, http: rc, logger: logger}
}

type packageShowResponse struct {
	Success bool `json:"success"`
	Result  struct {
		Resources []resource `json:"resources"`
	} `json:"result"`
}

type resource struct {
	URL             string `json:"url"`
	Format          string `json:"format"`
	DatastoreActive bool   `json:"datastore_active"`
}

// LatestResourceURL returns the URL of the first package resource that is
// not served from the CKAN datastore.
func (c *Client) LatestResourceURL(ctx context.Context) (string, error) {
	u := strings.TrimSuffix(c.cfg.BaseURL, "/") + "/api/3/action/package_show?" +
		url.Values{"id": {c.cfg.Package}}.Encode()

	c.logger.Info("fetching package metadata", "package", c.cfg.Package)
	body, err := c.get(ctx, u)
	if err != nil {
		return "", err
	}

	var resp packageShowResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("decode package_show: %w", err)
	}
	if !resp.Success {
		return "", fmt.Errorf("package_show %q: request not successful", c.cfg.Package)
	}
	for _, r := range resp.Result.Resources {
		if !r.DatastoreActive && r.URL != "" {
			c.logger.Info("using resource", "url", r.URL, "format", r.Format)
			return r.URL, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrNoResource, c.cfg.Package)
}

// StreamResource downloads the resource and returns its items. The payload
// is read fully and validated before the sequence is returned, so payload
// errors surface here rather than mid-iteration.
func (c *Client) StreamResource(ctx context.Context, resourceURL string) (iter.Seq[domain.RawItem], error) {
	c.logger.Info("fetching resource", "url", resourceURL)
	body, err := c.get(ctx, resourceURL)
	if err != nil {
		return nil, err
	}

	items, err := decodeItems(body)
	if err != nil {
		return nil, err
	}
	c.logger.Info("resource received", "items", len(items))

	return func(yield func(domain.RawItem) bool) {
		for _, it := range items {
			if !yield(domain.RawItem(it)) {
				return
			}
		}
	}, nil
}

// decodeItems accepts a JSON array or an object with a "value" array.
func decodeItems(body []byte) ([]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrUnexpectedPayload)
	}

	switch trimmed[0] {
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrUnexpectedPayload, err)
		}
		return items, nil
	case '{':
		var wrapped map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &wrapped); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrUnexpectedPayload, err)
		}
		value, ok := wrapped["value"]
		if !ok {
			return nil, fmt.Errorf("%w: object without \"value\"", ErrUnexpectedPayload)
		}
		var items []json.RawMessage
		if err := json.Unmarshal(value, &items); err != nil {
			return nil, fmt.Errorf("%w: \"value\" is not an array", ErrUnexpectedPayload)
		}
		return items, nil
	default:
		return nil, fmt.Errorf("%w: top-level JSON is neither array nor object", ErrUnexpectedPayload)
	}
}

func (c *Client) get(ctx context.Context, u string) ([]byte, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", u, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("GET %s: status %d: %s", u, resp.StatusCode, bytes.TrimSpace(snippet))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", u, err)
	}
	return body, nil
}
