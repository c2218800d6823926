// Package remote is the HTTP JSON client for the remote content service.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/starford/offsync/internal/apperr"
	"github.com/starford/offsync/internal/models"
)

// DefaultTimeout bounds a single request.
const DefaultTimeout = 30 * time.Second

// StatusError is returned for non-2xx responses. It unwraps to the apperr
// sentinel matching the status code.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("remote: status %d", e.Code)
	}
	return fmt.Sprintf("remote: status %d: %s", e.Code, e.Message)
}

func (e *StatusError) Unwrap() error {
	switch {
	case e.Code == http.StatusNotFound:
		return apperr.ErrNotFound
	case e.Code == http.StatusConflict:
		return apperr.ErrRemoteConflict
	case e.Code == http.StatusBadRequest, e.Code == http.StatusUnprocessableEntity:
		return apperr.ErrValidation
	case e.Code == http.StatusTooManyRequests, e.Code == http.StatusRequestTimeout, e.Code >= 500:
		return apperr.ErrTransientNetwork
	}
	return nil
}

// Client talks to the remote service.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	log        *slog.Logger

	flight singleflight.Group
}

// Option configures a Client.
type Option func(*Client)

// WithToken sets the bearer token.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithTimeout sets the per-request timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.httpClient.Timeout = timeout
		}
	}
}

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.log = l }
}

// New creates a client for baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: DefaultTimeout},
		log:        slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) doRequest(ctx context.Context, method, path string, body any) ([]byte, error) {
	u := path
	if !strings.HasPrefix(path, "http://") && !strings.HasPrefix(path, "https://") {
		u = c.baseURL + path
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("remote: marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("remote: create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return nil, fmt.Errorf("remote: %s %s: %w", method, path, err)
		}
		return nil, fmt.Errorf("remote: %s %s: %w: %w", method, path, apperr.ErrTransientNetwork, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("remote: read body: %w: %w", apperr.ErrTransientNetwork, err)
	}
	c.log.Debug("remote: request",
		slog.String("method", method),
		slog.String("path", path),
		slog.Int("status", resp.StatusCode),
		slog.Duration("took", time.Since(start)))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		se := &StatusError{Code: resp.StatusCode}
		var er errorResponse
		if json.Unmarshal(data, &er) == nil {
			se.Message = er.Message
			if se.Message == "" {
				se.Message = er.Error
			}
		}
		return nil, se
	}
	return data, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("remote: unmarshal response: %w", err)
	}
	return &result, nil
}

func sitePath(siteID string, parts ...string) string {
	var b strings.Builder
	b.WriteString("/sites/")
	b.WriteString(url.PathEscape(siteID))
	for _, p := range parts {
		b.WriteByte('/')
		b.WriteString(url.PathEscape(p))
	}
	return b.String()
}

// Manifest fetches the manifest of a resource. Concurrent calls for the same
// resource share one request.
func (c *Client) Manifest(ctx context.Context, key models.ResourceKey) (*Manifest, error) {
	v, err, _ := c.flight.Do("manifest:"+key.String(), func() (any, error) {
		data, err := c.doRequest(ctx, http.MethodGet, sitePath(key.SiteID, "resources", key.Component, key.ComponentID, "manifest"), nil)
		if err != nil {
			return nil, err
		}
		return decodeJSON[Manifest](data)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Manifest), nil
}

// Fetch downloads a file. rawURL may be absolute or relative to the base URL.
func (c *Client) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	return c.doRequest(ctx, http.MethodGet, rawURL, nil)
}

// Capabilities returns the content types a site serves.
func (c *Client) Capabilities(ctx context.Context, siteID string) ([]string, error) {
	v, err, _ := c.flight.Do("capabilities:"+siteID, func() (any, error) {
		data, err := c.doRequest(ctx, http.MethodGet, sitePath(siteID, "capabilities"), nil)
		if err != nil {
			return nil, err
		}
		return decodeJSON[capabilities](data)
	})
	if err != nil {
		return nil, err
	}
	return v.(*capabilities).Types, nil
}

// EntityState fetches the authoritative state of an entity. A missing entity
// yields an error wrapping apperr.ErrNotFound.
func (c *Client) EntityState(ctx context.Context, siteID, entityID string) (*EntityState, error) {
	data, err := c.doRequest(ctx, http.MethodGet, sitePath(siteID, "entities", entityID), nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[EntityState](data)
}

// Submit transmits buffered actions of an entity.
func (c *Client) Submit(ctx context.Context, siteID, entityID string, sub Submission) (*SubmitResult, error) {
	if sub.Actions == nil {
		sub.Actions = []json.RawMessage{}
	}
	data, err := c.doRequest(ctx, http.MethodPost, sitePath(siteID, "entities", entityID, "submit"), sub)
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return &SubmitResult{}, nil
	}
	return decodeJSON[SubmitResult](data)
}
