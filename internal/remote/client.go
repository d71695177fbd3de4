// Package remote lets other services ask a running gestor authorization
// service for decisions over its HTTP API.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"gestor.app/internal/auth"
	"gestor.app/internal/httpapi"
)

// Client wraps the HTTP authorization API.
type Client struct {
	base *url.URL
	http *http.Client
}

type Option func(*Client)

// WithHTTPClient replaces the default instrumented client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// New creates a client for the service at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("base url %q must be http or https", baseURL)
	}
	c := &Client{
		base: u,
		http: &http.Client{
			Timeout:   10 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Close releases idle connections.
func (c *Client) Close() error {
	if c == nil || c.http == nil {
		return nil
	}
	c.http.CloseIdleConnections()
	return nil
}

// Login exchanges credentials for a session token.
func (c *Client) Login(ctx context.Context, email, password string) (auth.Session, error) {
	var sess auth.Session
	body := map[string]string{"email": email, "password": password}
	err := c.call(ctx, http.MethodPost, "/v1/auth/login", nil, "", body, &sess)
	if errors.Is(err, auth.ErrInvalidToken) {
		return auth.Session{}, auth.ErrBadCredentials
	}
	return sess, err
}

// Logout revokes token and reports whether an audit session was closed.
func (c *Client) Logout(ctx context.Context, token string) (bool, error) {
	var resp struct {
		Closed bool `json:"closed"`
	}
	if err := c.call(ctx, http.MethodPost, "/v1/auth/logout", nil, token, nil, &resp); err != nil {
		return false, err
	}
	return resp.Closed, nil
}

// Me returns the principal carried by token.
func (c *Client) Me(ctx context.Context, token string) (auth.Principal, error) {
	var p auth.Principal
	err := c.call(ctx, http.MethodGet, "/v1/auth/me", nil, token, nil, &p)
	return p, err
}

type decision struct {
	Allowed bool `json:"allowed"`
}

// CanAccessComponent asks whether token's holder may use the component.
// An empty token falls back to the one carried by ctx.
func (c *Client) CanAccessComponent(ctx context.Context, token string, componentID int64) (bool, error) {
	return c.check(ctx, token, "/v1/authz/components/"+strconv.FormatInt(componentID, 10), nil)
}

// CanAccessForm asks whether token's holder may open the routed form.
func (c *Client) CanAccessForm(ctx context.Context, token, route string) (bool, error) {
	return c.check(ctx, token, "/v1/authz/forms", url.Values{"route": {route}})
}

// HasCore asks the coarse core gate.
func (c *Client) HasCore(ctx context.Context, token, core string) (bool, error) {
	return c.check(ctx, token, "/v1/authz/cores/"+url.PathEscape(core), nil)
}

func (c *Client) check(ctx context.Context, token, path string, query url.Values) (bool, error) {
	var d decision
	if err := c.call(ctx, http.MethodGet, path, query, token, nil, &d); err != nil {
		return false, err
	}
	return d.Allowed, nil
}

func (c *Client) call(ctx context.Context, method, path string, query url.Values, token string, in, out any) error {
	u := *c.base
	u.Path = c.base.Path + path
	u.RawQuery = query.Encode()

	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token == "" {
		token, _ = auth.TokenFromContext(ctx)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if id := httpapi.RequestIDFromContext(ctx); id != "" {
		req.Header.Set("X-Request-ID", id)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %s %s: %w", auth.ErrUnavailable, method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: read response: %w", auth.ErrUnavailable, err)
	}
	if resp.StatusCode != http.StatusOK {
		return mapStatus(resp.StatusCode, raw)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

// mapStatus turns an error response back into the auth sentinel the
// service started from. A 503 is final: the service already retried the
// read once before answering.
func mapStatus(code int, body []byte) error {
	var payload struct {
		Error     string `json:"error"`
		RequestID string `json:"request_id"`
	}
	_ = json.Unmarshal(body, &payload)
	msg := payload.Error
	if msg == "" {
		msg = http.StatusText(code)
	}
	if payload.RequestID != "" {
		msg += " (request " + payload.RequestID + ")"
	}

	var sentinel error
	switch code {
	case http.StatusUnauthorized:
		sentinel = auth.ErrInvalidToken
	case http.StatusForbidden:
		sentinel = auth.ErrDenied
	case http.StatusBadRequest:
		sentinel = auth.ErrInvalidInput
	case http.StatusNotFound:
		sentinel = auth.ErrNotFound
	case http.StatusConflict:
		sentinel = auth.ErrConflict
	case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		sentinel = auth.ErrUnavailable
	default:
		return fmt.Errorf("remote: unexpected status %d: %s", code, msg)
	}
	return fmt.Errorf("%w: %s", sentinel, msg)
}
