// Package sitelink is the Go client SDK for the Sitelink construction and
// real-estate marketplace API.
//
// Besides the REST sub-clients it carries the client-side realtime pipeline:
// a WebSocket channel delivering server-pushed notifications, a keyed query
// cache they invalidate, a push token registrar driven by app lifecycle, and
// optimistic profile updates with rollback.
//
// Example:
//
//	session := sitelink.NewSession(savedToken)
//	client := sitelink.NewClient(session, sitelink.WithEnvironment(sitelink.Staging))
//
//	me, _ := client.Users.Me(ctx)
//	list, _ := client.Notifications.List(ctx)
//
//	rt := sitelink.NewRuntime(client, sitelink.RuntimeOptions{App: sitelink.AppHomeowner})
//	rt.Start(ctx)
//	defer rt.Close()
package sitelink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ============================================================================
// Environment
// ============================================================================

type Environment string

const (
	Production Environment = "production"
	Staging    Environment = "staging"
	Local      Environment = "local"
)

var environments = map[Environment]string{
	Production: "https://api.sitelink.build",
	Staging:    "https://staging-api.sitelink.build",
	Local:      "http://localhost:8787",
}

const (
	DefaultBaseURL = "https://api.sitelink.build"
	DefaultTimeout = 30 * time.Second
)

// BaseURLFor returns the API base URL of a named environment.
func BaseURLFor(env Environment) (string, bool) {
	u, ok := environments[env]
	return u, ok
}

// ============================================================================
// Client
// ============================================================================

// Client is the REST client. Every request carries the current session token.
type Client struct {
	session    *Session
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
	logger     zerolog.Logger
	metrics    *Metrics

	Auth          *AuthClient
	Users         *UsersClient
	Notifications *NotificationsClient
	Devices       *DevicesClient
	Realtime      *RealtimeFactory
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithEnvironment(env Environment) ClientOption {
	return func(c *Client) {
		if u, ok := environments[env]; ok {
			c.baseURL = u
		}
	}
}

// WithTimeout sets the per-request timeout. It applies to the client given
// by WithHTTPClient too, whatever the option order.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithLogger(logger zerolog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

func WithMetrics(m *Metrics) ClientOption {
	return func(c *Client) { c.metrics = m }
}

// NewClient creates a REST client bound to session. A nil session starts
// signed out.
func NewClient(session *Session, opts ...ClientOption) *Client {
	if session == nil {
		session = NewSession("")
	}
	c := &Client{
		session: session,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		logger: zerolog.Nop(),
	}

	for _, opt := range opts {
		opt(c)
	}
	if c.timeout > 0 && c.httpClient.Timeout != c.timeout {
		hc := *c.httpClient
		hc.Timeout = c.timeout
		c.httpClient = &hc
	}
	if c.metrics == nil {
		c.metrics = NewMetrics(nil)
	}

	c.Auth = &AuthClient{c: c}
	c.Users = &UsersClient{c: c}
	c.Notifications = &NotificationsClient{c: c}
	c.Devices = &DevicesClient{c: c}
	c.Realtime = &RealtimeFactory{c: c}
	return c
}

// Session returns the session the client reads its token from.
func (c *Client) Session() *Session { return c.session }

// BaseURL returns the API base URL.
func (c *Client) BaseURL() string { return c.baseURL }

// Logger returns the client's logger.
func (c *Client) Logger() zerolog.Logger { return c.logger }

// Metrics returns the collectors shared by components built from this client.
func (c *Client) Metrics() *Metrics { return c.metrics }

// ============================================================================
// Request helpers
// ============================================================================

// Do sends a JSON request and decodes a JSON response into out (if non-nil).
// Non-2xx responses are returned as *APIError; a 401 also clears the session.
func (c *Client) Do(ctx context.Context, method, path string, body, out any) error {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.session.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: request failed: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s %s: failed to read response: %w", method, path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := decodeAPIError(resp.StatusCode, data)
		c.logger.Debug().Str("method", method).Str("path", path).Int("status", resp.StatusCode).Msg("request failed")
		if resp.StatusCode == http.StatusUnauthorized {
			c.session.Clear()
		}
		return apiErr
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return nil
}

func decodeAPIError(status int, data []byte) *APIError {
	apiErr := &APIError{StatusCode: status}
	var wrapped struct {
		Error *APIError `json:"error"`
	}
	if json.Unmarshal(data, &wrapped) == nil && wrapped.Error != nil {
		apiErr.Code, apiErr.Message = wrapped.Error.Code, wrapped.Error.Message
	} else {
		_ = json.Unmarshal(data, apiErr)
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(status)
	}
	return apiErr
}

// Get issues GET path and decodes the response as T.
func Get[T any](ctx context.Context, c *Client, path string) (T, error) {
	var out T
	err := c.Do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// Post issues POST path with body and decodes the response as T.
func Post[T any](ctx context.Context, c *Client, path string, body any) (T, error) {
	var out T
	err := c.Do(ctx, http.MethodPost, path, body, &out)
	return out, err
}

// Patch issues PATCH path with body and decodes the response as T.
func Patch[T any](ctx context.Context, c *Client, path string, body any) (T, error) {
	var out T
	err := c.Do(ctx, http.MethodPatch, path, body, &out)
	return out, err
}

// Delete issues DELETE path and discards the response body.
func Delete(ctx context.Context, c *Client, path string) error {
	return c.Do(ctx, http.MethodDelete, path, nil, nil)
}

// ============================================================================
// Auth
// ============================================================================

type AuthClient struct{ c *Client }

// Login exchanges credentials for a token and stores it in the session.
func (a *AuthClient) Login(ctx context.Context, email, password string) (*LoginResult, error) {
	res, err := Post[LoginResult](ctx, a.c, "/api/auth/login", &LoginRequest{Email: email, Password: password})
	if err != nil {
		return nil, err
	}
	a.c.session.Set(res.Token)
	return &res, nil
}

// Logout clears the session. The server keeps no session state for JWTs.
func (a *AuthClient) Logout() {
	a.c.session.Clear()
}

// ============================================================================
// Users
// ============================================================================

type UsersClient struct{ c *Client }

func (u *UsersClient) Me(ctx context.Context) (User, error) {
	return Get[User](ctx, u.c, "/api/users/me")
}

func (u *UsersClient) UpdateProfile(ctx context.Context, update ProfileUpdate) (User, error) {
	return Patch[User](ctx, u.c, "/api/users/me", update)
}

// ============================================================================
// Notifications
// ============================================================================

type NotificationsClient struct{ c *Client }

func (n *NotificationsClient) List(ctx context.Context) (NotificationList, error) {
	return Get[NotificationList](ctx, n.c, "/api/notifications")
}

func (n *NotificationsClient) UnreadCount(ctx context.Context) (int, error) {
	res, err := Get[UnreadCount](ctx, n.c, "/api/notifications/unread-count")
	return res.Count, err
}

func (n *NotificationsClient) MarkRead(ctx context.Context, id string) (Notification, error) {
	return Patch[Notification](ctx, n.c, "/api/notifications/"+url.PathEscape(id)+"/read", nil)
}

func (n *NotificationsClient) MarkAllRead(ctx context.Context) error {
	return n.c.Do(ctx, http.MethodPost, "/api/notifications/read-all", nil, nil)
}

// Send creates a notification for a user. Only admin tokens may call it.
func (n *NotificationsClient) Send(ctx context.Context, req NotificationRequest) (Notification, error) {
	return Post[Notification](ctx, n.c, "/api/notifications", req)
}

// ============================================================================
// Devices
// ============================================================================

type DevicesClient struct{ c *Client }

// RegisterPushToken upserts this device's push token. Registering the same
// token again is a no-op on the server.
func (d *DevicesClient) RegisterPushToken(ctx context.Context, req PushTokenRequest) (PushRegistration, error) {
	return Post[PushRegistration](ctx, d.c, "/api/notifications/push-token", req)
}

func (d *DevicesClient) UnregisterPushToken(ctx context.Context, deviceToken string) error {
	return Delete(ctx, d.c, "/api/notifications/push-token/"+url.PathEscape(deviceToken))
}
