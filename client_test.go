package sitelink

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedRequest struct {
	Method string
	Path   string
	Auth   string
	Body   string
}

func newRecordingServer(t *testing.T, status int, response string) (*httptest.Server, *[]recordedRequest) {
	t.Helper()
	var reqs []recordedRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		reqs = append(reqs, recordedRequest{
			Method: r.Method,
			Path:   r.URL.Path,
			Auth:   r.Header.Get("Authorization"),
			Body:   string(body),
		})
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		io.WriteString(w, response)
	}))
	t.Cleanup(srv.Close)
	return srv, &reqs
}

func TestNewClientDefaults(t *testing.T) {
	c := NewClient(nil)
	assert.Equal(t, DefaultBaseURL, c.BaseURL())
	assert.NotNil(t, c.Session())
	assert.NotNil(t, c.Metrics())

	c = NewClient(nil, WithEnvironment(Staging))
	assert.Equal(t, "https://staging-api.sitelink.build", c.BaseURL())

	c = NewClient(nil, WithBaseURL("http://localhost:9000/"))
	assert.Equal(t, "http://localhost:9000", c.BaseURL())
	assert.Equal(t, "ws://localhost:9000/ws?token=t", c.Realtime.WSURL("t"))

	_, ok := BaseURLFor("mars")
	assert.False(t, ok)
}

func TestClientTimeoutIgnoresOptionOrder(t *testing.T) {
	custom := &http.Client{}

	before := NewClient(nil, WithTimeout(5*time.Second), WithHTTPClient(custom))
	after := NewClient(nil, WithHTTPClient(custom), WithTimeout(5*time.Second))

	assert.Equal(t, 5*time.Second, before.httpClient.Timeout)
	assert.Equal(t, 5*time.Second, after.httpClient.Timeout)
	assert.Zero(t, custom.Timeout, "caller's client must not be modified")

	assert.Same(t, custom, NewClient(nil, WithHTTPClient(custom)).httpClient)
}

func TestClientSendsBearerToken(t *testing.T) {
	srv, reqs := newRecordingServer(t, http.StatusOK, `{"id":"u1","email":"jane@example.com","fullName":"Jane"}`)
	c := NewClient(NewSession("tok-123"), WithBaseURL(srv.URL))

	me, err := c.Users.Me(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Jane", me.FullName)

	require.Len(t, *reqs, 1)
	assert.Equal(t, recordedRequest{Method: "GET", Path: "/api/users/me", Auth: "Bearer tok-123"}, (*reqs)[0])
}

func TestClientRequestShapes(t *testing.T) {
	srv, reqs := newRecordingServer(t, http.StatusOK, `{}`)
	c := NewClient(NewSession("tok"), WithBaseURL(srv.URL))
	ctx := context.Background()

	_, err := c.Users.UpdateProfile(ctx, ProfileUpdate{FullName: String("Jane Doe")})
	require.NoError(t, err)
	_, err = c.Notifications.List(ctx)
	require.NoError(t, err)
	_, err = c.Notifications.UnreadCount(ctx)
	require.NoError(t, err)
	_, err = c.Notifications.MarkRead(ctx, "n 1")
	require.NoError(t, err)
	require.NoError(t, c.Notifications.MarkAllRead(ctx))
	_, err = c.Devices.RegisterPushToken(ctx, PushTokenRequest{App: AppHomeowner, DeviceToken: "dt", Platform: "ios"})
	require.NoError(t, err)
	require.NoError(t, c.Devices.UnregisterPushToken(ctx, "dt"))

	got := make([]string, 0, len(*reqs))
	for _, r := range *reqs {
		got = append(got, r.Method+" "+r.Path)
	}
	assert.Equal(t, []string{
		"PATCH /api/users/me",
		"GET /api/notifications",
		"GET /api/notifications/unread-count",
		"PATCH /api/notifications/n 1/read",
		"POST /api/notifications/read-all",
		"POST /api/notifications/push-token",
		"DELETE /api/notifications/push-token/dt",
	}, got)
	assert.JSONEq(t, `{"fullName":"Jane Doe"}`, (*reqs)[0].Body)
	assert.JSONEq(t, `{"app":"homeowner","deviceToken":"dt","platform":"ios"}`, (*reqs)[5].Body)
}

func TestClientAPIErrors(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		wantCode string
		wantMsg  string
	}{
		{"wrapped", http.StatusUnprocessableEntity, `{"error":{"code":"validation","message":"bad phone"}}`, "validation", "bad phone"},
		{"flat", http.StatusConflict, `{"code":"conflict","message":"exists"}`, "conflict", "exists"},
		{"empty", http.StatusBadGateway, ``, "", "Bad Gateway"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := newRecordingServer(t, tt.status, tt.body)
			c := NewClient(NewSession("tok"), WithBaseURL(srv.URL))

			_, err := c.Users.Me(context.Background())
			var apiErr *APIError
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, tt.status, apiErr.StatusCode)
			assert.Equal(t, tt.wantCode, apiErr.Code)
			assert.Equal(t, tt.wantMsg, apiErr.Message)
			assert.False(t, errors.Is(err, ErrUnauthorized))
			assert.Equal(t, "tok", c.Session().Token())
		})
	}
}

func TestClientUnauthorizedClearsSession(t *testing.T) {
	srv, _ := newRecordingServer(t, http.StatusUnauthorized, `{"error":{"code":"unauthorized","message":"token expired"}}`)
	session := NewSession("tok")
	var cleared bool
	session.OnChange(func(token string) { cleared = token == "" })
	c := NewClient(session, WithBaseURL(srv.URL))

	_, err := c.Notifications.List(context.Background())
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.Empty(t, session.Token())
	assert.True(t, cleared)
}

func TestLoginStoresToken(t *testing.T) {
	srv, reqs := newRecordingServer(t, http.StatusOK, `{"token":"new-token","user":{"id":"u1","email":"a@b.c","fullName":"A"}}`)
	c := NewClient(nil, WithBaseURL(srv.URL))

	res, err := c.Auth.Login(context.Background(), "a@b.c", "pw")
	require.NoError(t, err)
	assert.Equal(t, "u1", res.User.ID)
	assert.Equal(t, "new-token", c.Session().Token())

	var body LoginRequest
	require.NoError(t, json.Unmarshal([]byte((*reqs)[0].Body), &body))
	assert.Equal(t, LoginRequest{Email: "a@b.c", Password: "pw"}, body)
	assert.Empty(t, (*reqs)[0].Auth)

	c.Auth.Logout()
	assert.Empty(t, c.Session().Token())
}
