package devserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	sitelink "github.com/sitelink-hq/sitelink/sdk/golang"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	s := New(Options{Secret: []byte("test-secret")})
	ts := httptest.NewServer(s)
	t.Cleanup(ts.Close)
	return s, ts
}

func login(t *testing.T, ts *httptest.Server, email string) *sitelink.Client {
	t.Helper()
	client := sitelink.NewClient(sitelink.NewSession(""), sitelink.WithBaseURL(ts.URL))
	_, err := client.Auth.Login(context.Background(), email, "password")
	require.NoError(t, err)
	return client
}

func TestLogin(t *testing.T) {
	_, ts := newTestServer(t)
	client := sitelink.NewClient(nil, sitelink.WithBaseURL(ts.URL))

	res, err := client.Auth.Login(context.Background(), "jane@example.com", "password")
	require.NoError(t, err)
	assert.Equal(t, "usr_homeowner", res.User.ID)
	assert.Equal(t, res.Token, client.Session().Token())
	assert.Equal(t, "usr_homeowner", client.Session().UserID())
	assert.Equal(t, "homeowner", client.Session().Identity().Role)

	_, err = client.Auth.Login(context.Background(), "jane@example.com", "nope")
	var apiErr *sitelink.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "invalid_credentials", apiErr.Code)
}

func TestRequireAuth(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/users/me")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	client := sitelink.NewClient(sitelink.NewSession("not-a-jwt"), sitelink.WithBaseURL(ts.URL))
	_, err = client.Users.Me(context.Background())
	assert.ErrorIs(t, err, sitelink.ErrUnauthorized)
	assert.Empty(t, client.Session().Token())
}

func TestUpdateProfile(t *testing.T) {
	_, ts := newTestServer(t)
	client := login(t, ts, "jane@example.com")

	user, err := client.Users.UpdateProfile(context.Background(), sitelink.ProfileUpdate{FullName: sitelink.String("Jane Doe")})
	require.NoError(t, err)
	assert.Equal(t, "Jane Doe", user.FullName)
	assert.NotEmpty(t, user.UpdatedAt)

	me, err := client.Users.Me(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Jane Doe", me.FullName)

	_, err = client.Users.UpdateProfile(context.Background(), sitelink.ProfileUpdate{FullName: sitelink.String("")})
	var apiErr *sitelink.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnprocessableEntity, apiErr.StatusCode)
}

func TestProfileUpdatesDuringRealtimeTraffic(t *testing.T) {
	s, ts := newTestServer(t)
	client := login(t, ts, "jane@example.com")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(3)
		go func() {
			defer wg.Done()
			_, err := client.Users.UpdateProfile(ctx, sitelink.ProfileUpdate{FullName: sitelink.String("Jane Doe")})
			assert.NoError(t, err)
		}()
		go func() {
			defer wg.Done()
			_, err := client.Notifications.List(ctx)
			assert.NoError(t, err)
		}()
		go func() {
			defer wg.Done()
			conn, _, err := websocket.Dial(ctx, client.Realtime.WSURL(client.Session().Token()), nil)
			if !assert.NoError(t, err) {
				return
			}
			defer conn.Close(websocket.StatusNormalClosure, "")
			_, _, err = conn.Read(ctx)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	me, err := client.Users.Me(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Jane Doe", me.FullName)
	assert.Equal(t, "usr_homeowner", me.ID)
	assert.Equal(t, "jane@example.com", me.Email)

	token, err := s.IssueToken("usr_homeowner")
	require.NoError(t, err)
	assert.NotEmpty(t, token)
}

func TestNotifications(t *testing.T) {
	s, ts := newTestServer(t)
	ctx := context.Background()
	jane := login(t, ts, "jane@example.com")
	admin := login(t, ts, "admin@example.com")

	_, err := jane.Notifications.Send(ctx, sitelink.NotificationRequest{UserID: "usr_homeowner", Kind: "bid", Title: "x"})
	var apiErr *sitelink.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusForbidden, apiErr.StatusCode)

	n, err := admin.Notifications.Send(ctx, sitelink.NotificationRequest{UserID: "usr_homeowner", Kind: "bid.received", Title: "New bid"})
	require.NoError(t, err)
	assert.NotEmpty(t, n.ID)
	_, err = s.Notify(sitelink.NotificationRequest{UserID: "usr_homeowner", Kind: "message", Title: "Hi"})
	require.NoError(t, err)

	list, err := jane.Notifications.List(ctx)
	require.NoError(t, err)
	require.Len(t, list.Items, 2)
	assert.Equal(t, 2, list.Unread)

	_, err = jane.Notifications.MarkRead(ctx, n.ID)
	require.NoError(t, err)
	count, err := jane.Notifications.UnreadCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	require.NoError(t, jane.Notifications.MarkAllRead(ctx))
	count, err = jane.Notifications.UnreadCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	_, err = jane.Notifications.MarkRead(ctx, "missing")
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
}

func TestPushTokenUpsertIsIdempotent(t *testing.T) {
	s, ts := newTestServer(t)
	ctx := context.Background()
	jane := login(t, ts, "jane@example.com")
	req := sitelink.PushTokenRequest{App: sitelink.AppHomeowner, DeviceToken: "ExponentPushToken[abc]", Platform: "ios"}

	first, err := jane.Devices.RegisterPushToken(ctx, req)
	require.NoError(t, err)
	assert.True(t, first.Created)

	second, err := jane.Devices.RegisterPushToken(ctx, req)
	require.NoError(t, err)
	assert.False(t, second.Created)

	regs, err := s.Tokens().List(ctx, "usr_homeowner")
	require.NoError(t, err)
	require.Len(t, regs, 1)
	assert.Equal(t, "ExponentPushToken[abc]", regs[0].DeviceToken)

	_, err = jane.Devices.RegisterPushToken(ctx, sitelink.PushTokenRequest{App: "other", DeviceToken: "x"})
	assert.Error(t, err)

	require.NoError(t, jane.Devices.UnregisterPushToken(ctx, "ExponentPushToken[abc]"))
	regs, err = s.Tokens().List(ctx, "usr_homeowner")
	require.NoError(t, err)
	assert.Empty(t, regs)
}

func TestWebSocketHandshake(t *testing.T) {
	s, ts := newTestServer(t)
	token, err := s.IssueToken("usr_contractor")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, sitelink.WSURL(ts.URL, token), nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var env sitelink.RealtimeEnvelope
	require.NoError(t, json.Unmarshal(data, &env))
	assert.Equal(t, sitelink.EventAuthenticated, env.Type)
	assert.Contains(t, string(env.Payload), "usr_contractor")

	require.Eventually(t, func() bool { return s.Connections("usr_contractor") == 1 }, 2*time.Second, 10*time.Millisecond)

	_, err = s.Notify(sitelink.NotificationRequest{UserID: "usr_contractor", Kind: "job.assigned", Title: "Job", Data: json.RawMessage(`{"jobId":7}`)})
	require.NoError(t, err)

	_, data, err = conn.Read(ctx)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &env))
	assert.Equal(t, sitelink.EventNotification, env.Type)
	var ev sitelink.NotificationEvent
	require.NoError(t, json.Unmarshal(env.Payload, &ev))
	assert.Equal(t, "job.assigned", ev.Kind)
	assert.JSONEq(t, `{"jobId":7}`, string(ev.Payload))
	assert.NotEmpty(t, ev.ID)
}

func TestWebSocketRejectsBadToken(t *testing.T) {
	_, ts := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, sitelink.WSURL(ts.URL, "garbage"), nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	_, _, err = conn.Read(ctx)
	assert.Equal(t, websocket.StatusPolicyViolation, websocket.CloseStatus(err))
}

func TestMemoryTokenStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryTokenStore()
	reg := sitelink.PushRegistration{App: sitelink.AppContractor, DeviceToken: "tok", LastRegisteredAt: "t1"}

	created, err := store.Upsert(ctx, "u1", reg)
	require.NoError(t, err)
	assert.True(t, created)

	reg.LastRegisteredAt = "t2"
	created, err = store.Upsert(ctx, "u1", reg)
	require.NoError(t, err)
	assert.False(t, created)

	reg.App = sitelink.AppHomeowner
	created, err = store.Upsert(ctx, "u1", reg)
	require.NoError(t, err)
	assert.True(t, created, "same device token for a different app is a separate registration")

	regs, err := store.List(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, regs, 2)
	assert.Equal(t, sitelink.AppContractor, regs[0].App)
	assert.Equal(t, "t2", regs[0].LastRegisteredAt)

	require.NoError(t, store.Delete(ctx, "u1", "tok"))
	regs, err = store.List(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, regs)
}

func TestNewRequiresSecret(t *testing.T) {
	assert.Panics(t, func() { New(Options{}) })
}
