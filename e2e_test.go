package sitelink_test

import (
	"context"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sitelink "github.com/sitelink-hq/sitelink/sdk/golang"
	"github.com/sitelink-hq/sitelink/sdk/golang/devserver"
)

const homeowner = "usr_homeowner"

func startDevServer(t *testing.T) (*devserver.Server, *httptest.Server) {
	t.Helper()
	s := devserver.New(devserver.Options{Secret: []byte("e2e-secret")})
	ts := httptest.NewServer(s)
	t.Cleanup(ts.Close)
	return s, ts
}

func startRuntime(t *testing.T, ts *httptest.Server, opts sitelink.RuntimeOptions) *sitelink.Runtime {
	t.Helper()
	client := sitelink.NewClient(nil, sitelink.WithBaseURL(ts.URL))
	_, err := client.Auth.Login(context.Background(), "jane@example.com", "password")
	require.NoError(t, err)

	if opts.Realtime == nil {
		opts.Realtime = &sitelink.RealtimeConfig{ReconnectBaseDelay: 10 * time.Millisecond, ReconnectMaxDelay: 50 * time.Millisecond}
	}
	rt := sitelink.NewRuntime(client, opts)
	rt.Start(context.Background())
	t.Cleanup(rt.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, rt.Channel.WaitConnected(ctx))
	return rt
}

func cachedNotifications(rt *sitelink.Runtime) int {
	list, ok := sitelink.QueryData[sitelink.NotificationList](rt.Cache, sitelink.NotificationsKey)
	if !ok {
		return -1
	}
	return len(list.Items)
}

func TestRealtimeNotificationRefreshesCache(t *testing.T) {
	s, ts := startDevServer(t)
	var mu sync.Mutex
	var kinds []string
	rt := startRuntime(t, ts, sitelink.RuntimeOptions{
		OnNotification: func(ev sitelink.NotificationEvent) {
			mu.Lock()
			kinds = append(kinds, ev.Kind)
			mu.Unlock()
		},
	})
	require.Eventually(t, func() bool { return s.Connections(homeowner) == 1 }, 2*time.Second, 5*time.Millisecond)

	list, err := rt.Notifications(context.Background())
	require.NoError(t, err)
	assert.Empty(t, list.Items)

	for _, kind := range []string{"bid.received", "message", "payment.released"} {
		_, err := s.Notify(sitelink.NotificationRequest{UserID: homeowner, Kind: kind, Title: kind})
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool { return cachedNotifications(rt) == 3 }, 2*time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Equal(t, []string{"bid.received", "message", "payment.released"}, kinds)
	mu.Unlock()
}

func TestRealtimeReconnectsAfterDrop(t *testing.T) {
	s, ts := startDevServer(t)
	rt := startRuntime(t, ts, sitelink.RuntimeOptions{})
	require.Eventually(t, func() bool { return s.Connections(homeowner) == 1 }, 2*time.Second, 5*time.Millisecond)
	_, err := rt.Notifications(context.Background())
	require.NoError(t, err)

	s.DropConnections(homeowner)
	require.Eventually(t, func() bool {
		return rt.Channel.Connected() && s.Connections(homeowner) == 1
	}, 5*time.Second, 5*time.Millisecond)
	require.True(t, rt.Listener.Subscribed())

	_, err = s.Notify(sitelink.NotificationRequest{UserID: homeowner, Kind: "message", Title: "after reconnect"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return cachedNotifications(rt) == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestPushRegistrationOnStartAndForeground(t *testing.T) {
	s, ts := startDevServer(t)
	results := make(chan sitelink.RegistrationResult, 4)
	rt := startRuntime(t, ts, sitelink.RuntimeOptions{
		App:            sitelink.AppHomeowner,
		Platform:       "ios",
		DeviceTokens:   sitelink.StaticDeviceToken("ExponentPushToken[e2e]"),
		OnRegistration: func(r sitelink.RegistrationResult) { results <- r },
	})

	first := <-results
	require.NoError(t, first.Err)
	assert.Equal(t, "startup", first.Trigger)

	rt.HandleAppState(sitelink.AppBackground)
	rt.HandleAppState(sitelink.AppActive)
	second := <-results
	require.NoError(t, second.Err)
	assert.Equal(t, "foreground", second.Trigger)

	regs, err := s.Tokens().List(context.Background(), homeowner)
	require.NoError(t, err)
	require.Len(t, regs, 1)
	assert.Equal(t, "ExponentPushToken[e2e]", regs[0].DeviceToken)
	assert.Equal(t, "ios", regs[0].Platform)
}

func TestOptimisticProfileUpdate(t *testing.T) {
	_, ts := startDevServer(t)
	rt := startRuntime(t, ts, sitelink.RuntimeOptions{})
	ctx := context.Background()

	me, err := rt.Me(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Jane", me.FullName)

	updated, err := rt.UpdateProfile(ctx, sitelink.ProfileUpdate{FullName: sitelink.String("Jane Doe")})
	require.NoError(t, err)
	assert.Equal(t, "Jane Doe", updated.FullName)
	cached, ok := sitelink.QueryData[sitelink.User](rt.Cache, sitelink.CurrentUserKey)
	require.True(t, ok)
	assert.Equal(t, "Jane Doe", cached.FullName)

	// The server rejects an empty name; the cache rolls back.
	_, err = rt.UpdateProfile(ctx, sitelink.ProfileUpdate{FullName: sitelink.String("")})
	var mutErr *sitelink.MutationError
	require.ErrorAs(t, err, &mutErr)
	require.Eventually(t, func() bool {
		u, ok := sitelink.QueryData[sitelink.User](rt.Cache, sitelink.CurrentUserKey)
		return ok && u.FullName == "Jane Doe"
	}, 2*time.Second, 5*time.Millisecond)
}

func TestLogoutDisconnectsAndClearsCache(t *testing.T) {
	_, ts := startDevServer(t)
	rt := startRuntime(t, ts, sitelink.RuntimeOptions{})
	_, err := rt.Me(context.Background())
	require.NoError(t, err)

	rt.Client.Auth.Logout()

	assert.Equal(t, sitelink.StateDisconnected, rt.Channel.State())
	assert.False(t, rt.Listener.Subscribed())
	_, ok := rt.Cache.Get(sitelink.CurrentUserKey)
	assert.False(t, ok)
}
