package sitelink

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// RuntimeOptions configures a Runtime.
type RuntimeOptions struct {
	// App and DeviceTokens enable push token registration; with a nil
	// DeviceTokens the registrar is not created.
	App          App
	Platform     string
	DeviceTokens DeviceTokenProvider
	PushTimeout  time.Duration

	Realtime *RealtimeConfig
	Cache    CacheOptions

	// OnNotification receives every realtime notification after the
	// notifications query was invalidated.
	OnNotification func(NotificationEvent)
	OnRegistration func(RegistrationResult)
}

// Runtime wires the session, realtime channel, query cache, notification
// listener, push registrar and profile updater of one signed-in app.
type Runtime struct {
	Client   *Client
	Session  *Session
	Cache    *QueryCache
	Channel  *Channel
	Listener *NotificationListener
	Push     *PushRegistrar
	Profile  *ProfileUpdater

	logger zerolog.Logger

	mu          sync.Mutex
	ctx         context.Context
	cancel      context.CancelFunc
	stopSession func()
}

// NewRuntime builds the components around client. Nothing runs until Start.
func NewRuntime(client *Client, opts RuntimeOptions) *Runtime {
	logger := client.logger
	metrics := client.metrics

	cacheOpts := opts.Cache
	if cacheOpts.Logger == nil {
		cacheOpts.Logger = &logger
	}
	if cacheOpts.Metrics == nil {
		cacheOpts.Metrics = metrics
	}
	cache := NewQueryCache(cacheOpts)
	channel := client.Realtime.NewChannel(opts.Realtime)

	rt := &Runtime{
		Client:  client,
		Session: client.session,
		Cache:   cache,
		Channel: channel,
		Listener: NewNotificationListener(channel, client.session, cache, ListenerOptions{
			Forward: opts.OnNotification,
			Logger:  &logger,
			Metrics: metrics,
		}),
		Profile: NewProfileUpdater(client.Users, cache),
		logger:  componentLogger(logger, "runtime"),
	}

	if opts.DeviceTokens != nil {
		rt.Push = NewPushRegistrar(client.Devices, opts.DeviceTokens, RegistrarOptions{
			App:      opts.App,
			Platform: opts.Platform,
			Timeout:  opts.PushTimeout,
			OnResult: opts.OnRegistration,
			Logger:   &logger,
			Metrics:  metrics,
		})
	}
	return rt
}

// Start connects the channel with the session token, follows token changes,
// starts the listener and performs the startup push registration.
func (r *Runtime) Start(ctx context.Context) {
	r.mu.Lock()
	if r.cancel != nil {
		r.mu.Unlock()
		return
	}
	r.ctx, r.cancel = context.WithCancel(ctx)
	runCtx := r.ctx
	r.mu.Unlock()

	r.Listener.Start()
	stop := r.Session.OnChange(func(token string) {
		if token == "" {
			r.Cache.Remove(CurrentUserKey)
			r.Cache.Remove(NotificationsKey)
		}
		r.Channel.Connect(runCtx, token)
	})
	r.mu.Lock()
	r.stopSession = stop
	r.mu.Unlock()

	r.Channel.Connect(runCtx, r.Session.Token())
	if r.Push != nil {
		r.Push.Start(runCtx)
	}
	r.logger.Debug().Bool("push", r.Push != nil).Msg("runtime started")
}

// HandleAppState forwards lifecycle transitions. Returning to the foreground
// re-registers the push token and restarts a channel that gave up.
func (r *Runtime) HandleAppState(state AppState) {
	if r.Push != nil {
		r.Push.HandleAppState(state)
	}
	r.mu.Lock()
	ctx := r.ctx
	r.mu.Unlock()
	if state == AppActive && ctx != nil {
		r.Channel.Connect(ctx, r.Session.Token())
	}
}

// Notifications returns the notifications query through the cache.
func (r *Runtime) Notifications(ctx context.Context) (NotificationList, error) {
	return FetchQuery(ctx, r.Cache, NotificationsKey, r.Client.Notifications.List)
}

// Me returns the current user query through the cache.
func (r *Runtime) Me(ctx context.Context) (User, error) {
	return FetchQuery(ctx, r.Cache, CurrentUserKey, r.Client.Users.Me)
}

// UpdateProfile updates the current user optimistically.
func (r *Runtime) UpdateProfile(ctx context.Context, update ProfileUpdate) (User, error) {
	return r.Profile.Update(ctx, update)
}

// Close stops every component and waits for background work.
func (r *Runtime) Close() {
	r.mu.Lock()
	stop, cancel := r.stopSession, r.cancel
	r.stopSession = nil
	r.mu.Unlock()

	if stop != nil {
		stop()
	}
	r.Listener.Stop()
	r.Channel.Close()
	if r.Push != nil {
		r.Push.Stop()
	}
	if cancel != nil {
		cancel()
	}
	r.Cache.Close()
}
