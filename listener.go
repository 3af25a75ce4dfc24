package sitelink

import (
	"sync"

	"github.com/rs/zerolog"
)

// NotificationSource delivers realtime notifications. *Channel implements it.
type NotificationSource interface {
	Connected() bool
	OnNotification(h func(NotificationEvent)) Unsubscribe
	OnStateChange(h func(RealtimeState)) Unsubscribe
}

// IdentitySource resolves the signed-in user. *Session implements it.
type IdentitySource interface {
	UserID() string
	OnChange(h func(token string)) func()
}

// Invalidator marks cached queries for refetch. *QueryCache implements it.
type Invalidator interface {
	Invalidate(prefix QueryKey) (int, error)
}

// ListenerOptions configures a NotificationListener.
type ListenerOptions struct {
	// Key is the query key group invalidated per event; defaults to
	// NotificationsKey.
	Key QueryKey
	// Forward, if set, receives every event after invalidation was requested.
	Forward func(NotificationEvent)
	Logger  *zerolog.Logger
	Metrics *Metrics
}

// NotificationListener invalidates the notifications query on every realtime
// notification. It holds a subscription only while a user identity is
// resolved and the source is connected.
type NotificationListener struct {
	source   NotificationSource
	identity IdentitySource
	cache    Invalidator
	key      QueryKey
	forward  func(NotificationEvent)
	logger   zerolog.Logger
	metrics  *Metrics

	mu      sync.Mutex
	started bool
	unsub   Unsubscribe
	hooks   []func()
}

// NewNotificationListener wires source events to cache invalidation. Call
// Start to begin listening.
func NewNotificationListener(source NotificationSource, identity IdentitySource, cache Invalidator, opts ListenerOptions) *NotificationListener {
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics(nil)
	}
	if opts.Key == nil {
		opts.Key = NotificationsKey
	}
	return &NotificationListener{
		source:   source,
		identity: identity,
		cache:    cache,
		key:      opts.Key,
		forward:  opts.Forward,
		logger:   componentLogger(logger, "listener"),
		metrics:  opts.Metrics,
	}
}

// Start tracks connection and identity changes and subscribes when both
// allow it.
func (l *NotificationListener) Start() {
	l.mu.Lock()
	if l.started {
		l.mu.Unlock()
		return
	}
	l.started = true
	l.mu.Unlock()

	stopState := l.source.OnStateChange(func(RealtimeState) { l.evaluate() })
	stopIdentity := l.identity.OnChange(func(string) { l.evaluate() })

	l.mu.Lock()
	l.hooks = append(l.hooks, stopState, stopIdentity)
	l.mu.Unlock()

	l.evaluate()
}

// Stop unsubscribes. No invalidation is requested for events arriving after
// Stop returns.
func (l *NotificationListener) Stop() {
	l.mu.Lock()
	l.started = false
	hooks := l.hooks
	l.hooks = nil
	if l.unsub != nil {
		l.unsub()
		l.unsub = nil
	}
	l.mu.Unlock()

	for _, stop := range hooks {
		stop()
	}
}

// Subscribed reports whether the listener currently holds a subscription.
func (l *NotificationListener) Subscribed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.unsub != nil
}

func (l *NotificationListener) evaluate() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.started {
		return
	}

	want := l.identity.UserID() != "" && l.source.Connected()
	switch {
	case want && l.unsub == nil:
		l.unsub = l.source.OnNotification(l.handle)
		l.logger.Debug().Msg("subscribed to notifications")
	case !want && l.unsub != nil:
		l.unsub()
		l.unsub = nil
		l.logger.Debug().Msg("unsubscribed from notifications")
	}
}

func (l *NotificationListener) handle(ev NotificationEvent) {
	l.metrics.ListenerInvalidations.Inc()
	if _, err := l.cache.Invalidate(l.key); err != nil {
		l.logger.Debug().Err(err).Str("kind", ev.Kind).Msg("invalidation failed")
	}
	if l.forward != nil {
		l.forward(ev)
	}
}
