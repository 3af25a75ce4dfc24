package sitelink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

// ============================================================================
// Wire format
// ============================================================================

const (
	EventAuthenticated = "authenticated"
	EventNotification  = "notification"
	EventError         = "error"
)

// RealtimeEnvelope is the wire format for all realtime events.
type RealtimeEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// AuthenticatedPayload is the first event on every accepted connection.
type AuthenticatedPayload struct {
	UserID string `json:"userId"`
}

// RealtimeErrorPayload is sent when a server-side error occurs.
type RealtimeErrorPayload struct {
	Message string `json:"message"`
}

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures a Channel.
type RealtimeConfig struct {
	// NoReconnect disables reconnection after a dropped connection.
	NoReconnect bool
	// MaxReconnectAttempts caps consecutive failed attempts; 0 means 10,
	// negative means unlimited.
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	// HeartbeatInterval between WebSocket pings; negative disables pings.
	HeartbeatInterval time.Duration
	HandshakeTimeout  time.Duration
	// DedupeWindow is how many recent notification ids are remembered to
	// drop events replayed after a reconnect.
	DedupeWindow int

	Dialer  Dialer
	Logger  *zerolog.Logger
	Metrics *Metrics
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.DedupeWindow == 0 {
		c.DedupeWindow = 256
	}
	if c.Dialer == nil {
		c.Dialer = &WebSocketDialer{}
	}
	if c.Logger == nil {
		nop := zerolog.Nop()
		c.Logger = &nop
	}
	if c.Metrics == nil {
		c.Metrics = NewMetrics(nil)
	}
}

// RealtimeState represents the connection state.
type RealtimeState string

const (
	StateDisconnected RealtimeState = "disconnected"
	StateConnecting   RealtimeState = "connecting"
	StateConnected    RealtimeState = "connected"
	StateReconnecting RealtimeState = "reconnecting"
)

// Unsubscribe removes a handler. After it returns the handler is not invoked
// for any later event.
type Unsubscribe func()

// ============================================================================
// Transport
// ============================================================================

// Transport is one live server connection.
type Transport interface {
	Read(ctx context.Context) ([]byte, error)
	Ping(ctx context.Context) error
	Close() error
}

// Dialer opens transports.
type Dialer interface {
	Dial(ctx context.Context, url string) (Transport, error)
}

// WebSocketDialer dials WebSocket transports.
type WebSocketDialer struct {
	HTTPClient *http.Client
	Header     http.Header
}

func (d *WebSocketDialer) Dial(ctx context.Context, u string) (Transport, error) {
	conn, _, err := websocket.Dial(ctx, u, &websocket.DialOptions{
		HTTPClient: d.HTTPClient,
		HTTPHeader: d.Header,
	})
	if err != nil {
		return nil, err
	}
	return &wsTransport{conn: conn}, nil
}

type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) Read(ctx context.Context) ([]byte, error) {
	_, data, err := t.conn.Read(ctx)
	return data, err
}

func (t *wsTransport) Ping(ctx context.Context) error {
	return t.conn.Ping(ctx)
}

func (t *wsTransport) Close() error {
	return t.conn.Close(websocket.StatusNormalClosure, "client disconnect")
}

// authRejected reports whether the server closed the connection because it
// refused the token. Retrying with the same token cannot succeed.
func authRejected(err error) bool {
	return websocket.CloseStatus(err) == websocket.StatusPolicyViolation
}

// ============================================================================
// Channel
// ============================================================================

type notificationSub struct {
	handler func(NotificationEvent)
	active  atomic.Bool
}

// Channel is a token-bound realtime connection delivering server-pushed
// notifications. It reconnects with capped exponential backoff while a
// token is bound.
type Channel struct {
	baseURL string
	cfg     *RealtimeConfig
	logger  zerolog.Logger
	metrics *Metrics

	mu      sync.Mutex
	state   RealtimeState
	token   string
	gen     uint64
	cancel  context.CancelFunc
	changed chan struct{}
	wg      sync.WaitGroup

	subMu     sync.RWMutex
	subs      map[string]*notificationSub
	stateSubs map[string]func(RealtimeState)

	seen *recentIDs
}

// NewChannel creates a disconnected channel for the API at baseURL.
func NewChannel(baseURL string, config *RealtimeConfig) *Channel {
	cfg := RealtimeConfig{}
	if config != nil {
		cfg = *config
	}
	cfg.defaults()
	return &Channel{
		baseURL:   strings.TrimRight(baseURL, "/"),
		cfg:       &cfg,
		logger:    componentLogger(*cfg.Logger, "realtime"),
		metrics:   cfg.Metrics,
		state:     StateDisconnected,
		changed:   make(chan struct{}),
		subs:      make(map[string]*notificationSub),
		stateSubs: make(map[string]func(RealtimeState)),
		seen:      newRecentIDs(cfg.DedupeWindow),
	}
}

// WSURL returns the WebSocket endpoint for token.
func WSURL(baseURL, token string) string {
	base := strings.Replace(strings.TrimRight(baseURL, "/"), "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	if token != "" {
		return base + "/ws?token=" + url.QueryEscape(token)
	}
	return base + "/ws"
}

// State returns the current connection state.
func (c *Channel) State() RealtimeState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connected reports whether the channel has a live, authenticated connection.
func (c *Channel) Connected() bool {
	return c.State() == StateConnected
}

// Token returns the token the channel is bound to, or "".
func (c *Channel) Token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// Connect binds the channel to token and starts connecting in the
// background. An empty token disconnects. Connecting again with the token
// already bound is a no-op; a different token replaces the connection.
// The connection lives until Disconnect, a token change, or ctx is done.
func (c *Channel) Connect(ctx context.Context, token string) {
	if token == "" {
		c.Disconnect()
		return
	}

	c.mu.Lock()
	if c.token == token && c.cancel != nil {
		c.mu.Unlock()
		return
	}
	if c.cancel != nil {
		c.cancel()
	}
	c.gen++
	gen := c.gen
	c.token = token
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	handlers := c.transitionLocked(StateConnecting)
	c.wg.Add(1)
	c.mu.Unlock()

	c.emitState(handlers, StateConnecting)
	go c.run(runCtx, cancel, gen, token)
}

// Disconnect unbinds the token and closes the connection.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	c.gen++
	c.token = ""
	cancel := c.cancel
	c.cancel = nil
	handlers := c.transitionLocked(StateDisconnected)
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.emitState(handlers, StateDisconnected)
}

// Close disconnects and waits for background goroutines to exit. It must
// not be called from a channel callback.
func (c *Channel) Close() {
	c.Disconnect()
	c.wg.Wait()
}

// WaitConnected blocks until the channel is connected or ctx is done. It
// returns ErrNotConnected when no connection is in progress: no token is
// bound, or the channel stopped retrying.
func (c *Channel) WaitConnected(ctx context.Context) error {
	for {
		c.mu.Lock()
		if c.state == StateConnected {
			c.mu.Unlock()
			return nil
		}
		if c.state == StateDisconnected && c.cancel == nil {
			c.mu.Unlock()
			return ErrNotConnected
		}
		changed := c.changed
		c.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// OnNotification registers h for every notification event. Events reach
// each handler once, in receipt order, on the channel's read goroutine.
func (c *Channel) OnNotification(h func(NotificationEvent)) Unsubscribe {
	id := uuid.NewString()
	sub := &notificationSub{handler: h}
	sub.active.Store(true)

	c.subMu.Lock()
	c.subs[id] = sub
	c.subMu.Unlock()

	return func() {
		sub.active.Store(false)
		c.subMu.Lock()
		delete(c.subs, id)
		c.subMu.Unlock()
	}
}

// OnStateChange registers h for connection state transitions.
func (c *Channel) OnStateChange(h func(RealtimeState)) Unsubscribe {
	id := uuid.NewString()
	c.subMu.Lock()
	c.stateSubs[id] = h
	c.subMu.Unlock()
	return func() {
		c.subMu.Lock()
		delete(c.stateSubs, id)
		c.subMu.Unlock()
	}
}

// ============================================================================
// Connection supervisor
// ============================================================================

func (c *Channel) run(ctx context.Context, cancel context.CancelFunc, gen uint64, token string) {
	defer func() {
		cancel()
		c.mu.Lock()
		var handlers []func(RealtimeState)
		if c.gen == gen {
			c.cancel = nil
			handlers = c.transitionLocked(StateDisconnected)
		}
		c.mu.Unlock()
		c.emitState(handlers, StateDisconnected)
		c.wg.Done()
	}()

	recon := c.newReconnector(ctx)
	attempt := 0
	for {
		if !c.setStateIf(gen, StateConnecting) {
			return
		}

		t, err := c.dial(ctx, token)
		if err == nil {
			attempt = 0
			recon.Reset()
			c.metrics.RealtimeConnects.Inc()
			err = c.serve(ctx, gen, t)
		}
		if ctx.Err() != nil {
			return
		}

		attempt++
		connErr := &ConnectionError{Attempt: attempt, Err: err}
		if authRejected(err) {
			c.logger.Error().Err(connErr).Msg("realtime token rejected, not reconnecting")
			return
		}
		if c.cfg.NoReconnect {
			c.logger.Warn().Err(connErr).Msg("realtime connection lost")
			return
		}
		delay := recon.NextBackOff()
		if delay == backoff.Stop {
			c.logger.Error().Err(connErr).Msg("realtime reconnect attempts exhausted")
			return
		}

		c.logger.Warn().Err(connErr).Dur("retry_in", delay).Msg("realtime connection lost, reconnecting")
		c.metrics.RealtimeReconnectAttempts.Inc()
		if !c.setStateIf(gen, StateReconnecting) {
			return
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (c *Channel) newReconnector(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = c.cfg.ReconnectBaseDelay
	exp.MaxInterval = c.cfg.ReconnectMaxDelay
	exp.RandomizationFactor = 0.5
	exp.Multiplier = 2
	exp.MaxElapsedTime = 0
	exp.Reset()

	var b backoff.BackOff = exp
	if c.cfg.MaxReconnectAttempts > 0 {
		b = backoff.WithMaxRetries(b, uint64(c.cfg.MaxReconnectAttempts))
	}
	return backoff.WithContext(b, ctx)
}

// dial opens a transport and waits for the authenticated event.
func (c *Channel) dial(ctx context.Context, token string) (Transport, error) {
	hctx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	defer cancel()

	t, err := c.cfg.Dialer.Dial(hctx, WSURL(c.baseURL, token))
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}

	data, err := t.Read(hctx)
	if err != nil {
		t.Close()
		return nil, fmt.Errorf("read auth message: %w", err)
	}

	var env RealtimeEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Close()
		return nil, fmt.Errorf("decode auth message: %w", err)
	}
	switch env.Type {
	case EventAuthenticated:
		var p AuthenticatedPayload
		_ = json.Unmarshal(env.Payload, &p)
		c.logger.Debug().Str("user_id", p.UserID).Msg("realtime authenticated")
		return t, nil
	case EventError:
		var p RealtimeErrorPayload
		_ = json.Unmarshal(env.Payload, &p)
		t.Close()
		return nil, fmt.Errorf("server refused connection: %s", p.Message)
	default:
		t.Close()
		return nil, fmt.Errorf("expected %q, got %q", EventAuthenticated, env.Type)
	}
}

// serve runs the read loop of an established transport until it fails.
func (c *Channel) serve(ctx context.Context, gen uint64, t Transport) error {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer t.Close()

	if !c.setStateIf(gen, StateConnected) {
		return errors.New("connection superseded")
	}
	c.logger.Info().Msg("realtime connected")

	if c.cfg.HeartbeatInterval > 0 {
		go c.heartbeat(connCtx, t)
	}

	for {
		data, err := t.Read(connCtx)
		if err != nil {
			return err
		}
		c.handle(gen, data)
	}
}

func (c *Channel) heartbeat(ctx context.Context, t Transport) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
			err := t.Ping(pctx)
			cancel()
			if err != nil {
				if ctx.Err() == nil {
					c.logger.Warn().Err(err).Msg("realtime heartbeat failed")
					t.Close()
				}
				return
			}
		}
	}
}

func (c *Channel) handle(gen uint64, data []byte) {
	var env RealtimeEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.logger.Debug().Err(err).Msg("dropping malformed realtime message")
		return
	}
	c.metrics.RealtimeEventsReceived.WithLabelValues(env.Type).Inc()

	switch env.Type {
	case EventNotification:
		var ev NotificationEvent
		if len(env.Payload) > 0 {
			if err := json.Unmarshal(env.Payload, &ev); err != nil {
				c.logger.Debug().Err(err).Msg("dropping malformed notification")
				return
			}
		}
		if !c.current(gen) {
			return
		}
		if ev.ID != "" && !c.seen.add(ev.ID) {
			c.metrics.RealtimeDuplicatesDropped.Inc()
			return
		}
		ev.ReceivedAt = time.Now()
		c.dispatch(ev)
	case EventError:
		var p RealtimeErrorPayload
		_ = json.Unmarshal(env.Payload, &p)
		c.logger.Warn().Str("message", p.Message).Msg("realtime server error")
	default:
		c.logger.Debug().Str("type", env.Type).Msg("ignoring realtime event")
	}
}

func (c *Channel) dispatch(ev NotificationEvent) {
	c.subMu.RLock()
	subs := make([]*notificationSub, 0, len(c.subs))
	for _, s := range c.subs {
		subs = append(subs, s)
	}
	c.subMu.RUnlock()

	for _, s := range subs {
		if s.active.Load() {
			s.handler(ev)
		}
	}
}

// ============================================================================
// State bookkeeping
// ============================================================================

func (c *Channel) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen == gen
}

// setStateIf moves to s if gen is still the bound connection.
func (c *Channel) setStateIf(gen uint64, s RealtimeState) bool {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return false
	}
	handlers := c.transitionLocked(s)
	c.mu.Unlock()
	c.emitState(handlers, s)
	return true
}

// transitionLocked updates state and returns the handlers to notify, or nil
// if nothing changed.
func (c *Channel) transitionLocked(s RealtimeState) []func(RealtimeState) {
	if c.state == s {
		return nil
	}
	c.state = s
	close(c.changed)
	c.changed = make(chan struct{})

	c.subMu.RLock()
	defer c.subMu.RUnlock()
	handlers := make([]func(RealtimeState), 0, len(c.stateSubs))
	for _, h := range c.stateSubs {
		handlers = append(handlers, h)
	}
	return handlers
}

func (c *Channel) emitState(handlers []func(RealtimeState), s RealtimeState) {
	for _, h := range handlers {
		h(s)
	}
}

// ============================================================================
// Duplicate detection
// ============================================================================

// recentIDs remembers the last n ids in insertion order.
type recentIDs struct {
	mu   sync.Mutex
	ids  map[string]struct{}
	ring []string
	next int
}

func newRecentIDs(n int) *recentIDs {
	return &recentIDs{ids: make(map[string]struct{}, n), ring: make([]string, n)}
}

// add records id and reports whether it was new.
func (r *recentIDs) add(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.ids[id]; ok {
		return false
	}
	if old := r.ring[r.next]; old != "" {
		delete(r.ids, old)
	}
	r.ring[r.next] = id
	r.ids[id] = struct{}{}
	r.next = (r.next + 1) % len(r.ring)
	return true
}

// ============================================================================
// Factory
// ============================================================================

// RealtimeFactory builds channels sharing the client's base URL, logger and
// metrics.
type RealtimeFactory struct{ c *Client }

// WSURL returns the WebSocket URL.
func (r *RealtimeFactory) WSURL(token string) string {
	return WSURL(r.c.baseURL, token)
}

// NewChannel creates a disconnected channel. Call Connect with the session
// token to start it.
func (r *RealtimeFactory) NewChannel(config *RealtimeConfig) *Channel {
	cfg := RealtimeConfig{}
	if config != nil {
		cfg = *config
	}
	if cfg.Logger == nil {
		l := r.c.logger
		cfg.Logger = &l
	}
	if cfg.Metrics == nil {
		cfg.Metrics = r.c.metrics
	}
	return NewChannel(r.c.baseURL, &cfg)
}
