package sitelink

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// AppState is the foreground state of the host application.
type AppState string

const (
	AppActive     AppState = "active"
	AppBackground AppState = "background"
	AppInactive   AppState = "inactive"
)

// DeviceTokenProvider supplies the platform push token for this device.
type DeviceTokenProvider interface {
	DeviceToken(ctx context.Context) (string, error)
}

// StaticDeviceToken is a DeviceTokenProvider returning a fixed token.
type StaticDeviceToken string

func (s StaticDeviceToken) DeviceToken(context.Context) (string, error) {
	if s == "" {
		return "", ErrNoDeviceToken
	}
	return string(s), nil
}

// PushTokenAPI is the backend call the registrar makes. *DevicesClient
// implements it.
type PushTokenAPI interface {
	RegisterPushToken(ctx context.Context, req PushTokenRequest) (PushRegistration, error)
}

// RegistrationResult records one registration attempt.
type RegistrationResult struct {
	App         App
	DeviceToken string
	Trigger     string // startup, foreground
	At          time.Time
	Err         error
}

// OK reports whether the attempt succeeded.
func (r RegistrationResult) OK() bool { return r.Err == nil }

// RegistrarOptions configures a PushRegistrar.
type RegistrarOptions struct {
	App      App
	Platform string
	// Timeout bounds each attempt; default 15s.
	Timeout  time.Duration
	OnResult func(RegistrationResult)
	Logger   *zerolog.Logger
	Metrics  *Metrics
}

// PushRegistrar keeps the backend's record of this device's push token
// fresh. It registers at start and on every return to the foreground.
// Attempts run in the background and failures are logged, never returned.
type PushRegistrar struct {
	api      PushTokenAPI
	tokens   DeviceTokenProvider
	app      App
	platform string
	timeout  time.Duration
	onResult func(RegistrationResult)
	logger   zerolog.Logger
	metrics  *Metrics

	mu     sync.Mutex
	state  AppState
	last   *RegistrationResult
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPushRegistrar creates a registrar for opts.App.
func NewPushRegistrar(api PushTokenAPI, tokens DeviceTokenProvider, opts RegistrarOptions) *PushRegistrar {
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics(nil)
	}
	if opts.Timeout == 0 {
		opts.Timeout = 15 * time.Second
	}
	return &PushRegistrar{
		api:      api,
		tokens:   tokens,
		app:      opts.App,
		platform: opts.Platform,
		timeout:  opts.Timeout,
		onResult: opts.OnResult,
		logger:   componentLogger(logger, "push").With().Str("app", string(opts.App)).Logger(),
		metrics:  opts.Metrics,
		state:    AppActive,
	}
}

// Start performs the startup registration. Attempts started later are bound
// to ctx.
func (r *PushRegistrar) Start(ctx context.Context) {
	r.mu.Lock()
	if r.cancel != nil {
		r.cancel()
	}
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.state = AppActive
	r.mu.Unlock()

	r.trigger("startup")
}

// HandleAppState records a lifecycle transition. Moving from background or
// inactive to active triggers one registration.
func (r *PushRegistrar) HandleAppState(state AppState) {
	r.mu.Lock()
	prev := r.state
	r.state = state
	r.mu.Unlock()

	if state == AppActive && (prev == AppBackground || prev == AppInactive) {
		r.trigger("foreground")
	}
}

// LastResult returns the most recent completed attempt.
func (r *PushRegistrar) LastResult() (RegistrationResult, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.last == nil {
		return RegistrationResult{}, false
	}
	return *r.last, true
}

// Wait blocks until in-flight attempts have finished.
func (r *PushRegistrar) Wait() {
	r.wg.Wait()
}

// Stop cancels in-flight attempts and waits for them.
func (r *PushRegistrar) Stop() {
	r.mu.Lock()
	if r.cancel != nil {
		r.cancel()
	}
	r.mu.Unlock()
	r.wg.Wait()
}

func (r *PushRegistrar) trigger(reason string) {
	r.mu.Lock()
	ctx := r.ctx
	r.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.record(r.register(ctx, reason))
	}()
}

func (r *PushRegistrar) register(ctx context.Context, reason string) RegistrationResult {
	res := RegistrationResult{App: r.app, Trigger: reason}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if !r.app.Valid() {
		res.Err = &RegistrationError{App: r.app, Err: errors.New("unknown app")}
		res.At = time.Now()
		return res
	}

	token, err := r.tokens.DeviceToken(ctx)
	if err == nil && token == "" {
		err = ErrNoDeviceToken
	}
	if err != nil {
		res.Err = &RegistrationError{App: r.app, Err: err}
		res.At = time.Now()
		return res
	}
	res.DeviceToken = token

	_, err = r.api.RegisterPushToken(ctx, PushTokenRequest{
		App:         r.app,
		DeviceToken: token,
		Platform:    r.platform,
	})
	if err != nil {
		res.Err = &RegistrationError{App: r.app, Err: err}
	}
	res.At = time.Now()
	return res
}

func (r *PushRegistrar) record(res RegistrationResult) {
	if res.Err != nil {
		r.metrics.PushRegistrations.WithLabelValues(string(r.app), "error").Inc()
		r.logger.Warn().Err(res.Err).Str("trigger", res.Trigger).Msg("push token registration failed")
	} else {
		r.metrics.PushRegistrations.WithLabelValues(string(r.app), "ok").Inc()
		r.logger.Debug().Str("trigger", res.Trigger).Msg("push token registered")
	}

	r.mu.Lock()
	r.last = &res
	r.mu.Unlock()

	if r.onResult != nil {
		r.onResult(res)
	}
}
