package sitelink

import (
	"errors"
	"fmt"
)

var (
	// ErrUnauthorized is matched by APIErrors carrying HTTP 401.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrNotConnected is returned by Channel.WaitConnected when no connection
	// is in progress.
	ErrNotConnected = errors.New("realtime channel not connected")
	// ErrCacheClosed is returned by a QueryCache after Close.
	ErrCacheClosed = errors.New("query cache closed")
	// ErrNoDeviceToken is returned by a DeviceTokenProvider with nothing to register.
	ErrNoDeviceToken = errors.New("no device push token available")
)

// APIError is a non-2xx response from the REST API.
type APIError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("HTTP %d: %s: %s", e.StatusCode, e.Code, e.Message)
}

// Is lets errors.Is(err, ErrUnauthorized) match a 401 response.
func (e *APIError) Is(target error) bool {
	return target == ErrUnauthorized && e.StatusCode == 401
}

// ConnectionError reports that the realtime channel could not establish or
// keep a connection. It is recovered locally by reconnecting.
type ConnectionError struct {
	Attempt int
	Err     error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("realtime connection error (attempt %d): %v", e.Attempt, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// RegistrationError reports a failed push token registration. It is logged
// and recorded, never returned to the caller.
type RegistrationError struct {
	App App
	Err error
}

func (e *RegistrationError) Error() string {
	return fmt.Sprintf("push token registration failed [%s]: %v", e.App, e.Err)
}

func (e *RegistrationError) Unwrap() error {
	return e.Err
}

// MutationError reports a failed optimistic mutation. By the time it is
// returned the cache has already been rolled back.
type MutationError struct {
	Key QueryKey
	Err error
}

func (e *MutationError) Error() string {
	return fmt.Sprintf("mutation %s failed: %v", e.Key, e.Err)
}

func (e *MutationError) Unwrap() error {
	return e.Err
}
