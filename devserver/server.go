// Package devserver is an in-process stand-in for the Sitelink API. It
// implements the auth, user, notification and push-token endpoints plus the
// realtime WebSocket, enough to run the SDK and CLI end to end without the
// real backend.
package devserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	sitelink "github.com/sitelink-hq/sitelink/sdk/golang"
)

// Account is a seeded user with a plain-text development password.
type Account struct {
	sitelink.User
	Password string
}

// Options configures a Server.
type Options struct {
	// Secret signs session tokens (HS256). Required.
	Secret   []byte
	TokenTTL time.Duration
	Accounts []Account
	// Tokens stores push registrations; defaults to a MemoryTokenStore.
	Tokens TokenStore
	Logger *zerolog.Logger
}

// DefaultAccounts returns one account per role the mobile apps serve.
func DefaultAccounts() []Account {
	return []Account{
		{User: sitelink.User{ID: "usr_homeowner", Email: "jane@example.com", FullName: "Jane", Role: "homeowner"}, Password: "password"},
		{User: sitelink.User{ID: "usr_contractor", Email: "joe@example.com", FullName: "Joe", Role: "contractor"}, Password: "password"},
		{User: sitelink.User{ID: "usr_admin", Email: "admin@example.com", FullName: "Admin", Role: "admin"}, Password: "password"},
	}
}

// Server is the development API.
type Server struct {
	secret   []byte
	tokenTTL time.Duration
	tokens   TokenStore
	hub      *hub
	logger   zerolog.Logger
	mux      *http.ServeMux

	mu            sync.RWMutex
	accounts      map[string]*Account
	notifications map[string][]sitelink.Notification
}

// New creates a server. It panics if opts.Secret is empty.
func New(opts Options) *Server {
	if len(opts.Secret) == 0 {
		panic("devserver: empty signing secret")
	}
	if opts.TokenTTL == 0 {
		opts.TokenTTL = 24 * time.Hour
	}
	if opts.Tokens == nil {
		opts.Tokens = NewMemoryTokenStore()
	}
	if opts.Accounts == nil {
		opts.Accounts = DefaultAccounts()
	}
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	s := &Server{
		secret:        opts.Secret,
		tokenTTL:      opts.TokenTTL,
		tokens:        opts.Tokens,
		logger:        logger.With().Str("component", "devserver").Logger(),
		accounts:      make(map[string]*Account),
		notifications: make(map[string][]sitelink.Notification),
	}
	s.hub = newHub(s.logger)
	for i := range opts.Accounts {
		acct := opts.Accounts[i]
		s.accounts[acct.ID] = &acct
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/auth/login", s.handleLogin)
	mux.HandleFunc("GET /api/users/me", s.requireAuth(s.handleMe))
	mux.HandleFunc("PATCH /api/users/me", s.requireAuth(s.handleUpdateMe))
	mux.HandleFunc("GET /api/notifications", s.requireAuth(s.handleListNotifications))
	mux.HandleFunc("POST /api/notifications", s.requireAuth(s.handleSendNotification))
	mux.HandleFunc("GET /api/notifications/unread-count", s.requireAuth(s.handleUnreadCount))
	mux.HandleFunc("PATCH /api/notifications/{id}/read", s.requireAuth(s.handleMarkRead))
	mux.HandleFunc("POST /api/notifications/read-all", s.requireAuth(s.handleMarkAllRead))
	mux.HandleFunc("POST /api/notifications/push-token", s.requireAuth(s.handleRegisterPushToken))
	mux.HandleFunc("DELETE /api/notifications/push-token/{token}", s.requireAuth(s.handleUnregisterPushToken))
	mux.HandleFunc("GET /ws", s.handleWS)
	s.mux = mux
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// IssueToken returns a signed session token for the account with userID.
func (s *Server) IssueToken(userID string) (string, error) {
	acct := s.accountByID(userID)
	if acct == nil {
		return "", errors.New("unknown user " + userID)
	}
	token, _, err := s.issueToken(acct)
	return token, err
}

// Notify stores a notification for userID and pushes it to the user's live
// connections.
func (s *Server) Notify(req sitelink.NotificationRequest) (sitelink.Notification, error) {
	if s.accountByID(req.UserID) == nil {
		return sitelink.Notification{}, errors.New("unknown user " + req.UserID)
	}
	n := sitelink.Notification{
		ID:        uuid.NewString(),
		UserID:    req.UserID,
		Kind:      req.Kind,
		Title:     req.Title,
		Body:      req.Body,
		Data:      req.Data,
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}
	s.mu.Lock()
	s.notifications[req.UserID] = append(s.notifications[req.UserID], n)
	s.mu.Unlock()

	s.hub.publish(req.UserID, sitelink.NotificationEvent{ID: n.ID, Kind: n.Kind, Payload: n.Data})
	return n, nil
}

// Connections returns how many realtime connections userID holds.
func (s *Server) Connections(userID string) int {
	return s.hub.count(userID)
}

// DropConnections closes every realtime connection of userID as if the
// network went away.
func (s *Server) DropConnections(userID string) {
	s.hub.drop(userID)
}

// Tokens returns the push token store.
func (s *Server) Tokens() TokenStore {
	return s.tokens
}

func (s *Server) accountByID(id string) *Account {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.accounts[id]
}

func (s *Server) accountByEmail(email string) *Account {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, a := range s.accounts {
		if a.Email == email {
			return a
		}
	}
	return nil
}

// ============================================================================
// Handlers
// ============================================================================

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req sitelink.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	acct := s.accountByEmail(req.Email)
	if acct == nil || acct.Password != req.Password {
		writeError(w, http.StatusUnauthorized, "invalid_credentials", "wrong email or password")
		return
	}
	token, exp, err := s.issueToken(acct)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	s.logger.Info().Str("user_id", acct.ID).Msg("login")
	writeJSON(w, http.StatusOK, sitelink.LoginResult{
		Token:     token,
		ExpiresAt: exp.UTC().Format(time.RFC3339),
		User:      s.userOf(acct),
	})
}

func (s *Server) userOf(acct *Account) sitelink.User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return acct.User
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	acct := s.accountByID(principalFrom(r).UserID)
	if acct == nil {
		writeError(w, http.StatusNotFound, "not_found", "user not found")
		return
	}
	writeJSON(w, http.StatusOK, s.userOf(acct))
}

func (s *Server) handleUpdateMe(w http.ResponseWriter, r *http.Request) {
	var update sitelink.ProfileUpdate
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	if update.FullName != nil && *update.FullName == "" {
		writeError(w, http.StatusUnprocessableEntity, "validation", "fullName must not be empty")
		return
	}
	s.mu.Lock()
	acct := s.accounts[principalFrom(r).UserID]
	if acct == nil {
		s.mu.Unlock()
		writeError(w, http.StatusNotFound, "not_found", "user not found")
		return
	}
	// Only the editable fields are written; ID, Email and Role are read
	// without the lock when tokens are issued.
	updated := update.ApplyTo(acct.User)
	acct.FullName = updated.FullName
	acct.Phone = updated.Phone
	acct.AvatarURL = updated.AvatarURL
	acct.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
	user := acct.User
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, user)
}

func (s *Server) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	userID := principalFrom(r).UserID
	s.mu.RLock()
	items := append([]sitelink.Notification{}, s.notifications[userID]...)
	s.mu.RUnlock()

	unread := 0
	for _, n := range items {
		if !n.Read {
			unread++
		}
	}
	writeJSON(w, http.StatusOK, sitelink.NotificationList{Items: items, Unread: unread})
}

func (s *Server) handleUnreadCount(w http.ResponseWriter, r *http.Request) {
	userID := principalFrom(r).UserID
	s.mu.RLock()
	count := 0
	for _, n := range s.notifications[userID] {
		if !n.Read {
			count++
		}
	}
	s.mu.RUnlock()
	writeJSON(w, http.StatusOK, sitelink.UnreadCount{Count: count})
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	userID, id := principalFrom(r).UserID, r.PathValue("id")
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.notifications[userID] {
		if s.notifications[userID][i].ID == id {
			s.notifications[userID][i].Read = true
			writeJSON(w, http.StatusOK, s.notifications[userID][i])
			return
		}
	}
	writeError(w, http.StatusNotFound, "not_found", "notification not found")
}

func (s *Server) handleMarkAllRead(w http.ResponseWriter, r *http.Request) {
	userID := principalFrom(r).UserID
	s.mu.Lock()
	for i := range s.notifications[userID] {
		s.notifications[userID][i].Read = true
	}
	s.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSendNotification(w http.ResponseWriter, r *http.Request) {
	if principalFrom(r).Role != "admin" {
		writeError(w, http.StatusForbidden, "forbidden", "admin role required")
		return
	}
	var req sitelink.NotificationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	if req.Kind == "" || req.Title == "" {
		writeError(w, http.StatusUnprocessableEntity, "validation", "kind and title are required")
		return
	}
	n, err := s.Notify(req)
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, n)
}

func (s *Server) handleRegisterPushToken(w http.ResponseWriter, r *http.Request) {
	var req sitelink.PushTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	if !req.App.Valid() || req.DeviceToken == "" {
		writeError(w, http.StatusUnprocessableEntity, "validation", "app and deviceToken are required")
		return
	}
	reg := sitelink.PushRegistration{
		App:              req.App,
		DeviceToken:      req.DeviceToken,
		Platform:         req.Platform,
		LastRegisteredAt: time.Now().UTC().Format(time.RFC3339Nano),
	}
	created, err := s.tokens.Upsert(r.Context(), principalFrom(r).UserID, reg)
	if err != nil {
		s.logger.Error().Err(err).Msg("push token upsert failed")
		writeError(w, http.StatusInternalServerError, "internal", "failed to store push token")
		return
	}
	reg.Created = created
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, reg)
}

func (s *Server) handleUnregisterPushToken(w http.ResponseWriter, r *http.Request) {
	if err := s.tokens.Delete(r.Context(), principalFrom(r).UserID, r.PathValue("token")); err != nil {
		s.logger.Error().Err(err).Msg("push token delete failed")
		writeError(w, http.StatusInternalServerError, "internal", "failed to delete push token")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ============================================================================
// Responses
// ============================================================================

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"error": sitelink.APIError{Code: code, Message: message},
	})
}
