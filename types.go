package sitelink

import (
	"encoding/json"
	"time"
)

// ============================================================================
// Users
// ============================================================================

// User is the authenticated account as returned by /api/users/me.
type User struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	FullName  string `json:"fullName"`
	Phone     string `json:"phone,omitempty"`
	Role      string `json:"role,omitempty"` // homeowner, contractor, gc, vendor, subcontractor, admin
	AvatarURL string `json:"avatarUrl,omitempty"`
	UpdatedAt string `json:"updatedAt,omitempty"`
}

// ProfileUpdate is a partial update of the current user's profile.
// Nil fields are left untouched.
type ProfileUpdate struct {
	FullName  *string `json:"fullName,omitempty"`
	Phone     *string `json:"phone,omitempty"`
	AvatarURL *string `json:"avatarUrl,omitempty"`
}

// ApplyTo returns a copy of u with the non-nil fields of p applied.
func (p ProfileUpdate) ApplyTo(u User) User {
	if p.FullName != nil {
		u.FullName = *p.FullName
	}
	if p.Phone != nil {
		u.Phone = *p.Phone
	}
	if p.AvatarURL != nil {
		u.AvatarURL = *p.AvatarURL
	}
	return u
}

// String returns a pointer to s, for building ProfileUpdate values.
func String(s string) *string { return &s }

// ============================================================================
// Auth
// ============================================================================

// LoginRequest is the body of POST /api/auth/login.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// LoginResult is returned by a successful login.
type LoginResult struct {
	Token     string `json:"token"`
	ExpiresAt string `json:"expiresAt,omitempty"`
	User      User   `json:"user"`
}

// ============================================================================
// Notifications
// ============================================================================

// Notification is a persisted notification as listed by the REST API.
type Notification struct {
	ID        string          `json:"id"`
	UserID    string          `json:"userId"`
	Kind      string          `json:"kind"`
	Title     string          `json:"title"`
	Body      string          `json:"body,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Read      bool            `json:"read"`
	CreatedAt string          `json:"createdAt"`
}

// NotificationList is the response of GET /api/notifications.
type NotificationList struct {
	Items  []Notification `json:"items"`
	Unread int            `json:"unread"`
}

// NotificationRequest is the body of POST /api/notifications.
type NotificationRequest struct {
	UserID string          `json:"userId"`
	Kind   string          `json:"kind"`
	Title  string          `json:"title"`
	Body   string          `json:"body,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// UnreadCount is the response of GET /api/notifications/unread-count.
type UnreadCount struct {
	Count int `json:"count"`
}

// NotificationEvent is a server-pushed realtime notification. The payload is
// opaque to the SDK.
type NotificationEvent struct {
	ID         string          `json:"id,omitempty"`
	Kind       string          `json:"kind"`
	Payload    json.RawMessage `json:"data,omitempty"`
	ReceivedAt time.Time       `json:"-"`
}

// ============================================================================
// Push tokens
// ============================================================================

// App identifies which mobile application a device registers for.
type App string

const (
	AppHomeowner  App = "homeowner"
	AppContractor App = "contractor"
)

// Valid reports whether a is a known application identity.
func (a App) Valid() bool {
	return a == AppHomeowner || a == AppContractor
}

// PushTokenRequest is the body of POST /api/notifications/push-token.
type PushTokenRequest struct {
	App         App    `json:"app"`
	DeviceToken string `json:"deviceToken"`
	Platform    string `json:"platform,omitempty"` // ios, android
}

// PushRegistration is the server's record of a device push token.
type PushRegistration struct {
	App              App    `json:"app"`
	DeviceToken      string `json:"deviceToken"`
	Platform         string `json:"platform,omitempty"`
	LastRegisteredAt string `json:"lastRegisteredAt"`
	Created          bool   `json:"created"`
}
