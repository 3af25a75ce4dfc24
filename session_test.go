package sitelink

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signToken(t *testing.T, sub string, exp time.Time) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Email: sub + "@example.com",
		Role:  "contractor",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}).SignedString([]byte("secret"))
	require.NoError(t, err)
	return token
}

func TestSessionIdentityFromToken(t *testing.T) {
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	s := NewSession(signToken(t, "usr_7", exp))

	id := s.Identity()
	assert.Equal(t, "usr_7", id.UserID)
	assert.Equal(t, "usr_7@example.com", id.Email)
	assert.Equal(t, "contractor", id.Role)
	assert.True(t, exp.Equal(id.ExpiresAt))
	assert.False(t, s.Expired(time.Now()))
	assert.True(t, s.Expired(exp.Add(time.Second)))
}

func TestSessionOpaqueToken(t *testing.T) {
	s := NewSession("opaque")
	assert.Equal(t, "opaque", s.Token())
	assert.Empty(t, s.UserID())
	assert.False(t, s.Expired(time.Now()))

	s.SetIdentity(Identity{UserID: "usr_1"})
	assert.Equal(t, "usr_1", s.UserID())
}

func TestSessionOnChange(t *testing.T) {
	s := NewSession("")
	var got []string
	stop := s.OnChange(func(token string) { got = append(got, token) })

	s.Set("a")
	s.Set("a")
	s.Set("b")
	s.Clear()
	s.Clear()
	stop()
	s.Set("c")

	assert.Equal(t, []string{"a", "b", ""}, got)
	assert.Equal(t, "c", s.Token())
}

func TestSessionSetResetsIdentity(t *testing.T) {
	s := NewSession(signToken(t, "usr_1", time.Now().Add(time.Hour)))
	s.SetIdentity(Identity{UserID: "override"})
	assert.Equal(t, "override", s.UserID())

	s.Set(signToken(t, "usr_2", time.Now().Add(time.Hour)))
	assert.Equal(t, "usr_2", s.UserID())

	s.Clear()
	assert.Equal(t, Identity{}, s.Identity())
}
