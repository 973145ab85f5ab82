package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestSignerRoundTrip(t *testing.T) {
	token, err := NewSigner("secret", 0).Issue("user-1", []string{"admin"})
	require.NoError(t, err)

	claims, err := NewSigner("secret", time.Hour).Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.Subject)
	assert.Equal(t, []string{"admin"}, claims.Roles)
	assert.WithinDuration(t, time.Now().Add(DefaultAccessTokenTTL), claims.ExpiresAt.Time, 5*time.Second)
}

func TestSignerRejects(t *testing.T) {
	token, err := NewSigner("secret", time.Minute).Issue("user-1", nil)
	require.NoError(t, err)

	_, err = NewSigner("other", 0).Verify(token)
	assert.Error(t, err)

	_, err = NewSigner("secret", 0).Verify("not-a-token")
	assert.Error(t, err)

	// negative ttl falls back to the default rather than minting expired tokens
	fallback, err := NewSigner("secret", -time.Minute).Issue("user-1", nil)
	require.NoError(t, err)
	_, err = NewSigner("secret", 0).Verify(fallback)
	assert.NoError(t, err)

	anonymous, err := NewSigner("secret", 0).Issue("", nil)
	require.NoError(t, err)
	_, err = NewSigner("secret", 0).Verify(anonymous)
	assert.Error(t, err)
}

func TestCheckPassword(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("hunter2"), bcrypt.MinCost)
	require.NoError(t, err)
	assert.True(t, CheckPassword("hunter2", string(hash)))
	assert.False(t, CheckPassword("hunter3", string(hash)))
}

func TestUserRoles(t *testing.T) {
	u := &User{ID: "1", Roles: []string{"editor"}}
	assert.True(t, u.HasRole("editor"))
	assert.False(t, u.IsAdmin())
	u.Roles = append(u.Roles, "admin")
	assert.True(t, u.IsAdmin())
}
