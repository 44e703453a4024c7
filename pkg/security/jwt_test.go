package security

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, expires time.Duration) *JWTManager {
	t.Helper()
	m, err := NewJWTManager(&JWTConfig{
		SecretKey: "test-secret",
		ExpiresIn: expires,
		Issuer:    "watchdesk-test",
	})
	require.NoError(t, err)
	return m
}

func TestGenerateAndValidate(t *testing.T) {
	m := newTestManager(t, time.Hour)

	token, err := m.GenerateToken("supervisor-1", []string{"supervisor"})
	require.NoError(t, err)

	claims, err := m.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "supervisor-1", claims.Identity)
	assert.True(t, claims.HasRole("supervisor"))
	assert.False(t, claims.HasRole("admin"))
}

func TestValidateExpired(t *testing.T) {
	m := newTestManager(t, -time.Minute)

	token, err := m.GenerateToken("supervisor-1", nil)
	require.NoError(t, err)

	_, err = m.ValidateToken(token)
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestValidateGarbage(t *testing.T) {
	m := newTestManager(t, time.Hour)

	_, err := m.ValidateToken("not.a.token")
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestValidateWrongKey(t *testing.T) {
	m := newTestManager(t, time.Hour)
	other, err := NewJWTManager(&JWTConfig{SecretKey: "other-secret"})
	require.NoError(t, err)

	token, err := other.GenerateToken("supervisor-1", nil)
	require.NoError(t, err)

	_, err = m.ValidateToken(token)
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestMissingSecret(t *testing.T) {
	_, err := NewJWTManager(&JWTConfig{})
	assert.ErrorIs(t, err, ErrMissingSecret)
}

func TestStripPrefix(t *testing.T) {
	m := newTestManager(t, time.Hour)
	assert.Equal(t, "abc", m.StripPrefix("Bearer abc"))
	assert.Equal(t, "abc", m.StripPrefix("abc"))
}
