package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAndValidateToken(t *testing.T) {
	jm, err := NewJWTManager("test-secret")
	require.NoError(t, err)

	token, err := jm.GenerateToken("u1", time.Hour)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	claims, err := jm.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.UserID)
	assert.Equal(t, "presenced", claims.Issuer)
}

func TestNewJWTManagerRequiresSecret(t *testing.T) {
	_, err := NewJWTManager("")
	require.Error(t, err)
}

func TestValidateExpiredToken(t *testing.T) {
	jm, err := NewJWTManager("test-secret")
	require.NoError(t, err)

	token, err := jm.GenerateToken("u1", -time.Minute)
	require.NoError(t, err)

	_, err = jm.ValidateToken(token)
	require.Error(t, err)
}

func TestValidateTokenSignedWithOtherSecret(t *testing.T) {
	jm, err := NewJWTManager("secret-a")
	require.NoError(t, err)
	other, err := NewJWTManager("secret-b")
	require.NoError(t, err)

	token, err := other.GenerateToken("u1", time.Hour)
	require.NoError(t, err)

	_, err = jm.ValidateToken(token)
	require.Error(t, err)
}

func TestValidateGarbageToken(t *testing.T) {
	jm, err := NewJWTManager("test-secret")
	require.NoError(t, err)

	_, err = jm.ValidateToken("not-a-token")
	require.Error(t, err)
}

func TestExtractTokenFromHeader(t *testing.T) {
	token, err := ExtractTokenFromHeader("Bearer abc123")
	require.NoError(t, err)
	assert.Equal(t, "abc123", token)

	_, err = ExtractTokenFromHeader("abc123")
	require.Error(t, err)

	_, err = ExtractTokenFromHeader("")
	require.Error(t, err)

	_, err = ExtractTokenFromHeader("Basic abc123")
	require.Error(t, err)
}
