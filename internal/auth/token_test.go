// ABOUTME: tests for JWT minting and verification
// ABOUTME: covers round trips, expiry, bad signatures, and claim handling

package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewJWTVerifier_EmptySecret(t *testing.T) {
	_, err := NewJWTVerifier("")
	require.Error(t, err)
}

func TestJWTVerifier_RoundTrip(t *testing.T) {
	v, err := NewJWTVerifier("test-secret")
	require.NoError(t, err)

	token, err := v.Generate("user-1", "ada", time.Hour)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	identity, err := v.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", identity.UserID)
	assert.Equal(t, "ada", identity.Username)
}

func TestJWTVerifier_ExpiredToken(t *testing.T) {
	v, err := NewJWTVerifier("test-secret")
	require.NoError(t, err)

	token, err := v.Generate("user-1", "ada", -time.Minute)
	require.NoError(t, err)

	_, err = v.Verify(token)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestJWTVerifier_WrongSecret(t *testing.T) {
	signer, err := NewJWTVerifier("secret-a")
	require.NoError(t, err)
	verifier, err := NewJWTVerifier("secret-b")
	require.NoError(t, err)

	token, err := signer.Generate("user-1", "ada", time.Hour)
	require.NoError(t, err)

	_, err = verifier.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestJWTVerifier_MalformedToken(t *testing.T) {
	v, err := NewJWTVerifier("test-secret")
	require.NoError(t, err)

	for _, token := range []string{"", "garbage", "a.b.c"} {
		_, err := v.Verify(token)
		assert.ErrorIs(t, err, ErrInvalidToken, "token %q", token)
	}
}

func TestJWTVerifier_MissingSubject(t *testing.T) {
	v, err := NewJWTVerifier("test-secret")
	require.NoError(t, err)

	claims := jwt.MapClaims{
		"name": "ada",
		"iat":  time.Now().Unix(),
		"exp":  time.Now().Add(time.Hour).Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	require.NoError(t, err)

	_, err = v.Verify(token)
	assert.ErrorIs(t, err, ErrMissingClaim)
}

func TestJWTVerifier_RejectsNoneAlgorithm(t *testing.T) {
	v, err := NewJWTVerifier("test-secret")
	require.NoError(t, err)

	claims := jwt.MapClaims{
		"sub": "user-1",
		"exp": time.Now().Add(time.Hour).Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = v.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestJWTVerifier_GenerateRequiresUserID(t *testing.T) {
	v, err := NewJWTVerifier("test-secret")
	require.NoError(t, err)

	_, err = v.Generate("", "ada", time.Hour)
	require.Error(t, err)
}
