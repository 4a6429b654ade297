// ABOUTME: JWT verification and minting for gateway authentication
// ABOUTME: validates HS256 tokens and extracts the caller's identity claims

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidToken indicates the token failed signature or format validation.
	ErrInvalidToken = errors.New("invalid token")
	// ErrExpiredToken indicates the token has expired.
	ErrExpiredToken = errors.New("token expired")
	// ErrMissingClaim indicates a required claim is absent from the token.
	ErrMissingClaim = errors.New("missing required claim")
)

// TokenVerifier validates bearer tokens and extracts the caller's identity.
type TokenVerifier interface {
	Verify(tokenString string) (*Identity, error)
}

// JWTVerifier verifies and mints JWT tokens using HMAC-SHA256.
type JWTVerifier struct {
	secret []byte
}

// NewJWTVerifier creates a verifier with the given shared secret.
func NewJWTVerifier(secret string) (*JWTVerifier, error) {
	if secret == "" {
		return nil, errors.New("JWT secret cannot be empty")
	}
	return &JWTVerifier{secret: []byte(secret)}, nil
}

// Verify validates a JWT and returns the identity carried in its claims.
// The subject claim holds the user ID; the name claim holds the username.
func (v *JWTVerifier) Verify(tokenString string) (*Identity, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if !token.Valid {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected claims type", ErrInvalidToken)
	}

	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return nil, fmt.Errorf("%w: sub", ErrMissingClaim)
	}

	identity := &Identity{UserID: sub}
	if name, ok := claims["name"].(string); ok {
		identity.Username = name
	}
	return identity, nil
}

// Generate mints a signed token for the given user, valid for expiresIn.
func (v *JWTVerifier) Generate(userID, username string, expiresIn time.Duration) (string, error) {
	if userID == "" {
		return "", errors.New("user ID cannot be empty")
	}
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":  userID,
		"name": username,
		"iat":  now.Unix(),
		"exp":  now.Add(expiresIn).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}
