// ABOUTME: account registration and login backed by the user store
// ABOUTME: hashes passwords with bcrypt and mints JWTs on success

package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/2389/deepstudy/internal/store"
)

var (
	// ErrInvalidCredentials indicates the username or password is wrong.
	ErrInvalidCredentials = errors.New("invalid username or password")
	// ErrWeakPassword indicates the password fails the minimum length check.
	ErrWeakPassword = errors.New("password must be at least 8 characters")
	// ErrInvalidUsername indicates the username fails format validation.
	ErrInvalidUsername = errors.New("username must be 3-32 characters of letters, digits, dot, dash, or underscore")
)

const minPasswordLength = 8

var usernameRe = regexp.MustCompile(`^[a-zA-Z0-9_.-]{3,32}$`)

// dummyHash is compared against when the username does not exist, so
// login timing does not reveal which usernames are registered.
const dummyHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

// AccountStore persists and resolves user records.
type AccountStore interface {
	CreateUser(ctx context.Context, user *store.User) error
	GetUserByUsername(ctx context.Context, username string) (*store.User, error)
}

// Credentials is the result of a successful registration or login.
type Credentials struct {
	Token     string
	UserID    string
	Username  string
	ExpiresAt time.Time
}

// Accounts handles user registration and login.
type Accounts struct {
	store    AccountStore
	verifier *JWTVerifier
	tokenTTL time.Duration
	logger   *slog.Logger
}

// NewAccounts creates an account service issuing tokens valid for tokenTTL.
func NewAccounts(st AccountStore, verifier *JWTVerifier, tokenTTL time.Duration, logger *slog.Logger) *Accounts {
	if tokenTTL <= 0 {
		tokenTTL = 24 * time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Accounts{
		store:    st,
		verifier: verifier,
		tokenTTL: tokenTTL,
		logger:   logger.With("component", "accounts"),
	}
}

// Register creates a new user and returns a token for the fresh account.
// Returns store.ErrDuplicateUser if the username is already taken.
func (a *Accounts) Register(ctx context.Context, username, password string) (*Credentials, error) {
	if !usernameRe.MatchString(username) {
		return nil, ErrInvalidUsername
	}
	if len(password) < minPasswordLength {
		return nil, ErrWeakPassword
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	user := &store.User{
		ID:           uuid.New().String(),
		Username:     username,
		PasswordHash: string(hash),
		CreatedAt:    time.Now().UTC(),
	}
	if err := a.store.CreateUser(ctx, user); err != nil {
		return nil, err
	}

	a.logger.Info("user registered", "user_id", user.ID, "username", username)
	return a.issue(user)
}

// Login verifies the password for the given username and returns a token.
func (a *Accounts) Login(ctx context.Context, username, password string) (*Credentials, error) {
	user, err := a.store.GetUserByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Burn the same bcrypt cost as a real comparison.
			_ = bcrypt.CompareHashAndPassword([]byte(dummyHash), []byte(password))
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("failed to look up user: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		a.logger.Debug("password mismatch", "username", username)
		return nil, ErrInvalidCredentials
	}

	a.logger.Info("user logged in", "user_id", user.ID, "username", username)
	return a.issue(user)
}

func (a *Accounts) issue(user *store.User) (*Credentials, error) {
	token, err := a.verifier.Generate(user.ID, user.Username, a.tokenTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to issue token: %w", err)
	}
	return &Credentials{
		Token:     token,
		UserID:    user.ID,
		Username:  user.Username,
		ExpiresAt: time.Now().Add(a.tokenTTL),
	}, nil
}
