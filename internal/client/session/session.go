// Package session exposes the current operator session to the sync engine
// as a read-only capability. How the token is obtained and stored is not
// the engine's concern.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/dmitrijs2005/possync/internal/client/repositories/metadata"
	"github.com/dmitrijs2005/possync/internal/common"
)

// ErrNoSession is returned when nobody is logged in.
var ErrNoSession = errors.New("no active session")

type Session interface {
	// Valid reports whether a session exists and has not expired.
	Valid(ctx context.Context) bool
	// Actor identifies the logged-in operator.
	Actor(ctx context.Context) (string, error)
	// Token returns the bearer token for remote calls.
	Token(ctx context.Context) (string, error)
}

// Claims are the token claims the client cares about. The server issues
// them; the client never verifies the signature.
type Claims struct {
	jwt.RegisteredClaims
	UserID string `json:"UserID,omitempty"`
}

// Parse decodes token without verifying it and checks its expiry at now.
func Parse(token string, now time.Time) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrNoSession
	}
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrInvalidToken, err)
	}
	if claims.ExpiresAt != nil && !now.Before(claims.ExpiresAt.Time) {
		return nil, common.ErrTokenExpired
	}
	return claims, nil
}

func (c *Claims) actor() string {
	if c.UserID != "" {
		return c.UserID
	}
	return c.Subject
}

// Store is where JWTSession finds the token.
type Store interface {
	GetString(ctx context.Context, key string) (string, error)
	SetString(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

// JWTSession reads the token saved by Login from the local metadata table.
type JWTSession struct {
	store Store
	now   func() time.Time
}

func NewJWTSession(store Store, now func() time.Time) *JWTSession {
	if now == nil {
		now = time.Now
	}
	return &JWTSession{store: store, now: now}
}

func (s *JWTSession) claims(ctx context.Context) (*Claims, string, error) {
	token, err := s.store.GetString(ctx, metadata.KeySessionToken)
	if err != nil {
		return nil, "", err
	}
	c, err := Parse(token, s.now())
	if err != nil {
		return nil, "", err
	}
	return c, token, nil
}

func (s *JWTSession) Valid(ctx context.Context) bool {
	_, _, err := s.claims(ctx)
	return err == nil
}

func (s *JWTSession) Actor(ctx context.Context) (string, error) {
	c, _, err := s.claims(ctx)
	if err != nil {
		return "", err
	}
	return c.actor(), nil
}

func (s *JWTSession) Token(ctx context.Context) (string, error) {
	_, token, err := s.claims(ctx)
	return token, err
}

// Login stores token after checking that it parses and has not expired.
func (s *JWTSession) Login(ctx context.Context, token string) (*Claims, error) {
	c, err := Parse(token, s.now())
	if err != nil {
		return nil, err
	}
	if err := s.store.SetString(ctx, metadata.KeySessionToken, strings.TrimSpace(token)); err != nil {
		return nil, err
	}
	return c, nil
}

func (s *JWTSession) Logout(ctx context.Context) error {
	return s.store.Delete(ctx, metadata.KeySessionToken)
}

// Static is a fixed session, used by tests and tools.
type Static struct {
	User        string
	AccessToken string
}

func (s Static) Valid(context.Context) bool { return s.AccessToken != "" }

func (s Static) Actor(context.Context) (string, error) {
	if s.AccessToken == "" {
		return "", ErrNoSession
	}
	return s.User, nil
}

func (s Static) Token(context.Context) (string, error) {
	if s.AccessToken == "" {
		return "", ErrNoSession
	}
	return s.AccessToken, nil
}
