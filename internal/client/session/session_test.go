package session

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrijs2005/possync/internal/common"
)

type memStore map[string]string

func (m memStore) GetString(_ context.Context, key string) (string, error) { return m[key], nil }

func (m memStore) SetString(_ context.Context, key, value string) error {
	m[key] = value
	return nil
}

func (m memStore) Delete(_ context.Context, key string) error {
	delete(m, key)
	return nil
}

func sign(t *testing.T, user string, exp time.Time) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(exp)},
		UserID:           user,
	})
	s, err := tok.SignedString([]byte("whatever"))
	require.NoError(t, err)
	return s
}

func TestJWTSession_LoginLogout(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	s := NewJWTSession(memStore{}, func() time.Time { return now })
	ctx := context.Background()

	assert.False(t, s.Valid(ctx))
	_, err := s.Token(ctx)
	require.ErrorIs(t, err, ErrNoSession)

	tok := sign(t, "cashier-1", now.Add(time.Hour))
	c, err := s.Login(ctx, tok+"\n")
	require.NoError(t, err)
	assert.Equal(t, "cashier-1", c.UserID)

	assert.True(t, s.Valid(ctx))
	actor, err := s.Actor(ctx)
	require.NoError(t, err)
	assert.Equal(t, "cashier-1", actor)
	got, err := s.Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, tok, got)

	require.NoError(t, s.Logout(ctx))
	assert.False(t, s.Valid(ctx))
}

func TestJWTSession_ExpiredToken(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	store := memStore{}
	s := NewJWTSession(store, func() time.Time { return now })

	_, err := s.Login(context.Background(), sign(t, "u", now.Add(-time.Minute)))
	require.ErrorIs(t, err, common.ErrTokenExpired)
	assert.Empty(t, store)
}

func TestParse_Garbage(t *testing.T) {
	_, err := Parse("not-a-jwt", time.Now())
	require.ErrorIs(t, err, common.ErrInvalidToken)
}

func TestStatic(t *testing.T) {
	ctx := context.Background()
	assert.False(t, Static{}.Valid(ctx))

	s := Static{User: "u", AccessToken: "t"}
	assert.True(t, s.Valid(ctx))
	tok, err := s.Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, "t", tok)
}
