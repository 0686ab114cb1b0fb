package utils

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJWTRoundTrip(t *testing.T) {
	m := NewJWTManager("secret", "ai-billing")

	tok, err := m.IssueAccessToken("acct-1", "admin", time.Minute)
	require.NoError(t, err)

	claims, err := m.ParseToken(tok)
	require.NoError(t, err)
	assert.Equal(t, "acct-1", claims.AccountID)
	assert.Equal(t, "admin", claims.Role)
	assert.Equal(t, TokenTypeAccess, claims.Type)
}

func TestJWTRejectsExpiredAndForeignTokens(t *testing.T) {
	m := NewJWTManager("secret", "ai-billing")

	expired, err := m.GenerateToken("acct-1", "member", TokenTypeAccess, -time.Hour)
	require.NoError(t, err)
	_, err = m.ParseToken(expired)
	assert.ErrorIs(t, err, ErrExpiredToken)

	other := NewJWTManager("other-secret", "ai-billing")
	foreign, err := other.IssueAccessToken("acct-1", "member", time.Minute)
	require.NoError(t, err)
	_, err = m.ParseToken(foreign)
	assert.ErrorIs(t, err, ErrInvalidToken)

	otherIssuer := NewJWTManager("secret", "someone-else")
	wrongIss, err := otherIssuer.IssueAccessToken("acct-1", "member", time.Minute)
	require.NoError(t, err)
	_, err = m.ParseToken(wrongIss)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestJWTRejectsTokenWithoutExpiry(t *testing.T) {
	m := NewJWTManager("secret", "ai-billing")

	raw := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		AccountID:        "acct-1",
		Type:             TokenTypeAccess,
		RegisteredClaims: jwt.RegisteredClaims{Issuer: "ai-billing"},
	})
	tok, err := raw.SignedString([]byte("secret"))
	require.NoError(t, err)

	_, err = m.ParseToken(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)
}
