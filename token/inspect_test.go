package token_test

import (
	"testing"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/jrsteele09/go-devtracker-auth/token"
	"github.com/stretchr/testify/require"
)

func signed(t *testing.T, claims jwtlib.MapClaims) string {
	t.Helper()
	raw, err := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims).SignedString([]byte("1234"))
	require.NoError(t, err)
	return raw
}

func TestInspect(t *testing.T) {
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	iat := time.Now().Add(-time.Minute).Truncate(time.Second)
	raw := signed(t, jwtlib.MapClaims{
		"sub": "u1",
		"iss": "https://api.devtracker.com",
		"exp": exp.Unix(),
		"iat": iat.Unix(),
	})

	info, ok := token.Inspect(raw)
	require.True(t, ok)
	require.Equal(t, "u1", info.Subject)
	require.Equal(t, "https://api.devtracker.com", info.Issuer)
	require.True(t, exp.Equal(info.ExpiresAt))
	require.True(t, iat.Equal(info.IssuedAt))
	require.False(t, token.Expired(raw, time.Now()))
	require.True(t, token.Expired(raw, exp.Add(time.Second)))
}

func TestInspect_OpaqueTokens(t *testing.T) {
	for _, raw := range []string{"", "t1", "a.b", "not.a.jwt"} {
		_, ok := token.Inspect(raw)
		require.False(t, ok, raw)
		require.True(t, token.Expiry(raw).IsZero())
		require.False(t, token.Expired(raw, time.Now()))
	}
}

func TestInspect_NoExpiry(t *testing.T) {
	raw := signed(t, jwtlib.MapClaims{"sub": "u1"})
	info, ok := token.Inspect(raw)
	require.True(t, ok)
	require.True(t, info.ExpiresAt.IsZero())
	require.False(t, token.Expired(raw, time.Now().Add(24*time.Hour)))
}
