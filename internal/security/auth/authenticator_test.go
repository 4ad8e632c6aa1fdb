package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var secret = []byte("0123456789abcdef0123456789abcdef")

func sign(t *testing.T, method jwt.SigningMethod, key any, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(method, claims).SignedString(key)
	require.NoError(t, err)
	return s
}

func requestWith(auth string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/admin/users", nil)
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	return req
}

func TestJWTAuthenticatorValidToken(t *testing.T) {
	a := NewJWTAuthenticator(secret)
	tok := sign(t, jwt.SigningMethodHS256, secret, jwt.MapClaims{
		"sub": "analyst-7",
		"exp": time.Now().Add(time.Hour).Unix(),
	})

	p, err := a.Authenticate(requestWith("Bearer " + tok))
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "analyst-7", p.Subject)

	p, err = a.Authenticate(requestWith("bearer " + tok))
	require.NoError(t, err)
	assert.NotNil(t, p)
}

func TestJWTAuthenticatorNoCredentials(t *testing.T) {
	a := NewJWTAuthenticator(secret)
	for _, h := range []string{"", "Basic dXNlcjpwYXNz", "Bear"} {
		p, err := a.Authenticate(requestWith(h))
		assert.NoError(t, err, h)
		assert.Nil(t, p, h)
	}
}

func TestJWTAuthenticatorRejects(t *testing.T) {
	a := NewJWTAuthenticator(secret)
	future := time.Now().Add(time.Hour).Unix()

	cases := map[string]string{
		"wrong secret": sign(t, jwt.SigningMethodHS256, []byte("another-secret-another-secret-xx"), jwt.MapClaims{"sub": "x", "exp": future}),
		"expired":      sign(t, jwt.SigningMethodHS256, secret, jwt.MapClaims{"sub": "x", "exp": time.Now().Add(-time.Hour).Unix()}),
		"no expiry":    sign(t, jwt.SigningMethodHS256, secret, jwt.MapClaims{"sub": "x"}),
		"no subject":   sign(t, jwt.SigningMethodHS256, secret, jwt.MapClaims{"exp": future}),
		"none alg":     sign(t, jwt.SigningMethodNone, jwt.UnsafeAllowNoneSignatureType, jwt.MapClaims{"sub": "x", "exp": future}),
		"garbage":      "not-a-token",
	}
	for name, tok := range cases {
		t.Run(name, func(t *testing.T) {
			p, err := a.Authenticate(requestWith("Bearer " + tok))
			assert.Error(t, err)
			assert.Nil(t, p)
		})
	}
}

func TestPrincipalContext(t *testing.T) {
	ctx := context.Background()
	assert.Nil(t, PrincipalFrom(ctx))

	p := &Principal{Subject: "analyst-7"}
	assert.Same(t, p, PrincipalFrom(WithPrincipal(ctx, p)))
	assert.Equal(t, "Bearer", NewJWTAuthenticator(secret).Challenge())
}
