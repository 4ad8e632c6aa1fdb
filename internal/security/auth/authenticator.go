// Package auth resolves the authenticated principal of a request.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Principal is the authenticated caller.
type Principal struct {
	Subject string
	Claims  map[string]any
}

type principalKeyType string

const principalKey principalKeyType = "principal"

// WithPrincipal returns a copy of ctx carrying p.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// PrincipalFrom returns the principal stored in ctx, or nil.
func PrincipalFrom(ctx context.Context) *Principal {
	if p, ok := ctx.Value(principalKey).(*Principal); ok {
		return p
	}
	return nil
}

// Authenticator resolves the principal of a request. It returns (nil, nil)
// when the request carries no credentials it understands.
type Authenticator interface {
	Authenticate(r *http.Request) (*Principal, error)
	// Challenge is the WWW-Authenticate value sent with 401 responses.
	Challenge() string
}

var (
	ErrInvalidToken = errors.New("invalid bearer token")
	ErrNoSubject    = errors.New("token has no subject")
)

// JWTAuthenticator validates HMAC-signed bearer tokens. It never issues them.
type JWTAuthenticator struct {
	secret []byte
	parser *jwt.Parser
}

// NewJWTAuthenticator returns an authenticator for tokens signed with secret.
func NewJWTAuthenticator(secret []byte) *JWTAuthenticator {
	return &JWTAuthenticator{
		secret: secret,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg(), jwt.SigningMethodHS384.Alg(), jwt.SigningMethodHS512.Alg()}),
			jwt.WithExpirationRequired(),
		),
	}
}

func (a *JWTAuthenticator) Authenticate(r *http.Request) (*Principal, error) {
	ah := r.Header.Get("Authorization")
	if ah == "" {
		return nil, nil
	}
	if len(ah) < len("Bearer ") || !strings.EqualFold(ah[:len("Bearer ")], "bearer ") {
		return nil, nil
	}
	tokenStr := strings.TrimSpace(ah[len("Bearer "):])

	claims := jwt.MapClaims{}
	token, err := a.parser.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		return a.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, errors.Join(ErrInvalidToken, err)
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return nil, ErrNoSubject
	}
	return &Principal{Subject: sub, Claims: claims}, nil
}

func (a *JWTAuthenticator) Challenge() string { return "Bearer" }
