// Package csrf protects state-changing requests with a double-submit token:
// the token lives in a cookie and must be echoed in a header or form field.
package csrf

import (
	"bytes"
	"context"
	"crypto/subtle"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"github.com/prestabanco/backend/internal/api/types"
	"github.com/prestabanco/backend/internal/security/access"
	appErr "github.com/prestabanco/backend/pkg/errors"
)

const (
	DefaultCookieName = "XSRF-TOKEN"
	DefaultHeaderName = "X-XSRF-TOKEN"
	DefaultFormField  = "_csrf"

	maxFormBytes = 1 << 20
)

// Config configures a Protector.
type Config struct {
	// IgnoredPaths are Ant patterns exempt from token validation.
	IgnoredPaths []string
	CookieName   string
	CookiePath   string
	CookieSecure bool
	HeaderName   string
	FormField    string
}

// Protector validates CSRF tokens on unsafe requests.
type Protector struct {
	ignored access.Patterns
	cfg     Config
	observe func(allowed bool)
}

// Option customizes a Protector.
type Option func(*Protector)

// WithObserver registers fn to be told about every enforced check.
func WithObserver(fn func(allowed bool)) Option {
	return func(p *Protector) { p.observe = fn }
}

// New builds a Protector. Invalid ignore patterns are a configuration error.
func New(cfg Config, opts ...Option) (*Protector, error) {
	ignored, err := access.CompileAll(cfg.IgnoredPaths)
	if err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInvalid, "csrf: invalid ignored path")
	}
	if cfg.CookieName == "" {
		cfg.CookieName = DefaultCookieName
	}
	if cfg.CookiePath == "" {
		cfg.CookiePath = "/"
	}
	if cfg.HeaderName == "" {
		cfg.HeaderName = DefaultHeaderName
	}
	if cfg.FormField == "" {
		cfg.FormField = DefaultFormField
	}
	p := &Protector{ignored: ignored, cfg: cfg}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Exempt reports whether cleanPath bypasses token validation.
func (p *Protector) Exempt(cleanPath string) bool {
	return p.ignored.Match(cleanPath)
}

// RequiresToken reports whether a request needs a valid token.
func (p *Protector) RequiresToken(method, cleanPath string) bool {
	return !safeMethod(method) && !p.Exempt(cleanPath)
}

// Handler enforces the token on unsafe, non-exempt requests and issues a
// token cookie on safe ones. cleanPath extracts the normalized path.
func (p *Protector) Handler(cleanPath func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if p.Exempt(cleanPath(r)) {
				next.ServeHTTP(w, r)
				return
			}

			token := p.cookieToken(r)
			if safeMethod(r.Method) {
				if token == "" {
					token = uuid.NewString()
					http.SetCookie(w, &http.Cookie{
						Name:     p.cfg.CookieName,
						Value:    token,
						Path:     p.cfg.CookiePath,
						Secure:   p.cfg.CookieSecure,
						SameSite: http.SameSiteLaxMode,
					})
				}
				next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), tokenKey, token)))
				return
			}

			ok := p.valid(token, p.submittedToken(r))
			if p.observe != nil {
				p.observe(ok)
			}
			if !ok {
				types.WriteError(w, appErr.New(appErr.CodeCSRFRejected, "Invalid CSRF token"))
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), tokenKey, token)))
		})
	}
}

func (p *Protector) cookieToken(r *http.Request) string {
	c, err := r.Cookie(p.cfg.CookieName)
	if err != nil {
		return ""
	}
	return c.Value
}

func (p *Protector) submittedToken(r *http.Request) string {
	if v := r.Header.Get(p.cfg.HeaderName); v != "" {
		return v
	}
	if r.Body == nil || !strings.HasPrefix(r.Header.Get("Content-Type"), "application/x-www-form-urlencoded") {
		return ""
	}
	// The body is restored so the application still sees the full form.
	body, err := io.ReadAll(io.LimitReader(r.Body, maxFormBytes))
	if err != nil {
		return ""
	}
	r.Body = io.NopCloser(io.MultiReader(bytes.NewReader(body), r.Body))
	values, err := url.ParseQuery(string(body))
	if err != nil {
		return ""
	}
	return values.Get(p.cfg.FormField)
}

func (p *Protector) valid(expected, actual string) bool {
	if expected == "" || actual == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(actual)) == 1
}

func safeMethod(m string) bool {
	switch m {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
		return true
	}
	return false
}

type tokenKeyType string

const tokenKey tokenKeyType = "csrf_token"

// TokenFromContext returns the CSRF token of the current request, if any.
func TokenFromContext(ctx context.Context) (string, bool) {
	s, ok := ctx.Value(tokenKey).(string)
	return s, ok && s != ""
}
