// Package security assembles the request filter chain that fronts the
// application: request firewall, CORS, CSRF, authentication and
// authorization, in that order.
package security

import (
	"net/http"
	"path"
	"strings"

	"go.uber.org/zap"

	"github.com/prestabanco/backend/internal/api/middleware"
	"github.com/prestabanco/backend/internal/api/types"
	"github.com/prestabanco/backend/internal/metrics"
	"github.com/prestabanco/backend/internal/security/access"
	"github.com/prestabanco/backend/internal/security/auth"
	"github.com/prestabanco/backend/internal/security/cors"
	"github.com/prestabanco/backend/internal/security/csrf"
	appErr "github.com/prestabanco/backend/pkg/errors"
)

// Options are the collaborators of a Chain. CORS is required; a nil CSRF
// protector disables CSRF checks and a nil Authenticator means no request
// can ever be authenticated.
type Options struct {
	CORS          *cors.Policy
	CSRF          *csrf.Protector
	Rules         access.Rules
	Authenticator auth.Authenticator
	Logger        *zap.Logger
	Metrics       *metrics.Metrics
}

// Chain is the security filter chain. It holds no mutable state.
type Chain struct {
	cors    *cors.Policy
	csrf    *csrf.Protector
	rules   access.Rules
	authn   auth.Authenticator
	log     *zap.Logger
	metrics *metrics.Metrics
}

func NewChain(opts Options) (*Chain, error) {
	if opts.CORS == nil {
		return nil, appErr.New(appErr.CodeInvalid, "security: a CORS policy is required")
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Chain{
		cors:    opts.CORS,
		csrf:    opts.CSRF,
		rules:   opts.Rules,
		authn:   opts.Authenticator,
		log:     log.Named("security"),
		metrics: opts.Metrics,
	}, nil
}

// Handler wraps next with every filter of the chain.
func (c *Chain) Handler(next http.Handler) http.Handler {
	h := c.authorize(next)
	h = c.authenticate(h)
	if c.csrf != nil {
		h = c.csrf.Handler(CleanPath)(h)
	}
	h = c.cors.Handler(h)
	return c.firewall(h)
}

// Decide evaluates the authorization rules for r without side effects.
func (c *Chain) Decide(r *http.Request) access.Decision {
	return c.rules.Decide(r.Method, CleanPath(r))
}

func (c *Chain) firewall(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if reason := RejectReason(r); reason != "" {
			c.observe(metrics.ComponentFirewall, "rejected")
			c.log.Debug("request rejected by firewall",
				zap.String("id", middleware.GetRequestID(r.Context())),
				zap.String("path", r.URL.EscapedPath()),
				zap.String("reason", reason),
			)
			types.WriteError(w, appErr.New(appErr.CodeRejected, "The request was rejected because the URL was not normalized"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (c *Chain) authenticate(next http.Handler) http.Handler {
	if c.authn == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := c.authn.Authenticate(r)
		if err != nil {
			// Bad credentials leave the request anonymous; authorization decides.
			c.log.Debug("authentication failed",
				zap.String("id", middleware.GetRequestID(r.Context())),
				zap.Error(err),
			)
		}
		if p != nil {
			r = r.WithContext(auth.WithPrincipal(r.Context(), p))
		}
		next.ServeHTTP(w, r)
	})
}

func (c *Chain) authorize(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		decision := c.Decide(r)
		outcome := access.Authorize(decision, auth.PrincipalFrom(r.Context()) != nil)
		c.observe(metrics.ComponentAuthz, outcome.String())

		switch outcome {
		case access.Granted:
			next.ServeHTTP(w, r)
			return
		case access.Unauthenticated:
			if c.authn != nil {
				w.Header().Set("WWW-Authenticate", c.authn.Challenge())
				c.deny(w, r, decision, appErr.New(appErr.CodeUnauthorized, "Full authentication is required to access this resource"))
				return
			}
		}
		c.deny(w, r, decision, appErr.New(appErr.CodeForbidden, "Access Denied"))
	})
}

func (c *Chain) deny(w http.ResponseWriter, r *http.Request, d access.Decision, err *appErr.AppError) {
	c.log.Debug("access denied",
		zap.String("id", middleware.GetRequestID(r.Context())),
		zap.String("method", r.Method),
		zap.String("path", CleanPath(r)),
		zap.Stringer("rule", d),
	)
	types.WriteError(w, err)
}

func (c *Chain) observe(component, outcome string) {
	if c.metrics != nil {
		c.metrics.ObserveSecurity(component, outcome)
	}
}

// CleanPath is the normalized request path every rule is matched against.
func CleanPath(r *http.Request) string {
	return path.Clean("/" + r.URL.Path)
}

var blockedEncodings = []string{"%2f", "%5c", "%2e", "%25", "%3b", "%00"}

// RejectReason returns why r's URL is unsafe to match against path rules,
// or "" when it is acceptable. Paths that a downstream server could
// resolve differently than the rules see them are refused.
func RejectReason(r *http.Request) string {
	raw := strings.ToLower(r.URL.EscapedPath())
	for _, enc := range blockedEncodings {
		if strings.Contains(raw, enc) {
			return "encoded " + enc
		}
	}
	p := r.URL.Path
	switch {
	case strings.ContainsRune(p, 0):
		return "null byte"
	case strings.Contains(p, `\`):
		return "backslash"
	case strings.Contains(p, ";"):
		return "semicolon"
	case strings.Contains(p, "//"):
		return "empty segment"
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == "." || seg == ".." {
			return "dot segment"
		}
	}
	return ""
}
