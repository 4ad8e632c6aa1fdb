// Package cors decides whether cross-origin requests are allowed and which
// Access-Control-* headers advertise that decision.
package cors

import (
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	appErr "github.com/prestabanco/backend/pkg/errors"
)

const (
	HeaderOrigin           = "Origin"
	HeaderRequestMethod    = "Access-Control-Request-Method"
	HeaderRequestHeaders   = "Access-Control-Request-Headers"
	HeaderAllowOrigin      = "Access-Control-Allow-Origin"
	HeaderAllowMethods     = "Access-Control-Allow-Methods"
	HeaderAllowHeaders     = "Access-Control-Allow-Headers"
	HeaderAllowCredentials = "Access-Control-Allow-Credentials"
	HeaderExposeHeaders    = "Access-Control-Expose-Headers"
	HeaderMaxAge           = "Access-Control-Max-Age"

	wildcard = "*"
)

// Config is the externally supplied CORS policy.
type Config struct {
	AllowedOrigins   []string
	AllowedMethods   []string
	AllowedHeaders   []string
	ExposedHeaders   []string
	AllowCredentials bool
	MaxAge           time.Duration
}

// DefaultConfig is the policy the loan backend shipped with: development
// origins plus a wildcard, the six REST methods, any header, no credentials.
func DefaultConfig() Config {
	return Config{
		AllowedOrigins: []string{
			"http://localhost:5173",
			"http://localhost:8070",
			"http://host.docker.internal:8070",
			wildcard,
		},
		AllowedMethods: []string{
			http.MethodGet,
			http.MethodPost,
			http.MethodPut,
			http.MethodDelete,
			http.MethodOptions,
			http.MethodPatch,
		},
		AllowedHeaders: []string{wildcard},
		MaxAge:         30 * time.Minute,
	}
}

// Policy is the compiled, immutable form of a Config. It is safe for
// concurrent use.
type Policy struct {
	anyOrigin   bool
	origins     map[string]struct{}
	methods     map[string]struct{}
	anyHeader   bool
	headers     map[string]struct{}
	credentials bool

	allowMethods  string
	exposeHeaders string
	maxAge        string

	observe func(Decision)
}

// Option customizes a Policy.
type Option func(*Policy)

// WithObserver registers fn to be called with every decision the middleware
// takes. It must not retain the decision's headers.
func WithObserver(fn func(Decision)) Option {
	return func(p *Policy) { p.observe = fn }
}

// NewPolicy validates cfg and compiles it. A wildcard origin combined with
// credentials is rejected: browsers refuse that combination.
func NewPolicy(cfg Config, opts ...Option) (*Policy, error) {
	if len(cfg.AllowedOrigins) == 0 {
		return nil, appErr.New(appErr.CodeInvalid, "cors: at least one allowed origin is required")
	}
	if len(cfg.AllowedMethods) == 0 {
		return nil, appErr.New(appErr.CodeInvalid, "cors: at least one allowed method is required")
	}
	if cfg.MaxAge < 0 {
		return nil, appErr.New(appErr.CodeInvalid, "cors: max age must not be negative")
	}

	p := &Policy{
		origins:     make(map[string]struct{}, len(cfg.AllowedOrigins)),
		methods:     make(map[string]struct{}, len(cfg.AllowedMethods)),
		headers:     make(map[string]struct{}, len(cfg.AllowedHeaders)),
		credentials: cfg.AllowCredentials,
	}

	for _, o := range cfg.AllowedOrigins {
		if o == wildcard {
			p.anyOrigin = true
			continue
		}
		if !validOrigin(o) {
			return nil, appErr.New(appErr.CodeInvalid, fmt.Sprintf("cors: invalid origin %q", o))
		}
		p.origins[o] = struct{}{}
	}
	if p.anyOrigin && p.credentials {
		return nil, appErr.New(appErr.CodeInvalid, "cors: credentials cannot be allowed together with the * origin")
	}

	methods := make([]string, 0, len(cfg.AllowedMethods))
	for _, m := range cfg.AllowedMethods {
		m = strings.ToUpper(strings.TrimSpace(m))
		if !isToken(m) {
			return nil, appErr.New(appErr.CodeInvalid, fmt.Sprintf("cors: invalid method %q", m))
		}
		if _, dup := p.methods[m]; dup {
			continue
		}
		p.methods[m] = struct{}{}
		methods = append(methods, m)
	}
	p.allowMethods = strings.Join(methods, ",")

	for _, h := range cfg.AllowedHeaders {
		if h == wildcard {
			p.anyHeader = true
			continue
		}
		if !isToken(h) {
			return nil, appErr.New(appErr.CodeInvalid, fmt.Sprintf("cors: invalid header %q", h))
		}
		p.headers[strings.ToLower(h)] = struct{}{}
	}
	for _, h := range cfg.ExposedHeaders {
		if !isToken(h) {
			return nil, appErr.New(appErr.CodeInvalid, fmt.Sprintf("cors: invalid exposed header %q", h))
		}
	}
	p.exposeHeaders = strings.Join(cfg.ExposedHeaders, ",")
	if cfg.MaxAge > 0 {
		p.maxAge = strconv.Itoa(int(cfg.MaxAge / time.Second))
	}

	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Request is the CORS-relevant metadata of an HTTP request.
type Request struct {
	Origin string
	Method string
	// Preflight marks an OPTIONS request asking for RequestMethod and
	// RequestHeaders ahead of the actual request.
	Preflight      bool
	RequestMethod  string
	RequestHeaders []string
}

// RequestFrom extracts the CORS metadata of r.
func RequestFrom(r *http.Request) Request {
	req := Request{
		Origin:    r.Header.Get(HeaderOrigin),
		Method:    r.Method,
		Preflight: IsPreflight(r),
	}
	if req.Preflight {
		req.RequestMethod = r.Header.Get(HeaderRequestMethod)
		for _, v := range r.Header.Values(HeaderRequestHeaders) {
			for _, h := range strings.Split(v, ",") {
				if h = strings.TrimSpace(h); h != "" {
					req.RequestHeaders = append(req.RequestHeaders, h)
				}
			}
		}
	}
	return req
}

// Decision is the outcome of evaluating a request against the policy.
type Decision struct {
	Allowed   bool
	Preflight bool
	Reason    string
	Headers   http.Header
}

// Evaluate decides whether req is allowed. It has no side effects.
func (p *Policy) Evaluate(req Request) Decision {
	h := http.Header{}
	h.Add("Vary", HeaderOrigin)
	h.Add("Vary", HeaderRequestMethod)
	h.Add("Vary", HeaderRequestHeaders)
	d := Decision{Preflight: req.Preflight, Headers: h}

	allowOrigin, ok := p.checkOrigin(req.Origin)
	if !ok {
		d.Reason = "origin not allowed"
		return d
	}

	method := req.Method
	if req.Preflight {
		method = req.RequestMethod
	}
	if _, ok := p.methods[strings.ToUpper(method)]; !ok {
		d.Reason = "method not allowed"
		return d
	}

	var allowHeaders string
	if req.Preflight {
		if allowHeaders, ok = p.checkHeaders(req.RequestHeaders); !ok {
			d.Reason = "headers not allowed"
			return d
		}
	}

	h.Set(HeaderAllowOrigin, allowOrigin)
	h.Set(HeaderAllowCredentials, strconv.FormatBool(p.credentials))
	if req.Preflight {
		h.Set(HeaderAllowMethods, p.allowMethods)
		if allowHeaders != "" {
			h.Set(HeaderAllowHeaders, allowHeaders)
		}
		if p.maxAge != "" {
			h.Set(HeaderMaxAge, p.maxAge)
		}
	} else if p.exposeHeaders != "" {
		h.Set(HeaderExposeHeaders, p.exposeHeaders)
	}
	d.Allowed = true
	return d
}

// checkOrigin returns the value to advertise in Access-Control-Allow-Origin.
// The wildcard wins over explicit entries.
func (p *Policy) checkOrigin(origin string) (string, bool) {
	if origin == "" {
		return "", false
	}
	if p.anyOrigin {
		return wildcard, true
	}
	if _, ok := p.origins[origin]; ok {
		return origin, true
	}
	return "", false
}

func (p *Policy) checkHeaders(requested []string) (string, bool) {
	if p.anyHeader {
		if !p.credentials {
			return wildcard, true
		}
		// "*" is taken literally on credentialed requests, so echo instead.
		return strings.Join(requested, ","), true
	}
	for _, h := range requested {
		if _, ok := p.headers[strings.ToLower(h)]; !ok {
			return "", false
		}
	}
	return strings.Join(requested, ","), true
}

// AllowsCredentials reports whether credentialed requests are allowed.
func (p *Policy) AllowsCredentials() bool { return p.credentials }

func validOrigin(s string) bool {
	u, err := url.Parse(s)
	if err != nil {
		return false
	}
	return u.Scheme != "" && u.Host != "" && u.User == nil &&
		u.Path == "" && u.RawQuery == "" && u.Fragment == "" && !u.ForceQuery
}

// isToken reports whether s is an RFC 9110 token.
func isToken(s string) bool {
	if s == "" {
		return false
	}
	return !slices.ContainsFunc([]byte(s), func(c byte) bool {
		return c <= ' ' || c >= 0x7f || strings.IndexByte(`"(),/:;<=>?@[\]{}`, c) >= 0
	})
}
