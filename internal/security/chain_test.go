package security

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/prestabanco/backend/internal/api/types"
	"github.com/prestabanco/backend/internal/metrics"
	"github.com/prestabanco/backend/internal/security/access"
	"github.com/prestabanco/backend/internal/security/auth"
	"github.com/prestabanco/backend/internal/security/cors"
	"github.com/prestabanco/backend/pkg/config"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func defaultConfig() *config.Config {
	return &config.Config{
		CORSAllowedOrigins:  []string{"http://localhost:5173", "http://localhost:8070", "http://host.docker.internal:8070", "*"},
		CORSAllowedMethods:  []string{"GET", "POST", "PUT", "DELETE", "OPTIONS", "PATCH"},
		CORSAllowedHeaders:  []string{"*"},
		CORSMaxAge:          30 * time.Minute,
		CSRFIgnoredPaths:    []string{"/api/**", "/actuator/**"},
		SecurityPublicPaths: []string{"/api/**", "/actuator/**"},
		BcryptCost:          4,
	}
}

// app records whether the application layer was reached.
type app struct{ hits int }

func (a *app) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.hits++
	if p := auth.PrincipalFrom(r.Context()); p != nil {
		w.Header().Set("X-Principal", p.Subject)
	}
	w.WriteHeader(http.StatusOK)
}

func newHandler(t *testing.T, cfg *config.Config) (http.Handler, *app, *metrics.Metrics) {
	t.Helper()
	m := metrics.New()
	chain, err := FromConfig(cfg, zap.NewNop(), m)
	require.NoError(t, err)
	a := &app{}
	return chain.Handler(a), a, m
}

func do(h http.Handler, method, target string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func errorCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var body types.APIResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.NotNil(t, body.Error)
	return body.Error.Code
}

func bearer(t *testing.T, sub string) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": sub,
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return "Bearer " + tok
}

func TestPublicPathsAlwaysPermitted(t *testing.T) {
	h, a, _ := newHandler(t, defaultConfig())

	for _, path := range []string{"/api", "/api/loans", "/api/loans/42/documents", "/actuator/health", "/actuator/info"} {
		for _, m := range []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodPatch} {
			rr := do(h, m, path, nil)
			assert.Equal(t, http.StatusOK, rr.Code, "%s %s", m, path)
		}
	}
	assert.Equal(t, 25, a.hits)
}

func TestGetLoansFromAllowedOrigin(t *testing.T) {
	h, a, _ := newHandler(t, defaultConfig())

	rr := do(h, http.MethodGet, "/api/loans", map[string]string{"Origin": "http://localhost:5173"})
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "*", rr.Header().Get(cors.HeaderAllowOrigin))
	assert.Equal(t, "false", rr.Header().Get(cors.HeaderAllowCredentials))
	assert.Equal(t, 1, a.hits)
}

func TestProtectedPathsDeniedWithoutAuthenticationMechanism(t *testing.T) {
	h, a, m := newHandler(t, defaultConfig())

	for _, path := range []string{"/admin/users", "/", "/login", "/apix", "/actuatorx/env"} {
		for _, hdr := range []map[string]string{nil, {"Authorization": "Bearer anything"}, {"Authorization": "Basic YWRtaW46YWRtaW4="}} {
			rr := do(h, http.MethodGet, path, hdr)
			assert.Equal(t, http.StatusForbidden, rr.Code, path)
			assert.Equal(t, "forbidden", errorCode(t, rr))
			assert.Empty(t, rr.Header().Get("WWW-Authenticate"))
		}
	}
	assert.Zero(t, a.hits)
	assert.Equal(t, 15.0, testutil.ToFloat64(m.SecurityDecisions(metrics.ComponentAuthz, "unauthenticated")))
}

func TestPreflightFromDevOrigin(t *testing.T) {
	h, a, m := newHandler(t, defaultConfig())

	for _, path := range []string{"/api/loans", "/admin/users"} {
		rr := do(h, http.MethodOptions, path, map[string]string{
			"Origin":                        "http://localhost:5173",
			"Access-Control-Request-Method": http.MethodPost,
			"Access-Control-Request-Headers": "content-type,authorization",
		})
		assert.Equal(t, http.StatusNoContent, rr.Code, path)
		assert.Equal(t, "*", rr.Header().Get(cors.HeaderAllowOrigin))
		assert.Equal(t, "GET,POST,PUT,DELETE,OPTIONS,PATCH", rr.Header().Get(cors.HeaderAllowMethods))
		assert.Equal(t, "*", rr.Header().Get(cors.HeaderAllowHeaders))
		assert.Equal(t, "false", rr.Header().Get(cors.HeaderAllowCredentials))
	}
	assert.Zero(t, a.hits)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.SecurityDecisions(metrics.ComponentCORS, "allowed")))
}

func TestCORSRejectsMethodOutsidePolicy(t *testing.T) {
	h, a, m := newHandler(t, defaultConfig())

	rr := do(h, http.MethodOptions, "/api/loans", map[string]string{
		"Origin":                        "http://localhost:5173",
		"Access-Control-Request-Method": "TRACE",
	})
	assert.Equal(t, http.StatusForbidden, rr.Code)
	assert.Equal(t, "cors_rejected", errorCode(t, rr))

	rr = do(h, http.MethodHead, "/api/loans", map[string]string{"Origin": "http://localhost:5173"})
	assert.Equal(t, http.StatusForbidden, rr.Code)
	assert.Zero(t, a.hits)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.SecurityDecisions(metrics.ComponentCORS, "rejected")))
}

func TestCSRFOnlyOutsideIgnoredPaths(t *testing.T) {
	h, _, m := newHandler(t, defaultConfig())

	rr := do(h, http.MethodPost, "/api/loans", nil)
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = do(h, http.MethodPost, "/admin/users", nil)
	assert.Equal(t, http.StatusForbidden, rr.Code)
	assert.Equal(t, "csrf_rejected", errorCode(t, rr))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SecurityDecisions(metrics.ComponentCSRF, "rejected")))
}

func TestBearerAuthenticationWhenConfigured(t *testing.T) {
	cfg := defaultConfig()
	cfg.JWTSecret = testSecret
	h, a, _ := newHandler(t, cfg)

	rr := do(h, http.MethodGet, "/admin/users", nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, "Bearer", rr.Header().Get("WWW-Authenticate"))
	assert.Equal(t, "unauthorized", errorCode(t, rr))

	rr = do(h, http.MethodGet, "/admin/users", map[string]string{"Authorization": "Bearer forged"})
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = do(h, http.MethodGet, "/admin/users", map[string]string{"Authorization": bearer(t, "ejecutivo-3")})
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "ejecutivo-3", rr.Header().Get("X-Principal"))

	// Authentication does not lift CSRF protection on state-changing requests.
	rr = do(h, http.MethodDelete, "/admin/users/9", map[string]string{"Authorization": bearer(t, "ejecutivo-3")})
	assert.Equal(t, http.StatusForbidden, rr.Code)
	assert.Equal(t, "csrf_rejected", errorCode(t, rr))

	// A bad token on a public path stays anonymous and is let through.
	rr = do(h, http.MethodGet, "/api/loans", map[string]string{"Authorization": "Bearer forged"})
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 2, a.hits)
}

func TestFirewallRejectsAmbiguousPaths(t *testing.T) {
	h, a, m := newHandler(t, defaultConfig())

	for _, target := range []string{
		"/api/../admin/users",
		"/api/%2e%2e/admin/users",
		"/api/loans%2F..%2Fadmin",
		"/api;jsessionid=1/loans",
		"/api//loans",
		"/api/./loans",
		"/api/%252e",
	} {
		rr := do(h, http.MethodGet, target, nil)
		assert.Equal(t, http.StatusBadRequest, rr.Code, target)
		assert.Equal(t, "request_rejected", errorCode(t, rr), target)
	}
	assert.Zero(t, a.hits)
	assert.Equal(t, 7.0, testutil.ToFloat64(m.SecurityDecisions(metrics.ComponentFirewall, "rejected")))
}

func TestDecideIsPure(t *testing.T) {
	m := metrics.New()
	chain, err := FromConfig(defaultConfig(), nil, m)
	require.NoError(t, err)

	assert.Equal(t, access.PermitAll, chain.Decide(httptest.NewRequest(http.MethodGet, "/api/loans", nil)))
	assert.Equal(t, access.PermitAll, chain.Decide(httptest.NewRequest(http.MethodGet, "/actuator/health", nil)))
	assert.Equal(t, access.Authenticated, chain.Decide(httptest.NewRequest(http.MethodGet, "/admin/users", nil)))
	assert.Zero(t, testutil.ToFloat64(m.SecurityDecisions(metrics.ComponentAuthz, "granted")))
}

func TestDeniedRequestsAreLogged(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	policy, err := cors.NewPolicy(cors.DefaultConfig())
	require.NoError(t, err)
	rules, err := access.DefaultRules([]string{"/api/**"})
	require.NoError(t, err)
	chain, err := NewChain(Options{CORS: policy, Rules: rules, Logger: zap.New(core)})
	require.NoError(t, err)

	rr := do(chain.Handler(&app{}), http.MethodPost, "/admin/users", nil)
	assert.Equal(t, http.StatusForbidden, rr.Code)

	entries := logs.FilterMessage("access denied").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "/admin/users", entries[0].ContextMap()["path"])
	assert.Equal(t, "authenticated", entries[0].ContextMap()["rule"])
}

func TestConfigurationErrors(t *testing.T) {
	_, err := NewChain(Options{})
	assert.Error(t, err)

	cfg := defaultConfig()
	cfg.CORSAllowCredentials = true
	_, err = FromConfig(cfg, nil, nil)
	assert.Error(t, err)

	cfg = defaultConfig()
	cfg.SecurityPublicPaths = []string{"/api/a**"}
	_, err = FromConfig(cfg, nil, nil)
	assert.Error(t, err)

	cfg = defaultConfig()
	cfg.CSRFIgnoredPaths = []string{"nope"}
	_, err = FromConfig(cfg, nil, nil)
	assert.Error(t, err)
}

func TestPasswordEncoderFromConfig(t *testing.T) {
	enc, err := PasswordEncoderFromConfig(defaultConfig())
	require.NoError(t, err)

	h, err := enc.Encode("clave-segura")
	require.NoError(t, err)
	assert.True(t, enc.Matches("clave-segura", h))

	cfg := defaultConfig()
	cfg.BcryptCost = 2
	_, err = PasswordEncoderFromConfig(cfg)
	assert.Error(t, err)
}

func TestRejectReason(t *testing.T) {
	assert.Empty(t, RejectReason(httptest.NewRequest(http.MethodGet, "/api/loans/1", nil)))
	assert.Equal(t, "dot segment", RejectReason(httptest.NewRequest(http.MethodGet, "/api/../x", nil)))
	assert.Equal(t, "/api/loans", CleanPath(httptest.NewRequest(http.MethodGet, "/api/loans/", nil)))
}
