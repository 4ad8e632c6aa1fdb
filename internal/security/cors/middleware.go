package cors

import (
	"net/http"
	"strings"

	"github.com/prestabanco/backend/internal/api/types"
	appErr "github.com/prestabanco/backend/pkg/errors"
)

// Handler applies the policy in front of next. Requests that are not
// cross-origin pass untouched. Allowed pre-flights are answered with 204
// and never reach next; rejected requests get 403.
func (p *Policy) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !IsCORSRequest(r) {
			next.ServeHTTP(w, r)
			return
		}

		d := p.Evaluate(RequestFrom(r))
		if p.observe != nil {
			p.observe(d)
		}
		for k, vs := range d.Headers {
			for _, v := range vs {
				w.Header().Add(k, v)
			}
		}

		if !d.Allowed {
			types.WriteError(w, appErr.New(appErr.CodeCORSRejected, "Invalid CORS request").WithMeta("reason", d.Reason))
			return
		}
		if d.Preflight {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// IsPreflight reports whether r is a CORS pre-flight request.
func IsPreflight(r *http.Request) bool {
	return r.Method == http.MethodOptions &&
		r.Header.Get(HeaderOrigin) != "" &&
		r.Header.Get(HeaderRequestMethod) != ""
}

// IsCORSRequest reports whether r carries an Origin different from the
// origin the request was addressed to.
func IsCORSRequest(r *http.Request) bool {
	origin := r.Header.Get(HeaderOrigin)
	if origin == "" {
		return false
	}
	scheme := "http"
	if r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		scheme = "https"
	}
	return normalizeOrigin(origin) != normalizeOrigin(scheme+"://"+r.Host)
}

// normalizeOrigin lower-cases the origin and drops the scheme's default port.
func normalizeOrigin(o string) string {
	o = strings.ToLower(o)
	switch {
	case strings.HasPrefix(o, "http://"):
		return strings.TrimSuffix(o, ":80")
	case strings.HasPrefix(o, "https://"):
		return strings.TrimSuffix(o, ":443")
	}
	return o
}
