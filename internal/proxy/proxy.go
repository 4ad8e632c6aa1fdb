// Package proxy forwards application traffic that passed the security
// chain to the loan backend.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/prestabanco/backend/internal/api/middleware"
	"github.com/prestabanco/backend/internal/api/types"
	appErr "github.com/prestabanco/backend/pkg/errors"
)

// Proxy is a single-host reverse proxy with traced outbound requests.
type Proxy struct {
	target *url.URL
	rp     *httputil.ReverseProxy
	client *http.Client
	log    *zap.Logger
}

func New(rawURL string, log *zap.Logger) (*Proxy, error) {
	target, err := url.Parse(rawURL)
	if err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInvalid, "proxy: invalid upstream URL")
	}
	if target.Scheme != "http" && target.Scheme != "https" || target.Host == "" {
		return nil, appErr.New(appErr.CodeInvalid, fmt.Sprintf("proxy: upstream %q must be an absolute http(s) URL", rawURL))
	}
	if log == nil {
		log = zap.NewNop()
	}

	transport := otelhttp.NewTransport(http.DefaultTransport)
	p := &Proxy{
		target: target,
		client: &http.Client{Transport: transport},
		log:    log.Named("proxy"),
	}
	p.rp = &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.SetXForwarded()
		},
		Transport:      transport,
		ModifyResponse: stripCORSHeaders,
		ErrorHandler:   p.handleError,
	}
	return p, nil
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.rp.ServeHTTP(w, r)
}

// stripCORSHeaders drops CORS headers set by the upstream; the edge's
// policy is the only one browsers see.
func stripCORSHeaders(resp *http.Response) error {
	for k := range resp.Header {
		if strings.HasPrefix(k, "Access-Control-") {
			resp.Header.Del(k)
		}
	}
	return nil
}

func (p *Proxy) handleError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	p.log.Warn("upstream request failed",
		zap.String("id", middleware.GetRequestID(r.Context())),
		zap.String("upstream", p.target.Host),
		zap.String("path", r.URL.Path),
		zap.Error(err),
	)
	types.WriteError(w, appErr.Wrap(err, appErr.CodeUnavailable, "upstream unavailable"))
}

// Check reports whether the upstream answers at all. Any HTTP response
// counts as reachable.
func (p *Proxy) Check(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.target.String(), nil)
	if err != nil {
		return err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}
