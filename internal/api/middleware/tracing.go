package middleware

import (
	"fmt"
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Tracing starts a server span per request, continuing any incoming trace
// context. Outbound calls made with the request context become its children.
func Tracing(next http.Handler) http.Handler {
	return otelhttp.NewHandler(next, "edge_request",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return fmt.Sprintf("%s %s", r.Method, r.URL.Path)
		}),
	)
}
