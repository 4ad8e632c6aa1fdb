package middleware

import (
	"net/http"
	"time"

	"github.com/prestabanco/backend/internal/metrics"
)

// Metrics records the method, status and latency of every request.
func Metrics(m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := newStatusRecorder(w)
			next.ServeHTTP(rw, r)
			m.ObserveRequest(r.Method, rw.status, time.Since(start))
		})
	}
}
