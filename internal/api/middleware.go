package api

import (
	"context"
	"net/http"
	"time"

	"github.com/pulsetrade/pulse-backend/pkg/observability"
)

// requestContextKey keys the RequestContext in the http request context.
// Handlers pull it out once and pass it explicitly from there on.
type requestContextKey struct{}

// RequestContextFrom extracts the RequestContext placed by ContextMiddleware
func RequestContextFrom(ctx context.Context) observability.RequestContext {
	if rc, ok := ctx.Value(requestContextKey{}).(observability.RequestContext); ok {
		return rc
	}
	return observability.NewIngressContext("", "", "", "PULSE:unknown")
}

// ContextMiddleware builds the request tracing identity from inbound
// headers, generating fresh ids when absent, and logs one access line per
// request.
func ContextMiddleware(logger *observability.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rc := observability.NewIngressContext(
				r.Header.Get("x-trace-id"),
				r.Header.Get("x-trace-source"),
				r.Header.Get("x-request-id"),
				"PULSE:"+r.URL.Path,
			)

			w.Header().Set("x-trace-id", rc.TraceID)
			w.Header().Set("x-request-id", rc.RequestID)

			wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()

			next.ServeHTTP(wrapped, r.WithContext(context.WithValue(r.Context(), requestContextKey{}, rc)))

			logger.Info(rc, "HTTP request", map[string]interface{}{
				"method":      r.Method,
				"path":        r.URL.Path,
				"status_code": wrapped.status,
				"duration_ms": time.Since(start).Milliseconds(),
			})
		})
	}
}

// statusWriter captures the response status code for access logging
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
