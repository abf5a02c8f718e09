// Package middleware provides HTTP middleware for the Front Door service,
// grounded on r3e-network-service_layer/infrastructure/middleware/*.go,
// trimmed to the fabric's single-tenant X-API-Key auth model (spec.md §6
// "Authentication") instead of the teacher's mTLS/JWT service-auth stack.
package middleware

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/microsoft/nxs/internal/httputil"
	"github.com/microsoft/nxs/internal/logging"
	"github.com/microsoft/nxs/internal/metrics"
)

type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.written {
		rw.statusCode = code
		rw.written = true
		rw.ResponseWriter.WriteHeader(code)
	}
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.written {
		rw.WriteHeader(http.StatusOK)
	}
	return rw.ResponseWriter.Write(b)
}

// Tracing assigns (or propagates) an X-Trace-ID and attaches it to the
// request context, mirroring the teacher's LoggingMiddleware trace-ID half.
func Tracing() mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			traceID := r.Header.Get("X-Trace-ID")
			if traceID == "" {
				traceID = logging.NewTraceID()
			}
			ctx := logging.WithTraceID(r.Context(), traceID)
			r = r.WithContext(ctx)
			w.Header().Set("X-Trace-ID", traceID)
			next.ServeHTTP(w, r)
		})
	}
}

// Logging logs each request's method, path, status and latency.
func Logging(logger *logging.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(wrapped, r)
			logger.WithContext(r.Context()).WithFields(map[string]any{
				"method":   r.Method,
				"path":     r.URL.Path,
				"status":   wrapped.statusCode,
				"duration": time.Since(start).String(),
			}).Info("request handled")
		})
	}
}

// Metrics records per-request Prometheus metrics.
func Metrics(service string, m *metrics.Metrics) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			m.IncrementInFlight()
			defer m.DecrementInFlight()

			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(wrapped, r)

			path := r.URL.Path
			if route := mux.CurrentRoute(r); route != nil {
				if tmpl, err := route.GetPathTemplate(); err == nil {
					path = tmpl
				}
			}
			m.RecordHTTPRequest(service, r.Method, path, http.StatusText(wrapped.statusCode), time.Since(start))
		})
	}
}

// Recovery recovers from handler panics, logs the stack, and responds 500.
func Recovery(logger *logging.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.WithContext(r.Context()).WithField("panic", rec).Error("panic recovered")
					httputil.WriteErrorResponse(w, r, http.StatusInternalServerError, "infrastructure", "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// SecurityHeaders sets the standard hardening headers on every response.
func SecurityHeaders() mux.MiddlewareFunc {
	headers := map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
		"Referrer-Policy":        "strict-origin-when-cross-origin",
		"Cache-Control":          "no-store",
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for k, v := range headers {
				w.Header().Set(k, v)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// APIKeyAuth rejects any request whose X-API-Key header does not match
// expectedKey (spec.md §6 "Authentication: a static X-API-Key header"). An
// empty expectedKey disables the check (local development).
func APIKeyAuth(expectedKey string) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if expectedKey == "" {
				next.ServeHTTP(w, r)
				return
			}
			if r.Header.Get("X-API-Key") != expectedKey {
				httputil.WriteErrorResponse(w, r, http.StatusUnauthorized, "validation", "missing or invalid X-API-Key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
