// Package httputil provides common HTTP response/request helpers for the
// Front Door service, grounded on
// r3e-network-service_layer/infrastructure/httputil/httputil.go.
package httputil

import (
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/microsoft/nxs/internal/logging"
)

// ErrorResponse is the JSON envelope written for every non-2xx response.
type ErrorResponse struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	TraceID string `json:"trace_id,omitempty"`
}

var defaultLogger = logging.NewFromEnv("httputil")

// WriteJSON writes data as a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		defaultLogger.Logger.WithError(err).Warn("write json response")
	}
}

// WriteErrorResponse writes the standard error envelope.
func WriteErrorResponse(w http.ResponseWriter, r *http.Request, status int, kind, message string) {
	traceID := ""
	if r != nil {
		traceID = logging.TraceIDFromContext(r.Context())
	}
	WriteJSON(w, status, ErrorResponse{Kind: kind, Message: message, TraceID: traceID})
}

// DecodeJSON decodes the request body into v, writing a 400 response and
// returning false on failure.
func DecodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			WriteErrorResponse(w, r, http.StatusRequestEntityTooLarge, "validation", "request body too large")
			return false
		}
		if errors.Is(err, io.EOF) {
			WriteErrorResponse(w, r, http.StatusBadRequest, "validation", "empty request body")
			return false
		}
		WriteErrorResponse(w, r, http.StatusBadRequest, "validation", "invalid request body")
		return false
	}
	return true
}

// QueryInt extracts an integer query parameter, falling back to def.
func QueryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// QueryString extracts a string query parameter, falling back to def.
func QueryString(r *http.Request, key, def string) string {
	if v := r.URL.Query().Get(key); v != "" {
		return v
	}
	return def
}

// ClientIP extracts the best-effort client IP, trusting X-Forwarded-For only
// when the direct peer is on a private network (typical load-balancer setup).
func ClientIP(r *http.Request) string {
	if r == nil {
		return ""
	}
	remote := strings.TrimSpace(r.RemoteAddr)
	if host, _, err := net.SplitHostPort(remote); err == nil {
		remote = host
	}
	parsed := net.ParseIP(remote)
	trustForwarded := parsed != nil && (parsed.IsPrivate() || parsed.IsLoopback() || parsed.IsLinkLocalUnicast())
	if trustForwarded {
		if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
			if first := strings.TrimSpace(strings.Split(xff, ",")[0]); first != "" {
				return first
			}
		}
		if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
			return xri
		}
	}
	return remote
}
