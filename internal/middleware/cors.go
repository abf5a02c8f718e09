package middleware

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
)

// CORSConfig configures cross-origin access to the Front Door API.
type CORSConfig struct {
	AllowedOrigins []string
	AllowAll       bool
}

// CORS returns CORS middleware, grounded on
// r3e-network-service_layer/infrastructure/middleware/cors.go trimmed to the
// subset of options the fabric's ingress actually needs.
func CORS(cfg CORSConfig) mux.MiddlewareFunc {
	allowed := make(map[string]struct{}, len(cfg.AllowedOrigins))
	for _, o := range cfg.AllowedOrigins {
		allowed[o] = struct{}{}
	}
	methods := strings.Join([]string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions}, ", ")
	headers := strings.Join([]string{"Content-Type", "X-API-Key", "X-Trace-ID"}, ", ")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			_, explicit := allowed[origin]
			if origin != "" && (cfg.AllowAll || explicit) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Add("Vary", "Origin")
				w.Header().Set("Access-Control-Allow-Methods", methods)
				w.Header().Set("Access-Control-Allow-Headers", headers)
				w.Header().Set("Access-Control-Max-Age", strconv.Itoa(3600))
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
