package httpx

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// CORSPolicy defines the CORS headers to emit for matching origins.
// ExposedHeaders lets browser clients read e.g. X-Request-Id and Retry-After.
type CORSPolicy struct {
	AllowedOrigins   []string
	AllowedMethods   []string
	AllowedHeaders   []string
	ExposedHeaders   []string
	AllowCredentials bool
	MaxAge           time.Duration
}

// WithCORS adds CORS handling. If AllowedOrigins is empty, it is a no-op.
// Preflights from allowed origins are answered here with 204; everything else
// reaches the handler.
func WithCORS(cfg CORSPolicy) Middleware {
	origins := ParseList(strings.Join(cfg.AllowedOrigins, ","))
	if len(origins) == 0 {
		return func(next http.Handler) http.Handler { return next }
	}

	fixed := map[string]string{}
	if v := strings.Join(ParseList(strings.Join(cfg.AllowedMethods, ",")), ", "); v != "" {
		fixed["Access-Control-Allow-Methods"] = v
	}
	if v := strings.Join(ParseList(strings.Join(cfg.AllowedHeaders, ",")), ", "); v != "" {
		fixed["Access-Control-Allow-Headers"] = v
	}
	if v := strings.Join(ParseList(strings.Join(cfg.ExposedHeaders, ",")), ", "); v != "" {
		fixed["Access-Control-Expose-Headers"] = v
	}
	if secs := int(cfg.MaxAge.Seconds()); secs > 0 {
		fixed["Access-Control-Max-Age"] = strconv.Itoa(secs)
	}
	if cfg.AllowCredentials {
		fixed["Access-Control-Allow-Credentials"] = "true"
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin == "" {
				next.ServeHTTP(w, r)
				return
			}
			headers := w.Header()
			headers.Add("Vary", "Origin")

			allowOrigin, ok := matchOrigin(origin, origins, cfg.AllowCredentials)
			if !ok {
				next.ServeHTTP(w, r)
				return
			}
			headers.Set("Access-Control-Allow-Origin", allowOrigin)
			for k, v := range fixed {
				headers.Set(k, v)
			}

			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				headers.Add("Vary", "Access-Control-Request-Method")
				headers.Add("Vary", "Access-Control-Request-Headers")
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ParseList splits a comma-separated env value, dropping blanks.
func ParseList(raw string) []string {
	var out []string
	for _, v := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// matchOrigin echoes the origin when credentials are allowed, since browsers
// reject a wildcard on credentialed requests.
func matchOrigin(origin string, allowed []string, allowCredentials bool) (string, bool) {
	for _, candidate := range allowed {
		if candidate == "*" {
			if allowCredentials {
				return origin, true
			}
			return "*", true
		}
		if strings.EqualFold(candidate, origin) {
			return origin, true
		}
	}
	return "", false
}
