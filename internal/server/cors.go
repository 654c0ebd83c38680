package server

import (
	"net/http"
	"strconv"
	"strings"
)

const corsMaxAge = 10 * 60

var (
	corsMethods = strings.Join([]string{
		http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions,
	}, ",")
	corsHeaders = strings.Join([]string{"Content-Type", HeaderUserID, HeaderUserRole}, ",")
)

// originPolicy decides which browser origins may call the API.
type originPolicy struct {
	exact    map[string]string
	wildcard bool
}

func newOriginPolicy(allowed []string) originPolicy {
	p := originPolicy{exact: make(map[string]string, len(allowed))}
	for _, origin := range allowed {
		if origin == "*" {
			p.wildcard = true
			continue
		}
		p.exact[strings.ToLower(origin)] = origin
	}
	return p
}

// match returns the value for Access-Control-Allow-Origin, or "" when the
// origin is refused.
func (p originPolicy) match(origin string) string {
	if configured, ok := p.exact[strings.ToLower(origin)]; ok && origin != "" {
		return configured
	}
	if p.wildcard {
		return "*"
	}
	return ""
}

// allowUpgrade is the websocket origin check. Requests without an Origin
// header come from non-browser clients and are accepted.
func (p originPolicy) allowUpgrade(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	return origin == "" || p.match(origin) != ""
}

func withCORS(origins originPolicy, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		if origin := r.Header.Get("Origin"); origin != "" {
			if allowed := origins.match(origin); allowed != "" {
				h.Set("Access-Control-Allow-Origin", allowed)
				if allowed != "*" {
					h.Set("Vary", "Origin")
					h.Set("Access-Control-Allow-Credentials", "true")
				}
				h.Set("Access-Control-Allow-Methods", corsMethods)
				h.Set("Access-Control-Allow-Headers", corsHeaders)
				h.Set("Access-Control-Max-Age", strconv.Itoa(corsMaxAge))
			}
		}
		securityHeaders(h, r.URL.Path)

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func securityHeaders(h http.Header, path string) {
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("X-Frame-Options", "DENY")
	h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
	// only JSON and websocket routes; anything else may be a static asset
	if isAPIEndpoint(path) {
		h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
	}
}

func isAPIEndpoint(path string) bool {
	return path == "/rooms" || strings.HasPrefix(path, "/rooms/") ||
		strings.HasPrefix(path, "/ws/") ||
		path == "/healthz"
}
