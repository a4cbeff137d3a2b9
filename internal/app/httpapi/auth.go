package httpapi

import (
	"net/http"
	"strings"

	"github.com/digis-live/callcore/pkg/logger"
)

// wrapWithAuth guards a handler with static bearer tokens. Requests must also
// carry X-User-ID, the upstream-authenticated principal. An empty token list
// disables the check (local development).
func wrapWithAuth(next http.Handler, tokens []string, log *logger.Logger) http.Handler {
	allowed := make(map[string]struct{}, len(tokens))
	for _, token := range tokens {
		if trimmed := strings.TrimSpace(token); trimmed != "" {
			allowed[trimmed] = struct{}{}
		}
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(allowed) > 0 {
			header := r.Header.Get("Authorization")
			token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
			if _, ok := allowed[token]; !ok {
				if log != nil {
					log.Warnf("rejected request to %s: bad bearer token", r.URL.Path)
				}
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// WrapWithAuth is the exported form used by the server binary.
func WrapWithAuth(next http.Handler, tokens []string, log *logger.Logger) http.Handler {
	return wrapWithAuth(next, tokens, log)
}
