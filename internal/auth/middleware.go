package auth

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/penbosso/IntLearn-sub000/internal/platform/httpx"
	"github.com/penbosso/IntLearn-sub000/internal/shared"
)

// Middleware rejects requests without a valid bearer token and stores the
// verified identity in the request context.
func Middleware(logger *slog.Logger, verifier *Verifier) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, ok := bearerToken(r)
			if !ok {
				w.Header().Set("WWW-Authenticate", `Bearer realm="intlearn"`)
				httpx.RespondError(w, shared.ErrUnauthorized)
				return
			}
			id, err := verifier.Verify(raw)
			if err != nil {
				logger.DebugContext(r.Context(), "auth: token rejected", slog.Any("error", err))
				w.Header().Set("WWW-Authenticate", `Bearer realm="intlearn", error="invalid_token"`)
				httpx.RespondError(w, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(shared.ContextWithIdentity(r.Context(), id)))
		})
	}
}

// bearerToken extracts the token from the Authorization header. EventSource
// clients cannot set headers, so GET requests may pass access_token instead.
func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if scheme, token, found := strings.Cut(header, " "); found && strings.EqualFold(scheme, "Bearer") {
		token = strings.TrimSpace(token)
		return token, token != ""
	}
	if r.Method == http.MethodGet {
		if token := r.URL.Query().Get("access_token"); token != "" {
			return token, true
		}
	}
	return "", false
}
