package middleware

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/webshell-dev/webshell/internal/auth"
)

type contextKey string

const principalContextKey contextKey = "principal"

// Principal identifies the authenticated caller for one request.
type Principal struct {
	Token    string
	Username string
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// RequireAuth rejects requests without a valid session cookie and attaches
// the resolved Principal to the request context. The websocket upgrade goes
// through here too, so an unauthenticated upgrade gets a plain 401 before
// any protocol handshake.
func RequireAuth(store *auth.SessionStore) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cookie, err := r.Cookie(auth.SessionCookie)
			if err != nil {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Authentication required"})
				return
			}

			username, ok := store.Get(cookie.Value)
			if !ok {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Authentication required"})
				return
			}

			principal := &Principal{Token: cookie.Value, Username: username}
			ctx := context.WithValue(r.Context(), principalContextKey, principal)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetPrincipal returns the authenticated caller, or nil outside RequireAuth.
func GetPrincipal(r *http.Request) *Principal {
	p, _ := r.Context().Value(principalContextKey).(*Principal)
	return p
}
