package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/dukerupert/eventful/internal/auth"
)

// Verifier turns a bearer token into the caller's identity.
type Verifier interface {
	Verify(token string) (auth.AuthContext, error)
}

// RequireUser validates the bearer JWT and populates AuthContext.
func RequireUser(verifier Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := auth.BearerToken(r.Header.Get("Authorization"))
			if token == "" {
				unauthorized(w)
				return
			}
			ac, err := verifier.Verify(token)
			if err != nil || ac.UserID == "" {
				unauthorized(w)
				return
			}
			next.ServeHTTP(w, r.WithContext(auth.WithAuth(r.Context(), ac)))
		})
	}
}

// RequireService admits only the CRUD layer, identified by the shared
// service token.
func RequireService(token string) func(http.Handler) http.Handler {
	want := []byte(token)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := []byte(auth.BearerToken(r.Header.Get("Authorization")))
			if len(want) == 0 || subtle.ConstantTimeCompare(got, want) != 1 {
				unauthorized(w)
				return
			}
			ctx := auth.WithAuth(r.Context(), auth.AuthContext{Service: true})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="eventful"`)
	http.Error(w, "Unauthorized", http.StatusUnauthorized)
}
