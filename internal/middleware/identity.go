package middleware

import (
	"context"
	"crypto/subtle"
	"net/http"
)

const (
	// HeaderUserID carries the identity provider's opaque user ID,
	// injected by the API gateway after session validation.
	HeaderUserID = "X-User-ID"

	// HeaderUserEmail carries the user's email address.
	HeaderUserEmail = "X-User-Email"

	// HeaderInternalToken proves the request came through the gateway
	// rather than hitting this service directly.
	HeaderInternalToken = "X-Internal-Token"

	// IdentityContextKey is the context key for the caller's identity
	IdentityContextKey contextKey = "identity"
)

// Identity is the authenticated caller as asserted by the gateway.
type Identity struct {
	UserID string
	Email  string
}

// Authenticate validates the gateway headers and injects the caller's
// Identity into the request context. Requests without a valid internal
// token or user ID get 401.
func Authenticate(internalToken string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := r.Header.Get(HeaderInternalToken)
			if internalToken == "" ||
				subtle.ConstantTimeCompare([]byte(token), []byte(internalToken)) != 1 {
				unauthorized(w)
				return
			}

			userID := r.Header.Get(HeaderUserID)
			if userID == "" {
				unauthorized(w)
				return
			}

			ident := &Identity{
				UserID: userID,
				Email:  r.Header.Get(HeaderUserEmail),
			}
			ctx := context.WithValue(r.Context(), IdentityContextKey, ident)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetIdentity retrieves the caller's identity from the context, or nil
// when the request did not pass Authenticate.
func GetIdentity(ctx context.Context) *Identity {
	if ident, ok := ctx.Value(IdentityContextKey).(*Identity); ok {
		return ident
	}
	return nil
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":{"code":"unauthorized","message":"Authentication required."}}`))
}
