package auth

import (
	"context"
	"net/http"
	"strings"
)

type contextKey struct{ name string }

var userCtxKey = &contextKey{"user_id"}

// Require rejects requests without a valid bearer token and stores the
// token's user ID in the request context.
func Require(a *Authority, onReject func(w http.ResponseWriter, r *http.Request, reason string)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			tokenStr, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || tokenStr == "" {
				onReject(w, r, "missing bearer token")
				return
			}

			userID, err := a.Validate(tokenStr)
			if err != nil {
				onReject(w, r, "invalid or expired token")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), userID)))
		})
	}
}

// WithUser returns a context carrying userID.
func WithUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userCtxKey, userID)
}

// UserID returns the authenticated user ID, or "" if none.
func UserID(ctx context.Context) string {
	raw, _ := ctx.Value(userCtxKey).(string)
	return raw
}
