package middleware

import (
	"context"
	"net/http"

	"github.com/hostdeck/hostdeck/internal/database"
)

// WithUserForTest attaches a User to the request context. RequireAuth uses
// it for the auth-disabled path too.
func WithUserForTest(r *http.Request, user *database.User) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), userContextKey, user))
}
