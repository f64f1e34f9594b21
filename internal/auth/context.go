package auth

import (
	"context"

	"github.com/dukerupert/eventful/internal/model"
)

type contextKey struct{}

// AuthContext identifies the caller of a request. Service is set for the
// CRUD layer calling the internal endpoints; it carries no user.
type AuthContext struct {
	UserID    model.ID
	SessionID string
	Service   bool
}

func WithAuth(ctx context.Context, ac AuthContext) context.Context {
	return context.WithValue(ctx, contextKey{}, ac)
}

func FromContext(ctx context.Context) (AuthContext, bool) {
	ac, ok := ctx.Value(contextKey{}).(AuthContext)
	return ac, ok
}

func UserID(ctx context.Context) model.ID {
	ac, ok := FromContext(ctx)
	if !ok {
		return ""
	}
	return ac.UserID
}

func IsService(ctx context.Context) bool {
	ac, ok := FromContext(ctx)
	if !ok {
		return false
	}
	return ac.Service
}
