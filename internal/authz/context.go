package authz

import (
	"context"

	"github.com/shibaleo/mcpist-sub002/pkg/models"
)

type contextKey string

const (
	userContextKey contextKey = "mcpist.usercontext"
	requestIDKey   contextKey = "mcpist.requestid"
)

// WithUserContext attaches the authorization snapshot to the context.
func WithUserContext(ctx context.Context, uc *models.UserContext) context.Context {
	return context.WithValue(ctx, userContextKey, uc)
}

// UserContextFrom returns the snapshot attached by the middleware, or nil.
func UserContextFrom(ctx context.Context) *models.UserContext {
	uc, _ := ctx.Value(userContextKey).(*models.UserContext)
	return uc
}

// WithRequestID attaches the request correlation id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestIDFrom returns the request correlation id, or "".
func RequestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}
