package tools

import "context"

type contextKey string

const userIDKey contextKey = "user_id"

// WithUserID records the user a tool call runs on behalf of.
func WithUserID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, userIDKey, id)
}

// UserIDFromContext returns the user recorded by WithUserID, or "" when
// none is set.
func UserIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(userIDKey).(string); ok {
		return id
	}
	return ""
}
