package tools

import "context"

type contextKey string

const userIDKey contextKey = "user_id"

// WithUserID adds the requesting user's ID to the context. Tool
// handlers that scope their side effects to a user (memory reads and
// writes, chat-history lookups) extract it with UserIDFromContext.
func WithUserID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, userIDKey, id)
}

// UserIDFromContext extracts the requesting user's ID from the context.
// Returns "" if not set; handlers treat that as a configuration error.
func UserIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(userIDKey).(string); ok {
		return id
	}
	return ""
}
