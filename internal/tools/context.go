package tools

import "context"

type contextKey string

const conversationIDKey contextKey = "conversation_id"
const dryRunKey contextKey = "dry_run"

// WithConversationID adds the conversation ID to the context.
func WithConversationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, conversationIDKey, id)
}

// ConversationIDFromContext extracts the conversation ID from the
// context. Returns "default" if not set.
func ConversationIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(conversationIDKey).(string); ok && id != "" {
		return id
	}
	return "default"
}

// WithDryRun marks the context as a dry run. The cache warmer sets this
// so tools with non-idempotent read effects (consuming a pending
// reminder, for example) observe without mutating.
func WithDryRun(ctx context.Context) context.Context {
	return context.WithValue(ctx, dryRunKey, true)
}

// IsDryRun reports whether the context is a dry run.
func IsDryRun(ctx context.Context) bool {
	v, _ := ctx.Value(dryRunKey).(bool)
	return v
}
