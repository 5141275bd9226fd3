package logger

import (
	"context"
)

// contextKey is a private type for context keys to avoid collisions.
type contextKey string

// Context keys for common logging fields.
const (
	// ContextKeyRequestID identifies the individual gateway request.
	ContextKeyRequestID contextKey = "request_id"

	// ContextKeyProvider identifies the upstream provider (e.g., "openai", "anthropic").
	ContextKeyProvider contextKey = "provider"

	// ContextKeyModel identifies the upstream model being used.
	ContextKeyModel contextKey = "model"

	// ContextKeyOrganization identifies the calling organization.
	ContextKeyOrganization contextKey = "organization"
)

// WithRequestID returns a new context with the request id set.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, ContextKeyRequestID, requestID)
}

// WithProvider returns a new context with the provider name set.
func WithProvider(ctx context.Context, provider string) context.Context {
	return context.WithValue(ctx, ContextKeyProvider, provider)
}

// WithModel returns a new context with the model name set.
func WithModel(ctx context.Context, model string) context.Context {
	return context.WithValue(ctx, ContextKeyModel, model)
}

// WithOrganization returns a new context with the organization id set.
func WithOrganization(ctx context.Context, org string) context.Context {
	return context.WithValue(ctx, ContextKeyOrganization, org)
}

// RequestID extracts the request id from the context, or "" when unset.
func RequestID(ctx context.Context) string {
	if v, ok := ctx.Value(ContextKeyRequestID).(string); ok {
		return v
	}
	return ""
}

// FieldsFromContext collects the known logging fields present on the context
// as alternating key/value pairs suitable for slog calls.
func FieldsFromContext(ctx context.Context) []any {
	fields := make([]any, 0, 8)
	for _, key := range []contextKey{ContextKeyRequestID, ContextKeyProvider, ContextKeyModel, ContextKeyOrganization} {
		if v, ok := ctx.Value(key).(string); ok && v != "" {
			fields = append(fields, string(key), v)
		}
	}
	return fields
}
