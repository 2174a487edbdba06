package logger

import "context"

type contextKey string

const logFieldsKey contextKey = "log_fields"

// LogFields are added to every record logged with a context carrying them.
type LogFields struct {
	ConversationID *string
	UserID         *int64
	Endpoint       *string
	Component      string // e.g. "chatlink.lifecycle"
}

// WithLogFields merges fields into ctx. Newer non-nil/non-empty values win.
func WithLogFields(ctx context.Context, fields LogFields) context.Context {
	merged := mergeFields(GetLogFields(ctx), fields)
	return context.WithValue(ctx, logFieldsKey, merged)
}

// GetLogFields returns the fields stored in ctx, or the zero value.
func GetLogFields(ctx context.Context) LogFields {
	if fields, ok := ctx.Value(logFieldsKey).(LogFields); ok {
		return fields
	}
	return LogFields{}
}

func mergeFields(existing, next LogFields) LogFields {
	result := existing
	if next.ConversationID != nil {
		result.ConversationID = next.ConversationID
	}
	if next.UserID != nil {
		result.UserID = next.UserID
	}
	if next.Endpoint != nil {
		result.Endpoint = next.Endpoint
	}
	if next.Component != "" {
		result.Component = next.Component
	}
	return result
}

// Ptr returns a pointer to v, for inline LogFields literals.
func Ptr[T any](v T) *T {
	return &v
}

// Truncate shortens s to maxLen bytes, appending "..." when cut.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
