package logcontext

import (
	"context"
	"log/slog"
)

type ctxKey struct{}

var fieldsKey = ctxKey{}

// AppendCtx returns a context carrying the given attrs in addition to any
// attrs already present. Handlers pick them up via Fields.
func AppendCtx(parent context.Context, attrs ...slog.Attr) context.Context {
	if parent == nil {
		parent = context.Background()
	}

	if v, ok := parent.Value(fieldsKey).([]slog.Attr); ok {
		merged := make([]slog.Attr, 0, len(v)+len(attrs))
		merged = append(merged, v...)
		merged = append(merged, attrs...)
		return context.WithValue(parent, fieldsKey, merged)
	}

	return context.WithValue(parent, fieldsKey, attrs)
}

// Fields returns the attrs accumulated on the context, if any.
func Fields(ctx context.Context) []slog.Attr {
	if v, ok := ctx.Value(fieldsKey).([]slog.Attr); ok {
		return v
	}
	return nil
}
