package logger

import (
	"context"

	"go.uber.org/zap"
)

type ctxKey string

const (
	ctxKeyRequestID ctxKey = "request_id"
	ctxKeyUserID    ctxKey = "user_id"
)

// WithRequestID returns a context carrying a request id for logging.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyRequestID, id)
}

// WithUserID returns a context carrying the acting user id for logging.
func WithUserID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyUserID, id)
}

// FromContext decorates a logger with any identifiers found in the context.
func FromContext(ctx context.Context, log *zap.SugaredLogger) *zap.SugaredLogger {
	if id, ok := ctx.Value(ctxKeyRequestID).(string); ok && id != "" {
		log = log.With("request_id", id)
	}
	if id, ok := ctx.Value(ctxKeyUserID).(string); ok && id != "" {
		log = log.With("user_id", id)
	}
	return log
}
