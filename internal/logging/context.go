package logging

import (
	"context"
	"log/slog"
)

type ctxKey int

const (
	instanceIDKey ctxKey = iota
	roleKey
	ownerIDKey
)

// WithInstanceID returns a context with the workflow instance ID set.
func WithInstanceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, instanceIDKey, id)
}

// WithRole returns a context with the active role set.
func WithRole(ctx context.Context, role string) context.Context {
	return context.WithValue(ctx, roleKey, role)
}

// WithOwnerID returns a context with the learner's owner ID set.
func WithOwnerID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ownerIDKey, id)
}

// InstanceID extracts the instance ID from the context, or "" if absent.
func InstanceID(ctx context.Context) string {
	v, _ := ctx.Value(instanceIDKey).(string)
	return v
}

// Role extracts the active role from the context, or "" if absent.
func Role(ctx context.Context) string {
	v, _ := ctx.Value(roleKey).(string)
	return v
}

// OwnerID extracts the owner ID from the context, or "" if absent.
func OwnerID(ctx context.Context) string {
	v, _ := ctx.Value(ownerIDKey).(string)
	return v
}

// CorrelationHandler wraps an slog.Handler, automatically injecting
// correlation IDs from the context into every log record.
// Use with slog.New(NewCorrelationHandler(inner)) so callers can use
// logger.InfoContext(ctx, ...) and IDs appear automatically.
type CorrelationHandler struct {
	inner slog.Handler
}

// NewCorrelationHandler wraps the given handler with automatic correlation ID injection.
func NewCorrelationHandler(inner slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{inner: inner}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	if v := InstanceID(ctx); v != "" {
		r.AddAttrs(slog.String("instance_id", v))
	}
	if v := Role(ctx); v != "" {
		r.AddAttrs(slog.String("role", v))
	}
	if v := OwnerID(ctx); v != "" {
		r.AddAttrs(slog.String("owner_id", v))
	}
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}
