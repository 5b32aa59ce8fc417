package log

import (
	"context"

	"github.com/rs/zerolog"
)

type ctxKey struct{}

// WithLogger stores a logger in the context.
func WithLogger(ctx context.Context, logger zerolog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, logger)
}

// Ctx returns the logger stored in ctx, or the global logger.
func Ctx(ctx context.Context) zerolog.Logger {
	if l, ok := ctx.Value(ctxKey{}).(zerolog.Logger); ok {
		return l
	}
	return L()
}

// WithTenant returns a context whose logger carries tenant and user ids.
func WithTenant(ctx context.Context, tenantID, userID string) context.Context {
	l := Ctx(ctx).With().Str(FieldTenantID, tenantID)
	if userID != "" {
		l = l.Str(FieldUserID, userID)
	}
	return WithLogger(ctx, l.Logger())
}
