package sqlundo

import (
	"context"
)

type metaKey struct{}
type skipKey struct{}

// WithOperator attaches an operator identifier that is stored with every action of a capture.
func WithOperator(ctx context.Context, v string) context.Context {
	m := extractMeta(ctx)
	m.operator = v
	return context.WithValue(ctx, metaKey{}, m)
}

// WithReason attaches a human-readable reason for the captured change.
func WithReason(ctx context.Context, v string) context.Context {
	m := extractMeta(ctx)
	m.reason = v
	return context.WithValue(ctx, metaKey{}, m)
}

// WithSkip marks the context so statements issued with it are executed without interception.
func WithSkip(ctx context.Context) context.Context {
	return context.WithValue(ctx, skipKey{}, true)
}

func extractMeta(ctx context.Context) meta {
	if m, ok := ctx.Value(metaKey{}).(meta); ok {
		return m
	}
	return meta{}
}

func extractSkip(ctx context.Context) bool {
	if v, ok := ctx.Value(skipKey{}).(bool); ok {
		return v
	}
	return false
}
