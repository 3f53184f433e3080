package core

import "context"

type contextKey int

const ctxKeyMeta contextKey = 0

// requestMeta bundles per-request values into a single context allocation,
// mutated in place by later middleware rather than re-wrapped with another
// context.WithValue call.
type requestMeta struct {
	RequestID string
	Admin     bool
}

func metaFromContext(ctx context.Context) *requestMeta {
	m, _ := ctx.Value(ctxKeyMeta).(*requestMeta)
	return m
}

// ContextWithRequestID returns a context carrying the given request ID.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	if m := metaFromContext(ctx); m != nil {
		m.RequestID = id
		return ctx
	}
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{RequestID: id})
}

// RequestIDFromContext extracts the request ID from context, or "".
func RequestIDFromContext(ctx context.Context) string {
	if m := metaFromContext(ctx); m != nil {
		return m.RequestID
	}
	return ""
}

// ContextWithAdmin marks the context as having passed the admin-token check.
func ContextWithAdmin(ctx context.Context, ok bool) context.Context {
	if m := metaFromContext(ctx); m != nil {
		m.Admin = ok
		return ctx
	}
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{Admin: ok})
}

// IsAdmin reports whether the context passed the admin-token check.
func IsAdmin(ctx context.Context) bool {
	if m := metaFromContext(ctx); m != nil {
		return m.Admin
	}
	return false
}
