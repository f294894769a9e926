package auth

import (
	"context"

	"go.opentelemetry.io/otel/trace"
)

// contextKey is an unexported type used for context keys in this package.
// Using a distinct type prevents collisions with keys from other packages.
type contextKey int

const (
	// userContextKey stores the authenticated UserContext in the context.
	userContextKey contextKey = iota

	// requestIDKey stores the per-request identifier.
	requestIDKey

	// correlationIDKey stores the cross-service correlation identifier.
	correlationIDKey
)

// ContextWithUser returns a new context with the given UserContext
// attached. Called by the HTTP middleware and gRPC interceptors after a
// token validates; handlers retrieve it with [UserFromContext].
func ContextWithUser(ctx context.Context, uc *UserContext) context.Context {
	return context.WithValue(ctx, userContextKey, uc)
}

// UserFromContext retrieves the UserContext from the context. Returns the
// identity and true if present, or nil and false if the request was not
// authenticated. Never returns a non-nil identity with false.
func UserFromContext(ctx context.Context) (*UserContext, bool) {
	uc, ok := ctx.Value(userContextKey).(*UserContext)
	return uc, ok
}

// MustUserFromContext retrieves the UserContext from the context,
// panicking if none is present. Use only behind authentication
// middleware, where an identity is guaranteed.
func MustUserFromContext(ctx context.Context) *UserContext {
	uc, ok := UserFromContext(ctx)
	if !ok {
		panic("auth: no user context; ensure authentication middleware is configured")
	}
	return uc
}

// ContextWithRequestID returns a new context carrying the per-request
// identifier.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestIDFromContext retrieves the per-request identifier, or "" and
// false if none has been set.
func RequestIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(requestIDKey).(string)
	return id, ok
}

// ContextWithCorrelationID returns a new context carrying the
// cross-service correlation identifier.
func ContextWithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey, id)
}

// CorrelationIDFromContext retrieves the correlation identifier, or ""
// and false if none has been set.
func CorrelationIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(correlationIDKey).(string)
	return id, ok
}

// TraceIDFromContext extracts the OpenTelemetry trace ID from the
// context. Returns the trace ID as a hex string and true if a valid
// trace is active, or "" and false otherwise. Used to stamp audit
// entries so authentication events link to distributed traces.
func TraceIDFromContext(ctx context.Context) (string, bool) {
	spanCtx := trace.SpanFromContext(ctx).SpanContext()
	if !spanCtx.HasTraceID() {
		return "", false
	}
	return spanCtx.TraceID().String(), true
}

// SpanIDFromContext extracts the OpenTelemetry span ID from the context.
// Returns the span ID as a hex string and true if a valid span is
// active, or "" and false otherwise.
func SpanIDFromContext(ctx context.Context) (string, bool) {
	spanCtx := trace.SpanFromContext(ctx).SpanContext()
	if !spanCtx.HasTraceID() {
		return "", false
	}
	return spanCtx.SpanID().String(), true
}
