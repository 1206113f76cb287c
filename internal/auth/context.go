package auth

import "context"

type contextKey string

const (
	contextKeyRole    contextKey = "auth.role"
	contextKeySubject contextKey = "auth.subject"
	contextKeyStable  contextKey = "auth.stable"
	contextKeyBearer  contextKey = "auth.bearer"
)

// WithIdentity stores auth identity details in context.
func WithIdentity(ctx context.Context, role Role, subject, stable string) context.Context {
	ctx = context.WithValue(ctx, contextKeyRole, role)
	ctx = context.WithValue(ctx, contextKeySubject, subject)
	ctx = context.WithValue(ctx, contextKeyStable, stable)
	return ctx
}

// WithBearer stores the raw bearer token so outbound calls can forward it.
func WithBearer(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, contextKeyBearer, token)
}

// RoleFromContext extracts role from context.
func RoleFromContext(ctx context.Context) Role {
	if ctx == nil {
		return ""
	}
	value := ctx.Value(contextKeyRole)
	if role, ok := value.(Role); ok {
		return role
	}
	return ""
}

// SubjectFromContext extracts subject from context.
func SubjectFromContext(ctx context.Context) string {
	return stringValue(ctx, contextKeySubject)
}

// StableFromContext extracts the stable scope from context.
func StableFromContext(ctx context.Context) string {
	return stringValue(ctx, contextKeyStable)
}

// BearerFromContext extracts the caller's raw bearer token.
func BearerFromContext(ctx context.Context) string {
	return stringValue(ctx, contextKeyBearer)
}

func stringValue(ctx context.Context, key contextKey) string {
	if ctx == nil {
		return ""
	}
	if value, ok := ctx.Value(key).(string); ok {
		return value
	}
	return ""
}
