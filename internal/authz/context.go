package authz

import "context"

type principalContextKey struct{}

// ContextWithPrincipal stores the caller's principal ID in context.
func ContextWithPrincipal(ctx context.Context, principalID string) context.Context {
	return context.WithValue(ctx, principalContextKey{}, principalID)
}

// PrincipalFromContext extracts the caller's principal ID from context.
func PrincipalFromContext(ctx context.Context) string {
	id, _ := ctx.Value(principalContextKey{}).(string)
	return id
}
