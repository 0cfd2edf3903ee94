package access

import "context"

type principalContextKey struct{}

// ContextWithPrincipal stores the resolved caller identity in context.
func ContextWithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalContextKey{}, p)
}

// PrincipalFromContext extracts the caller identity. The zero Principal is
// returned for anonymous requests; its Authenticated flag is false.
func PrincipalFromContext(ctx context.Context) Principal {
	p, _ := ctx.Value(principalContextKey{}).(Principal)
	return p
}
