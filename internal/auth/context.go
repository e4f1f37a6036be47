package auth

import "context"

// identityKey 是上下文中存储 Identity 的键类型。
type identityKey struct{}

// WithIdentity 将经过验证的身份存储到上下文中。
func WithIdentity(ctx context.Context, identity *Identity) context.Context {
	if identity == nil {
		return ctx
	}
	return context.WithValue(ctx, identityKey{}, identity)
}

// IdentityFromContext 从上下文中提取经过验证的身份。
func IdentityFromContext(ctx context.Context) *Identity {
	if ctx == nil {
		return nil
	}
	if identity, ok := ctx.Value(identityKey{}).(*Identity); ok {
		return identity
	}
	return nil
}
