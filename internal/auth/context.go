package auth

import (
	"context"

	"github.com/rs/zerolog"
)

type principalKey struct{}
type tokenKey struct{}

// ContextWithPrincipal attaches the verified principal. When the context
// carries a request logger it is extended with the user and audit session.
func ContextWithPrincipal(ctx context.Context, p Principal) context.Context {
	ctx = context.WithValue(ctx, principalKey{}, p)
	if l := zerolog.Ctx(ctx); l.GetLevel() != zerolog.Disabled {
		child := l.With().Int64("user_id", p.UserID).Str("audit_session_id", p.AuditSessionID).Logger()
		ctx = child.WithContext(ctx)
	}
	return ctx
}

// PrincipalFromContext returns the principal set by ContextWithPrincipal.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	if ctx == nil {
		return Principal{}, false
	}
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// ContextWithToken keeps the raw session token next to its principal.
func ContextWithToken(ctx context.Context, token string) context.Context {
	if token == "" {
		return ctx
	}
	return context.WithValue(ctx, tokenKey{}, token)
}

func TokenFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	v, ok := ctx.Value(tokenKey{}).(string)
	return v, ok && v != ""
}
