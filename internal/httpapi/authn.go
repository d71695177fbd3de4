package httpapi

import (
	"fmt"
	"net/http"
	"strings"

	"gestor.app/internal/auth"
)

const (
	authHeader    = "Authorization"
	bearer        = "Bearer "
	sessionCookie = "session"
)

// sessionToken prefers the Authorization header and falls back to the
// session cookie set at login.
func sessionToken(r *http.Request) (string, error) {
	if header := strings.TrimSpace(r.Header.Get(authHeader)); header != "" {
		if len(header) < len(bearer) || !strings.EqualFold(header[:len(bearer)], bearer) {
			return "", fmt.Errorf("%w: invalid authorization scheme", auth.ErrInvalidToken)
		}
		token := strings.TrimSpace(header[len(bearer):])
		if token == "" {
			return "", fmt.Errorf("%w: missing bearer token", auth.ErrInvalidToken)
		}
		return token, nil
	}
	if c, err := r.Cookie(sessionCookie); err == nil && strings.TrimSpace(c.Value) != "" {
		return strings.TrimSpace(c.Value), nil
	}
	return "", fmt.Errorf("%w: missing session token", auth.ErrInvalidToken)
}

// withSession verifies the session token and attaches the principal.
func (a *API) withSession(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := sessionToken(r)
		if err != nil {
			writeAuthError(w, r, err)
			return
		}
		p, err := a.sessions.VerifySession(r.Context(), token)
		if err != nil {
			writeAuthError(w, r, err)
			return
		}
		ctx := auth.ContextWithPrincipal(r.Context(), p)
		ctx = auth.ContextWithToken(ctx, token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireComponent gates a handler on a component permission of the
// principal already in the request context.
func RequireComponent(eval *auth.Evaluator, componentID int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := auth.PrincipalFromContext(r.Context())
			if !ok {
				writeAuthError(w, r, auth.ErrInvalidToken)
				return
			}
			allowed, err := eval.HasPermission(r.Context(), p, componentID)
			if err != nil {
				writeAuthError(w, r, err)
				return
			}
			if !allowed {
				writeAuthError(w, r, auth.ErrDenied)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireCore gates a handler on the coarse core-area check.
func RequireCore(eval *auth.Evaluator, core string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := auth.PrincipalFromContext(r.Context())
			if !ok {
				writeAuthError(w, r, auth.ErrInvalidToken)
				return
			}
			if !eval.HasCoreAccess(p, core) {
				writeAuthError(w, r, auth.ErrDenied)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
