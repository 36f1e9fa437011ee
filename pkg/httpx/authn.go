package httpx

import (
	"context"
	"net/http"
	"strings"

	"github.com/aussiebroadwan/authd/pkg/jwtx"
	"github.com/aussiebroadwan/authd/pkg/slogx"
)

// AccessValidator is satisfied by anything that can turn a bearer token
// into claims.
type AccessValidator interface {
	ValidateAccess(ctx context.Context, token string) (jwtx.Claims, error)
}

type claimsKey struct{}

func WithClaims(ctx context.Context, c jwtx.Claims) context.Context {
	return context.WithValue(ctx, claimsKey{}, c)
}

func ClaimsFromContext(ctx context.Context) (jwtx.Claims, bool) {
	c, ok := ctx.Value(claimsKey{}).(jwtx.Claims)
	return c, ok
}

// Authn requires a valid Bearer access token and stores its claims in the
// request context.
func Authn(v AccessValidator) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			raw, ok := bearerToken(r)
			if !ok {
				writeBearerError(w, http.StatusUnauthorized, "invalid_token", "missing bearer token")
				return
			}
			claims, err := v.ValidateAccess(ctx, raw)
			if err != nil {
				slogx.FromContext(ctx).Warn("access token rejected", "error", err)
				writeBearerError(w, http.StatusUnauthorized, "invalid_token", "token verification failed")
				return
			}

			ctx = slogx.WithContext(WithClaims(ctx, claims), slogx.FromContext(ctx).With("sub", claims.Subject))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireRole must run after Authn. The caller needs at least one role.
func RequireRole(roles ...string) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			c, ok := ClaimsFromContext(r.Context())
			if ok {
				for _, role := range roles {
					if c.HasRole(role) {
						next.ServeHTTP(w, r)
						return
					}
				}
			}
			writeBearerError(w, http.StatusForbidden, "insufficient_scope", "role required: "+strings.Join(roles, " "))
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	const prefix = "bearer "
	if len(h) <= len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return "", false
	}
	tok := strings.TrimSpace(h[len(prefix):])
	return tok, tok != ""
}

// RFC 6750 section 3.
func writeBearerError(w http.ResponseWriter, status int, code, desc string) {
	w.Header().Set("WWW-Authenticate", `Bearer error="`+code+`", error_description="`+desc+`"`)
	WriteJSON(w, status, map[string]string{"error": code, "error_description": desc})
}
