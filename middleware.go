package taskauth

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
)

type principalKey struct{}

// ContextWithPrincipal returns a copy of ctx carrying p.
func ContextWithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFromContext returns the Principal set by Middleware, or nil.
func PrincipalFromContext(ctx context.Context) *Principal {
	p, _ := ctx.Value(principalKey{}).(*Principal)
	return p
}

// Middleware resolves session tokens on incoming requests.
type Middleware struct {
	Tokens *TokenIssuer

	// Header carrying "Bearer <token>". Defaults to "Authorization".
	AuthHeader string

	// Cookie checked when the header is absent. Empty disables cookies.
	AuthTokenCookieName string

	Logger *slog.Logger
}

// ValidateToken rejects requests without a valid session token with 401 and
// otherwise puts the Principal into the request context.
func (m *Middleware) ValidateToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, err := m.Authenticate(r)
		if err != nil {
			m.logger().Debug("rejected request", "path", r.URL.Path, "err", err)
			w.Header().Set("WWW-Authenticate", `Bearer realm="api"`)
			errorResponse(w, "unauthorized", "Authentication required", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(ContextWithPrincipal(r.Context(), principal)))
	})
}

// Optional sets the Principal when a valid token is present and passes every
// request through.
func (m *Middleware) Optional(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if principal, err := m.Authenticate(r); err == nil {
			r = r.WithContext(ContextWithPrincipal(r.Context(), principal))
		}
		next.ServeHTTP(w, r)
	})
}

// Authenticate extracts and verifies the request's session token.
func (m *Middleware) Authenticate(r *http.Request) (*Principal, error) {
	token, ok := m.tokenFromRequest(r)
	if !ok {
		return nil, UnauthorizedError(CodeTokenMalformed, "missing session token", nil)
	}
	return m.Tokens.Verify(token)
}

func (m *Middleware) tokenFromRequest(r *http.Request) (string, bool) {
	header := m.AuthHeader
	if header == "" {
		header = "Authorization"
	}
	if token, ok := BearerToken(r.Header.Get(header)); ok {
		return token, true
	}
	if m.AuthTokenCookieName != "" {
		if c, err := r.Cookie(m.AuthTokenCookieName); err == nil && c.Value != "" {
			return c.Value, true
		}
	}
	return "", false
}

func (m *Middleware) logger() *slog.Logger {
	if m.Logger != nil {
		return m.Logger
	}
	return slog.Default()
}

// BearerToken extracts the token from an "Authorization: Bearer <token>"
// header value.
func BearerToken(header string) (string, bool) {
	scheme, token, found := strings.Cut(strings.TrimSpace(header), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
