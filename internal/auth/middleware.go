package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/ignite/clickstock/internal/domain"
	"github.com/ignite/clickstock/internal/pkg/httputil"
)

type principalKey struct{}

// Principal is the authenticated caller attached to the request context.
type Principal struct {
	TenantID  string
	KeyID     string
	KeyPrefix string
	Mode      domain.KeyMode
}

// WithPrincipal returns a context carrying the principal. Exported for
// handler tests.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// FromContext returns the authenticated principal, if any.
func FromContext(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(*Principal)
	return p, ok && p != nil
}

// Middleware authenticates the bearer token and injects the principal.
// Missing or unresolvable credentials end the request with 401; a key
// presented under the wrong mode prefix ends it with 403.
func (m *Manager) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			httputil.Error(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "missing bearer token")
			return
		}
		key, err := m.Verify(r.Context(), token)
		switch {
		case errors.Is(err, ErrModeMismatch):
			httputil.Error(w, r, http.StatusForbidden, "FORBIDDEN", "api key mode not permitted")
			return
		case err != nil:
			httputil.Error(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "invalid api key")
			return
		}
		p := &Principal{
			TenantID:  key.TenantID,
			KeyID:     key.ID,
			KeyPrefix: key.KeyPrefix,
			Mode:      key.Mode,
		}
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
	})
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	const scheme = "Bearer "
	if len(h) <= len(scheme) || !strings.EqualFold(h[:len(scheme)], scheme) {
		return "", false
	}
	token := strings.TrimSpace(h[len(scheme):])
	return token, token != ""
}
