package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"opendesk.org/internal/audit"
	"opendesk.org/internal/auth"
)

const principalCacheSize = 4096

// Authenticator turns bearer tokens into principals. Access-token claims
// authenticate the request cheaply; permission checks resolve the live
// principal through a short-TTL cache that mutating RBAC operations evict
// explicitly.
type Authenticator struct {
	svc      *auth.Service
	resolver *auth.Resolver
	cache    *expirable.LRU[string, *auth.Principal]
}

// NewAuthenticator builds an Authenticator with the given live-principal
// cache TTL.
func NewAuthenticator(svc *auth.Service, cacheTTL time.Duration) *Authenticator {
	return &Authenticator{
		svc:      svc,
		resolver: svc.Resolver(),
		cache:    expirable.NewLRU[string, *auth.Principal](principalCacheSize, nil, cacheTTL),
	}
}

// Invalidate drops the cached principal for an identity. Wired into the RBAC
// service so role changes take effect before the TTL runs out.
func (a *Authenticator) Invalidate(identityID string) {
	a.cache.Remove(identityID)
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if h == "" {
		return ""
	}
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// RequireAuth rejects requests without a valid access token. The claims
// snapshot principal and the raw token land in the request context.
func (a *Authenticator) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			respondError(w, r, http.StatusUnauthorized, "token_invalid", "missing bearer token", nil)
			return
		}
		principal, err := a.svc.AuthenticateAccess(r.Context(), token)
		if err != nil {
			respondAuthError(w, r, err)
			return
		}
		ctx := auth.ContextWithPrincipal(r.Context(), *principal)
		ctx = auth.ContextWithToken(ctx, token)
		ctx = audit.WithActor(ctx, principal.IdentityID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequirePermission authenticates and then checks the capability against the
// live permission set, not the token snapshot, so revocations apply within
// the cache TTL rather than the token lifetime.
func (a *Authenticator) RequirePermission(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return a.RequireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			snapshot, _ := auth.PrincipalFromContext(r.Context())
			live, err := a.livePrincipal(r, snapshot.IdentityID)
			if err != nil {
				respondAuthError(w, r, err)
				return
			}
			if !live.HasPermission(key) {
				respondError(w, r, http.StatusForbidden, "forbidden", "insufficient permissions", nil)
				return
			}
			ctx := auth.ContextWithPrincipal(r.Context(), *live)
			next.ServeHTTP(w, r.WithContext(ctx))
		}))
	}
}

func (a *Authenticator) livePrincipal(r *http.Request, identityID string) (*auth.Principal, error) {
	if p, ok := a.cache.Get(identityID); ok {
		return p, nil
	}
	p, err := a.resolver.Resolve(r.Context(), identityID)
	if err != nil {
		return nil, err
	}
	a.cache.Add(identityID, p)
	return p, nil
}
