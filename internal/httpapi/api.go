// Package httpapi exposes the auth service over REST.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"opendesk.org/internal/auth"
	"opendesk.org/internal/obs"
)

const serviceName = "opendesk-api"

// Options tune the HTTP layer.
type Options struct {
	Version            string
	CORSAllowedOrigins []string
	MaxBodyBytes       int64
	RequestRate        float64
	RequestBurst       int
	PrincipalCacheTTL  time.Duration
	// Ready reports backend health for the readiness probe.
	Ready func(ctx context.Context) error
	// OAuth exchanges provider authorization codes; nil disables the flow.
	OAuth OAuthExchanger
}

// API is the HTTP layer over the auth service.
type API struct {
	svc     *auth.Service
	rbac    *auth.RBACService
	authn   *Authenticator
	opts    Options
	version string
}

// New wires the API. The returned Authenticator's Invalidate should be
// registered on the RBAC service so cached principals drop on role changes.
func New(svc *auth.Service, rbac *auth.RBACService, opts Options) *API {
	if opts.MaxBodyBytes == 0 {
		opts.MaxBodyBytes = 1 << 20
	}
	if opts.RequestRate == 0 {
		opts.RequestRate = 20
	}
	if opts.RequestBurst == 0 {
		opts.RequestBurst = 40
	}
	if opts.PrincipalCacheTTL == 0 {
		opts.PrincipalCacheTTL = 30 * time.Second
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}
	return &API{
		svc:     svc,
		rbac:    rbac,
		authn:   NewAuthenticator(svc, opts.PrincipalCacheTTL),
		opts:    opts,
		version: opts.Version,
	}
}

// Authenticator exposes the principal cache for invalidation wiring.
func (a *API) Authenticator() *Authenticator { return a.authn }

// Router builds the chi handler with the full middleware chain.
func (a *API) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestID)
	r.Use(SecurityHeaders)
	r.Use(CORS(a.opts.CORSAllowedOrigins))
	r.Use(MaxBodyBytes(a.opts.MaxBodyBytes))
	r.Use(RateLimit(a.opts.RequestRate, a.opts.RequestBurst))
	r.Use(LoggingJSON)

	r.Get("/healthz", a.healthz)
	r.Get("/readyz", a.readyz)
	r.Get("/v1/info", a.info)
	r.Handle("/metrics", obs.Handler())

	r.Route("/v1/auth", func(r chi.Router) {
		r.Post("/register", a.register)
		r.Post("/login", a.login)
		r.Post("/token/refresh", a.refreshTokens)
		r.Post("/token/verify", a.verifyToken)
		r.Post("/password/reset", a.requestPasswordReset)
		r.Post("/password/reset/confirm", a.confirmPasswordReset)
		r.Get("/email/verify/{token}", a.verifyEmail)
		r.Post("/2fa/verify", a.verifyTwoFactor)
		r.Post("/oauth/{provider}", a.oauthLogin)

		r.Group(func(r chi.Router) {
			r.Use(a.authn.RequireAuth)
			r.Post("/logout", a.logout)
			r.Get("/status", a.status)
			r.Get("/profile", a.profile)
			r.Put("/profile", a.updateProfile)
			r.Post("/2fa/enable", a.enableTwoFactor)
			r.Post("/2fa/confirm", a.confirmTwoFactor)
			r.Post("/2fa/disable", a.disableTwoFactor)
		})
	})

	r.Route("/v1/organizations", func(r chi.Router) {
		r.Use(a.authn.RequirePermission(auth.PermManageOrganizations))
		r.Post("/", a.createOrganization)
		r.Get("/", a.listOrganizations)
		r.Get("/{id}", a.getOrganization)
		r.Delete("/{id}", a.deleteOrganization)
	})

	r.Route("/v1/roles", func(r chi.Router) {
		r.Use(a.authn.RequirePermission(auth.PermManageRoles))
		r.Post("/", a.createRole)
		r.Get("/", a.listRoles)
		r.Put("/{id}/permissions", a.setRolePermissions)
	})

	r.Route("/v1/users", func(r chi.Router) {
		r.Use(a.authn.RequirePermission(auth.PermManageUsers))
		r.Post("/{id}/assignments", a.assignRole)
		r.Delete("/{id}/assignments/{roleID}", a.removeRole)
		r.Post("/{id}/permissions", a.grantPermission)
	})

	r.With(a.authn.RequirePermission(auth.PermManageRoles)).
		Get("/v1/permissions", a.listPermissions)

	return obs.Instrument(r)
}

func (a *API) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) readyz(w http.ResponseWriter, r *http.Request) {
	if a.opts.Ready != nil {
		if err := a.opts.Ready(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"status": "not_ready",
				"error":  err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (a *API) info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    serviceName,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}
