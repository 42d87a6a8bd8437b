// Package httpapi exposes the permkit service over HTTP. Handlers are thin:
// they decode input, call the service and translate results to JSON.
package httpapi

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/unrolled/secure"

	"github.com/fernandezvara/permkit"
)

// Core is the service surface the handlers drive.
type Core interface {
	permkit.Authorizer
	permkit.RoleManager
	permkit.PermissionCatalog
	permkit.UserManager
	permkit.AuditReader
}

// Issuer signs credentials for authenticated snapshots.
type Issuer interface {
	Issue(snap *permkit.ActorSnapshot) (string, time.Time, error)
}

// Options tunes the handler. Zero values pick the defaults.
type Options struct {
	Logger *slog.Logger

	// DeletePolicy applies when DELETE /roles/{name} has no onDelete parameter.
	DeletePolicy permkit.DeletePolicy

	// SecureCookies marks the credential cookie Secure.
	SecureCookies bool

	LoginRateLimit  int
	LoginRateWindow time.Duration
}

// Handler serves the /api routes.
type Handler struct {
	core         Core
	issuer       Issuer
	mw           *permkit.Middleware
	logger       *slog.Logger
	respondError func(http.ResponseWriter, *http.Request, error)
	opts         Options
}

// NewHandler builds the API handler. verifier checks credentials on every
// authenticated route; usually it is the same token issuer.
func NewHandler(core Core, issuer Issuer, verifier permkit.CredentialVerifier, opts Options) *Handler {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.LoginRateLimit <= 0 {
		opts.LoginRateLimit = 10
	}
	if opts.LoginRateWindow <= 0 {
		opts.LoginRateWindow = time.Minute
	}

	h := &Handler{
		core:         core,
		issuer:       issuer,
		logger:       opts.Logger,
		respondError: errorResponder(opts.Logger),
		opts:         opts,
	}
	h.mw = permkit.NewMiddleware(core, verifier, permkit.WithErrorHandler(h.respondError))
	return h
}

// Middleware returns the permkit middleware used by the routes.
func (h *Handler) Middleware() *permkit.Middleware {
	return h.mw
}

// Routes returns the API routes, to be mounted under /api.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	guard := h.mw.RequirePermission

	r.Route("/auth", func(r chi.Router) {
		r.With(httprate.Limit(h.opts.LoginRateLimit, h.opts.LoginRateWindow,
			httprate.WithKeyFuncs(httprate.KeyByIP),
			httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
				problem(w, r, http.StatusTooManyRequests, "Too Many Requests", "too many login attempts")
			}),
		)).Post("/login", h.login)
		r.Post("/logout", h.logout)
		r.With(h.mw.Authenticate()).Get("/me", h.me)
	})

	r.Group(func(r chi.Router) {
		r.Use(h.mw.Authenticate())

		r.With(guard("Roles", permkit.ActionRead)).Get("/roles", h.listRoles)
		r.With(guard("Roles", permkit.ActionCreate)).Post("/roles", h.createRole)
		r.With(guard("Roles", permkit.ActionRead)).Get("/roles/{id}", h.getRole)
		r.With(guard("Roles", permkit.ActionDelete)).Delete("/roles/{name}", h.deleteRole)

		r.With(guard("Roles", permkit.ActionCreate)).Post("/rolepermissions", h.grantPermissions)
		r.With(guard("Roles", permkit.ActionUpdate)).Put("/rolepermissions/{roleID}", h.setPermissions)

		r.Get("/permissions", h.listPermissions)
		r.Group(func(r chi.Router) {
			r.Use(h.mw.RequireSuperuser())
			r.Post("/permissions", h.createPermission)
			r.Put("/permissions/{id}", h.updatePermission)
			r.Delete("/permissions/{id}", h.deletePermission)
		})

		r.With(guard("Users", permkit.ActionRead)).Get("/users", h.listUsers)
		r.With(guard("Users", permkit.ActionRead)).Get("/users/{id}", h.getUser)
		r.With(guard("Users", permkit.ActionCreate)).Post("/users", h.createUser)
		r.With(guard("Users", permkit.ActionUpdate)).Put("/users/{id}", h.updateUser)
		r.With(guard("Users", permkit.ActionUpdate)).Put("/users/{id}/role", h.changeUserRole)
		r.With(guard("Users", permkit.ActionDelete)).Delete("/users/{id}", h.deleteUser)

		r.With(guard("Reports", permkit.ActionRead)).Get("/reports", h.listReports)
	})

	return r
}

// RouterConfig configures the outer router.
type RouterConfig struct {
	Production  bool
	HealthCheck http.HandlerFunc
	Timeout     time.Duration

	// TrustProxy takes the client address from X-Forwarded-For or X-Real-IP.
	// Enable it only behind a proxy that overwrites those headers.
	TrustProxy bool
}

// NewRouter wraps the API with recovery, security headers, audit context and
// a health endpoint.
func NewRouter(h *Handler, cfg RouterConfig) http.Handler {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	secureMiddleware := secure.New(secure.Options{
		FrameDeny:             true,
		ContentTypeNosniff:    true,
		BrowserXssFilter:      true,
		ReferrerPolicy:        "strict-origin-when-cross-origin",
		ContentSecurityPolicy: "default-src 'none'",
		SSLRedirect:           cfg.Production,
		SSLProxyHeaders:       map[string]string{"X-Forwarded-Proto": "https"},
		IsDevelopment:         !cfg.Production,
	})

	r := chi.NewRouter()
	if cfg.TrustProxy {
		r.Use(chimw.RealIP)
	}
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(cfg.Timeout))
	r.Use(secureMiddleware.Handler)
	r.Use(h.mw.InjectAuditContext())

	if cfg.HealthCheck != nil {
		r.Get("/healthz", cfg.HealthCheck)
	}
	r.Mount("/api", h.Routes())
	return r
}
