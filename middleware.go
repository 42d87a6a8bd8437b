package permkit

import (
	"net"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// TokenCookieName is the cookie read by the default credential extractor.
const TokenCookieName = "token"

// RequestIDHeader carries the request correlation ID.
const RequestIDHeader = "X-Request-ID"

// Middleware provides HTTP middleware for authentication and permission checking.
type Middleware struct {
	authz        Authorizer
	verifier     CredentialVerifier
	policy       SuperuserPolicy
	extract      func(*http.Request) string
	errorHandler func(http.ResponseWriter, *http.Request, error)
}

// MiddlewareOption configures the Middleware.
type MiddlewareOption func(*Middleware)

// NewMiddleware creates a new Middleware instance. When authz is a *Service its
// superuser policy is used for checkers placed in the request context.
//
// Example:
//
//	mw := permkit.NewMiddleware(service, issuer)
//	r.Use(mw.InjectAuditContext(), mw.Authenticate())
//	r.With(mw.RequirePermission("Blog", permkit.ActionDelete)).Delete("/blog/{id}", h)
func NewMiddleware(authz Authorizer, verifier CredentialVerifier, opts ...MiddlewareOption) *Middleware {
	m := &Middleware{
		authz:        authz,
		verifier:     verifier,
		policy:       DefaultSuperuserPolicy(),
		extract:      BearerOrCookie,
		errorHandler: defaultErrorHandler,
	}
	if p, ok := authz.(interface{ SuperuserPolicy() SuperuserPolicy }); ok {
		m.policy = p.SuperuserPolicy()
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// WithCredentialExtractor sets a custom function to read the raw credential from a request.
func WithCredentialExtractor(fn func(*http.Request) string) MiddlewareOption {
	return func(m *Middleware) {
		m.extract = fn
	}
}

// WithErrorHandler sets a custom error handler for middleware.
func WithErrorHandler(fn func(http.ResponseWriter, *http.Request, error)) MiddlewareOption {
	return func(m *Middleware) {
		m.errorHandler = fn
	}
}

// WithMiddlewarePolicy overrides the superuser policy used by context checkers.
func WithMiddlewarePolicy(policy SuperuserPolicy) MiddlewareOption {
	return func(m *Middleware) {
		m.policy = policy
	}
}

// BearerOrCookie reads "Authorization: Bearer <token>" and falls back to the token cookie.
func BearerOrCookie(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
	}
	if c, err := r.Cookie(TokenCookieName); err == nil {
		return c.Value
	}
	return ""
}

// defaultErrorHandler answers with a generic body. Deny and not-found look the
// same to the client.
func defaultErrorHandler(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case IsUnauthenticated(err):
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
	case IsForbidden(err):
		http.Error(w, "Forbidden", http.StatusForbidden)
	case IsValidation(err):
		http.Error(w, "Bad Request", http.StatusBadRequest)
	default:
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

// Authenticate creates middleware that verifies the request credential and puts
// the actor and its Checker into the context. Requests without a valid
// credential get 401.
func (m *Middleware) Authenticate() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := m.extract(r)
			if raw == "" {
				m.errorHandler(w, r, NewError(ErrUnauthenticated, "missing credential"))
				return
			}

			snap, err := m.verifier.Verify(r.Context(), raw)
			if err != nil {
				if !IsUnauthenticated(err) {
					err = NewError(ErrUnauthenticated, "invalid credential").WithCause(err)
				}
				m.errorHandler(w, r, err)
				return
			}

			actor := snap.Actor()
			ctx := WithActor(r.Context(), actor)
			ctx = WithChecker(ctx, NewChecker(actor, m.policy))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequirePermission creates middleware that requires action on module. It must run
// after Authenticate. Deny answers 403, evaluation failures 500; in both cases
// the guarded handler never runs.
//
// Example:
//
//	router.With(mw.RequirePermission("Roles", permkit.ActionUpdate)).
//	    Put("/rolepermissions/{roleID}", updateRoleHandler)
func (m *Middleware) RequirePermission(module string, action Action) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor, ok := GetActor(r.Context())
			if !ok {
				m.errorHandler(w, r, NewError(ErrUnauthenticated, "no actor in context"))
				return
			}

			decision, err := m.authz.Authorize(r.Context(), actor, module, action)
			if err != nil {
				m.errorHandler(w, r, err)
				return
			}
			if !decision.Allowed {
				m.errorHandler(w, r, NewError(ErrForbidden, decision.Reason).
					WithModule(module).
					WithAction(action).
					WithUser(actor.UserID))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// RequireSuperuser creates middleware that only lets superusers through.
func (m *Middleware) RequireSuperuser() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor, ok := GetActor(r.Context())
			if !ok {
				m.errorHandler(w, r, NewError(ErrUnauthenticated, "no actor in context"))
				return
			}
			if !m.policy.IsSuperuser(actor) {
				m.errorHandler(w, r, NewError(ErrForbidden, "superuser required").WithUser(actor.UserID))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// InjectAuditContext creates middleware that extracts audit information from the request
// and adds it to the context for use by mutations. A request without an
// X-Request-ID header gets a new UUID, echoed back in the response.
//
// Example:
//
//	router.Use(mw.InjectAuditContext())
func (m *Middleware) InjectAuditContext() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := r.Header.Get(RequestIDHeader)
			if requestID == "" {
				requestID = uuid.NewString()
			}
			w.Header().Set(RequestIDHeader, requestID)

			ctx := WithAuditContext(r.Context(), AuditContext{
				IPAddress: ClientIP(r),
				UserAgent: r.UserAgent(),
				RequestID: requestID,
			})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ClientIP returns the host of the request's remote address. Forwarding
// headers are not read here; behind a trusted proxy run a middleware such as
// chi's RealIP first so RemoteAddr already holds the client address.
func ClientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
