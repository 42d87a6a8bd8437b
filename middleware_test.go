package permkit

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubVerifier accepts tokens by looking them up in a map.
type stubVerifier map[string]*ActorSnapshot

func (v stubVerifier) Verify(_ context.Context, raw string) (*ActorSnapshot, error) {
	snap, ok := v[raw]
	if !ok {
		return nil, errors.New("unknown token")
	}
	return snap, nil
}

// snapshotAuthorizer evaluates against the actor's snapshot, or fails with err.
type snapshotAuthorizer struct {
	err   error
	calls int
}

func (a *snapshotAuthorizer) Authorize(_ context.Context, actor Actor, module string, action Action) (Decision, error) {
	a.calls++
	if a.err != nil {
		return Decision{}, a.err
	}
	return NewChecker(actor, DefaultSuperuserPolicy()).Decide(module, action), nil
}

func middlewareFixture() (stubVerifier, *snapshotAuthorizer) {
	return stubVerifier{
		"admin":  {UserID: 1, Name: "Admin", RoleName: "Admin", Permissions: []Grant{}},
		"editor": {UserID: 2, Name: "Ed", RoleName: "Editor", Permissions: []Grant{{Module: "Blog", AllowedActions: []Action{ActionRead}}}},
		"nobody": {UserID: 3, Name: "No", Permissions: []Grant{}},
	}, &snapshotAuthorizer{}
}

func guarded(t *testing.T, mw *Middleware, guard func(http.Handler) http.Handler) (http.Handler, *bool) {
	t.Helper()
	ran := new(bool)
	h := mw.Authenticate()(guard(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*ran = true
		assert.NotNil(t, GetChecker(r.Context()))
		w.WriteHeader(http.StatusNoContent)
	})))
	return h, ran
}

func serve(h http.Handler, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/blog", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestMiddleware_RequirePermission(t *testing.T) {
	verifier, authz := middlewareFixture()
	mw := NewMiddleware(authz, verifier)

	tests := []struct {
		name   string
		token  string
		action Action
		status int
		ran    bool
	}{
		{"missing credential", "", ActionRead, http.StatusUnauthorized, false},
		{"unknown credential", "garbage", ActionRead, http.StatusUnauthorized, false},
		{"allowed", "editor", ActionRead, http.StatusNoContent, true},
		{"action not granted", "editor", ActionDelete, http.StatusForbidden, false},
		{"no role", "nobody", ActionRead, http.StatusForbidden, false},
		{"superuser bypass", "admin", ActionDelete, http.StatusNoContent, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, ran := guarded(t, mw, mw.RequirePermission("Blog", tt.action))
			rec := serve(h, tt.token)
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.ran, *ran)
		})
	}
}

func TestMiddleware_EvaluationErrorIsNotAllow(t *testing.T) {
	verifier, authz := middlewareFixture()
	authz.err = NewError(ErrEvaluation, "store unavailable")
	mw := NewMiddleware(authz, verifier)

	h, ran := guarded(t, mw, mw.RequirePermission("Blog", ActionRead))
	rec := serve(h, "admin")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.False(t, *ran)
	assert.Equal(t, 1, authz.calls)
}

func TestMiddleware_ForbiddenErrorCarriesContext(t *testing.T) {
	verifier, authz := middlewareFixture()
	var got error
	mw := NewMiddleware(authz, verifier, WithErrorHandler(func(w http.ResponseWriter, _ *http.Request, err error) {
		got = err
		w.WriteHeader(http.StatusTeapot)
	}))

	h, _ := guarded(t, mw, mw.RequirePermission("Blog", ActionDelete))
	rec := serve(h, "editor")
	assert.Equal(t, http.StatusTeapot, rec.Code)

	var pe *Error
	require.True(t, errors.As(got, &pe))
	assert.True(t, IsForbidden(got))
	assert.Equal(t, "Blog", pe.Module)
	assert.Equal(t, ActionDelete, pe.Action)
	assert.Equal(t, int64(2), pe.UserID)
	assert.Equal(t, ReasonActionBlocked, pe.Message)
}

func TestMiddleware_RequirePermissionWithoutAuthenticate(t *testing.T) {
	verifier, authz := middlewareFixture()
	mw := NewMiddleware(authz, verifier)

	h := mw.RequirePermission("Blog", ActionRead)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler must not run")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Zero(t, authz.calls)
}

func TestMiddleware_RequireSuperuser(t *testing.T) {
	verifier, authz := middlewareFixture()
	mw := NewMiddleware(authz, verifier)

	h, ran := guarded(t, mw, mw.RequireSuperuser())
	assert.Equal(t, http.StatusForbidden, serve(h, "editor").Code)
	assert.False(t, *ran)
	assert.Equal(t, http.StatusNoContent, serve(h, "admin").Code)
	assert.True(t, *ran)
}

func TestMiddleware_PolicyOverride(t *testing.T) {
	verifier, authz := middlewareFixture()
	mw := NewMiddleware(authz, verifier, WithMiddlewarePolicy(SuperuserPolicy{RoleNames: []string{"Editor"}}))

	h, _ := guarded(t, mw, mw.RequireSuperuser())
	assert.Equal(t, http.StatusNoContent, serve(h, "editor").Code)
	assert.Equal(t, http.StatusForbidden, serve(h, "admin").Code)
}

func TestMiddleware_CookieAndCustomExtractor(t *testing.T) {
	verifier, authz := middlewareFixture()
	mw := NewMiddleware(authz, verifier)
	h, _ := guarded(t, mw, mw.RequirePermission("Blog", ActionRead))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: TokenCookieName, Value: "editor"})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	mw = NewMiddleware(authz, verifier, WithCredentialExtractor(func(r *http.Request) string {
		return r.URL.Query().Get("key")
	}))
	h, _ = guarded(t, mw, mw.RequirePermission("Blog", ActionRead))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/?key=editor", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestBearerOrCookie(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Empty(t, BearerOrCookie(req))

	req.Header.Set("Authorization", "bearer  abc ")
	assert.Equal(t, "abc", BearerOrCookie(req))

	req.Header.Set("Authorization", "Basic dXNlcg==")
	assert.Empty(t, BearerOrCookie(req))

	req.AddCookie(&http.Cookie{Name: TokenCookieName, Value: "from-cookie"})
	assert.Equal(t, "from-cookie", BearerOrCookie(req))
}

func TestMiddleware_InjectAuditContext(t *testing.T) {
	mw := NewMiddleware(&snapshotAuthorizer{}, stubVerifier{})

	var ac AuditContext
	h := mw.InjectAuditContext()(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		ac = GetAuditContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "203.0.113.9:5123"
	req.Header.Set("User-Agent", "unit-test")
	req.Header.Set(RequestIDHeader, "req-42")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, "203.0.113.9", ac.IPAddress)
	assert.Equal(t, "unit-test", ac.UserAgent)
	assert.Equal(t, "req-42", ac.RequestID)
	assert.Equal(t, "req-42", rec.Header().Get(RequestIDHeader))

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.NotEmpty(t, ac.RequestID)
	assert.Equal(t, ac.RequestID, rec.Header().Get(RequestIDHeader))
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "198.51.100.2:443"
	assert.Equal(t, "198.51.100.2", ClientIP(req))

	// Client supplied forwarding headers cannot override the peer address.
	req.Header.Set("X-Real-IP", "10.1.1.1")
	req.Header.Set("X-Forwarded-For", " 172.16.0.5 , 10.0.0.1")
	assert.Equal(t, "198.51.100.2", ClientIP(req))

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "unix-socket"
	assert.Equal(t, "unix-socket", ClientIP(req))
}
