package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fernandezvara/permkit"
	"github.com/fernandezvara/permkit/token"
)

// fakeCore answers the calls the tests make; any other method panics through
// the nil embedded interface.
type fakeCore struct {
	Core

	snapshots  map[string]*permkit.ActorSnapshot
	authzErr   error
	listCalls  int
	deletedIDs []int64
	policies   []permkit.DeletePolicy
	userFilter permkit.UserFilter
	updates    []permkit.UserUpdate
}

func (f *fakeCore) Authorize(_ context.Context, actor permkit.Actor, module string, action permkit.Action) (permkit.Decision, error) {
	if f.authzErr != nil {
		return permkit.Decision{}, f.authzErr
	}
	if permkit.DefaultSuperuserPolicy().IsSuperuser(actor) {
		return permkit.Allow(), nil
	}
	return permkit.Evaluate(actor.Snapshot.Permissions, module, action), nil
}

func (f *fakeCore) Authenticate(_ context.Context, email, password string) (*permkit.ActorSnapshot, error) {
	snap, ok := f.snapshots[email]
	if !ok || password != "password123" {
		return nil, permkit.NewError(permkit.ErrUnauthenticated, "invalid credentials")
	}
	return snap, nil
}

func (f *fakeCore) ListRoles(context.Context, permkit.RoleFilter) ([]*permkit.Role, int, error) {
	f.listCalls++
	return []*permkit.Role{{ID: 1, Name: "Admin"}}, 1, nil
}

func (f *fakeCore) DeletePermission(_ context.Context, id int64) error {
	f.deletedIDs = append(f.deletedIDs, id)
	return nil
}

func (f *fakeCore) DeleteRole(_ context.Context, _ string, policy permkit.DeletePolicy) error {
	f.policies = append(f.policies, policy)
	return permkit.NewError(permkit.ErrConflict, "role is held by 2 users")
}

func (f *fakeCore) ListUsers(_ context.Context, filter permkit.UserFilter) ([]*permkit.User, int, error) {
	f.userFilter = filter
	return []*permkit.User{{ID: 7, Name: "Ada", Email: "ada@example.com"}}, 31, nil
}

func (f *fakeCore) UpdateUser(_ context.Context, id int64, in permkit.UserUpdate) (*permkit.User, error) {
	f.updates = append(f.updates, in)
	if in.Email != nil && *in.Email == "taken@example.com" {
		return nil, permkit.NewError(permkit.ErrConflict, "email already registered")
	}
	u := &permkit.User{ID: id, Name: "Ada", Email: "ada@example.com"}
	if in.Email != nil {
		u.Email = *in.Email
	}
	return u, nil
}

func (f *fakeCore) GetRole(context.Context, int64) (*permkit.Role, error) {
	return nil, permkit.NewError(permkit.ErrNotFound, "role not found")
}

type testEnv struct {
	core   *fakeCore
	issuer *token.Issuer
	server http.Handler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	core := &fakeCore{snapshots: map[string]*permkit.ActorSnapshot{
		"admin@example.com": {UserID: 1, Name: "Admin", RoleName: "Admin", Permissions: []permkit.Grant{}},
		"editor@example.com": {UserID: 2, Name: "Ed", RoleName: "Editor", Permissions: []permkit.Grant{
			{Module: "roles", AllowedActions: []permkit.Action{permkit.ActionRead}},
		}},
		"user@example.com": {UserID: 3, Name: "U", RoleName: "User", Permissions: []permkit.Grant{}},
	}}
	issuer, err := token.NewIssuer("test-secret")
	require.NoError(t, err)

	h := NewHandler(core, issuer, issuer, Options{})
	server := NewRouter(h, RouterConfig{HealthCheck: func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]bool{"healthy": true})
	}})
	return &testEnv{core: core, issuer: issuer, server: server}
}

func (e *testEnv) tokenFor(t *testing.T, email string) string {
	t.Helper()
	raw, _, err := e.issuer.Issue(e.core.snapshots[email])
	require.NoError(t, err)
	return raw
}

func (e *testEnv) do(method, path, bearer, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	e.server.ServeHTTP(rec, req)
	return rec
}

func TestLogin(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodPost, "/api/auth/login", "", `{"email":"editor@example.com","password":"password123"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp loginResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.NotEmpty(t, resp.Token)
	assert.Equal(t, "Editor", resp.User.RoleName)

	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, permkit.TokenCookieName, cookies[0].Name)
	assert.True(t, cookies[0].HttpOnly)

	snap, err := env.issuer.Verify(context.Background(), resp.Token)
	require.NoError(t, err)
	assert.Equal(t, int64(2), snap.UserID)
}

func TestLogin_Rejected(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name string
		body string
		code int
	}{
		{"wrong password", `{"email":"editor@example.com","password":"nope"}`, http.StatusUnauthorized},
		{"unknown user", `{"email":"ghost@example.com","password":"password123"}`, http.StatusUnauthorized},
		{"missing fields", `{"email":""}`, http.StatusBadRequest},
		{"malformed body", `{`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(http.MethodPost, "/api/auth/login", "", tt.body)
			assert.Equal(t, tt.code, rec.Code)
			assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
		})
	}
}

func TestRoutes_Guards(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodGet, "/api/roles", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(http.MethodGet, "/api/roles", "garbage", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(http.MethodGet, "/api/roles", env.tokenFor(t, "user@example.com"), "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, 0, env.core.listCalls)

	rec = env.do(http.MethodGet, "/api/roles", env.tokenFor(t, "editor@example.com"), "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, env.core.listCalls)

	var body roleListResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, 1, body.Total)
}

func TestRoutes_CookieCredential(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/api/roles", nil)
	req.AddCookie(&http.Cookie{Name: permkit.TokenCookieName, Value: env.tokenFor(t, "admin@example.com")})
	rec := httptest.NewRecorder()
	env.server.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRoutes_SuperuserOnlyPermissionDelete(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodDelete, "/api/permissions/4", env.tokenFor(t, "editor@example.com"), "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Empty(t, env.core.deletedIDs)

	rec = env.do(http.MethodDelete, "/api/permissions/4", env.tokenFor(t, "admin@example.com"), "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []int64{4}, env.core.deletedIDs)

	rec = env.do(http.MethodDelete, "/api/permissions/abc", env.tokenFor(t, "admin@example.com"), "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRoutes_EvaluationFailure(t *testing.T) {
	env := newTestEnv(t)
	env.core.authzErr = permkit.NewError(permkit.ErrEvaluation, "store unavailable").WithCause(errors.New("conn refused"))

	rec := env.do(http.MethodGet, "/api/roles", env.tokenFor(t, "editor@example.com"), "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, 0, env.core.listCalls)

	var p ProblemDetail
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&p))
	assert.Empty(t, p.Detail)
}

func TestDeleteRole_PolicyAndConflict(t *testing.T) {
	env := newTestEnv(t)
	admin := env.tokenFor(t, "admin@example.com")

	rec := env.do(http.MethodDelete, "/api/roles/Editor?onDelete=reassign&reassignTo=9", admin, "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	require.Len(t, env.core.policies, 1)
	assert.Equal(t, "reassign:9", env.core.policies[0].String())

	var p ProblemDetail
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&p))
	assert.Equal(t, "role is held by 2 users", p.Detail)

	rec = env.do(http.MethodDelete, "/api/roles/Editor", admin, "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "block", env.core.policies[1].String())

	rec = env.do(http.MethodDelete, "/api/roles/Editor?onDelete=explode", admin, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetRole_NotFoundIsGeneric(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodGet, "/api/roles/77", env.tokenFor(t, "admin@example.com"), "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	var p ProblemDetail
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&p))
	assert.Empty(t, p.Detail)
}

func TestCreateRole_SuperuserFlagNeedsSuperuser(t *testing.T) {
	env := newTestEnv(t)
	env.core.snapshots["editor@example.com"].Permissions = []permkit.Grant{
		{Module: "Roles", AllowedActions: []permkit.Action{permkit.ActionRead, permkit.ActionCreate}},
	}

	rec := env.do(http.MethodPost, "/api/roles", env.tokenFor(t, "editor@example.com"), `{"name":"Root","superuser":true}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestLogout_ClearsCookie(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodPost, "/api/auth/logout", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Empty(t, cookies[0].Value)
	assert.True(t, cookies[0].MaxAge < 0)
}

func TestRouter_HealthAndRequestID(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(permkit.RequestIDHeader))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(permkit.RequestIDHeader, "req-1")
	rec = httptest.NewRecorder()
	env.server.ServeHTTP(rec, req)
	assert.Equal(t, "req-1", rec.Header().Get(permkit.RequestIDHeader))
}

func TestListUsers(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodGet, "/api/users?search=ada&limit=5&offset=10", env.tokenFor(t, "admin@example.com"), "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp userListResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, 31, resp.Total)
	require.Len(t, resp.Users, 1)
	assert.Equal(t, "ada@example.com", resp.Users[0].Email)
	assert.Equal(t, permkit.UserFilter{Search: "ada", Limit: 5, Offset: 10}, env.core.userFilter)

	rec = env.do(http.MethodGet, "/api/users", env.tokenFor(t, "editor@example.com"), "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(http.MethodGet, "/api/users?limit=many", env.tokenFor(t, "admin@example.com"), "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUpdateUser(t *testing.T) {
	env := newTestEnv(t)
	admin := env.tokenFor(t, "admin@example.com")

	rec := env.do(http.MethodPut, "/api/users/7", admin, `{"name":"Ada L","email":"new@example.com"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var user permkit.User
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&user))
	assert.Equal(t, "new@example.com", user.Email)

	require.Len(t, env.core.updates, 1)
	require.NotNil(t, env.core.updates[0].Name)
	assert.Equal(t, "Ada L", *env.core.updates[0].Name)
	assert.Nil(t, env.core.updates[0].RoleID)

	rec = env.do(http.MethodPut, "/api/users/7", admin, `{"email":"taken@example.com"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = env.do(http.MethodPut, "/api/users/7", env.tokenFor(t, "user@example.com"), `{"name":"X"}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Len(t, env.core.updates, 2)
}

func TestRouter_TrustProxy(t *testing.T) {
	env := newTestEnv(t)
	h := NewHandler(env.core, env.issuer, env.issuer, Options{})

	tests := []struct {
		name  string
		trust bool
		want  string
	}{
		{"peer address by default", false, "192.0.2.10"},
		{"forwarded address behind a proxy", true, "203.0.113.7"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var ip string
			router := NewRouter(h, RouterConfig{
				TrustProxy: tt.trust,
				HealthCheck: func(w http.ResponseWriter, r *http.Request) {
					ip = permkit.GetIPAddress(r.Context())
					w.WriteHeader(http.StatusOK)
				},
			})
			req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
			req.RemoteAddr = "192.0.2.10:4000"
			req.Header.Set("X-Forwarded-For", "203.0.113.7")
			router.ServeHTTP(httptest.NewRecorder(), req)
			assert.Equal(t, tt.want, ip)
		})
	}
}
