package permkit

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memorySink struct {
	entries []*AuditEntry
	err     error
}

func (m *memorySink) Record(_ context.Context, entry *AuditEntry) error {
	m.entries = append(m.entries, entry)
	return m.err
}

type memoryCache struct {
	stored  []int64
	deleted []int64
	err     error
	onSet   func()
}

func (m *memoryCache) Get(context.Context, int64) (*ActorSnapshot, error) { return nil, nil }

func (m *memoryCache) Set(_ context.Context, snap *ActorSnapshot) error {
	m.stored = append(m.stored, snap.UserID)
	if m.onSet != nil {
		m.onSet()
	}
	return nil
}

func (m *memoryCache) Delete(_ context.Context, ids ...int64) error {
	m.deleted = append(m.deleted, ids...)
	return m.err
}

func bufferLogger() (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return slog.New(slog.NewTextHandler(&buf, nil)), &buf
}

func TestNewService_Options(t *testing.T) {
	registry := DefaultRegistry()
	policy := SuperuserPolicy{RoleNames: []string{"Root"}}
	sink := &memorySink{}
	cache := &memoryCache{}

	s := NewService(nil,
		WithModuleRegistry(registry),
		WithSuperuserPolicy(policy),
		WithAuditSink(sink),
		WithSnapshotCache(cache),
		WithLiveLookups(),
		WithVersionCheck(),
		WithLogger(nil),
	)

	assert.Same(t, registry, s.Registry())
	assert.Equal(t, policy, s.SuperuserPolicy())
	assert.Same(t, sink, s.audit)
	assert.Same(t, cache, s.cache)
	assert.True(t, s.liveLookups)
	assert.True(t, s.versionCheck)
	assert.NotNil(t, s.logger)
	assert.True(t, s.Checker(Actor{RoleName: "Root"}).IsSuperuser())
}

func TestNewService_Defaults(t *testing.T) {
	s := NewService(nil, WithAuditSink(nil))
	assert.Nil(t, s.Registry())
	assert.Equal(t, DefaultSuperuserPolicy(), s.SuperuserPolicy())
	assert.IsType(t, &dbAuditSink{}, s.audit)
	assert.Nil(t, s.cache)
	assert.NotNil(t, s.txMonitor)
}

func editorSnapshot() *ActorSnapshot {
	return &ActorSnapshot{
		UserID:   2,
		Name:     "Ed",
		RoleID:   4,
		RoleName: "Editor",
		Permissions: []Grant{
			{Module: "Blog", AllowedActions: []Action{ActionRead, ActionUpdate}},
		},
	}
}

// These paths decide from the snapshot alone, so the service needs no store.
func TestAuthorize_FromSnapshot(t *testing.T) {
	s := NewService(nil)
	ctx := context.Background()
	editor := editorSnapshot().Actor()

	tests := []struct {
		name   string
		actor  Actor
		module string
		action Action
		want   Decision
	}{
		{"granted", editor, "Blog", ActionRead, Allow()},
		{"case insensitive", editor, "bLOG", "update", Allow()},
		{"action blocked", editor, "Blog", ActionDelete, Deny(ReasonActionBlocked)},
		{"module not granted", editor, "Users", ActionRead, Deny(ReasonNoPermission)},
		{"no role", (&ActorSnapshot{UserID: 3}).Actor(), "Blog", ActionRead, Deny(ReasonNoRole)},
		{"admin by name", Actor{UserID: 1, RoleName: "Admin"}, "Anything", ActionDelete, Allow()},
		{"superuser flag", Actor{UserID: 1, Superuser: true}, "Reports", ActionCreate, Allow()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.Authorize(ctx, tt.actor, tt.module, tt.action)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAuthorize_InvalidInput(t *testing.T) {
	s := NewService(nil, WithModuleRegistry(DefaultRegistry()))
	ctx := context.Background()
	editor := editorSnapshot().Actor()

	_, err := s.Authorize(ctx, Actor{}, "Blog", ActionRead)
	assert.True(t, IsUnauthenticated(err))

	_, err = s.Authorize(ctx, editor, "Blog", "PUBLISH")
	assert.True(t, IsValidation(err))

	_, err = s.Authorize(ctx, editor, "  ", ActionRead)
	assert.True(t, IsValidation(err))

	_, err = s.Authorize(ctx, editor, "Inventory", ActionRead)
	assert.True(t, IsValidation(err))

	got, err := s.Authorize(ctx, editor, "blog", ActionRead)
	require.NoError(t, err)
	assert.True(t, got.Allowed)

	// Superusers are allowed before the module is looked up.
	admin := Actor{UserID: 1, RoleName: "Admin"}
	got, err = s.Authorize(ctx, admin, "Inventory", ActionRead)
	require.NoError(t, err)
	assert.True(t, got.Allowed)
}

func TestAuthorize_RegistryNarrowsActions(t *testing.T) {
	registry := NewRegistry()
	registry.DefineModule("Blog").Actions(ActionRead, ActionUpdate)
	s := NewService(nil, WithModuleRegistry(registry))
	ctx := context.Background()

	wide := &ActorSnapshot{
		UserID:   3,
		RoleID:   5,
		RoleName: "Writer",
		Permissions: []Grant{
			{Module: "Blog", AllowedActions: AllActions()},
		},
	}

	_, err := s.Authorize(ctx, wide.Actor(), "Blog", ActionDelete)
	require.Error(t, err)
	assert.True(t, IsValidation(err))
	assert.Contains(t, err.Error(), "not supported")

	got, err := s.Authorize(ctx, wide.Actor(), "BLOG", ActionUpdate)
	require.NoError(t, err)
	assert.True(t, got.Allowed)

	got, err = s.Authorize(ctx, Actor{UserID: 1, RoleName: "Admin"}, "Blog", ActionDelete)
	require.NoError(t, err)
	assert.True(t, got.Allowed)
}

func TestRequire(t *testing.T) {
	s := NewService(nil)
	ctx := context.Background()
	editor := editorSnapshot().Actor()

	assert.NoError(t, s.Require(ctx, editor, "Blog", ActionRead))

	err := s.Require(ctx, editor, "Blog", ActionDelete)
	require.Error(t, err)
	assert.True(t, IsForbidden(err))
	var pe *Error
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "Blog", pe.Module)
	assert.Equal(t, int64(2), pe.UserID)
}

func TestRecordAudit_FillsRequestMetadata(t *testing.T) {
	sink := &memorySink{}
	s := NewService(nil, WithAuditSink(sink))

	ctx := WithActor(context.Background(), Actor{UserID: 5, Name: "Ada"})
	ctx = WithAuditContext(ctx, AuditContext{IPAddress: "10.0.0.2", UserAgent: "ua", RequestID: "r-1"})

	s.recordAudit(ctx, &AuditEntry{ActionType: AuditActionCreate, EntityType: EntityRole, Description: "Created role Editor"})

	require.Len(t, sink.entries, 1)
	e := sink.entries[0]
	assert.Equal(t, int64(5), e.PerformedByID)
	assert.Equal(t, "Ada", e.PerformedByName)
	assert.Equal(t, "10.0.0.2", e.IPAddress)
	assert.Equal(t, "ua", e.UserAgent)
	assert.Equal(t, "r-1", e.RequestID)
}

func TestRecordAudit_ExplicitPerformerWins(t *testing.T) {
	sink := &memorySink{}
	s := NewService(nil, WithAuditSink(sink))
	ctx := WithActor(context.Background(), Actor{UserID: 5, Name: "Ada"})

	s.recordAudit(ctx, &AuditEntry{PerformedByID: 9, PerformedByName: "self"})
	assert.Equal(t, int64(9), sink.entries[0].PerformedByID)
	assert.Equal(t, "self", sink.entries[0].PerformedByName)
}

func TestRecordAudit_FailureIsSwallowed(t *testing.T) {
	logger, buf := bufferLogger()
	sink := &memorySink{err: errors.New("disk full")}
	s := NewService(nil, WithAuditSink(sink), WithLogger(logger))

	assert.NotPanics(t, func() {
		s.recordAudit(context.Background(), &AuditEntry{ActionType: AuditActionDelete, EntityType: EntityUser})
	})
	assert.Contains(t, buf.String(), "audit record failed")
	assert.Contains(t, buf.String(), "disk full")
}

func TestInvalidateSnapshots(t *testing.T) {
	logger, buf := bufferLogger()
	cache := &memoryCache{}
	s := NewService(nil, WithSnapshotCache(cache), WithLogger(logger))

	s.invalidateSnapshots(context.Background())
	assert.Empty(t, cache.deleted)

	s.invalidateSnapshots(context.Background(), 3, 4)
	assert.Equal(t, []int64{3, 4}, cache.deleted)

	cache.err = errors.New("redis down")
	s.invalidateSnapshots(context.Background(), 5)
	assert.Contains(t, buf.String(), "snapshot invalidation failed")

	// Without a cache nothing is touched.
	assert.NotPanics(t, func() {
		NewService(nil).invalidateSnapshots(context.Background(), 1)
		NewService(nil).invalidateRole(context.Background(), 1)
	})
}

func TestClassifyStoreError_Default(t *testing.T) {
	cause := errors.New("connection reset")
	err := classifyStoreError("CreateRole", cause)
	assert.True(t, IsStore(err))
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "permkit: store error: CreateRole", err.Error())
}

func TestEscapeLike(t *testing.T) {
	assert.Equal(t, `50\% off\_now \\o/`, escapeLike(`50% off_now \o/`))
	assert.Equal(t, "plain", escapeLike("plain"))
}

func TestStoreSnapshot(t *testing.T) {
	ctx := context.Background()
	snap := editorSnapshot()

	t.Run("stores when nothing changed", func(t *testing.T) {
		c := &memoryCache{}
		s := NewService(nil, WithSnapshotCache(c))
		s.storeSnapshot(ctx, snap, s.invalidations.Load())
		assert.Equal(t, []int64{snap.UserID}, c.stored)
		assert.Empty(t, c.deleted)
	})

	t.Run("skips a load older than an invalidation", func(t *testing.T) {
		c := &memoryCache{}
		s := NewService(nil, WithSnapshotCache(c))
		seen := s.invalidations.Load()
		s.invalidateSnapshots(ctx, 99)
		s.storeSnapshot(ctx, snap, seen)
		assert.Empty(t, c.stored)
	})

	t.Run("removes an entry when invalidation races the write", func(t *testing.T) {
		c := &memoryCache{}
		s := NewService(nil, WithSnapshotCache(c))
		c.onSet = func() { s.invalidations.Add(1) }
		s.storeSnapshot(ctx, snap, s.invalidations.Load())
		assert.Equal(t, []int64{snap.UserID}, c.stored)
		assert.Equal(t, []int64{snap.UserID}, c.deleted)
	})
}
