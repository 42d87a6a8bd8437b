package permkit

import (
	"log/slog"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"github.com/fernandezvara/dbkit"
)

// Service provides authorization checks and role/permission management.
// It integrates with the database through dbkit with enhanced error handling.
//
// Error Handling:
// Store failures are wrapped with dbkit's chainable error wrapping and then
// classified into the package sentinels, so callers only need errors.Is:
//
//	role, err := service.SetPermissions(ctx, roleID, "Editor", assignments)
//	switch {
//	case permkit.IsValidation(err):
//	    // 400
//	case permkit.IsConflict(err):
//	    // 409, another role already has that name
//	case permkit.IsNotFound(err):
//	    // 404
//	case err != nil:
//	    // 500, the store failed and nothing was applied
//	}
//
// The wrapped dbkit error stays reachable through errors.As:
//
//	var dbErr *dbkit.Error
//	if errors.As(err, &dbErr) {
//	    fmt.Printf("Operation: %s, Table: %s\n", dbErr.Operation, dbErr.Table)
//	}
type Service struct {
	db           dbkit.IDB
	logger       *slog.Logger
	registry     *Registry
	policy       SuperuserPolicy
	audit        AuditSink
	cache        SnapshotCache
	liveLookups  bool
	versionCheck bool
	txMonitor    *transactionMonitor
	loads        singleflight.Group

	// invalidations counts snapshot invalidations; loads started before a
	// change must not write the cache.
	invalidations atomic.Uint64
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger used for swallowed side-effect failures.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithModuleRegistry restricts modules to those defined in registry or created
// through the catalog. Unknown module names and actions a module does not
// support are then rejected instead of silently denied.
func WithModuleRegistry(registry *Registry) Option {
	return func(s *Service) {
		s.registry = registry
	}
}

// WithSuperuserPolicy replaces the default "Admin" superuser policy.
func WithSuperuserPolicy(policy SuperuserPolicy) Option {
	return func(s *Service) {
		s.policy = policy
	}
}

// WithAuditSink replaces the default audit sink, which writes to the reports table.
func WithAuditSink(sink AuditSink) Option {
	return func(s *Service) {
		if sink != nil {
			s.audit = sink
		}
	}
}

// WithSnapshotCache enables snapshot caching.
func WithSnapshotCache(cache SnapshotCache) Option {
	return func(s *Service) {
		s.cache = cache
	}
}

// WithLiveLookups makes Authorize ignore snapshot grants and read the role from the store.
func WithLiveLookups() Option {
	return func(s *Service) {
		s.liveLookups = true
	}
}

// WithVersionCheck makes Authorize reject snapshots whose permissions version
// no longer matches the stored role.
func WithVersionCheck() Option {
	return func(s *Service) {
		s.versionCheck = true
	}
}

// NewService creates a new PermKit service.
//
// Example:
//
//	db, _ := dbkit.New(dbkit.Config{URL: "postgres://..."})
//	service := permkit.NewService(db,
//	    permkit.WithModuleRegistry(permkit.DefaultRegistry()),
//	    permkit.WithLogger(logger),
//	)
func NewService(db dbkit.IDB, opts ...Option) *Service {
	s := &Service{
		db:        db,
		logger:    slog.Default(),
		policy:    DefaultSuperuserPolicy(),
		txMonitor: newTransactionMonitor(),
	}
	s.audit = &dbAuditSink{db: db}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Registry returns the module registry, or nil when modules are not restricted.
func (s *Service) Registry() *Registry {
	return s.registry
}

// SuperuserPolicy returns the policy used by the evaluator.
func (s *Service) SuperuserPolicy() SuperuserPolicy {
	return s.policy
}

// Checker returns a store-free Checker for actor using the service's superuser policy.
func (s *Service) Checker(actor Actor) *Checker {
	return NewChecker(actor, s.policy)
}
